// Package transport serves JSON-RPC 2.0 to chat adapters over WebSocket.
//
// # Overview
//
// A Transport moves JSON-RPC messages to and from one peer through
// channels. Server reads requests off a transport, runs them concurrently
// against a Handler and sends the replies back. WebSocketHandler is the
// http.Handler that authenticates a connection, wraps it in a
// WebSocketTransport and hands it to a Server.
//
//	srv := transport.NewServer(handler, transport.WithServerLogger(log))
//	ws := transport.NewWebSocketHandler(srv, transport.WithToken(token))
//	http.Handle("/rpc", ws)
//
// Client is the other end, used by the CLI:
//
//	c, err := transport.Dial(ctx, "ws://127.0.0.1:8750/rpc", token)
//	err = c.Call(ctx, "task.claim", params, &result)
//
// # Errors
//
// Handler errors become JSON-RPC errors through ErrorFor: *Error values pass
// through unchanged, invalid input maps to InvalidParams, a missing task to
// NotFound. Anything else is an InternalError.
//
// # Thread Safety
//
// All transport methods are safe for concurrent use. The Recv() channel
// is closed when the transport shuts down.
package transport
