package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrClosed is returned by Send once the session is closed.
	ErrClosed = errors.New("transport closed")

	// ErrSendTimeout is returned when the send queue stays full.
	ErrSendTimeout = errors.New("send timeout")
)

// Transport is one JSON-RPC session with a single peer, typically a chat
// adapter connected over WebSocket.
type Transport interface {
	// Recv delivers parsed messages. It is closed when the session ends.
	Recv() <-chan *InboundMessage

	// Send queues msg for the peer, or returns ErrClosed.
	Send(msg *OutboundMessage) error

	// Run pumps messages until ctx ends or the peer leaves. A peer
	// leaving is not an error.
	Run(ctx context.Context) error

	// Close ends the session. Queued replies are dropped.
	Close() error
}

// InboundMessage is a request (it has an id) or a notification.
type InboundMessage struct {
	Request      *Request
	Notification *Notification
	Raw          json.RawMessage
}

// OutboundMessage is a response or a server-initiated notification.
type OutboundMessage struct {
	Response     *Response
	Notification *Notification
}

// envelope is every field ParseInbound looks at, decoded once.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func invalidRequest(detail string) *Error {
	return &Error{Code: InvalidRequest, Message: "Invalid Request", Data: detail}
}

// ParseInbound decodes one frame. A malformed frame yields an *Error with
// the code to answer with.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case env.JSONRPC != "2.0":
		return nil, invalidRequest("jsonrpc must be 2.0")
	case env.Method == "":
		return nil, invalidRequest("method is required")
	}

	msg := &InboundMessage{Raw: data}
	if len(env.ID) == 0 || string(env.ID) == "null" {
		n := &Notification{JSONRPC: env.JSONRPC, Method: env.Method}
		if len(env.Params) > 0 {
			n.Params = env.Params
		}
		msg.Notification = n
		return msg, nil
	}

	var id interface{}
	if err := json.Unmarshal(env.ID, &id); err != nil {
		return nil, invalidRequest("id must be a string or a number")
	}
	switch id.(type) {
	case string, float64:
	default:
		return nil, invalidRequest("id must be a string or a number")
	}
	msg.Request = &Request{JSONRPC: env.JSONRPC, ID: id, Method: env.Method, Params: env.Params}
	return msg, nil
}

// requestID recovers the id of a frame that failed to parse so the error
// reply can still be correlated. Nil when there is none.
func requestID(raw []byte) interface{} {
	var env struct {
		ID interface{} `json:"id"`
	}
	if json.Unmarshal(raw, &env) != nil {
		return nil
	}
	switch env.ID.(type) {
	case string, float64:
		return env.ID
	}
	return nil
}

// MarshalOutbound encodes msg for the wire.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	switch {
	case msg.Response != nil:
		return json.Marshal(msg.Response)
	case msg.Notification != nil:
		return json.Marshal(msg.Notification)
	}
	return nil, errors.New("empty outbound message")
}

// Config sizes a session's queues.
type Config struct {
	// RecvBufferSize bounds parsed messages waiting for the server.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize bounds replies waiting for the socket.
	// Default: 100
	SendBufferSize int
}

// DefaultConfig returns the default queue sizes.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
	}
}
