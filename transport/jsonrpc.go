package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	taskerr "github.com/vinayprograms/taskboard/errors"
	"github.com/vinayprograms/taskboard/logging"
)

// Request is a call that expects a Response carrying the same ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is the error object of a Response. It also satisfies error so
// handlers can return one directly.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Codes reserved by JSON-RPC 2.0.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Codes in the implementation-defined server range.
const (
	// Unauthorized means the connection presented no valid token.
	Unauthorized = -32001

	// NotFound means the requested task or workspace does not exist.
	NotFound = -32004

	// Canceled means the request context ended before the handler did.
	Canceled = -32008
)

// Notification is a one-way message. Nothing is sent back for it.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Handler runs one method. A non-nil error becomes the Response error
// through ErrorFor.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc lets a plain function serve as a Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

// ErrorFor converts a handler error into a JSON-RPC error. *Error values
// pass through; categorized errors map by code.
func ErrorFor(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var data interface{}
	if te := taskerr.As(err); te != nil {
		data = te
	}

	switch {
	case taskerr.Is(err, taskerr.ErrCodeInvalidInput):
		return &Error{Code: InvalidParams, Message: err.Error(), Data: data}
	case taskerr.Is(err, taskerr.ErrCodeNotFound):
		return &Error{Code: NotFound, Message: err.Error(), Data: data}
	case taskerr.Is(err, taskerr.ErrCodeCanceled), taskerr.Is(err, taskerr.ErrCodeTimeout),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: Canceled, Message: err.Error(), Data: data}
	}
	return &Error{Code: InternalError, Message: "Internal error", Data: err.Error()}
}

// Server dispatches the requests arriving on a transport to a handler.
// Requests run concurrently; responses go back in completion order.
type Server struct {
	handler Handler
	log     *logging.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *logging.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// NewServer creates a JSON-RPC server for handler.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	s := &Server{handler: handler, log: logging.Nop()}
	for _, apply := range opts {
		apply(s)
	}
	s.log = s.log.WithComponent("rpc")
	return s
}

// Serve runs t and handles its messages until ctx ends or the peer goes
// away. In-flight requests finish before Serve returns.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- t.Run(ctx)
	}()

	var inflight sync.WaitGroup
	for msg := range t.Recv() {
		if msg.Request == nil && msg.Notification == nil {
			continue
		}
		inflight.Add(1)
		go func(msg *InboundMessage) {
			defer inflight.Done()
			if msg.Request != nil {
				s.handleRequest(ctx, t, msg.Request)
				return
			}
			s.handleNotification(ctx, msg.Notification)
		}(msg)
	}
	inflight.Wait()

	cancel()
	err := <-runErr
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) handleRequest(ctx context.Context, t Transport, req *Request) {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	var err error
	if resp.Result, err = s.handler.Handle(ctx, req.Method, req.Params); err != nil {
		resp.Result = nil
		resp.Error = ErrorFor(err)
		s.log.Debug("request_failed", map[string]interface{}{
			"method": req.Method, "code": resp.Error.Code, "error": err.Error(),
		})
	}

	if err := t.Send(&OutboundMessage{Response: resp}); err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warn("send_failed", map[string]interface{}{"method": req.Method, "error": err.Error()})
	}
}

// handleNotification runs a notification for its effect; nothing is sent back.
func (s *Server) handleNotification(ctx context.Context, n *Notification) {
	params, err := json.Marshal(n.Params)
	if err != nil {
		return
	}
	if _, err := s.handler.Handle(ctx, n.Method, params); err != nil {
		s.log.Debug("notification_failed", map[string]interface{}{"method": n.Method, "error": err.Error()})
	}
}

// errorResponse builds the reply to a message that could not be parsed.
func errorResponse(raw []byte, parseErr error) *OutboundMessage {
	var rpcErr *Error
	if !errors.As(parseErr, &rpcErr) {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}
	return &OutboundMessage{Response: &Response{JSONRPC: "2.0", ID: requestID(raw), Error: rpcErr}}
}
