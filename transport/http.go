package transport

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/taskboard/logging"
)

// WebSocketHandler accepts WebSocket connections and serves JSON-RPC on
// each of them until the peer leaves or Close is called.
type WebSocketHandler struct {
	server   *Server
	upgrader *websocket.Upgrader
	config   WebSocketConfig
	token    string
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HandlerOption configures a WebSocketHandler.
type HandlerOption func(*WebSocketHandler)

// WithToken requires clients to send "Authorization: Bearer <token>".
func WithToken(token string) HandlerOption {
	return func(h *WebSocketHandler) {
		h.token = token
	}
}

// WithOrigins restricts the accepted Origin headers.
func WithOrigins(origins ...string) HandlerOption {
	return func(h *WebSocketHandler) {
		h.upgrader = NewWebSocketUpgrader(origins...)
	}
}

// WithWebSocketConfig overrides the per-connection transport settings.
func WithWebSocketConfig(cfg WebSocketConfig) HandlerOption {
	return func(h *WebSocketHandler) {
		h.config = cfg
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *logging.Logger) HandlerOption {
	return func(h *WebSocketHandler) {
		h.log = l
	}
}

// NewWebSocketHandler creates an HTTP handler serving srv.
func NewWebSocketHandler(srv *Server, opts ...HandlerOption) *WebSocketHandler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &WebSocketHandler{
		server:   srv,
		upgrader: NewWebSocketUpgrader(),
		config:   DefaultWebSocketConfig(),
		log:      logging.Nop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.WithComponent("rpc")
	return h
}

// ServeHTTP authenticates, upgrades and serves the connection.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.log.Warn("unauthorized", map[string]interface{}{"remote": r.RemoteAddr})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("upgrade_failed", map[string]interface{}{"remote": r.RemoteAddr, "error": err.Error()})
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	h.log.Info("client_connected", map[string]interface{}{"remote": r.RemoteAddr})
	t := NewWebSocketTransport(conn, h.config)
	if err := h.server.Serve(h.ctx, t); err != nil {
		h.log.Warn("session_ended", map[string]interface{}{"remote": r.RemoteAddr, "error": err.Error()})
		return
	}
	h.log.Info("client_disconnected", map[string]interface{}{"remote": r.RemoteAddr})
}

func (h *WebSocketHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// Close ends every session and waits for in-flight requests, or for ctx.
func (h *WebSocketHandler) Close(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
