package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig tunes one adapter session.
type WebSocketConfig struct {
	Config

	WriteTimeout time.Duration

	// PingInterval sends keepalive pings; 0 disables them.
	PingInterval time.Duration

	// PongTimeout drops a peer that stays silent this long; 0 never does.
	// Keep it above PingInterval.
	PongTimeout time.Duration

	MaxMessageSize int64
}

// DefaultWebSocketConfig returns the settings the RPC endpoint uses.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	def := DefaultConfig()
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = def.RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	return c
}

// NewWebSocketUpgrader accepts the listed Origin headers only. With no
// origins every request is accepted; chat adapters are not browsers.
func NewWebSocketUpgrader(origins ...string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// WebSocketTransport runs one session over a WebSocket. Only the write
// loop writes data frames; control frames may be written from anywhere.
type WebSocketTransport struct {
	conn *websocket.Conn
	cfg  WebSocketConfig

	recv chan *InboundMessage
	send chan *OutboundMessage

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport wraps an upgraded connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	cfg = cfg.withDefaults()
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if cfg.PongTimeout > 0 {
		extend := func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		}
		extend("")
		conn.SetPongHandler(extend)
	}
	return &WebSocketTransport{
		conn: conn,
		cfg:  cfg,
		recv: make(chan *InboundMessage, cfg.RecvBufferSize),
		send: make(chan *OutboundMessage, cfg.SendBufferSize),
		done: make(chan struct{}),
	}
}

func (t *WebSocketTransport) Recv() <-chan *InboundMessage { return t.recv }

func (t *WebSocketTransport) Send(msg *OutboundMessage) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run reads and writes until ctx ends or the peer goes away. Recv is
// closed when Run returns.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		t.readLoop()
	}()
	go func() {
		defer close(writerDone)
		t.writeLoop()
	}()

	var err error
	select {
	case <-readerDone:
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.Close()
	<-readerDone
	<-writerDone
	return err
}

// Close says goodbye to the peer and drops the connection. Replies still
// queued are discarded. Safe to call more than once.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.recv)
	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, perr := ParseInbound(frame)
		if perr != nil {
			if t.Send(errorResponse(frame, perr)) != nil {
				return
			}
			continue
		}
		select {
		case t.recv <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *WebSocketTransport) writeLoop() {
	var ping <-chan time.Time
	if t.cfg.PingInterval > 0 {
		ticker := time.NewTicker(t.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		var err error
		select {
		case <-t.done:
			return
		case <-ping:
			err = t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		case msg := <-t.send:
			err = t.writeFrame(msg)
		}
		if err != nil {
			// The read side sees the dropped connection and ends Run.
			t.conn.Close()
			return
		}
	}
}

func (t *WebSocketTransport) writeFrame(msg *OutboundMessage) error {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return nil // skip the frame, keep the session
	}
	if t.cfg.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
