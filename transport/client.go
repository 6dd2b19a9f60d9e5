package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client calls a JSON-RPC server over WebSocket. Calls may run
// concurrently; replies are matched to calls by id.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	mu      sync.Mutex // guards pending and writes
	pending map[int64]chan *clientResponse
	err     error
	done    chan struct{}
}

type clientResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Dial connects to url, presenting token when it is set.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &Error{Code: Unauthorized, Message: "unauthorized"}
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan *clientResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call invokes method with params and decodes the result into result,
// which may be nil. A JSON-RPC error is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	id := c.nextID.Add(1)

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	data, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	if err != nil {
		return err
	}

	ch := make(chan *clientResponse, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.pending[id] = ch
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	case <-c.done:
		return c.closeErr()
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.err == nil {
				c.err = fmt.Errorf("connection lost: %w", err)
			}
			c.mu.Unlock()
			return
		}

		var resp clientResponse
		if json.Unmarshal(data, &resp) != nil || resp.ID == 0 {
			// Notifications and uncorrelated errors.
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClosed
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}
