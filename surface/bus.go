package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/vinayprograms/taskboard/bus"
	"github.com/vinayprograms/taskboard/logging"
	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/telemetry"
)

// Reply error codes carried in Reply.Error.Code.
const (
	CodeNotFound    = "not_found"
	CodeForbidden   = "forbidden"
	CodeRateLimited = "rate_limited"
	CodeFailed      = "failed"
)

// PostRequest is the body of a post request.
type PostRequest struct {
	ChannelID string         `json:"channel_id"`
	Content   render.Content `json:"content"`
}

// RefRequest is the body of a delete or fetch request.
type RefRequest struct {
	Ref store.MessageRef `json:"ref"`
}

// Reply is the body of every surface reply.
type Reply struct {
	Ref    store.MessageRef `json:"ref,omitempty"`
	Exists bool             `json:"exists,omitempty"`
	Error  *ReplyError      `json:"error,omitempty"`
}

// ReplyError describes a failed surface call.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// err converts a reply error back into a Go error.
func (e *ReplyError) err() error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case CodeNotFound:
		return ErrNotFound
	case CodeForbidden:
		return ErrForbidden
	case CodeRateLimited:
		return fmt.Errorf("%w: %s", ErrThrottled, e.Message)
	}
	return fmt.Errorf("surface: %s", e.Message)
}

// replyError converts a Go error into its wire form.
func replyError(err error) *ReplyError {
	if err == nil {
		return nil
	}
	code := CodeFailed
	switch {
	case errors.Is(err, ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, ErrForbidden):
		code = CodeForbidden
	case errors.Is(err, ErrThrottled):
		code = CodeRateLimited
	}
	return &ReplyError{Code: code, Message: err.Error()}
}

// BusSurface sends surface calls as bus requests to a Responder. The
// caller's context bounds each wait.
type BusSurface struct {
	bus      bus.MessageBus
	subjects bus.Subjects
}

// NewBusSurface creates a surface client on b.
func NewBusSurface(b bus.MessageBus, subjects bus.Subjects) *BusSurface {
	return &BusSurface{bus: b, subjects: subjects}
}

// Post asks the gateway to post content to channelID.
func (s *BusSurface) Post(ctx context.Context, channelID string, content render.Content) (store.MessageRef, error) {
	reply, err := s.call(ctx, s.subjects.SurfacePost(), PostRequest{ChannelID: channelID, Content: content})
	if err != nil {
		return "", err
	}
	if reply.Ref == "" {
		return "", errors.New("surface: post reply carried no reference")
	}
	return reply.Ref, nil
}

// Delete asks the gateway to delete ref.
func (s *BusSurface) Delete(ctx context.Context, ref store.MessageRef) error {
	_, err := s.call(ctx, s.subjects.SurfaceDelete(), RefRequest{Ref: ref})
	return err
}

// Fetch asks the gateway whether ref exists.
func (s *BusSurface) Fetch(ctx context.Context, ref store.MessageRef) (bool, error) {
	reply, err := s.call(ctx, s.subjects.SurfaceFetch(), RefRequest{Ref: ref})
	if err != nil {
		return false, err
	}
	return reply.Exists, nil
}

func (s *BusSurface) call(ctx context.Context, subject string, body interface{}) (*Reply, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	header := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, header)

	resp, err := s.bus.Request(ctx, &bus.Message{Subject: subject, Data: data, Header: header})
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	var reply Reply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, fmt.Errorf("surface: decode reply: %w", err)
	}
	if err := reply.Error.err(); err != nil {
		return nil, err
	}
	return &reply, nil
}

var _ Surface = (*BusSurface)(nil)

// Responder is the gateway half of BusSurface. It answers surface requests
// from the bus with a concrete Surface, normally the chat client.
type Responder struct {
	bus      bus.MessageBus
	subjects bus.Subjects
	backend  Surface
	queue    string
	log      *logging.Logger

	mu     sync.Mutex
	subs   []bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithResponderQueue sets the queue group shared by gateway replicas.
func WithResponderQueue(queue string) ResponderOption {
	return func(r *Responder) {
		r.queue = queue
	}
}

// WithResponderLogger sets the logger.
func WithResponderLogger(l *logging.Logger) ResponderOption {
	return func(r *Responder) {
		r.log = l.WithComponent("surface-responder")
	}
}

// NewResponder creates a responder serving backend.
func NewResponder(b bus.MessageBus, subjects bus.Subjects, backend Surface, opts ...ResponderOption) *Responder {
	r := &Responder{
		bus:      b,
		subjects: subjects,
		backend:  backend,
		queue:    "taskboard-surface",
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to the surface subjects and serves until ctx ends or
// Stop is called.
func (r *Responder) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, []byte) Reply{
		r.subjects.SurfacePost():   r.handlePost,
		r.subjects.SurfaceDelete(): r.handleDelete,
		r.subjects.SurfaceFetch():  r.handleFetch,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, r.cancel = context.WithCancel(ctx)
	for subject, handle := range handlers {
		sub, err := r.bus.QueueSubscribe(subject, r.queue)
		if err != nil {
			r.cancel()
			r.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
		r.wg.Add(1)
		go r.serve(ctx, sub, handle)
	}
	return nil
}

func (r *Responder) serve(ctx context.Context, sub bus.Subscription, handle func(context.Context, []byte) Reply) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			reqCtx := telemetry.ExtractContext(ctx, telemetry.MapCarrier(msg.Header))
			reply := handle(reqCtx, msg.Data)
			data, err := json.Marshal(reply)
			if err != nil {
				continue
			}
			if err := bus.Respond(r.bus, msg, data); err != nil {
				r.log.Warn("reply_failed", map[string]interface{}{
					"subject": msg.Subject,
					"error":   err.Error(),
				})
			}
		}
	}
}

func (r *Responder) handlePost(ctx context.Context, data []byte) Reply {
	var req PostRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ChannelID == "" {
		return Reply{Error: &ReplyError{Code: CodeFailed, Message: "malformed post request"}}
	}
	ref, err := r.backend.Post(ctx, req.ChannelID, req.Content)
	if err != nil {
		r.log.Warn("post_failed", map[string]interface{}{"channel": req.ChannelID, "error": err.Error()})
		return Reply{Error: replyError(err)}
	}
	return Reply{Ref: ref}
}

func (r *Responder) handleDelete(ctx context.Context, data []byte) Reply {
	var req RefRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Ref == "" {
		return Reply{Error: &ReplyError{Code: CodeFailed, Message: "malformed delete request"}}
	}
	return Reply{Error: replyError(r.backend.Delete(ctx, req.Ref))}
}

func (r *Responder) handleFetch(ctx context.Context, data []byte) Reply {
	var req RefRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Ref == "" {
		return Reply{Error: &ReplyError{Code: CodeFailed, Message: "malformed fetch request"}}
	}
	exists, err := r.backend.Fetch(ctx, req.Ref)
	if err != nil {
		return Reply{Error: replyError(err)}
	}
	return Reply{Exists: exists}
}

// Stop unsubscribes and waits for in-flight requests.
func (r *Responder) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.unsubscribeLocked()
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Responder) unsubscribeLocked() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}
