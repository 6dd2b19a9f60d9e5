package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskboard/bus"
	taskerr "github.com/vinayprograms/taskboard/errors"
	"github.com/vinayprograms/taskboard/lifecycle"
	"github.com/vinayprograms/taskboard/logging"
	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/telemetry"
)

// Action event types.
const (
	ActionClaim           = "claim"
	ActionComplete        = "complete"
	ActionCreate          = "create"
	ActionResync          = "resync"
	ActionSetup           = "setup"
	ActionMessageDeleted  = "message_deleted"
	ActionWorkspaceJoined = "workspace_joined"
	ActionWorkspaceLeft   = "workspace_left"
)

// Action is one event from a chat adapter: a button press, a slash
// command, or a surface notification.
type Action struct {
	Type string `json:"type"`

	// ActionID is a raw button id such as "claim_task_42". When set it
	// supplies Type and TaskID.
	ActionID string `json:"action_id,omitempty"`

	TaskID           int64            `json:"task_id,omitempty"`
	ActorID          string           `json:"actor_id,omitempty"`
	WorkspaceID      string           `json:"workspace_id,omitempty"`
	ChannelID        string           `json:"channel_id,omitempty"`
	SourceMessageRef store.MessageRef `json:"source_message_ref,omitempty"`

	// Description is the text of a create command.
	Description string `json:"description,omitempty"`

	// Slot is the route a setup command binds to ChannelID.
	Slot string `json:"slot,omitempty"`
}

// resolve fills Type and TaskID from ActionID.
func (a *Action) resolve() error {
	if a.ActionID == "" {
		return nil
	}
	action, id, err := render.ParseActionID(a.ActionID)
	if err != nil {
		return err
	}
	a.Type, a.TaskID = string(action), id
	return nil
}

// Dispatch runs a against ctl.
func Dispatch(ctx context.Context, ctl Controller, a Action) lifecycle.Result {
	if err := a.resolve(); err != nil {
		return invalid(err.Error())
	}

	switch a.Type {
	case ActionClaim:
		return ctl.Claim(ctx, a.TaskID, a.ActorID, a.SourceMessageRef)
	case ActionComplete:
		return ctl.Complete(ctx, a.TaskID, a.ActorID, a.SourceMessageRef)
	case ActionCreate:
		return ctl.Create(ctx, a.WorkspaceID, a.Description, a.ActorID)
	case ActionResync:
		return ctl.Resync(ctx, a.WorkspaceID)
	case ActionSetup:
		return ctl.SetRoute(ctx, a.WorkspaceID, a.Slot, a.ChannelID)
	case ActionMessageDeleted:
		return ctl.DiscardByMessage(ctx, a.SourceMessageRef)
	case ActionWorkspaceJoined:
		return ctl.Welcome(ctx, a.WorkspaceID, a.ChannelID)
	case ActionWorkspaceLeft:
		return ctl.Teardown(ctx, a.WorkspaceID)
	}
	return invalid(fmt.Sprintf("unknown action type %q", a.Type))
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Subject carries action events. Default: "<prefix>.actions".
	Subject string

	// Queue spreads events over controller replicas.
	// Default: "taskboard"
	Queue string

	// MaxConcurrent bounds the events handled at once.
	// Default: 16
	MaxConcurrent int
}

// Listener consumes action events from the bus and replies with the
// result when the event asks for one.
type Listener struct {
	bus    bus.MessageBus
	ctl    Controller
	config ListenerConfig
	tracer *telemetry.Tracer
	log    *logging.Logger

	mu     sync.Mutex
	sub    bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ListenerOption {
	return func(ls *Listener) {
		ls.log = l
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) ListenerOption {
	return func(ls *Listener) {
		ls.tracer = t
	}
}

// NewListener creates a listener that drives ctl.
func NewListener(b bus.MessageBus, ctl Controller, cfg ListenerConfig, opts ...ListenerOption) *Listener {
	if cfg.Subject == "" {
		cfg.Subject = bus.NewSubjects("").Actions()
	}
	if cfg.Queue == "" {
		cfg.Queue = "taskboard"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	l := &Listener{
		bus:    b,
		ctl:    ctl,
		config: cfg,
		tracer: telemetry.GetTracer(),
		log:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithComponent("actions")
	return l
}

// Start subscribes and begins handling events.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, err := l.bus.QueueSubscribe(l.config.Subject, l.config.Queue)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.config.Subject, err)
	}
	l.sub = sub

	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx, sub)

	l.log.Info("listening", map[string]interface{}{"subject": l.config.Subject, "queue": l.config.Queue})
	return nil
}

func (l *Listener) run(ctx context.Context, sub bus.Subscription) {
	defer l.wg.Done()
	sem := make(chan struct{}, l.config.MaxConcurrent)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				defer func() { <-sem }()
				// Stop must not abort a transition halfway.
				l.handle(context.WithoutCancel(ctx), msg)
			}()
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg *bus.Message) {
	traceID := msg.TraceID()
	if traceID == "" {
		traceID = uuid.NewString()
	}
	log := l.log.WithTraceID(traceID)
	ctx = telemetry.ExtractContext(ctx, telemetry.MapCarrier(msg.Header))

	var res lifecycle.Result
	var action Action
	if err := json.Unmarshal(msg.Data, &action); err != nil {
		res = invalid("malformed action event")
		log.Warn("malformed_action", map[string]interface{}{"error": err.Error()})
	} else {
		spanCtx, span := l.tracer.StartSpan(ctx, "action."+action.Type)
		res = Dispatch(spanCtx, l.ctl, action)
		span.End()
		log.Info("action_handled", map[string]interface{}{
			"type":     action.Type,
			"task":     res.TaskID,
			"outcome":  string(res.Outcome),
			"degraded": res.Degraded,
		})
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		log.Error("encode_result_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	reply := &bus.Message{
		Subject: msg.Reply,
		Data:    data,
		Header:  map[string]string{bus.HeaderTraceID: traceID},
	}
	if err := l.bus.PublishMsg(reply); err != nil {
		log.Warn("reply_failed", map[string]interface{}{"error": err.Error()})
	}
}

// Stop unsubscribes and waits for in-flight events.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	if l.sub != nil {
		_ = l.sub.Unsubscribe()
		l.sub = nil
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// invalid is the result for events the controller never saw.
func invalid(detail string) lifecycle.Result {
	return lifecycle.Result{
		Outcome: lifecycle.OutcomeInvalidInput,
		Detail:  detail,
		Error:   taskerr.InvalidInput(detail),
	}
}
