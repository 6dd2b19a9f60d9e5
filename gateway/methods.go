package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	taskerr "github.com/vinayprograms/taskboard/errors"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/transport"
)

// TaskParams identifies a task and the actor acting on it.
type TaskParams struct {
	TaskID           int64            `json:"task_id"`
	ActorID          string           `json:"actor_id,omitempty"`
	SourceMessageRef store.MessageRef `json:"source_message_ref,omitempty"`
}

// CreateParams are the parameters of task.create.
type CreateParams struct {
	WorkspaceID string `json:"workspace_id"`
	Description string `json:"description"`
	CreatorID   string `json:"creator_id"`
}

// ListParams are the parameters of task.list.
type ListParams struct {
	WorkspaceID string       `json:"workspace_id"`
	Status      store.Status `json:"status"`
}

// ListResult is the result of task.list.
type ListResult struct {
	Tasks []*store.Task `json:"tasks"`
}

// WorkspaceParams name a workspace, and for set_route and welcome, a
// channel.
type WorkspaceParams struct {
	WorkspaceID string `json:"workspace_id"`
	Slot        string `json:"slot,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
}

type method func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Methods is the JSON-RPC method table over a Controller. Domain outcomes,
// including already_processed, are returned as lifecycle.Result values;
// only malformed calls and missing tasks are JSON-RPC errors.
type Methods struct {
	ctl   Controller
	table map[string]method
}

// NewMethods builds the method table for ctl.
func NewMethods(ctl Controller) *Methods {
	m := &Methods{ctl: ctl}
	m.table = map[string]method{
		"task.create":         m.create,
		"task.claim":          m.claim,
		"task.complete":       m.complete,
		"task.discard":        m.discard,
		"task.get":            m.get,
		"task.list":           m.list,
		"workspace.resync":    m.resync,
		"workspace.set_route": m.setRoute,
		"workspace.routes":    m.routes,
		"workspace.welcome":   m.welcome,
		"workspace.teardown":  m.teardown,
		"action.dispatch":     m.dispatch,
	}
	return m
}

// Names returns the registered method names, sorted.
func (m *Methods) Names() []string {
	names := make([]string, 0, len(m.table))
	for name := range m.table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle implements transport.Handler.
func (m *Methods) Handle(ctx context.Context, name string, params json.RawMessage) (interface{}, error) {
	fn, ok := m.table[name]
	if !ok {
		return nil, &transport.Error{Code: transport.MethodNotFound, Message: "Method not found", Data: name}
	}
	return fn(ctx, params)
}

var _ transport.Handler = (*Methods)(nil)

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return &transport.Error{Code: transport.InvalidParams, Message: "Invalid params", Data: "params are required"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &transport.Error{Code: transport.InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

func (m *Methods) create(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CreateParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return m.ctl.Create(ctx, p.WorkspaceID, p.Description, p.CreatorID), nil
}

func (m *Methods) claim(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TaskParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return m.ctl.Claim(ctx, p.TaskID, p.ActorID, p.SourceMessageRef), nil
}

func (m *Methods) complete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TaskParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return m.ctl.Complete(ctx, p.TaskID, p.ActorID, p.SourceMessageRef), nil
}

func (m *Methods) discard(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TaskParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return m.ctl.Discard(ctx, p.TaskID), nil
}

func (m *Methods) get(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TaskParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	task, err := m.ctl.Get(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, taskerr.NotFound("task not found", taskerr.WithTaskID(p.TaskID))
	}
	if err != nil {
		return nil, taskerr.WrapWithCode(err, taskerr.ErrCodeStorage, "get task", taskerr.WithTaskID(p.TaskID))
	}
	return task, nil
}

func (m *Methods) list(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.WorkspaceID == "" {
		return nil, taskerr.InvalidInput("workspace_id is required")
	}
	if !p.Status.Valid() {
		return nil, taskerr.InvalidInput("status must be open or in_progress")
	}
	tasks, err := m.ctl.List(ctx, p.WorkspaceID, p.Status)
	if err != nil {
		return nil, taskerr.WrapWithCode(err, taskerr.ErrCodeStorage, "list tasks", taskerr.WithWorkspace(p.WorkspaceID))
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	return ListResult{Tasks: tasks}, nil
}

func (m *Methods) resync(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WorkspaceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return m.ctl.Resync(ctx, p.WorkspaceID), nil
}

func (m *Methods) setRoute(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WorkspaceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return m.ctl.SetRoute(ctx, p.WorkspaceID, p.Slot, p.ChannelID), nil
}

func (m *Methods) routes(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WorkspaceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return m.ctl.Routes(ctx, p.WorkspaceID), nil
}

func (m *Methods) welcome(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WorkspaceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return m.ctl.Welcome(ctx, p.WorkspaceID, p.ChannelID), nil
}

func (m *Methods) teardown(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WorkspaceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return m.ctl.Teardown(ctx, p.WorkspaceID), nil
}

func (m *Methods) dispatch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var a Action
	if err := decode(params, &a); err != nil {
		return nil, err
	}
	return Dispatch(ctx, m.ctl, a), nil
}
