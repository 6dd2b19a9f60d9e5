// Package gateway turns inbound traffic into controller calls.
//
// Chat adapters reach the controller two ways: by publishing action
// events on the bus (Listener), or by calling JSON-RPC methods over the
// WebSocket endpoint (Methods). Both end in the same lifecycle.Result.
package gateway

import (
	"context"

	"github.com/vinayprograms/taskboard/lifecycle"
	"github.com/vinayprograms/taskboard/store"
)

// Controller is the part of lifecycle.Controller the gateway drives.
type Controller interface {
	Create(ctx context.Context, workspaceID, description, creatorID string) lifecycle.Result
	Claim(ctx context.Context, id int64, actorID string, source store.MessageRef) lifecycle.Result
	Complete(ctx context.Context, id int64, actorID string, source store.MessageRef) lifecycle.Result
	Discard(ctx context.Context, id int64) lifecycle.Result
	DiscardByMessage(ctx context.Context, ref store.MessageRef) lifecycle.Result
	Resync(ctx context.Context, workspaceID string) lifecycle.Result
	SetRoute(ctx context.Context, workspaceID, slot, channelID string) lifecycle.Result
	Routes(ctx context.Context, workspaceID string) lifecycle.Result
	Welcome(ctx context.Context, workspaceID, channelID string) lifecycle.Result
	Teardown(ctx context.Context, workspaceID string) lifecycle.Result
	Get(ctx context.Context, id int64) (*store.Task, error)
	List(ctx context.Context, workspaceID string, status store.Status) ([]*store.Task, error)
}

var _ Controller = (*lifecycle.Controller)(nil)
