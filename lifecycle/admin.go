package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/telemetry"
)

var slotLabels = map[store.Slot]string{
	store.SlotOpen:       "Open tasks channel",
	store.SlotInProgress: "In-progress tasks channel",
	store.SlotCompleted:  "Completed tasks log",
}

// SetRoute binds one of the workspace's channels. slot accepts the setup
// command names: open, inprogress, completed, with or without "_channel".
func (c *Controller) SetRoute(ctx context.Context, workspaceID, slot, channelID string) (res Result) {
	ctx, sp := c.start(ctx, "set_route")
	sp.workspace = workspaceID
	defer func() { c.end(sp, res) }()

	s, err := store.ParseSlot(slot)
	if err != nil {
		return invalidInput(fmt.Sprintf("Unknown channel slot %q. Use open_channel, inprogress_channel or completed_channel.", slot))
	}
	if workspaceID == "" || channelID == "" {
		return invalidInput("A workspace and a channel are required.")
	}

	if err := c.store.SetRoute(ctx, workspaceID, s, channelID); err != nil {
		c.log.Error("set_route_failed", map[string]interface{}{"workspace": workspaceID, "slot": string(s), "error": err.Error()})
		return storageFailure(0, err, false)
	}
	c.log.Info("route_set", map[string]interface{}{"workspace": workspaceID, "slot": string(s), "channel": channelID})

	return okResult(0, fmt.Sprintf("✅ %s set to <#%s>.", slotLabels[s], channelID))
}

// Routes returns the workspace's channel bindings. A workspace that was
// never set up has empty routes.
func (c *Controller) Routes(ctx context.Context, workspaceID string) (res Result) {
	routes, r, ok := c.routes(ctx, workspaceID, 0, false)
	if !ok {
		return r
	}
	res = okResult(0, "")
	res.Routes = routes
	if !routes.Ready() {
		res.Detail = OutcomeMisconfigured.Message()
	}
	return res
}

// Welcome posts the setup instructions to channelID, for a workspace that
// just added the bot.
func (c *Controller) Welcome(ctx context.Context, workspaceID, channelID string) (res Result) {
	ctx, sp := c.start(ctx, "welcome")
	sp.workspace = workspaceID
	defer func() { c.end(sp, res) }()

	if channelID == "" {
		return invalidInput("A channel is required.")
	}
	if _, err := c.surface.Post(ctx, channelID, render.Welcome()); err != nil {
		c.log.Warn("welcome_failed", map[string]interface{}{"workspace": workspaceID, "channel": channelID, "error": err.Error()})
		return surfaceFailure(0, "Could not send the welcome message.", err, false)
	}
	c.log.Info("welcome_sent", map[string]interface{}{"workspace": workspaceID, "channel": channelID})
	return okResult(0, "Welcome message sent.")
}

// Teardown removes every task and the routes of a workspace the bot left.
// Messages are left alone: the bot can no longer reach them.
func (c *Controller) Teardown(ctx context.Context, workspaceID string) (res Result) {
	ctx, sp := c.start(ctx, "teardown")
	sp.workspace = workspaceID
	defer func() { c.end(sp, res) }()

	if workspaceID == "" {
		return invalidInput("A workspace is required.")
	}

	n, err := c.store.RemoveAll(ctx, workspaceID)
	if err != nil {
		return storageFailure(0, err, false)
	}
	if err := c.store.DeleteRoutes(ctx, workspaceID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return storageFailure(0, err, false)
	}

	c.log.Info("workspace_removed", map[string]interface{}{"workspace": workspaceID, "tasks": n})
	c.events.LogEvent(telemetry.EventTeardown, map[string]interface{}{"workspace_id": workspaceID, "tasks": n})
	return okResult(0, fmt.Sprintf("Removed %d tasks and the channel setup.", n))
}
