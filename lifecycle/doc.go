// Package lifecycle is the task state machine.
//
// A task is created open, claimed exactly once into in progress, and
// removed on completion. Each transition is decided by one conditional
// write in the store. The controller then mirrors the new state on the
// surface, and a surface failure after that point never undoes the write:
// the result reports the transition as committed and a resync repairs the
// messages later.
//
//	ctl := lifecycle.New(st, sf, lifecycle.WithLogger(log))
//
//	res := ctl.Claim(ctx, taskID, userID, clickedMessage)
//	switch res.Outcome {
//	case lifecycle.OutcomeOK:
//	case lifecycle.OutcomeAlreadyProcessed:
//	    // someone else won the race
//	}
//
// Every operation returns a Result; none of them fail silently.
package lifecycle
