package render

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is what a button asks the controller to do.
type Action string

const (
	ActionClaim    Action = "claim"
	ActionComplete Action = "complete"
)

// ActionID returns the button id for action on task id, e.g. claim_task_42.
func ActionID(action Action, id int64) string {
	return string(action) + "_task_" + strconv.FormatInt(id, 10)
}

// ParseActionID reverses ActionID.
func ParseActionID(s string) (Action, int64, error) {
	name, rawID, ok := strings.Cut(s, "_task_")
	if !ok {
		return "", 0, fmt.Errorf("not a task action id: %q", s)
	}
	action := Action(name)
	if action != ActionClaim && action != ActionComplete {
		return "", 0, fmt.Errorf("unknown action %q", name)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("bad task id in %q", s)
	}
	return action, id, nil
}
