package lifecycle

import (
	taskerr "github.com/vinayprograms/taskboard/errors"
	"github.com/vinayprograms/taskboard/reconcile"
	"github.com/vinayprograms/taskboard/store"
)

// Outcome discriminates controller results.
type Outcome string

const (
	// OutcomeOK means the operation did what was asked. Degraded may still
	// be set when a best-effort side effect failed.
	OutcomeOK Outcome = "ok"

	// OutcomeAlreadyProcessed means a compare-and-swap lost: the task was
	// already claimed, completed or removed. Nothing changed.
	OutcomeAlreadyProcessed Outcome = "already_processed"

	// OutcomeMisconfigured means the workspace lacks a required channel.
	OutcomeMisconfigured Outcome = "misconfigured_routes"

	// OutcomeInvalidInput means the request was rejected before any write.
	OutcomeInvalidInput Outcome = "invalid_input"

	// OutcomeStorageFailure means the store failed.
	OutcomeStorageFailure Outcome = "storage_failure"

	// OutcomeSurfaceFailure means the messaging surface failed. If
	// Committed is set the store transition stands and resync repairs the
	// surface.
	OutcomeSurfaceFailure Outcome = "surface_failure"
)

// Message returns the user-facing text for the outcome.
func (o Outcome) Message() string {
	switch o {
	case OutcomeOK:
		return "Done."
	case OutcomeAlreadyProcessed:
		return "This task has already been processed."
	case OutcomeMisconfigured:
		return "Open and In-Progress task channels must be set up first. Use `/setup open_channel` and `/setup inprogress_channel`."
	case OutcomeInvalidInput:
		return "The request is missing required information."
	case OutcomeStorageFailure:
		return "The task database is unavailable. Please try again."
	case OutcomeSurfaceFailure:
		return "The task was saved but its message could not be updated. Run a resync to repair it."
	}
	return "Unknown outcome."
}

// Result is the definite answer to every controller operation.
type Result struct {
	Outcome Outcome `json:"outcome"`
	TaskID  int64   `json:"task_id,omitempty"`

	// Detail is the specific user-facing text for this result.
	Detail string `json:"detail,omitempty"`

	// Degraded marks an OK result whose best-effort side effect failed.
	Degraded bool `json:"degraded,omitempty"`

	// Committed marks a failure that happened after the store transition
	// committed.
	Committed bool `json:"committed,omitempty"`

	Summary *reconcile.Summary `json:"summary,omitempty"`
	Task    *store.Task        `json:"task,omitempty"`
	Routes  *store.Routes      `json:"routes,omitempty"`

	Error *taskerr.Error `json:"error,omitempty"`
}

// OK reports whether the outcome is OutcomeOK.
func (r Result) OK() bool {
	return r.Outcome == OutcomeOK
}

// Text returns Detail, falling back to the outcome's message.
func (r Result) Text() string {
	if r.Detail != "" {
		return r.Detail
	}
	return r.Outcome.Message()
}

// Err returns the result's error as an error value, or nil.
func (r Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

func okResult(id int64, detail string) Result {
	return Result{Outcome: OutcomeOK, TaskID: id, Detail: detail}
}

func alreadyProcessed(id int64, detail string) Result {
	return Result{
		Outcome: OutcomeAlreadyProcessed,
		TaskID:  id,
		Detail:  detail,
		Error:   taskerr.Conflict(detail, taskerr.WithTaskID(id)),
	}
}

func invalidInput(detail string) Result {
	return Result{
		Outcome: OutcomeInvalidInput,
		Detail:  detail,
		Error:   taskerr.InvalidInput(detail),
	}
}

func misconfigured(workspace string, id int64, committed bool) Result {
	msg := OutcomeMisconfigured.Message()
	return Result{
		Outcome:   OutcomeMisconfigured,
		TaskID:    id,
		Detail:    msg,
		Committed: committed,
		Error:     taskerr.Misconfigured(workspace, msg, taskerr.WithTaskID(id)),
	}
}

func storageFailure(id int64, err error, committed bool) Result {
	return Result{
		Outcome:   OutcomeStorageFailure,
		TaskID:    id,
		Detail:    OutcomeStorageFailure.Message(),
		Committed: committed,
		Error:     taskerr.WrapWithCode(err, taskerr.ErrCodeStorage, "storage failure", taskerr.WithTaskID(id)),
	}
}

func surfaceFailure(id int64, detail string, err error, committed bool) Result {
	return Result{
		Outcome:   OutcomeSurfaceFailure,
		TaskID:    id,
		Detail:    detail,
		Committed: committed,
		Error:     taskerr.WrapWithCode(err, taskerr.ErrCodeSurface, detail, taskerr.WithTaskID(id)),
	}
}
