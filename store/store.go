package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a task or route row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a message reference is already held by
	// another live task.
	ErrConflict = errors.New("message reference held by another task")

	// ErrInvalidSlot is returned for a slot the operation does not accept.
	ErrInvalidSlot = errors.New("invalid slot")
)

// Status is the stored lifecycle state of a task. Completion removes the
// row, so there is no completed status.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
)

// Valid reports whether s is a stored status.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusInProgress
}

// MessageRef is an opaque handle to a posted message. Empty means no message.
type MessageRef string

// Slot names a channel binding, and for open and inprogress also the
// matching message reference column.
type Slot string

const (
	SlotOpen       Slot = "open"
	SlotInProgress Slot = "inprogress"
	SlotCompleted  Slot = "completed"
)

// ParseSlot accepts the slot names used by setup commands, with or without
// the _channel suffix.
func ParseSlot(s string) (Slot, error) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "_channel")
	switch Slot(s) {
	case SlotOpen, SlotInProgress, SlotCompleted:
		return Slot(s), nil
	case "in_progress":
		return SlotInProgress, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSlot, s)
}

// SlotFor returns the reference slot that represents a task in status s.
func SlotFor(s Status) Slot {
	if s == StatusInProgress {
		return SlotInProgress
	}
	return SlotOpen
}

// Other returns the opposite reference slot.
func (s Slot) Other() Slot {
	if s == SlotInProgress {
		return SlotOpen
	}
	return SlotInProgress
}

// IsRefSlot reports whether s names a message reference column.
func (s Slot) IsRefSlot() bool {
	return s == SlotOpen || s == SlotInProgress
}

// Task is the stored record of one unit of work.
type Task struct {
	ID            int64      `json:"id"`
	WorkspaceID   string     `json:"workspace_id"`
	Description   string     `json:"description"`
	Status        Status     `json:"status"`
	CreatorID     string     `json:"creator_id"`
	AssigneeID    string     `json:"assignee_id,omitempty"`
	OpenRef       MessageRef `json:"open_ref,omitempty"`
	InProgressRef MessageRef `json:"inprogress_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Ref returns the reference held in slot.
func (t *Task) Ref(slot Slot) MessageRef {
	if slot == SlotInProgress {
		return t.InProgressRef
	}
	return t.OpenRef
}

// LiveRef returns the reference for the task's current status.
func (t *Task) LiveRef() MessageRef {
	return t.Ref(SlotFor(t.Status))
}

// HoldsRef reports whether ref is one of the task's references.
func (t *Task) HoldsRef(ref MessageRef) bool {
	return ref != "" && (t.OpenRef == ref || t.InProgressRef == ref)
}

// Routes are the channel bindings of one workspace. Empty means unbound.
type Routes struct {
	WorkspaceID string `json:"workspace_id"`
	Open        string `json:"open_channel,omitempty"`
	InProgress  string `json:"inprogress_channel,omitempty"`
	Completed   string `json:"completed_channel,omitempty"`
}

// Channel returns the channel bound to slot.
func (r *Routes) Channel(slot Slot) string {
	if r == nil {
		return ""
	}
	switch slot {
	case SlotOpen:
		return r.Open
	case SlotInProgress:
		return r.InProgress
	case SlotCompleted:
		return r.Completed
	}
	return ""
}

// set binds slot to channel.
func (r *Routes) set(slot Slot, channel string) {
	switch slot {
	case SlotOpen:
		r.Open = channel
	case SlotInProgress:
		r.InProgress = channel
	case SlotCompleted:
		r.Completed = channel
	}
}

// Ready reports whether the open and inprogress channels are both bound.
func (r *Routes) Ready() bool {
	return r != nil && r.Open != "" && r.InProgress != ""
}

// Store is the durable record of tasks and workspace routes. Claim,
// DeleteIfInProgress and SetMessageRef are single atomic conditional writes;
// callers hold no locks of their own.
type Store interface {
	// CreateTask inserts an open task and returns its id.
	CreateTask(ctx context.Context, workspaceID, description, creatorID string) (int64, error)

	// Get returns the task or ErrNotFound.
	Get(ctx context.Context, id int64) (*Task, error)

	// GetByMessageRef returns the task holding ref in either slot, or ErrNotFound.
	GetByMessageRef(ctx context.Context, ref MessageRef) (*Task, error)

	// ListByStatus returns the workspace's tasks in status, in no particular order.
	ListByStatus(ctx context.Context, workspaceID string, status Status) ([]*Task, error)

	// SetMessageRef records ref in slot. A non-empty ref is written only while
	// the task's status matches the slot and no other task holds it; ErrConflict
	// reports the latter. An empty ref clears the slot in any status. The bool
	// is false when the task is gone or its status no longer matches.
	SetMessageRef(ctx context.Context, id int64, slot Slot, ref MessageRef) (bool, error)

	// Claim moves an open task to in_progress with the given assignee. It
	// returns false when the task is missing or not open.
	Claim(ctx context.Context, id int64, assigneeID string) (bool, error)

	// DeleteIfInProgress removes the task only while it is in_progress.
	DeleteIfInProgress(ctx context.Context, id int64) (bool, error)

	// Delete removes the task in any status.
	Delete(ctx context.Context, id int64) (bool, error)

	// RemoveByMessageRef removes the task holding ref, if any.
	RemoveByMessageRef(ctx context.Context, ref MessageRef) (bool, error)

	// RemoveAll removes every task of the workspace and returns the count.
	RemoveAll(ctx context.Context, workspaceID string) (int, error)

	// SetRoute binds slot to channelID, creating the route row if needed.
	SetRoute(ctx context.Context, workspaceID string, slot Slot, channelID string) error

	// GetRoutes returns the workspace's routes or ErrNotFound.
	GetRoutes(ctx context.Context, workspaceID string) (*Routes, error)

	// DeleteRoutes removes the workspace's route row.
	DeleteRoutes(ctx context.Context, workspaceID string) error

	// Close releases the backing medium.
	Close() error
}

// checkRefWrite validates the arguments shared by every SetMessageRef.
func checkRefWrite(slot Slot) error {
	if !slot.IsRefSlot() {
		return fmt.Errorf("%w: %q is not a message slot", ErrInvalidSlot, slot)
	}
	return nil
}

// refWritable decides a SetMessageRef whose conditional write matched no row,
// from a fresh read of the task. It returns false for a missing task or a
// status mismatch and ErrConflict otherwise.
func refWritable(t *Task, err error, slot Slot) (bool, error) {
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if SlotFor(t.Status) != slot {
		return false, nil
	}
	return false, ErrConflict
}
