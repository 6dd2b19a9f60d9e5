package errors

import (
	"encoding/json"
	"fmt"
)

// Error is a failure tied to a code, and optionally to the task or
// workspace it concerns. The zero category is derived from the code.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	retryable *bool // nil: decided by category
	taskID    int64
	workspace string
}

// New returns an Error for code. An empty message takes the code's
// description.
func New(code ErrorCode, message string, opts ...Option) *Error {
	if message == "" {
		message = code.Description()
	}
	e := &Error{code: code, category: code.DefaultCategory(), message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }

// Message is the error text without its cause.
func (e *Error) Message() string { return e.message }

// TaskID is the task the failure concerns, 0 when none.
func (e *Error) TaskID() int64 { return e.taskID }

// Workspace is the workspace the failure concerns, "" when none.
func (e *Error) Workspace() string { return e.workspace }

// Retryable reports whether repeating the operation may succeed.
func (e *Error) Retryable() bool {
	if e.retryable == nil {
		return e.category.IsRetryable()
	}
	return *e.retryable
}

// wireError is the JSON form returned to RPC clients. The cause travels
// as text only.
type wireError struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Cause     string        `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	TaskID    int64         `json:"task_id,omitempty"`
	Workspace string        `json:"workspace_id,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	w := wireError{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Retryable: e.Retryable(),
		TaskID:    e.taskID,
		Workspace: e.workspace,
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	return json.Marshal(w)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Error{
		code:      w.Code,
		category:  w.Category,
		message:   w.Message,
		retryable: &w.Retryable,
		taskID:    w.TaskID,
		workspace: w.Workspace,
	}
	if e.category == "" {
		e.category = w.Code.DefaultCategory()
	}
	if w.Cause != "" {
		e.cause = fmt.Errorf("%s", w.Cause)
	}
	return nil
}

// Option sets an optional field of an Error.
type Option func(*Error)

// WithRetryable overrides the retry decision of the category.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

func WithTaskID(id int64) Option {
	return func(e *Error) { e.taskID = id }
}

func WithWorkspace(id string) Option {
	return func(e *Error) { e.workspace = id }
}

func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// InvalidInput rejects a request before anything is changed.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Misconfigured reports a workspace whose channel routes are incomplete.
func Misconfigured(workspace, message string, opts ...Option) *Error {
	return New(ErrCodeMisconfigured, message, append([]Option{WithWorkspace(workspace)}, opts...)...)
}

// Conflict reports a lost compare-and-set or a message ref bound to
// another task.
func Conflict(message string, opts ...Option) *Error {
	return New(ErrCodeConflict, message, opts...)
}

func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// Storage wraps a failure of the task store backend.
func Storage(cause error, message string, opts ...Option) *Error {
	return New(ErrCodeStorage, message, append(opts, WithCause(cause))...)
}

// Surface wraps a failure of the chat surface.
func Surface(cause error, message string, opts ...Option) *Error {
	return New(ErrCodeSurface, message, append(opts, WithCause(cause))...)
}
