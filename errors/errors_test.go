package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// ============================================================================
// 1. Error creation with different codes/categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"invalid_input", ErrCodeInvalidInput, "description required", CategoryValidation},
		{"misconfigured", ErrCodeMisconfigured, "open channel not set", CategoryValidation},
		{"conflict", ErrCodeConflict, "already claimed", CategoryPermanent},
		{"not_found", ErrCodeNotFound, "task missing", CategoryPermanent},
		{"storage", ErrCodeStorage, "db down", CategoryTransient},
		{"surface", ErrCodeSurface, "post failed", CategoryTransient},
		{"rate_limit", ErrCodeRateLimit, "slow down", CategoryResource},
		{"internal", ErrCodeInternal, "internal error", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
		})
	}
}

func TestNew_EmptyMessageUsesDescription(t *testing.T) {
	err := New(ErrCodeMisconfigured, "")
	if err.Error() != "channel routes not configured" {
		t.Errorf("Error() = %v", err.Error())
	}
}

func TestMisconfiguredCarriesWorkspace(t *testing.T) {
	err := Misconfigured("W1", "in-progress channel not set")
	if err.Workspace() != "W1" {
		t.Errorf("Workspace() = %q, want W1", err.Workspace())
	}
}

// ============================================================================
// 2. Retryable vs non-retryable errors
// ============================================================================

func TestRetryable(t *testing.T) {
	if !New(ErrCodeStorage, "x").Retryable() {
		t.Error("storage errors should be retryable")
	}
	if New(ErrCodeConflict, "x").Retryable() {
		t.Error("conflict errors should not be retryable")
	}
	if !New(ErrCodeConflict, "x", WithRetryable(true)).Retryable() {
		t.Error("WithRetryable should override the category default")
	}
}

func TestRetryable_Plain(t *testing.T) {
	if IsRetryable(nil) || IsRetryable(fmt.Errorf("plain")) {
		t.Error("errors without a code should not be retryable")
	}
	if !IsRetryable(fmt.Errorf("post: %w", Surface(fmt.Errorf("503"), "post"))) {
		t.Error("surface failures should be retryable through wrapping")
	}
}

// ============================================================================
// 3. Wrapping
// ============================================================================

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("original error")
	err := Wrap(cause, "wrapped message")

	if err.Error() != "wrapped message: original error" {
		t.Errorf("Error() = %v", err.Error())
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap() should return original error")
	}
	if err.Code() != ErrCodeInternal {
		t.Errorf("Code() = %v, want %v", err.Code(), ErrCodeInternal)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "message") != nil {
		t.Error("Wrap(nil, ...) should return nil")
	}
	if WrapWithCode(nil, ErrCodeStorage, "message") != nil {
		t.Error("WrapWithCode(nil, ...) should return nil")
	}
}

func TestWrapPreservesTaskError(t *testing.T) {
	original := Conflict("ref held", WithTaskID(7), WithWorkspace("W1"), WithRetryable(true))
	wrapped := Wrap(original, "set message ref")

	if wrapped.Code() != ErrCodeConflict {
		t.Errorf("Code() = %v, want CONFLICT", wrapped.Code())
	}
	if wrapped.TaskID() != 7 || wrapped.Workspace() != "W1" {
		t.Errorf("wrapped lost identity: task=%d workspace=%q", wrapped.TaskID(), wrapped.Workspace())
	}
	if !wrapped.Retryable() {
		t.Error("wrapped error should keep the retry override")
	}
	if original.Message() != "ref held" {
		t.Errorf("original mutated: %q", original.Message())
	}
	if !errors.Is(wrapped, original) {
		t.Error("wrapped error should be 'Is' original")
	}
}

func TestWrapContextErrors(t *testing.T) {
	if got := Wrap(context.DeadlineExceeded, "post").Code(); got != ErrCodeTimeout {
		t.Errorf("deadline code = %v, want TIMEOUT", got)
	}
	if got := Wrap(context.Canceled, "post").Code(); got != ErrCodeCanceled {
		t.Errorf("canceled code = %v, want CANCELED", got)
	}
	wrapped := fmt.Errorf("kv get: %w", context.DeadlineExceeded)
	if got := WrapWithCode(wrapped, ErrCodeStorage, "get task").Code(); got != ErrCodeTimeout {
		t.Errorf("WrapWithCode over deadline = %v, want TIMEOUT", got)
	}
}

func TestStorageAndSurfaceHelpers(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	if err := Storage(cause, "claim", WithTaskID(3)); err.Code() != ErrCodeStorage || err.TaskID() != 3 {
		t.Errorf("Storage() = %v / %d", err.Code(), err.TaskID())
	}
	if err := Surface(cause, "post"); !errors.Is(err, cause) {
		t.Error("Surface() should wrap the cause")
	}
}

// ============================================================================
// 4. Inspection helpers
// ============================================================================

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", NotFound("gone"))
	if !Is(err, ErrCodeNotFound) {
		t.Error("Is should find code through fmt wrapping")
	}
	if Is(fmt.Errorf("plain"), ErrCodeNotFound) {
		t.Error("Is should be false for plain errors")
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("Code of plain error should be empty")
	}
	if Category(InvalidInput("x")) != CategoryValidation {
		t.Error("Category of invalid input should be validation")
	}
	if !IsCategory(Timeout("x"), CategoryTransient) {
		t.Error("timeout should be transient")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors should not be retryable")
	}
}

// ============================================================================
// 5. JSON
// ============================================================================

func TestJSONRoundtrip(t *testing.T) {
	original := Conflict("task already claimed",
		WithTaskID(42),
		WithWorkspace("W1"),
	)

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var restored Error
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if restored.Code() != ErrCodeConflict {
		t.Errorf("Code = %v", restored.Code())
	}
	if restored.TaskID() != 42 {
		t.Errorf("TaskID = %d", restored.TaskID())
	}
	if restored.Workspace() != "W1" {
		t.Errorf("Workspace = %q", restored.Workspace())
	}
	if restored.Category() != CategoryPermanent || restored.Retryable() {
		t.Errorf("Category = %v, Retryable = %v", restored.Category(), restored.Retryable())
	}
}

func TestJSONCauseBecomesString(t *testing.T) {
	err := Storage(fmt.Errorf("disk full"), "create task")
	data, _ := json.Marshal(err)

	var restored Error
	if jerr := json.Unmarshal(data, &restored); jerr != nil {
		t.Fatalf("Unmarshal failed: %v", jerr)
	}
	if restored.Error() != "create task: disk full" {
		t.Errorf("Error() = %q", restored.Error())
	}
}

func TestJSONTaskIDIsNumber(t *testing.T) {
	data, err := json.Marshal(NotFound("gone", WithTaskID(9)))
	if err != nil {
		t.Fatal(err)
	}
	var wire map[string]interface{}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	if wire["task_id"] != float64(9) {
		t.Errorf("task_id = %#v", wire["task_id"])
	}
	if _, ok := wire["workspace_id"]; ok {
		t.Error("empty workspace should be omitted")
	}
}
