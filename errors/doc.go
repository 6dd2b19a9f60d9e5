// Package errors provides the structured error taxonomy used by taskboard.
//
// # Error Categories
//
// Errors are classified into five categories:
//
//   - Validation: rejected before any mutation (bad input, missing routes)
//   - Transient: retry may succeed (storage or surface unavailable, timeouts)
//   - Permanent: retry will not help (conflict, not found, forbidden)
//   - Resource: the caller is being throttled
//   - Internal: unexpected errors
//
// # Usage
//
// Create a new error:
//
//	err := errors.Misconfigured(workspace, "open channel not set")
//
// Wrap a backing store failure:
//
//	return errors.Storage(err, "claim task", errors.WithTaskID(id))
//
// Inspect the code anywhere up the stack:
//
//	if errors.Is(err, errors.ErrCodeConflict) {
//	    // already processed
//	}
//
// All errors marshal to JSON so they can be returned to RPC clients.
package errors
