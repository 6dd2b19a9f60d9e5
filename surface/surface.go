// Package surface is the client side of the messaging surface: the chat
// service where tasks appear as messages in channels.
//
// The controller only needs three calls. Post a message to a channel and
// get back its reference, delete a message by reference, and ask whether a
// message still exists. Implementations:
//
//   - MemorySurface keeps messages in process (tests, local runs).
//   - BusSurface forwards calls over the message bus to the gateway process
//     that owns the chat connection. Responder is the gateway half.
//   - Guard wraps any Surface with a timeout, a rate limiter and tracing.
package surface

import (
	"context"
	"errors"

	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/store"
)

var (
	// ErrNotFound means the message or channel does not exist.
	ErrNotFound = errors.New("message not found")

	// ErrForbidden means the surface refused the call, usually a missing
	// channel permission.
	ErrForbidden = errors.New("forbidden")

	// ErrThrottled means the surface rejected the call for exceeding its
	// rate limit.
	ErrThrottled = errors.New("rate limited by surface")
)

// Surface posts, deletes and looks up messages.
type Surface interface {
	// Post sends content to channelID and returns the new message's reference.
	Post(ctx context.Context, channelID string, content render.Content) (store.MessageRef, error)

	// Delete removes a message. Returns ErrNotFound or ErrForbidden when
	// the surface reports so.
	Delete(ctx context.Context, ref store.MessageRef) error

	// Fetch reports whether the message still exists.
	Fetch(ctx context.Context, ref store.MessageRef) (bool, error)
}

// Ignorable reports whether a delete error can be skipped during cleanup:
// the message is already gone or was never ours to remove.
func Ignorable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
}
