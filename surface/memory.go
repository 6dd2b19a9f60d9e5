package surface

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/store"
)

// Message is a message held by MemorySurface.
type Message struct {
	Ref     store.MessageRef
	Channel string
	Content render.Content
	Posted  time.Time
	seq     int
}

// MemorySurface is an in-process Surface. Failures can be injected per
// channel or per call type to exercise partial-failure paths.
type MemorySurface struct {
	mu       sync.Mutex
	messages map[store.MessageRef]*Message
	seq      int
	posts    int
	deletes  int

	postErr   map[string]error // by channel, "" for all channels
	deleteErr error
	fetchErr  error
	forbidden map[store.MessageRef]bool
}

// NewMemorySurface creates an empty surface.
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{
		messages:  make(map[store.MessageRef]*Message),
		postErr:   make(map[string]error),
		forbidden: make(map[store.MessageRef]bool),
	}
}

// Post stores the message under a fresh reference.
func (m *MemorySurface) Post(ctx context.Context, channelID string, content render.Content) (store.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.postErr[channelID]; ok {
		return "", err
	}
	if err, ok := m.postErr[""]; ok {
		return "", err
	}

	m.seq++
	m.posts++
	ref := store.MessageRef(uuid.NewString())
	m.messages[ref] = &Message{
		Ref:     ref,
		Channel: channelID,
		Content: content,
		Posted:  time.Now(),
		seq:     m.seq,
	}
	return ref, nil
}

// Delete removes the message.
func (m *MemorySurface) Delete(ctx context.Context, ref store.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	if m.forbidden[ref] {
		return ErrForbidden
	}
	if _, ok := m.messages[ref]; !ok {
		return ErrNotFound
	}
	delete(m.messages, ref)
	m.deletes++
	return nil
}

// Fetch reports whether the message exists.
func (m *MemorySurface) Fetch(ctx context.Context, ref store.MessageRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fetchErr != nil {
		return false, m.fetchErr
	}
	_, ok := m.messages[ref]
	return ok, nil
}

// --- Failure injection ---

// FailPosts makes every post to channel fail with err. An empty channel
// fails posts everywhere. A nil err clears the failure.
func (m *MemorySurface) FailPosts(channel string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.postErr, channel)
		return
	}
	m.postErr[channel] = err
}

// FailDeletes makes every delete fail with err. Nil clears it.
func (m *MemorySurface) FailDeletes(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// FailFetches makes every fetch fail with err. Nil clears it.
func (m *MemorySurface) FailFetches(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// Forbid makes deletes of ref fail with ErrForbidden.
func (m *MemorySurface) Forbid(ref store.MessageRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forbidden[ref] = true
}

// Remove deletes a message out of band, as a user or moderator would.
func (m *MemorySurface) Remove(ref store.MessageRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.messages[ref]
	delete(m.messages, ref)
	return ok
}

// --- Inspection ---

// Get returns a copy of the message.
func (m *MemorySurface) Get(ref store.MessageRef) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[ref]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Messages returns the live messages in channel in posting order. An empty
// channel returns messages from every channel.
func (m *MemorySurface) Messages(channel string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Message
	for _, msg := range m.messages {
		if channel == "" || msg.Channel == channel {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of live messages.
func (m *MemorySurface) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Posts returns how many posts succeeded.
func (m *MemorySurface) Posts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts
}

// Deletes returns how many deletes succeeded.
func (m *MemorySurface) Deletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

var _ Surface = (*MemorySurface)(nil)
