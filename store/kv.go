package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/taskboard/state"
)

// maxCASAttempts bounds every read-modify-write loop.
const maxCASAttempts = 64

var errContention = errors.New("too many concurrent writers")

// KVStore implements Store on a revisioned key-value store. Every mutation
// is a compare-and-swap on the task's key; message reference uniqueness is
// held by one index key per reference, claimed with Create.
//
// Layout under the prefix:
//
//	<prefix>.seq                 last assigned task id
//	<prefix>.task.<id>           task JSON
//	<prefix>.ws.<b64(ws)>.<id>   membership of task id in workspace ws
//	<prefix>.ref.<b64(ref)>      id of the task holding ref
//	<prefix>.routes.<b64(ws)>    routes JSON
type KVStore struct {
	kv         state.StateStore
	prefix     string
	staleAfter time.Duration
	now        func() time.Time
}

// KVOption configures a KVStore.
type KVOption func(*KVStore)

// WithKeyPrefix sets the key prefix. Default: "taskboard".
func WithKeyPrefix(prefix string) KVOption {
	return func(s *KVStore) {
		s.prefix = prefix
	}
}

// WithStaleRefAfter sets how old a reference index entry must be before it
// can be taken over from a task that no longer holds the reference.
// Default: 30s.
func WithStaleRefAfter(d time.Duration) KVOption {
	return func(s *KVStore) {
		s.staleAfter = d
	}
}

// NewKVStore creates a Store over kv.
func NewKVStore(kv state.StateStore, opts ...KVOption) *KVStore {
	s := &KVStore{
		kv:         kv,
		prefix:     "taskboard",
		staleAfter: 30 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying key-value store.
func (s *KVStore) Close() error {
	return s.kv.Close()
}

func encodeKeyPart(v string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(v))
}

func (s *KVStore) seqKey() string {
	return s.prefix + ".seq"
}

func (s *KVStore) taskPrefix() string {
	return s.prefix + ".task."
}

func (s *KVStore) taskKey(id int64) string {
	return s.taskPrefix() + strconv.FormatInt(id, 10)
}

// memberPrefix scopes a workspace's tasks so a backend that filters keys
// on the server only returns that workspace.
func (s *KVStore) memberPrefix(ws string) string {
	return s.prefix + ".ws." + encodeKeyPart(ws) + "."
}

func (s *KVStore) memberKey(ws string, id int64) string {
	return s.memberPrefix(ws) + strconv.FormatInt(id, 10)
}

func (s *KVStore) refKey(ref MessageRef) string {
	return s.prefix + ".ref." + encodeKeyPart(string(ref))
}

func (s *KVStore) routesKey(ws string) string {
	return s.prefix + ".routes." + encodeKeyPart(ws)
}

// nextID advances the sequence key.
func (s *KVStore) nextID(ctx context.Context) (int64, error) {
	for i := 0; i < maxCASAttempts; i++ {
		entry, err := s.kv.Get(ctx, s.seqKey())
		if errors.Is(err, state.ErrNotFound) {
			if _, err := s.kv.Create(ctx, s.seqKey(), []byte("1")); err == nil {
				return 1, nil
			} else if !errors.Is(err, state.ErrKeyExists) {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		last, err := strconv.ParseInt(string(entry.Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt sequence %q: %w", entry.Value, err)
		}
		next := last + 1
		_, err = s.kv.Update(ctx, s.seqKey(), []byte(strconv.FormatInt(next, 10)), entry.Revision)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, state.ErrRevisionMismatch) {
			return 0, err
		}
	}
	return 0, errContention
}

// CreateTask inserts an open task.
func (s *KVStore) CreateTask(ctx context.Context, workspaceID, description, creatorID string) (int64, error) {
	id, err := s.nextID(ctx)
	if err != nil {
		return 0, storageErr(err, "allocate task id")
	}
	t := &Task{
		ID:          id,
		WorkspaceID: workspaceID,
		Description: description,
		Status:      StatusOpen,
		CreatorID:   creatorID,
		CreatedAt:   s.now().UTC(),
	}
	data, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("marshal task: %w", err)
	}
	// The membership entry is written first. Listings skip entries whose
	// task is missing.
	if _, err := s.kv.Put(ctx, s.memberKey(workspaceID, id), []byte(strconv.FormatInt(id, 10))); err != nil {
		return 0, storageErr(err, "index task")
	}
	if _, err := s.kv.Create(ctx, s.taskKey(id), data); err != nil {
		return 0, storageErr(err, "create task")
	}
	return id, nil
}

// load reads a task and the revision it was read at.
func (s *KVStore) load(ctx context.Context, id int64) (*Task, uint64, error) {
	entry, err := s.kv.Get(ctx, s.taskKey(id))
	if errors.Is(err, state.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, storageErr(err, "get task")
	}
	var t Task
	if err := json.Unmarshal(entry.Value, &t); err != nil {
		return nil, 0, storageErr(err, "decode task")
	}
	return &t, entry.Revision, nil
}

// save writes t at revision.
func (s *KVStore) save(ctx context.Context, t *Task, revision uint64) (uint64, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("marshal task: %w", err)
	}
	return s.kv.Update(ctx, s.taskKey(t.ID), data, revision)
}

// Get returns the task with id.
func (s *KVStore) Get(ctx context.Context, id int64) (*Task, error) {
	t, _, err := s.load(ctx, id)
	return t, err
}

// GetByMessageRef follows the reference index and confirms the task still
// holds ref.
func (s *KVStore) GetByMessageRef(ctx context.Context, ref MessageRef) (*Task, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	holder, _, err := s.refHolder(ctx, ref)
	if err != nil {
		return nil, err
	}
	t, err := s.Get(ctx, holder)
	if err != nil {
		return nil, err
	}
	if !t.HoldsRef(ref) {
		return nil, ErrNotFound
	}
	return t, nil
}

// refHolder reads the reference index entry.
func (s *KVStore) refHolder(ctx context.Context, ref MessageRef) (int64, *state.KeyValue, error) {
	entry, err := s.kv.Get(ctx, s.refKey(ref))
	if errors.Is(err, state.ErrNotFound) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, storageErr(err, "get message index")
	}
	id, err := strconv.ParseInt(string(entry.Value), 10, 64)
	if err != nil {
		return 0, nil, storageErr(err, "decode message index")
	}
	return id, entry, nil
}

// ListByStatus returns the workspace's tasks in status.
func (s *KVStore) ListByStatus(ctx context.Context, workspaceID string, status Status) ([]*Task, error) {
	all, err := s.listWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	tasks := all[:0]
	for _, t := range all {
		if t.Status == status {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (s *KVStore) listWorkspace(ctx context.Context, workspaceID string) ([]*Task, error) {
	prefix := s.memberPrefix(workspaceID)
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, storageErr(err, "list tasks")
	}
	var tasks []*Task
	for _, key := range keys {
		id, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
		if err != nil {
			continue
		}
		t, _, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.kv.Delete(ctx, key, 0)
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.WorkspaceID == workspaceID {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// SetMessageRef records ref in slot. The index key is claimed first, then
// the task is written at the revision it was read at.
func (s *KVStore) SetMessageRef(ctx context.Context, id int64, slot Slot, ref MessageRef) (bool, error) {
	if err := checkRefWrite(slot); err != nil {
		return false, err
	}

	for i := 0; i < maxCASAttempts; i++ {
		t, rev, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		old := t.Ref(slot)

		if ref == "" {
			if old == "" {
				return true, nil
			}
			setRef(t, slot, "")
			if _, err := s.save(ctx, t, rev); err != nil {
				if errors.Is(err, state.ErrRevisionMismatch) {
					continue
				}
				return false, storageErr(err, "clear message ref")
			}
			s.releaseRef(ctx, old, id)
			return true, nil
		}

		if SlotFor(t.Status) != slot {
			return false, nil
		}
		if old == ref {
			return true, nil
		}
		if t.Ref(slot.Other()) == ref {
			return false, ErrConflict
		}

		if err := s.acquireRef(ctx, ref, id); err != nil {
			return false, err
		}

		setRef(t, slot, ref)
		if _, err := s.save(ctx, t, rev); err != nil {
			s.releaseRef(ctx, ref, id)
			if errors.Is(err, state.ErrRevisionMismatch) {
				continue
			}
			return false, storageErr(err, "set message ref")
		}

		// A stale-index takeover may have raced this write; the index decides.
		holder, _, err := s.refHolder(ctx, ref)
		if err != nil || holder != id {
			if rerr := s.revertRef(ctx, id, slot, ref, old); rerr != nil {
				return false, rerr
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return false, err
			}
			return false, ErrConflict
		}

		if old != "" {
			s.releaseRef(ctx, old, id)
		}
		return true, nil
	}
	return false, storageErr(errContention, "set message ref")
}

// revertRef puts old back in slot while the task still shows ref there.
func (s *KVStore) revertRef(ctx context.Context, id int64, slot Slot, ref, old MessageRef) error {
	for i := 0; i < maxCASAttempts; i++ {
		t, cur, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if t.Ref(slot) != ref {
			return nil
		}
		setRef(t, slot, old)
		_, err = s.save(ctx, t, cur)
		if err == nil {
			return nil
		}
		if !errors.Is(err, state.ErrRevisionMismatch) {
			return storageErr(err, "revert message ref")
		}
	}
	return storageErr(errContention, "revert message ref")
}

func setRef(t *Task, slot Slot, ref MessageRef) {
	if slot == SlotInProgress {
		t.InProgressRef = ref
	} else {
		t.OpenRef = ref
	}
}

// acquireRef points the index for ref at id. An entry held by another task
// is taken over only when that task is gone, or no longer holds ref and the
// entry is older than staleAfter.
func (s *KVStore) acquireRef(ctx context.Context, ref MessageRef, id int64) error {
	value := []byte(strconv.FormatInt(id, 10))
	for i := 0; i < maxCASAttempts; i++ {
		_, err := s.kv.Create(ctx, s.refKey(ref), value)
		if err == nil {
			return nil
		}
		if !errors.Is(err, state.ErrKeyExists) {
			return storageErr(err, "claim message index")
		}

		holder, entry, err := s.refHolder(ctx, ref)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if holder == id {
			return nil
		}

		other, _, err := s.load(ctx, holder)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case other.HoldsRef(ref):
			return ErrConflict
		case s.now().Sub(entry.Created) < s.staleAfter:
			return ErrConflict
		}

		_, err = s.kv.Update(ctx, s.refKey(ref), value, entry.Revision)
		if err == nil {
			return nil
		}
		if !errors.Is(err, state.ErrRevisionMismatch) {
			return storageErr(err, "take over message index")
		}
	}
	return storageErr(errContention, "claim message index")
}

// releaseRef drops the index entry for ref if id still owns it. Failures
// leave a stale entry that acquireRef can take over later.
func (s *KVStore) releaseRef(ctx context.Context, ref MessageRef, id int64) {
	if ref == "" {
		return
	}
	holder, entry, err := s.refHolder(ctx, ref)
	if err != nil || holder != id {
		return
	}
	s.kv.Delete(ctx, s.refKey(ref), entry.Revision)
}

// Claim moves an open task to in_progress.
func (s *KVStore) Claim(ctx context.Context, id int64, assigneeID string) (bool, error) {
	for i := 0; i < maxCASAttempts; i++ {
		t, rev, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if t.Status != StatusOpen {
			return false, nil
		}
		t.Status = StatusInProgress
		t.AssigneeID = assigneeID
		if _, err := s.save(ctx, t, rev); err != nil {
			if errors.Is(err, state.ErrRevisionMismatch) {
				continue
			}
			return false, storageErr(err, "claim task")
		}
		return true, nil
	}
	return false, storageErr(errContention, "claim task")
}

// deleteIf removes the task at the revision it was read at, if match
// accepts it, and releases its reference index entries.
func (s *KVStore) deleteIf(ctx context.Context, id int64, op string, match func(*Task) bool) (bool, error) {
	for i := 0; i < maxCASAttempts; i++ {
		t, rev, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !match(t) {
			return false, nil
		}
		if err := s.kv.Delete(ctx, s.taskKey(id), rev); err != nil {
			if errors.Is(err, state.ErrRevisionMismatch) {
				continue
			}
			return false, storageErr(err, op)
		}
		s.releaseRef(ctx, t.OpenRef, id)
		s.releaseRef(ctx, t.InProgressRef, id)
		s.kv.Delete(ctx, s.memberKey(t.WorkspaceID, id), 0)
		return true, nil
	}
	return false, storageErr(errContention, op)
}

// DeleteIfInProgress removes the task only while it is in_progress.
func (s *KVStore) DeleteIfInProgress(ctx context.Context, id int64) (bool, error) {
	return s.deleteIf(ctx, id, "complete task", func(t *Task) bool {
		return t.Status == StatusInProgress
	})
}

// Delete removes the task in any status.
func (s *KVStore) Delete(ctx context.Context, id int64) (bool, error) {
	return s.deleteIf(ctx, id, "delete task", func(*Task) bool { return true })
}

// RemoveByMessageRef removes the task holding ref.
func (s *KVStore) RemoveByMessageRef(ctx context.Context, ref MessageRef) (bool, error) {
	if ref == "" {
		return false, nil
	}
	holder, _, err := s.refHolder(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.deleteIf(ctx, holder, "remove task by message", func(t *Task) bool {
		return t.HoldsRef(ref)
	})
}

// RemoveAll removes every task of the workspace.
func (s *KVStore) RemoveAll(ctx context.Context, workspaceID string) (int, error) {
	tasks, err := s.listWorkspace(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, t := range tasks {
		ok, err := s.Delete(ctx, t.ID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// SetRoute binds slot to channelID.
func (s *KVStore) SetRoute(ctx context.Context, workspaceID string, slot Slot, channelID string) error {
	if _, ok := routeColumns[slot]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidSlot, slot)
	}
	key := s.routesKey(workspaceID)

	for i := 0; i < maxCASAttempts; i++ {
		entry, err := s.kv.Get(ctx, key)
		routes := Routes{WorkspaceID: workspaceID}
		switch {
		case errors.Is(err, state.ErrNotFound):
			routes.set(slot, channelID)
			data, _ := json.Marshal(routes)
			_, err = s.kv.Create(ctx, key, data)
			if errors.Is(err, state.ErrKeyExists) {
				continue
			}
		case err != nil:
			return storageErr(err, "get routes")
		default:
			if err := json.Unmarshal(entry.Value, &routes); err != nil {
				return storageErr(err, "decode routes")
			}
			routes.set(slot, channelID)
			data, _ := json.Marshal(routes)
			_, err = s.kv.Update(ctx, key, data, entry.Revision)
			if errors.Is(err, state.ErrRevisionMismatch) {
				continue
			}
		}
		if err != nil {
			return storageErr(err, "set route")
		}
		return nil
	}
	return storageErr(errContention, "set route")
}

// GetRoutes returns the workspace's routes.
func (s *KVStore) GetRoutes(ctx context.Context, workspaceID string) (*Routes, error) {
	entry, err := s.kv.Get(ctx, s.routesKey(workspaceID))
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err, "get routes")
	}
	var routes Routes
	if err := json.Unmarshal(entry.Value, &routes); err != nil {
		return nil, storageErr(err, "decode routes")
	}
	routes.WorkspaceID = workspaceID
	return &routes, nil
}

// DeleteRoutes removes the workspace's route row.
func (s *KVStore) DeleteRoutes(ctx context.Context, workspaceID string) error {
	if err := s.kv.Delete(ctx, s.routesKey(workspaceID), 0); err != nil {
		return storageErr(err, "delete routes")
	}
	return nil
}
