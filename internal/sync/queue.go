package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"

	"github.com/tildaslashalef/tillsync/internal/loggy"
	"github.com/tildaslashalef/tillsync/internal/store"
)

// ErrActionNotFound is returned when an action id is not in the queue
var ErrActionNotFound = errors.New("action not found in queue")

// queueSnapshot is the durable representation of the whole queue
type queueSnapshot struct {
	Version int              `json:"version"`
	Actions []*OfflineAction `json:"actions"`
}

// Queue is the ordered, persisted collection of pending actions. Order is
// by priority weight with ties broken by insertion order. Every mutation
// writes a full snapshot to the durable store.
type Queue struct {
	mu      stdsync.Mutex
	actions []*OfflineAction

	kv       store.KV
	logger   *loggy.Logger
	degraded bool
}

// NewQueue creates an empty queue backed by the given store
func NewQueue(kv store.KV, logger *loggy.Logger) *Queue {
	return &Queue{
		kv:     kv,
		logger: logger,
	}
}

// Load replaces in-memory state wholesale from the last persisted
// snapshot. Actions persisted mid-syncing degrade to pending; a missing
// snapshot yields an empty queue.
func (q *Queue) Load(ctx context.Context) error {
	raw, err := q.kv.Get(ctx, store.KeySyncQueue)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("loading queue snapshot: %w", err)
	}

	var snapshot queueSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		// A corrupt snapshot is unrecoverable; start empty rather than
		// refuse to run
		q.logger.Error("Discarding corrupt queue snapshot", "error", err)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.actions = q.actions[:0]
	for _, action := range snapshot.Actions {
		if action.Status == StatusSyncing {
			action.Status = StatusPending
		}
		if action.Status == StatusCompleted {
			// Completed actions never belong in a snapshot
			continue
		}
		q.actions = append(q.actions, action)
	}

	q.logger.Info("Loaded action queue", "actions", len(q.actions))
	return nil
}

// Enqueue inserts the action in priority order: before the first entry
// with a strictly lower priority, after all entries of equal or higher
// priority. The queue is persisted before returning.
func (q *Queue) Enqueue(ctx context.Context, action *OfflineAction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	weight := action.Metadata.Priority.Weight()
	pos := len(q.actions)
	for i, existing := range q.actions {
		if existing.Metadata.Priority.Weight() > weight {
			pos = i
			break
		}
	}

	q.actions = append(q.actions, nil)
	copy(q.actions[pos+1:], q.actions[pos:])
	q.actions[pos] = action

	q.persistLocked(ctx)
}

// Update applies fn to the action with the given id under the queue lock
// and persists the result
func (q *Queue) Update(ctx context.Context, id string, fn func(*OfflineAction)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, action := range q.actions {
		if action.ID == id {
			fn(action)
			q.persistLocked(ctx)
			return nil
		}
	}
	return ErrActionNotFound
}

// UpdateStatus transitions the action with the given id to status
func (q *Queue) UpdateStatus(ctx context.Context, id string, status ActionStatus) error {
	return q.Update(ctx, id, func(a *OfflineAction) {
		a.Status = status
	})
}

// Remove deletes the action with the given id from the queue
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, action := range q.actions {
		if action.ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			q.persistLocked(ctx)
			return nil
		}
	}
	return ErrActionNotFound
}

// Get returns a copy of the action with the given id
func (q *Queue) Get(id string) (OfflineAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, action := range q.actions {
		if action.ID == id {
			return *action, true
		}
	}
	return OfflineAction{}, false
}

// Pending returns copies of up to limit pending actions in queue order.
// A non-positive limit returns all of them.
func (q *Queue) Pending(limit int) []OfflineAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []OfflineAction
	for _, action := range q.actions {
		if action.Status != StatusPending {
			continue
		}
		batch = append(batch, *action)
		if limit > 0 && len(batch) >= limit {
			break
		}
	}
	return batch
}

// ByStatus returns copies of all actions with the given status in queue
// order
func (q *Queue) ByStatus(status ActionStatus) []OfflineAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	var matched []OfflineAction
	for _, action := range q.actions {
		if action.Status == status {
			matched = append(matched, *action)
		}
	}
	return matched
}

// All returns copies of every queued action in queue order
func (q *Queue) All() []OfflineAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	all := make([]OfflineAction, len(q.actions))
	for i, action := range q.actions {
		all[i] = *action
	}
	return all
}

// Counts returns the number of pending, failed and conflict actions
func (q *Queue) Counts() (pending, failed, conflict int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, action := range q.actions {
		switch action.Status {
		case StatusPending, StatusSyncing:
			pending++
		case StatusFailed:
			failed++
		case StatusConflict:
			conflict++
		}
	}
	return pending, failed, conflict
}

// Len returns the total number of queued actions
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// ClearFailed removes every failed action and returns how many were
// removed
func (q *Queue) ClearFailed(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.actions[:0]
	removed := 0
	for _, action := range q.actions {
		if action.Status == StatusFailed {
			removed++
			continue
		}
		kept = append(kept, action)
	}
	q.actions = kept

	if removed > 0 {
		q.persistLocked(ctx)
	}
	return removed
}

// Degraded reports whether the last persistence attempt failed
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

// persistLocked serializes the whole queue to the durable store. A write
// failure is logged and flagged, never propagated: the engine keeps
// operating in memory.
func (q *Queue) persistLocked(ctx context.Context) {
	snapshot := queueSnapshot{
		Version: 1,
		Actions: q.actions,
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		q.logger.Error("Failed to serialize queue snapshot", "error", err)
		q.degraded = true
		return
	}

	if err := q.kv.Set(ctx, store.KeySyncQueue, string(data)); err != nil {
		q.logger.Error("Failed to persist queue snapshot", "error", err, "actions", len(q.actions))
		q.degraded = true
		return
	}

	q.degraded = false
}
