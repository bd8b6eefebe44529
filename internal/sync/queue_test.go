package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/tillsync/internal/loggy"
	"github.com/tildaslashalef/tillsync/internal/store"
)

func newAction(id string, priority Priority) *OfflineAction {
	return &OfflineAction{
		ID:         id,
		Type:       ActionStockAdjustment,
		EntityType: EntityStockItem,
		EntityID:   "SKU-" + id,
		Payload:    StockAdjustmentPayload{SKU: "SKU-" + id, Delta: 1, Reason: "delivery"},
		Metadata: ActionMetadata{
			Priority:       priority,
			MaxRetries:     3,
			ConflictPolicy: ResolveManual,
		},
		Status: StatusPending,
	}
}

func queueOrder(q *Queue) []string {
	var ids []string
	for _, action := range q.All() {
		ids = append(ids, action.ID)
	}
	return ids
}

func TestQueueOrderingByPriority(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(store.NewMemory(), loggy.NewNoopLogger())

	// Scenario: enqueue [low, critical, medium] yields [critical, medium, low]
	q.Enqueue(ctx, newAction("a", PriorityLow))
	q.Enqueue(ctx, newAction("b", PriorityCritical))
	q.Enqueue(ctx, newAction("c", PriorityMedium))

	assert.Equal(t, []string{"b", "c", "a"}, queueOrder(q))
}

func TestQueueOrderingStableWithinPriority(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(store.NewMemory(), loggy.NewNoopLogger())

	q.Enqueue(ctx, newAction("h1", PriorityHigh))
	q.Enqueue(ctx, newAction("l1", PriorityLow))
	q.Enqueue(ctx, newAction("h2", PriorityHigh))
	q.Enqueue(ctx, newAction("c1", PriorityCritical))
	q.Enqueue(ctx, newAction("h3", PriorityHigh))

	// Equal priorities keep insertion order
	assert.Equal(t, []string{"c1", "h1", "h2", "h3", "l1"}, queueOrder(q))
}

func TestQueuePersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()

	q := NewQueue(kv, loggy.NewNoopLogger())
	q.Enqueue(ctx, newAction("p1", PriorityHigh))
	q.Enqueue(ctx, newAction("f1", PriorityMedium))
	q.Enqueue(ctx, newAction("s1", PriorityLow))
	q.Enqueue(ctx, newAction("c1", PriorityLow))

	require.NoError(t, q.UpdateStatus(ctx, "f1", StatusFailed))
	require.NoError(t, q.UpdateStatus(ctx, "s1", StatusSyncing))
	require.NoError(t, q.UpdateStatus(ctx, "c1", StatusConflict))

	// A restart reloads the exact pending set; syncing degrades to pending
	reloaded := NewQueue(kv, loggy.NewNoopLogger())
	require.NoError(t, reloaded.Load(ctx))

	assert.Equal(t, queueOrder(q), queueOrder(reloaded))

	byID := make(map[string]ActionStatus)
	for _, action := range reloaded.All() {
		byID[action.ID] = action.Status
	}
	assert.Equal(t, StatusPending, byID["p1"])
	assert.Equal(t, StatusFailed, byID["f1"])
	assert.Equal(t, StatusPending, byID["s1"])
	assert.Equal(t, StatusConflict, byID["c1"])

	// Payloads survive the round trip as typed variants
	action, ok := reloaded.Get("p1")
	require.True(t, ok)
	assert.Equal(t, StockAdjustmentPayload{SKU: "SKU-p1", Delta: 1, Reason: "delivery"}, action.Payload)
}

func TestQueueLoadMissingSnapshot(t *testing.T) {
	q := NewQueue(store.NewMemory(), loggy.NewNoopLogger())
	require.NoError(t, q.Load(context.Background()))
	assert.Zero(t, q.Len())
}

func TestQueueLoadCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, store.KeySyncQueue, "{not json"))

	q := NewQueue(kv, loggy.NewNoopLogger())
	require.NoError(t, q.Load(ctx))
	assert.Zero(t, q.Len())
}

func TestQueuePendingBatchLimit(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(store.NewMemory(), loggy.NewNoopLogger())

	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, newAction(fmt.Sprintf("a%d", i), PriorityMedium))
	}
	require.NoError(t, q.UpdateStatus(ctx, "a1", StatusFailed))

	batch := q.Pending(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "a0", batch[0].ID)
	assert.Equal(t, "a2", batch[1].ID)

	all := q.Pending(0)
	assert.Len(t, all, 4)
}

func TestQueueRemoveAndCounts(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(store.NewMemory(), loggy.NewNoopLogger())

	q.Enqueue(ctx, newAction("x", PriorityMedium))
	q.Enqueue(ctx, newAction("y", PriorityMedium))
	require.NoError(t, q.UpdateStatus(ctx, "y", StatusConflict))

	pending, failed, conflict := q.Counts()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, conflict)

	require.NoError(t, q.Remove(ctx, "x"))
	assert.ErrorIs(t, q.Remove(ctx, "x"), ErrActionNotFound)
	assert.Equal(t, 1, q.Len())
}

func TestQueueClearFailed(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(store.NewMemory(), loggy.NewNoopLogger())

	q.Enqueue(ctx, newAction("f1", PriorityMedium))
	q.Enqueue(ctx, newAction("f2", PriorityMedium))
	q.Enqueue(ctx, newAction("ok", PriorityMedium))
	require.NoError(t, q.UpdateStatus(ctx, "f1", StatusFailed))
	require.NoError(t, q.UpdateStatus(ctx, "f2", StatusFailed))

	removed := q.ClearFailed(ctx)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"ok"}, queueOrder(q))

	_, failed, _ := q.Counts()
	assert.Zero(t, failed)
}

// failingKV rejects writes after a trigger to exercise degraded mode
type failingKV struct {
	*store.Memory
	failWrites bool
}

func (f *failingKV) Set(ctx context.Context, key, value string) error {
	if f.failWrites {
		return errors.New("disk full")
	}
	return f.Memory.Set(ctx, key, value)
}

func TestQueueDegradedOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{Memory: store.NewMemory()}
	q := NewQueue(kv, loggy.NewNoopLogger())

	q.Enqueue(ctx, newAction("a", PriorityMedium))
	assert.False(t, q.Degraded())

	kv.failWrites = true
	q.Enqueue(ctx, newAction("b", PriorityMedium))
	assert.True(t, q.Degraded())

	// Engine keeps operating in memory
	assert.Equal(t, 2, q.Len())

	// A later successful write clears the flag
	kv.failWrites = false
	q.Enqueue(ctx, newAction("c", PriorityMedium))
	assert.False(t, q.Degraded())
}
