package sync

import (
	"context"
	"encoding/json"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/tillsync/internal/config"
	"github.com/tildaslashalef/tillsync/internal/connectivity"
	"github.com/tildaslashalef/tillsync/internal/store"
)

// fakeGateway records dispatched action ids and answers with a
// configurable error
type fakeGateway struct {
	mu        stdsync.Mutex
	calls     []string
	err       error
	perAction map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{perAction: make(map[string]error)}
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *fakeGateway) setActionErr(actionID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perAction[actionID] = err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) record(actionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, actionID)
	if err, ok := g.perAction[actionID]; ok {
		return err
	}
	return g.err
}

func (g *fakeGateway) Ping(context.Context) error { return nil }
func (g *fakeGateway) UpdateStock(_ context.Context, actionID string, _ StockUpdatePayload) error {
	return g.record(actionID)
}
func (g *fakeGateway) AdjustStock(_ context.Context, actionID string, _ StockAdjustmentPayload) error {
	return g.record(actionID)
}
func (g *fakeGateway) CreateRecipe(_ context.Context, actionID string, _ RecipePayload) error {
	return g.record(actionID)
}
func (g *fakeGateway) UpdateRecipe(_ context.Context, actionID string, _ RecipePayload) error {
	return g.record(actionID)
}
func (g *fakeGateway) DeleteRecipe(_ context.Context, actionID string, _ string) error {
	return g.record(actionID)
}
func (g *fakeGateway) CompleteOrder(_ context.Context, actionID string, _ OrderCompletionPayload) error {
	return g.record(actionID)
}
func (g *fakeGateway) UpdateCost(_ context.Context, actionID string, _ CostUpdatePayload) error {
	return g.record(actionID)
}

// manualClock freezes time and hands out a manually driven ticker
type manualClock struct {
	mu   stdsync.Mutex
	now  time.Time
	tick chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{
		now:  time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
		tick: make(chan time.Time),
	}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *manualClock) NewTicker(time.Duration) Ticker {
	return manualTicker{ch: c.tick}
}

// Tick fires the periodic trigger once
func (c *manualClock) Tick() {
	c.tick <- c.Now()
}

type manualTicker struct {
	ch chan time.Time
}

func (t manualTicker) C() <-chan time.Time { return t.ch }
func (t manualTicker) Stop()               {}

type engineFixture struct {
	engine  *Engine
	gateway *fakeGateway
	monitor *connectivity.Static
	clock   *manualClock
	kv      store.KV
}

func newEngineFixture(t *testing.T, online bool) *engineFixture {
	t.Helper()

	gateway := newFakeGateway()
	monitor := connectivity.NewStatic(online)
	clock := newManualClock()
	kv := store.NewMemory()

	engine, err := NewEngine(context.Background(), Options{
		Gateway: gateway,
		Monitor: monitor,
		Store:   kv,
		Clock:   clock,
		Config: config.SyncConfig{
			BatchSize:         50,
			Interval:          30 * time.Second,
			MaxRetries:        3,
			ActionTimeout:     time.Second,
			PerActionEstimate: 2 * time.Second,
		},
		DeviceID: "dev_test",
	})
	require.NoError(t, err)
	t.Cleanup(engine.Destroy)

	return &engineFixture{
		engine:  engine,
		gateway: gateway,
		monitor: monitor,
		clock:   clock,
		kv:      kv,
	}
}

func stockAdjustmentInput(sku string) EnqueueInput {
	return EnqueueInput{
		Type:       ActionStockAdjustment,
		EntityType: EntityStockItem,
		EntityID:   sku,
		Payload:    StockAdjustmentPayload{SKU: sku, Delta: -1, Reason: "waste"},
		UserID:     "usr_1",
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, EnqueueInput{Type: ActionStockUpdate, EntityType: EntityStockItem})
	assert.Error(t, err, "missing entity id")

	_, err = f.engine.Enqueue(ctx, EnqueueInput{Type: ActionStockUpdate, EntityType: EntityStockItem, EntityID: "SKU-1"})
	assert.Error(t, err, "missing payload")

	_, err = f.engine.Enqueue(ctx, EnqueueInput{
		Type:       ActionStockUpdate,
		EntityType: EntityStockItem,
		EntityID:   "SKU-1",
		Payload:    RecipePayload{},
	})
	assert.Error(t, err, "payload variant mismatch")

	in := stockAdjustmentInput("SKU-1")
	in.ConflictPolicy = ResolveSkip
	_, err = f.engine.Enqueue(ctx, in)
	assert.Error(t, err, "skip is a choice, not a policy")
}

func TestEnqueueDefaults(t *testing.T) {
	f := newEngineFixture(t, false)

	id, err := f.engine.Enqueue(context.Background(), stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)

	actions := f.engine.GetQueuedActions()
	require.Len(t, actions, 1)
	assert.Equal(t, id, actions[0].ID)
	assert.Equal(t, PriorityMedium, actions[0].Metadata.Priority)
	assert.Equal(t, 3, actions[0].Metadata.MaxRetries)
	assert.Equal(t, ResolveManual, actions[0].Metadata.ConflictPolicy)
	assert.Equal(t, "dev_test", actions[0].Metadata.DeviceID)
	assert.Equal(t, StatusPending, actions[0].Status)
}

func TestOfflineEnqueueMakesNoGatewayCall(t *testing.T) {
	f := newEngineFixture(t, false)

	_, err := f.engine.Enqueue(context.Background(), stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)

	assert.Zero(t, f.gateway.callCount())
	assert.Equal(t, 1, f.engine.GetSyncStatus().PendingActions)
}

func TestOnlineEnqueueSyncsImmediately(t *testing.T) {
	f := newEngineFixture(t, true)

	_, err := f.engine.Enqueue(context.Background(), stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.gateway.callCount())
	status := f.engine.GetSyncStatus()
	assert.Zero(t, status.PendingActions)
	assert.Empty(t, f.engine.GetQueuedActions())
}

func TestSyncOfflineReturnsErrOffline(t *testing.T) {
	f := newEngineFixture(t, false)

	_, err := f.engine.SyncToServer(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
}

func TestReconnectionTriggersSync(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)
	_, err = f.engine.Enqueue(ctx, stockAdjustmentInput("SKU-2"))
	require.NoError(t, err)
	assert.Zero(t, f.gateway.callCount())

	// Static notifies subscribers synchronously, so the reconnection
	// pass has completed by the time SetOnline returns
	f.monitor.SetOnline(true)

	assert.Equal(t, 2, f.gateway.callCount())
	assert.Zero(t, f.engine.GetSyncStatus().PendingActions)
}

func TestPeriodicTriggerSyncs(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)

	// Flip online without relying on the transition trigger: consume
	// the reconnection pass first, then fail one pass so work remains
	f.gateway.setErr(errors.New("boom"))
	f.monitor.SetOnline(true)
	require.Equal(t, 1, f.gateway.callCount())

	f.gateway.setErr(nil)
	f.clock.Tick()

	assert.Eventually(t, func() bool {
		return f.engine.GetSyncStatus().PendingActions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewaySuccessCompletesAndRemoves(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	id, err := f.engine.Enqueue(ctx, stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)
	f.monitor.SetOnline(true)

	_, found := f.engine.queue.Get(id)
	assert.False(t, found, "completed actions leave the queue")
	assert.Zero(t, f.engine.GetSyncStatus().PendingActions)
}

func TestConflictMarksActionAndRecordsResolution(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	in := stockAdjustmentInput("SKU-1")
	in.ConflictPolicy = ResolveServerWins
	id, err := f.engine.Enqueue(ctx, in)
	require.NoError(t, err)

	serverData := json.RawMessage(`{"quantity": 12}`)
	f.gateway.setActionErr(id, &ConflictError{
		ConflictType: "version_mismatch",
		ServerData:   serverData,
	})
	f.monitor.SetOnline(true)

	conflicted := f.engine.GetConflictActions()
	require.Len(t, conflicted, 1)
	assert.Equal(t, id, conflicted[0].ID)
	assert.Equal(t, StatusConflict, conflicted[0].Status)

	conflicts := f.engine.GetConflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "version_mismatch", conflicts[0].ConflictType)
	assert.Equal(t, ResolveServerWins, conflicts[0].RecommendedResolution)
	assert.JSONEq(t, string(serverData), string(conflicts[0].ServerData))
	assert.NotEmpty(t, conflicts[0].LocalData)

	assert.Equal(t, 1, f.engine.GetSyncStatus().ConflictActions)
}

func TestConflictRoundTrip(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	id, err := f.engine.Enqueue(ctx, stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)

	f.gateway.setActionErr(id, &ConflictError{ConflictType: "version_mismatch"})
	f.monitor.SetOnline(true)
	require.Len(t, f.engine.GetConflictActions(), 1)

	// Resolving with a non-skip choice resets retries and re-pends
	require.NoError(t, f.engine.ResolveConflict(ctx, id, ResolveClientWins))

	action, found := f.engine.queue.Get(id)
	require.True(t, found)
	assert.Equal(t, StatusPending, action.Status)
	assert.Zero(t, action.Metadata.RetryCount)
	assert.Equal(t, ResolveClientWins, action.Metadata.ConflictPolicy)

	// Next pass retries it under the new policy
	f.gateway.setActionErr(id, nil)
	result, err := f.engine.SyncToServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Zero(t, f.engine.GetSyncStatus().ConflictActions)
}

func TestResolveConflictSkipRemovesAction(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	id, err := f.engine.Enqueue(ctx, stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)
	f.gateway.setActionErr(id, &ConflictError{ConflictType: "deleted_remotely"})
	f.monitor.SetOnline(true)

	require.NoError(t, f.engine.ResolveConflict(ctx, id, ResolveSkip))

	_, found := f.engine.queue.Get(id)
	assert.False(t, found)
	assert.Empty(t, f.engine.GetConflicts())
	assert.Zero(t, f.engine.GetSyncStatus().ConflictActions)
}

func TestResolveConflictErrors(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	err := f.engine.ResolveConflict(ctx, "act_missing", ResolveClientWins)
	assert.ErrorIs(t, err, ErrActionNotFound)

	id, err := f.engine.Enqueue(ctx, stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)

	err = f.engine.ResolveConflict(ctx, id, ResolveClientWins)
	assert.Error(t, err, "pending actions cannot be resolved")
}

func TestRetryBound(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	id, err := f.engine.Enqueue(ctx, stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)

	f.gateway.setErr(errors.New("connection reset"))

	// Pass 1 via the reconnection trigger, then two manual passes
	f.monitor.SetOnline(true)
	for i := 0; i < 2; i++ {
		result, err := f.engine.SyncToServer(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.FailedCount)
		assert.False(t, result.Success)
	}

	action, found := f.engine.queue.Get(id)
	require.True(t, found)
	assert.Equal(t, StatusFailed, action.Status)
	assert.Equal(t, 3, action.Metadata.RetryCount)
	assert.Equal(t, 3, f.gateway.callCount())

	// Failed is terminal: further passes never retry it
	_, err = f.engine.SyncToServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, f.gateway.callCount())

	status := f.engine.GetSyncStatus()
	assert.Equal(t, 1, status.FailedActions)
	assert.Zero(t, status.PendingActions)
}

func TestClearFailedActions(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	in1 := stockAdjustmentInput("SKU-1")
	in1.MaxRetries = 1
	in2 := stockAdjustmentInput("SKU-2")
	in2.MaxRetries = 1

	_, err := f.engine.Enqueue(ctx, in1)
	require.NoError(t, err)
	_, err = f.engine.Enqueue(ctx, in2)
	require.NoError(t, err)

	f.gateway.setErr(errors.New("boom"))
	f.monitor.SetOnline(true)

	require.Len(t, f.engine.GetFailedActions(), 2)

	removed := f.engine.ClearFailedActions(ctx)
	assert.Equal(t, 2, removed)
	assert.Empty(t, f.engine.GetFailedActions())
	assert.Zero(t, f.engine.GetSyncStatus().FailedActions)
}

func TestBatchRespectsPriorityOrder(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	low := stockAdjustmentInput("SKU-low")
	low.Priority = PriorityLow
	critical := stockAdjustmentInput("SKU-critical")
	critical.Priority = PriorityCritical
	medium := stockAdjustmentInput("SKU-medium")
	medium.Priority = PriorityMedium

	lowID, err := f.engine.Enqueue(ctx, low)
	require.NoError(t, err)
	criticalID, err := f.engine.Enqueue(ctx, critical)
	require.NoError(t, err)
	mediumID, err := f.engine.Enqueue(ctx, medium)
	require.NoError(t, err)

	f.monitor.SetOnline(true)

	require.Equal(t, 3, f.gateway.callCount())
	assert.Equal(t, []string{criticalID, mediumID, lowID}, f.gateway.calls)
}

func TestForceSyncAllIgnoresBatchLimit(t *testing.T) {
	gateway := newFakeGateway()
	monitor := connectivity.NewStatic(false)
	kv := store.NewMemory()

	engine, err := NewEngine(context.Background(), Options{
		Gateway: gateway,
		Monitor: monitor,
		Store:   kv,
		Clock:   newManualClock(),
		Config: config.SyncConfig{
			BatchSize:         2,
			Interval:          time.Hour,
			MaxRetries:        3,
			ActionTimeout:     time.Second,
			PerActionEstimate: time.Second,
		},
	})
	require.NoError(t, err)
	t.Cleanup(engine.Destroy)

	ctx := context.Background()
	for _, sku := range []string{"SKU-1", "SKU-2", "SKU-3", "SKU-4", "SKU-5"} {
		_, err := engine.Enqueue(ctx, stockAdjustmentInput(sku))
		require.NoError(t, err)
	}

	monitor.SetOnline(true)

	// The reconnection pass was bounded by the batch size
	require.Equal(t, 2, gateway.callCount())
	assert.Equal(t, 3, engine.GetSyncStatus().PendingActions)

	result, err := engine.ForceSyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.SyncedCount)
	assert.Zero(t, engine.GetSyncStatus().PendingActions)
}

func TestStatusNotifications(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	var mu stdsync.Mutex
	var statuses []SyncStatus
	unsubscribe := f.engine.OnSyncStatusChange(func(s SyncStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	_, err := f.engine.Enqueue(ctx, stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)

	mu.Lock()
	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1]
	mu.Unlock()

	assert.Equal(t, 1, last.PendingActions)
	assert.False(t, last.IsOnline)
	assert.Equal(t, 2*time.Second, last.EstimatedCompletion)

	unsubscribe()
	mu.Lock()
	seen := len(statuses)
	mu.Unlock()

	_, err = f.engine.Enqueue(ctx, stockAdjustmentInput("SKU-2"))
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, seen, len(statuses), "unsubscribed listener gets no more notifications")
	mu.Unlock()
}

func TestLastSyncTimePersisted(t *testing.T) {
	f := newEngineFixture(t, true)
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)

	status := f.engine.GetSyncStatus()
	assert.Equal(t, f.clock.Now(), status.LastSyncTime)

	raw, err := f.kv.Get(ctx, store.KeyLastSyncTime)
	require.NoError(t, err)
	persisted, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().UTC(), persisted)
}

func TestEngineRestartReloadsQueue(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()

	gateway := newFakeGateway()
	monitor := connectivity.NewStatic(false)

	engine, err := NewEngine(ctx, Options{
		Gateway: gateway,
		Monitor: monitor,
		Store:   kv,
		Clock:   newManualClock(),
	})
	require.NoError(t, err)

	_, err = engine.Enqueue(ctx, stockAdjustmentInput("SKU-1"))
	require.NoError(t, err)
	_, err = engine.Enqueue(ctx, stockAdjustmentInput("SKU-2"))
	require.NoError(t, err)
	engine.Destroy()

	restarted, err := NewEngine(ctx, Options{
		Gateway: gateway,
		Monitor: monitor,
		Store:   kv,
		Clock:   newManualClock(),
	})
	require.NoError(t, err)
	t.Cleanup(restarted.Destroy)

	assert.Equal(t, 2, restarted.GetSyncStatus().PendingActions)
}

func TestDestroyIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, true)

	f.engine.Destroy()
	f.engine.Destroy()
}
