package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/tildaslashalef/tillsync/internal/audit"
	"github.com/tildaslashalef/tillsync/internal/config"
	"github.com/tildaslashalef/tillsync/internal/connectivity"
	"github.com/tildaslashalef/tillsync/internal/loggy"
	"github.com/tildaslashalef/tillsync/internal/store"
	"github.com/tildaslashalef/tillsync/internal/ulid"
)

var (
	// ErrSyncInProgress is returned when a pass is already running;
	// concurrent triggers are dropped, not queued
	ErrSyncInProgress = errors.New("sync pass already in progress")

	// ErrOffline is returned when a pass is requested while the gateway
	// is unreachable
	ErrOffline = errors.New("gateway is offline")
)

// Options configures a new Engine. Gateway, Monitor and Store are
// required; the rest default to no-op or system implementations.
type Options struct {
	Gateway  Gateway
	Monitor  connectivity.Monitor
	Store    store.KV
	Audit    audit.Sink
	Journal  Journal
	Clock    Clock
	Config   config.SyncConfig
	DeviceID string
	Logger   *loggy.Logger
}

// Engine is the offline-first action synchronization engine. It owns the
// durable queue, drains it against the gateway in priority batches, and
// surfaces conflicts for manual resolution.
type Engine struct {
	queue    *Queue
	gateway  Gateway
	monitor  connectivity.Monitor
	kv       store.KV
	sink     audit.Sink
	journal  Journal
	resolver *Resolver
	notifier *statusNotifier
	clock    Clock
	cfg      config.SyncConfig
	deviceID string
	logger   *loggy.Logger

	mu             stdsync.Mutex
	syncInProgress bool
	lastSync       time.Time

	stopOnce     stdsync.Once
	stop         chan struct{}
	done         chan struct{}
	unsubMonitor func()
}

// NewEngine constructs the engine, loads the persisted queue, subscribes
// to connectivity transitions and starts the periodic trigger.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("connectivity monitor is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("durable store is required")
	}

	if opts.Logger == nil {
		opts.Logger = loggy.NewNoopLogger()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NopSink{}
	}
	if opts.Journal == nil {
		opts.Journal = NopJournal{}
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Config.BatchSize <= 0 {
		opts.Config.BatchSize = 50
	}
	if opts.Config.Interval <= 0 {
		opts.Config.Interval = 30 * time.Second
	}
	if opts.Config.MaxRetries <= 0 {
		opts.Config.MaxRetries = 3
	}
	if opts.Config.ActionTimeout <= 0 {
		opts.Config.ActionTimeout = 30 * time.Second
	}
	if opts.Config.PerActionEstimate <= 0 {
		opts.Config.PerActionEstimate = 2 * time.Second
	}

	e := &Engine{
		queue:    NewQueue(opts.Store, opts.Logger),
		gateway:  opts.Gateway,
		monitor:  opts.Monitor,
		kv:       opts.Store,
		sink:     opts.Audit,
		journal:  opts.Journal,
		notifier: newStatusNotifier(),
		clock:    opts.Clock,
		cfg:      opts.Config,
		deviceID: opts.DeviceID,
		logger:   opts.Logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	e.resolver = NewResolver(e.queue, opts.Logger)

	if err := e.queue.Load(ctx); err != nil {
		return nil, err
	}
	e.loadLastSync(ctx)

	// Reconnection trigger: drain whatever accumulated while offline
	e.unsubMonitor = e.monitor.Subscribe(func(online bool) {
		e.notifyStatus()
		if online {
			if _, err := e.SyncToServer(context.Background()); err != nil &&
				!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
				e.logger.Warn("Reconnection sync failed", "error", err)
			}
		}
	})

	go e.runPeriodic()

	return e, nil
}

// runPeriodic drives timed sync passes while online
func (e *Engine) runPeriodic() {
	defer close(e.done)

	ticker := e.clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if !e.monitor.IsOnline() {
				continue
			}
			if _, err := e.SyncToServer(context.Background()); err != nil &&
				!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
				e.logger.Warn("Periodic sync failed", "error", err)
			}
		case <-e.stop:
			return
		}
	}
}

// Destroy stops the periodic trigger, detaches from the connectivity
// monitor and releases all status subscribers
func (e *Engine) Destroy() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done

	if e.unsubMonitor != nil {
		e.unsubMonitor()
	}
	e.notifier.clear()
}

// EnqueueInput describes a new action to queue
type EnqueueInput struct {
	Type       ActionType
	EntityType EntityType
	EntityID   string
	Payload    ActionPayload

	UserID         string
	Priority       Priority
	MaxRetries     int
	ConflictPolicy ResolutionPolicy
	Dependencies   []string
}

// Enqueue validates and queues a new action, returning its id. Queuing
// never fails for network reasons: if the gateway is reachable a sync
// pass runs immediately, but its outcome is absorbed into action status.
func (e *Engine) Enqueue(ctx context.Context, in EnqueueInput) (string, error) {
	if in.EntityID == "" {
		return "", fmt.Errorf("entity id is required")
	}
	if in.Payload == nil {
		return "", fmt.Errorf("payload is required")
	}
	if err := validatePayload(in.Type, in.Payload); err != nil {
		return "", err
	}
	if in.ConflictPolicy == ResolveSkip {
		return "", fmt.Errorf("skip is not a valid conflict policy")
	}

	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if in.MaxRetries <= 0 {
		in.MaxRetries = e.cfg.MaxRetries
	}
	if in.ConflictPolicy == "" {
		in.ConflictPolicy = ResolveManual
	}

	action := &OfflineAction{
		ID:         ulid.ActionID(),
		Timestamp:  e.clock.Now(),
		Type:       in.Type,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Payload:    in.Payload,
		Metadata: ActionMetadata{
			UserID:         in.UserID,
			DeviceID:       e.deviceID,
			Priority:       in.Priority,
			MaxRetries:     in.MaxRetries,
			ConflictPolicy: in.ConflictPolicy,
		},
		Dependencies: in.Dependencies,
		Status:       StatusPending,
	}

	if len(action.Dependencies) > 0 {
		// Dependencies are recorded and surfaced but the batch
		// processor does not order around them
		e.logger.Debug("Action declares dependencies",
			"action_id", action.ID,
			"dependencies", action.Dependencies,
		)
	}

	e.queue.Enqueue(ctx, action)

	e.sink.Emit(ctx, audit.NewEvent(audit.EventActionQueued, action.ID, e.deviceID, map[string]string{
		"type":     string(action.Type),
		"priority": string(action.Metadata.Priority),
	}))
	e.notifyStatus()

	e.logger.Info("Queued offline action",
		"action_id", action.ID,
		"type", action.Type,
		"entity_id", action.EntityID,
		"priority", action.Metadata.Priority,
	)

	if e.monitor.IsOnline() {
		if _, err := e.SyncToServer(ctx); err != nil &&
			!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
			e.logger.Warn("Post-enqueue sync failed", "error", err)
		}
	}

	return action.ID, nil
}

// SyncToServer runs one sync pass over up to batchSize pending actions
func (e *Engine) SyncToServer(ctx context.Context) (*SyncResult, error) {
	return e.runPass(ctx, e.cfg.BatchSize)
}

// ForceSyncAll runs one sync pass over the entire pending queue
func (e *Engine) ForceSyncAll(ctx context.Context) (*SyncResult, error) {
	return e.runPass(ctx, 0)
}

// runPass drains up to limit pending actions strictly sequentially. At
// most one pass runs at a time; concurrent triggers get ErrSyncInProgress.
func (e *Engine) runPass(ctx context.Context, limit int) (*SyncResult, error) {
	if !e.monitor.IsOnline() {
		return nil, ErrOffline
	}

	e.mu.Lock()
	if e.syncInProgress {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.syncInProgress = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncInProgress = false
		e.mu.Unlock()
		e.notifyStatus()
	}()

	start := e.clock.Now()
	e.notifyStatus()

	batch := e.queue.Pending(limit)
	result := &SyncResult{}

	for i := range batch {
		e.processAction(ctx, &batch[i], result)
	}

	e.mu.Lock()
	e.lastSync = e.clock.Now()
	e.mu.Unlock()
	e.saveLastSync(ctx)

	result.Duration = e.clock.Now().Sub(start)
	result.Success = result.FailedCount == 0 && len(result.Conflicts) == 0

	e.logger.Info("Sync pass complete",
		"batch", len(batch),
		"synced", result.SyncedCount,
		"failed", result.FailedCount,
		"conflicts", len(result.Conflicts),
		"duration", result.Duration,
	)

	return result, nil
}

// processAction runs one action through the gateway and routes the
// outcome to completion, conflict or retry
func (e *Engine) processAction(ctx context.Context, action *OfflineAction, result *SyncResult) {
	if len(action.Dependencies) > 0 {
		e.logger.Debug("Processing action with declared dependencies",
			"action_id", action.ID,
			"dependencies", action.Dependencies,
		)
	}

	if err := e.queue.UpdateStatus(ctx, action.ID, StatusSyncing); err != nil {
		// Removed between batch selection and processing
		return
	}
	e.notifyStatus()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	err := e.dispatch(callCtx, action)
	cancel()

	switch {
	case err == nil:
		e.completeAction(ctx, action, result)
	default:
		if conflictErr, ok := IsConflict(err); ok {
			e.conflictAction(ctx, action, conflictErr, result)
		} else {
			e.retryAction(ctx, action, err, result)
		}
	}
	e.notifyStatus()
}

func (e *Engine) completeAction(ctx context.Context, action *OfflineAction, result *SyncResult) {
	if err := e.queue.Remove(ctx, action.ID); err != nil {
		e.logger.Warn("Failed to remove completed action", "action_id", action.ID, "error", err)
	}
	result.SyncedCount++

	e.appendJournal(ctx, action, OutcomeSynced, "")
	e.sink.Emit(ctx, audit.NewEvent(audit.EventActionSynced, action.ID, e.deviceID, nil))
	e.logger.Debug("Action synced", "action_id", action.ID, "type", action.Type)
}

func (e *Engine) conflictAction(ctx context.Context, action *OfflineAction, conflictErr *ConflictError, result *SyncResult) {
	resolution := e.resolver.Record(action, conflictErr, e.clock.Now())
	if err := e.queue.UpdateStatus(ctx, action.ID, StatusConflict); err != nil {
		e.logger.Warn("Failed to mark action as conflicted", "action_id", action.ID, "error", err)
	}
	result.Conflicts = append(result.Conflicts, resolution)

	e.appendJournal(ctx, action, OutcomeConflict, conflictErr.ConflictType)
	e.sink.Emit(ctx, audit.NewEvent(audit.EventActionConflict, action.ID, e.deviceID, map[string]string{
		"conflict_type": conflictErr.ConflictType,
	}))
}

func (e *Engine) retryAction(ctx context.Context, action *OfflineAction, cause error, result *SyncResult) {
	retryCount := action.Metadata.RetryCount + 1
	terminal := retryCount >= action.Metadata.MaxRetries

	err := e.queue.Update(ctx, action.ID, func(a *OfflineAction) {
		a.Metadata.RetryCount = retryCount
		if terminal {
			a.Status = StatusFailed
		} else {
			a.Status = StatusPending
		}
	})
	if err != nil {
		e.logger.Warn("Failed to record retry", "action_id", action.ID, "error", err)
	}

	result.FailedCount++
	result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", action.ID, cause))

	if terminal {
		e.appendJournalWithRetry(ctx, action, OutcomeFailed, cause.Error(), retryCount)
		e.sink.Emit(ctx, audit.NewEvent(audit.EventActionFailed, action.ID, e.deviceID, map[string]string{
			"retries": fmt.Sprintf("%d", retryCount),
		}))
		e.logger.Warn("Action failed permanently",
			"action_id", action.ID,
			"type", action.Type,
			"retries", retryCount,
			"error", cause,
		)
	} else {
		e.appendJournalWithRetry(ctx, action, OutcomeRetried, cause.Error(), retryCount)
		e.logger.Debug("Action will be retried",
			"action_id", action.ID,
			"retry_count", retryCount,
			"max_retries", action.Metadata.MaxRetries,
			"error", cause,
		)
	}
}

// dispatch invokes the gateway operation matching the action type
func (e *Engine) dispatch(ctx context.Context, action *OfflineAction) error {
	switch action.Type {
	case ActionStockUpdate:
		return e.gateway.UpdateStock(ctx, action.ID, action.Payload.(StockUpdatePayload))
	case ActionStockAdjustment:
		return e.gateway.AdjustStock(ctx, action.ID, action.Payload.(StockAdjustmentPayload))
	case ActionRecipeCreate:
		return e.gateway.CreateRecipe(ctx, action.ID, action.Payload.(RecipePayload))
	case ActionRecipeUpdate:
		return e.gateway.UpdateRecipe(ctx, action.ID, action.Payload.(RecipePayload))
	case ActionRecipeDelete:
		return e.gateway.DeleteRecipe(ctx, action.ID, action.Payload.(RecipeDeletePayload).RecipeID)
	case ActionOrderCompletion:
		return e.gateway.CompleteOrder(ctx, action.ID, action.Payload.(OrderCompletionPayload))
	case ActionCostUpdate:
		return e.gateway.UpdateCost(ctx, action.ID, action.Payload.(CostUpdatePayload))
	default:
		return fmt.Errorf("unknown action type: %s", action.Type)
	}
}

// ResolveConflict applies the chosen resolution for a conflicted action
func (e *Engine) ResolveConflict(ctx context.Context, actionID string, choice ResolutionPolicy) error {
	action, ok := e.queue.Get(actionID)
	if !ok {
		return ErrActionNotFound
	}

	if err := e.resolver.Resolve(ctx, actionID, choice); err != nil {
		return err
	}

	e.appendJournal(ctx, &action, OutcomeResolved, string(choice))
	e.sink.Emit(ctx, audit.NewEvent(audit.EventConflictResolved, actionID, e.deviceID, map[string]string{
		"choice": string(choice),
	}))
	e.notifyStatus()
	return nil
}

// ClearFailedActions removes every failed action from the queue and
// returns how many were removed
func (e *Engine) ClearFailedActions(ctx context.Context) int {
	removed := e.queue.ClearFailed(ctx)
	if removed > 0 {
		e.sink.Emit(ctx, audit.NewEvent(audit.EventQueueCleared, "", e.deviceID, map[string]string{
			"removed": fmt.Sprintf("%d", removed),
		}))
		e.notifyStatus()
		e.logger.Info("Cleared failed actions", "removed", removed)
	}
	return removed
}

// GetSyncStatus computes the current observable engine state
func (e *Engine) GetSyncStatus() SyncStatus {
	pending, failed, conflict := e.queue.Counts()

	e.mu.Lock()
	lastSync := e.lastSync
	inProgress := e.syncInProgress
	e.mu.Unlock()

	status := SyncStatus{
		IsOnline:        e.monitor.IsOnline(),
		LastSyncTime:    lastSync,
		PendingActions:  pending,
		FailedActions:   failed,
		ConflictActions: conflict,
		SyncInProgress:  inProgress,
		PersistDegraded: e.queue.Degraded(),
	}
	if pending > 0 {
		status.EstimatedCompletion = time.Duration(pending) * e.cfg.PerActionEstimate
	}
	return status
}

// OnSyncStatusChange registers a listener invoked synchronously on every
// queue mutation; the returned function unsubscribes it
func (e *Engine) OnSyncStatusChange(fn func(SyncStatus)) func() {
	return e.notifier.subscribe(fn)
}

// GetQueuedActions returns copies of every queued action in queue order
func (e *Engine) GetQueuedActions() []OfflineAction {
	return e.queue.All()
}

// GetFailedActions returns copies of all failed actions
func (e *Engine) GetFailedActions() []OfflineAction {
	return e.queue.ByStatus(StatusFailed)
}

// GetConflictActions returns copies of all conflicted actions
func (e *Engine) GetConflictActions() []OfflineAction {
	return e.queue.ByStatus(StatusConflict)
}

// GetConflicts returns the recorded conflict details
func (e *Engine) GetConflicts() []ConflictResolution {
	return e.resolver.List()
}

// Journal returns the engine's sync history repository
func (e *Engine) Journal() Journal {
	return e.journal
}

func (e *Engine) notifyStatus() {
	e.notifier.notify(e.GetSyncStatus())
}

func (e *Engine) loadLastSync(ctx context.Context) {
	raw, err := e.kv.Get(ctx, store.KeyLastSyncTime)
	if err != nil {
		if !errors.Is(err, store.ErrKeyNotFound) {
			e.logger.Warn("Failed to load last sync time", "error", err)
		}
		return
	}

	lastSync, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		e.logger.Warn("Ignoring malformed last sync time", "value", raw, "error", err)
		return
	}
	e.lastSync = lastSync
}

func (e *Engine) saveLastSync(ctx context.Context) {
	e.mu.Lock()
	lastSync := e.lastSync
	e.mu.Unlock()

	if err := e.kv.Set(ctx, store.KeyLastSyncTime, lastSync.UTC().Format(time.RFC3339)); err != nil {
		e.logger.Warn("Failed to persist last sync time", "error", err)
	}
}

// appendJournal records sync history; failures are logged, never
// propagated
func (e *Engine) appendJournal(ctx context.Context, action *OfflineAction, outcome, detail string) {
	e.appendJournalWithRetry(ctx, action, outcome, detail, action.Metadata.RetryCount)
}

func (e *Engine) appendJournalWithRetry(ctx context.Context, action *OfflineAction, outcome, detail string, retryCount int) {
	entry := &JournalEntry{
		ActionID:   action.ID,
		ActionType: action.Type,
		EntityType: action.EntityType,
		EntityID:   action.EntityID,
		Outcome:    outcome,
		Detail:     detail,
		RetryCount: retryCount,
	}
	if err := e.journal.Append(ctx, entry); err != nil {
		e.logger.Warn("Failed to append journal entry", "action_id", action.ID, "error", err)
	}
}
