package sync

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/tildaslashalef/tillsync/internal/loggy"
)

// Resolver records gateway-reported conflicts and applies chosen
// resolutions back into the queue
type Resolver struct {
	mu        stdsync.Mutex
	conflicts map[string]ConflictResolution

	queue  *Queue
	logger *loggy.Logger
}

// NewResolver creates a resolver bound to the queue
func NewResolver(queue *Queue, logger *loggy.Logger) *Resolver {
	return &Resolver{
		conflicts: make(map[string]ConflictResolution),
		queue:     queue,
		logger:    logger,
	}
}

// Record builds a ConflictResolution for a conflicted action. The
// recommended resolution defaults to the action's configured policy.
func (r *Resolver) Record(action *OfflineAction, conflictErr *ConflictError, detectedAt time.Time) ConflictResolution {
	localData, err := json.Marshal(action.Payload)
	if err != nil {
		r.logger.Warn("Failed to capture local data for conflict", "action_id", action.ID, "error", err)
	}

	resolution := ConflictResolution{
		ActionID:              action.ID,
		ConflictType:          conflictErr.ConflictType,
		LocalData:             localData,
		ServerData:            conflictErr.ServerData,
		RecommendedResolution: action.Metadata.ConflictPolicy,
		DetectedAt:            detectedAt,
	}

	r.mu.Lock()
	r.conflicts[action.ID] = resolution
	r.mu.Unlock()

	r.logger.Warn("Recorded sync conflict",
		"action_id", action.ID,
		"conflict_type", conflictErr.ConflictType,
		"recommended", resolution.RecommendedResolution,
	)
	return resolution
}

// Get returns the recorded conflict for an action id
func (r *Resolver) Get(actionID string) (ConflictResolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolution, ok := r.conflicts[actionID]
	return resolution, ok
}

// List returns all recorded conflicts
func (r *Resolver) List() []ConflictResolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]ConflictResolution, 0, len(r.conflicts))
	for _, resolution := range r.conflicts {
		all = append(all, resolution)
	}
	return all
}

// Resolve applies the chosen resolution for a conflicted action. The skip
// choice removes the action from the queue entirely; any other choice
// becomes the action's new conflict policy, resets its retry count and
// returns it to pending so the next pass retries it.
func (r *Resolver) Resolve(ctx context.Context, actionID string, choice ResolutionPolicy) error {
	action, ok := r.queue.Get(actionID)
	if !ok {
		return ErrActionNotFound
	}
	if action.Status != StatusConflict {
		return fmt.Errorf("action %s is not in conflict (status %s)", actionID, action.Status)
	}

	if choice == ResolveSkip {
		if err := r.queue.Remove(ctx, actionID); err != nil {
			return err
		}
	} else {
		err := r.queue.Update(ctx, actionID, func(a *OfflineAction) {
			a.Metadata.ConflictPolicy = choice
			a.Metadata.RetryCount = 0
			a.Status = StatusPending
		})
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	if resolution, ok := r.conflicts[actionID]; ok {
		resolution.UserChoice = choice
		if choice == ResolveSkip {
			delete(r.conflicts, actionID)
		} else {
			r.conflicts[actionID] = resolution
		}
	}
	r.mu.Unlock()

	r.logger.Info("Resolved sync conflict", "action_id", actionID, "choice", choice)
	return nil
}

// Forget drops the recorded conflict for an action, used once the action
// has left the conflict state
func (r *Resolver) Forget(actionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conflicts, actionID)
}
