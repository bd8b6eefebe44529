// Package sync implements the offline-first action synchronization engine:
// a durable priority-ordered queue of pending operations, a batch
// orchestrator that drains it against the remote gateway, and a conflict
// resolver for local/remote divergence.
package sync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType identifies the kind of state change an action carries
type ActionType string

const (
	ActionStockUpdate     ActionType = "stock_update"
	ActionStockAdjustment ActionType = "stock_adjustment"
	ActionRecipeCreate    ActionType = "recipe_create"
	ActionRecipeUpdate    ActionType = "recipe_update"
	ActionRecipeDelete    ActionType = "recipe_delete"
	ActionOrderCompletion ActionType = "order_completion"
	ActionCostUpdate      ActionType = "cost_update"
)

// EntityType identifies the business entity an action targets
type EntityType string

const (
	EntityStockItem EntityType = "stock_item"
	EntityRecipe    EntityType = "recipe"
	EntityOrder     EntityType = "order"
)

// Priority ranks actions for processing order
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight returns the numeric rank of a priority; lower sorts first.
// Unknown priorities rank below low.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 3
	case PriorityLow:
		return 4
	default:
		return 5
	}
}

// ActionStatus is the lifecycle state of a queued action
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusSyncing   ActionStatus = "syncing"
	StatusCompleted ActionStatus = "completed"
	StatusFailed    ActionStatus = "failed"
	StatusConflict  ActionStatus = "conflict"
)

// ResolutionPolicy describes how a conflict should be resolved
type ResolutionPolicy string

const (
	ResolveClientWins ResolutionPolicy = "client-wins"
	ResolveServerWins ResolutionPolicy = "server-wins"
	ResolveMerge      ResolutionPolicy = "merge"
	ResolveManual     ResolutionPolicy = "manual"

	// ResolveSkip is a resolution choice only, never a stored policy:
	// it discards the conflicted action.
	ResolveSkip ResolutionPolicy = "skip"
)

// ActionPayload is the tagged payload union; each action type carries its
// own payload variant.
type ActionPayload interface {
	actionPayload()
}

// StockUpdatePayload sets an absolute stock quantity for a SKU
type StockUpdatePayload struct {
	SKU      string  `json:"sku"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit,omitempty"`
}

// StockAdjustmentPayload applies a signed quantity delta to a SKU
type StockAdjustmentPayload struct {
	SKU    string  `json:"sku"`
	Delta  float64 `json:"delta"`
	Reason string  `json:"reason"`
}

// RecipeIngredient is one component line of a recipe
type RecipeIngredient struct {
	SKU      string  `json:"sku"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit,omitempty"`
}

// RecipePayload carries a full recipe document for create and update
type RecipePayload struct {
	RecipeID    string             `json:"recipe_id"`
	Name        string             `json:"name"`
	Yield       float64            `json:"yield,omitempty"`
	Ingredients []RecipeIngredient `json:"ingredients"`
}

// RecipeDeletePayload identifies a recipe to delete
type RecipeDeletePayload struct {
	RecipeID string `json:"recipe_id"`
}

// StockDeduction is one inventory deduction caused by a completed order
type StockDeduction struct {
	SKU      string  `json:"sku"`
	Quantity float64 `json:"quantity"`
}

// OrderCompletionPayload records a completed order and its deductions
type OrderCompletionPayload struct {
	OrderID    string           `json:"order_id"`
	Deductions []StockDeduction `json:"deductions"`
	Total      float64          `json:"total,omitempty"`
}

// CostUpdatePayload sets the unit cost of a SKU
type CostUpdatePayload struct {
	SKU      string  `json:"sku"`
	UnitCost float64 `json:"unit_cost"`
}

func (StockUpdatePayload) actionPayload()     {}
func (StockAdjustmentPayload) actionPayload() {}
func (RecipePayload) actionPayload()          {}
func (RecipeDeletePayload) actionPayload()    {}
func (OrderCompletionPayload) actionPayload() {}
func (CostUpdatePayload) actionPayload()      {}

// decodePayload unmarshals raw payload JSON into the variant matching the
// action type
func decodePayload(actionType ActionType, raw json.RawMessage) (ActionPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing payload for action type %s", actionType)
	}

	var (
		payload ActionPayload
		err     error
	)

	switch actionType {
	case ActionStockUpdate:
		var p StockUpdatePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case ActionStockAdjustment:
		var p StockAdjustmentPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case ActionRecipeCreate, ActionRecipeUpdate:
		var p RecipePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case ActionRecipeDelete:
		var p RecipeDeletePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case ActionOrderCompletion:
		var p OrderCompletionPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case ActionCostUpdate:
		var p CostUpdatePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown action type: %s", actionType)
	}

	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", actionType, err)
	}
	return payload, nil
}

// validatePayload checks that the payload variant matches the action type
func validatePayload(actionType ActionType, payload ActionPayload) error {
	ok := false
	switch actionType {
	case ActionStockUpdate:
		_, ok = payload.(StockUpdatePayload)
	case ActionStockAdjustment:
		_, ok = payload.(StockAdjustmentPayload)
	case ActionRecipeCreate, ActionRecipeUpdate:
		_, ok = payload.(RecipePayload)
	case ActionRecipeDelete:
		_, ok = payload.(RecipeDeletePayload)
	case ActionOrderCompletion:
		_, ok = payload.(OrderCompletionPayload)
	case ActionCostUpdate:
		_, ok = payload.(CostUpdatePayload)
	default:
		return fmt.Errorf("unknown action type: %s", actionType)
	}

	if !ok {
		return fmt.Errorf("payload %T does not match action type %s", payload, actionType)
	}
	return nil
}

// ActionMetadata carries ownership, priority and retry bookkeeping
type ActionMetadata struct {
	UserID         string           `json:"user_id,omitempty"`
	DeviceID       string           `json:"device_id,omitempty"`
	Priority       Priority         `json:"priority"`
	RetryCount     int              `json:"retry_count"`
	MaxRetries     int              `json:"max_retries"`
	ConflictPolicy ResolutionPolicy `json:"conflict_policy"`
}

// OfflineAction is a single pending state-changing operation
type OfflineAction struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         ActionType     `json:"type"`
	EntityType   EntityType     `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Payload      ActionPayload  `json:"payload"`
	Metadata     ActionMetadata `json:"metadata"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Status       ActionStatus   `json:"status"`
}

// offlineActionJSON mirrors OfflineAction with a raw payload for decoding
type offlineActionJSON struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         ActionType      `json:"type"`
	EntityType   EntityType      `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload"`
	Metadata     ActionMetadata  `json:"metadata"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Status       ActionStatus    `json:"status"`
}

// UnmarshalJSON decodes the payload into the variant keyed by Type
func (a *OfflineAction) UnmarshalJSON(data []byte) error {
	var aux offlineActionJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	payload, err := decodePayload(aux.Type, aux.Payload)
	if err != nil {
		return err
	}

	a.ID = aux.ID
	a.Timestamp = aux.Timestamp
	a.Type = aux.Type
	a.EntityType = aux.EntityType
	a.EntityID = aux.EntityID
	a.Payload = payload
	a.Metadata = aux.Metadata
	a.Dependencies = aux.Dependencies
	a.Status = aux.Status
	return nil
}

// ConflictResolution records a gateway-reported conflict for one action
type ConflictResolution struct {
	ActionID              string           `json:"action_id"`
	ConflictType          string           `json:"conflict_type"`
	LocalData             json.RawMessage  `json:"local_data,omitempty"`
	ServerData            json.RawMessage  `json:"server_data,omitempty"`
	RecommendedResolution ResolutionPolicy `json:"recommended_resolution"`
	UserChoice            ResolutionPolicy `json:"user_choice,omitempty"`
	DetectedAt            time.Time        `json:"detected_at"`
}

// SyncResult summarizes one orchestrator pass
type SyncResult struct {
	Success     bool                 `json:"success"`
	SyncedCount int                  `json:"synced_count"`
	FailedCount int                  `json:"failed_count"`
	Conflicts   []ConflictResolution `json:"conflicts,omitempty"`
	Errors      []string             `json:"errors,omitempty"`
	Duration    time.Duration        `json:"duration"`
}

// SyncStatus is the observable state of the engine, recomputed on demand
type SyncStatus struct {
	IsOnline        bool      `json:"is_online"`
	LastSyncTime    time.Time `json:"last_sync_time"`
	PendingActions  int       `json:"pending_actions"`
	FailedActions   int       `json:"failed_actions"`
	ConflictActions int       `json:"conflict_actions"`
	SyncInProgress  bool      `json:"sync_in_progress"`

	// EstimatedCompletion is a heuristic: pending count times a fixed
	// per-action duration. Zero when nothing is pending.
	EstimatedCompletion time.Duration `json:"estimated_completion,omitempty"`

	// PersistDegraded is set while the durable store is failing writes;
	// the engine keeps operating in memory.
	PersistDegraded bool `json:"persist_degraded,omitempty"`
}
