package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityWeight(t *testing.T) {
	assert.Equal(t, 1, PriorityCritical.Weight())
	assert.Equal(t, 2, PriorityHigh.Weight())
	assert.Equal(t, 3, PriorityMedium.Weight())
	assert.Equal(t, 4, PriorityLow.Weight())
	assert.Equal(t, 5, Priority("bogus").Weight())
}

func TestActionJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		action  OfflineAction
		payload ActionPayload
	}{
		{
			name: "stock adjustment",
			action: OfflineAction{
				ID:         "act_1",
				Type:       ActionStockAdjustment,
				EntityType: EntityStockItem,
				EntityID:   "SKU-001",
				Payload:    StockAdjustmentPayload{SKU: "SKU-001", Delta: -2.5, Reason: "waste"},
			},
			payload: StockAdjustmentPayload{SKU: "SKU-001", Delta: -2.5, Reason: "waste"},
		},
		{
			name: "order completion",
			action: OfflineAction{
				ID:         "act_2",
				Type:       ActionOrderCompletion,
				EntityType: EntityOrder,
				EntityID:   "ord_42",
				Payload: OrderCompletionPayload{
					OrderID:    "ord_42",
					Deductions: []StockDeduction{{SKU: "SKU-001", Quantity: 1}},
				},
			},
			payload: OrderCompletionPayload{
				OrderID:    "ord_42",
				Deductions: []StockDeduction{{SKU: "SKU-001", Quantity: 1}},
			},
		},
		{
			name: "recipe update",
			action: OfflineAction{
				ID:         "act_3",
				Type:       ActionRecipeUpdate,
				EntityType: EntityRecipe,
				EntityID:   "rcp_7",
				Payload: RecipePayload{
					RecipeID:    "rcp_7",
					Name:        "Flat White",
					Ingredients: []RecipeIngredient{{SKU: "SKU-MILK", Quantity: 0.2, Unit: "l"}},
				},
			},
			payload: RecipePayload{
				RecipeID:    "rcp_7",
				Name:        "Flat White",
				Ingredients: []RecipeIngredient{{SKU: "SKU-MILK", Quantity: 0.2, Unit: "l"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.action.Timestamp = time.Now().UTC().Truncate(time.Second)
			tt.action.Status = StatusPending
			tt.action.Metadata = ActionMetadata{Priority: PriorityHigh, MaxRetries: 3, ConflictPolicy: ResolveManual}

			data, err := json.Marshal(&tt.action)
			require.NoError(t, err)

			var decoded OfflineAction
			require.NoError(t, json.Unmarshal(data, &decoded))

			// Payload decodes into the variant keyed by the type tag
			assert.Equal(t, tt.payload, decoded.Payload)
			assert.Equal(t, tt.action.ID, decoded.ID)
			assert.Equal(t, tt.action.Metadata, decoded.Metadata)
			assert.Equal(t, tt.action.Status, decoded.Status)
		})
	}
}

func TestActionUnmarshalUnknownType(t *testing.T) {
	raw := `{"id":"act_x","type":"teleport","entity_type":"stock_item","entity_id":"SKU-1","payload":{},"status":"pending"}`

	var action OfflineAction
	err := json.Unmarshal([]byte(raw), &action)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action type")
}

func TestValidatePayload(t *testing.T) {
	assert.NoError(t, validatePayload(ActionStockUpdate, StockUpdatePayload{SKU: "S"}))
	assert.NoError(t, validatePayload(ActionRecipeCreate, RecipePayload{}))
	assert.Error(t, validatePayload(ActionStockUpdate, RecipePayload{}))
	assert.Error(t, validatePayload(ActionOrderCompletion, StockAdjustmentPayload{}))
	assert.Error(t, validatePayload(ActionType("bogus"), StockUpdatePayload{}))
}
