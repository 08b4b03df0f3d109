package jobs

import (
	"encoding/json"
	"strconv"
)

// fanoutRoutes maps webhook topics to the sync job each one fans out to.
var fanoutRoutes = map[string]JobType{
	"product.update":   TypeSyncProduct,
	"inventory.update": TypeSyncInventory,
	"customer.update":  TypeSyncCustomer,
	"sale.update":      TypeSyncSale,
}

// FanoutType resolves the sync job type for a webhook topic.
func FanoutType(topic string) (JobType, bool) {
	t, ok := fanoutRoutes[topic]
	return t, ok
}

// FanoutKey is the idempotency key for a fan-out job, so re-delivered or
// replayed events collapse onto the same sync job.
func FanoutKey(topic, eventID string) string {
	return "fanout:" + topic + ":" + eventID
}

// entityIDKeys in priority order. Providers disagree on the field name;
// id wins, then the per-entity variants.
var entityIDKeys = []string{"id", "product_id", "customer_id", "sale_id", "entity_id"}

// EntityIDFromPayload digs the subject entity id out of a webhook body,
// checking the top level first and then the data envelope. Numeric ids
// are normalized to their decimal string.
func EntityIDFromPayload(payload json.RawMessage) string {
	var m map[string]any

	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}

	if v := entityIDFromMap(m); v != "" {
		return v
	}

	if inner, ok := m["data"].(map[string]any); ok {
		return entityIDFromMap(inner)
	}
	return ""
}

func entityIDFromMap(m map[string]any) string {
	for _, key := range entityIDKeys {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
