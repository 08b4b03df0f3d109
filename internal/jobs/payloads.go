package jobs

import "encoding/json"

// Payloads stay minimal and ID-based; handlers load current state from
// the vendor or the database rather than trusting a snapshot.

type ConsignmentLine struct {
	ProductID string   `json:"productId"`
	Count     int      `json:"count"`
	Cost      *float64 `json:"cost,omitempty"`
}

// ConsignmentPayload serves the create/update/cancel/mark-partial types.
type ConsignmentPayload struct {
	ConsignmentID  string            `json:"consignmentId"`
	OutletID       string            `json:"outletId,omitempty"`
	SourceOutletID string            `json:"sourceOutletId,omitempty"`
	Name           string            `json:"name,omitempty"`
	DueAt          string            `json:"dueAt,omitempty"`
	Lines          []ConsignmentLine `json:"lines,omitempty"`
	RequestID      string            `json:"requestId,omitempty"`
}

// ConsignmentLinesPayload serves edit_consignment_lines and
// add_consignment_products.
type ConsignmentLinesPayload struct {
	ConsignmentID string            `json:"consignmentId"`
	Lines         []ConsignmentLine `json:"lines"`
	RequestID     string            `json:"requestId,omitempty"`
}

type ProductPushPayload struct {
	ProductID string         `json:"productId"`
	Fields    map[string]any `json:"fields"`
	RequestID string         `json:"requestId,omitempty"`
}

type InventoryCommandPayload struct {
	ProductID string `json:"productId"`
	OutletID  string `json:"outletId"`
	Command   string `json:"command"` // set | adjust
	Count     int    `json:"count"`
	RequestID string `json:"requestId,omitempty"`
}

// WebhookEventPayload points the queued handler at a persisted event row.
type WebhookEventPayload struct {
	EventID string `json:"eventId"`
}

// SyncPayload serves the four fan-out sync types.
type SyncPayload struct {
	EntityID string `json:"entityId"`
	EventID  string `json:"eventId,omitempty"`
}

// PullPayload serves the periodic cursor-driven pulls.
type PullPayload struct {
	PageLimit int `json:"pageLimit,omitempty"`
}

func marshalRaw(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)

	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func (p ConsignmentPayload) JSON() (json.RawMessage, error)      { return marshalRaw(p) }
func (p ConsignmentLinesPayload) JSON() (json.RawMessage, error) { return marshalRaw(p) }
func (p ProductPushPayload) JSON() (json.RawMessage, error)      { return marshalRaw(p) }
func (p InventoryCommandPayload) JSON() (json.RawMessage, error) { return marshalRaw(p) }
func (p WebhookEventPayload) JSON() (json.RawMessage, error)     { return marshalRaw(p) }
func (p SyncPayload) JSON() (json.RawMessage, error)             { return marshalRaw(p) }
func (p PullPayload) JSON() (json.RawMessage, error)             { return marshalRaw(p) }
