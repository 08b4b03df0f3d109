package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodePayload unmarshals raw into the payload variant for t and
// validates the fields the handler cannot proceed without. The returned
// value is one of the *Payload structs from this package.
func DecodePayload(t JobType, raw json.RawMessage) (any, error) {
	if !t.IsValid() {
		return nil, ErrInvalidJobType
	}

	switch t {
	case TypeCreateConsignment, TypeUpdateConsignment, TypeCancelConsignment, TypeMarkTransferPartial:
		var p ConsignmentPayload

		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}

		if t == TypeCreateConsignment {
			if p.OutletID == "" {
				return nil, fmt.Errorf("%w: outletId required", ErrInvalidJobPayload)
			}
		} else if p.ConsignmentID == "" {
			return nil, fmt.Errorf("%w: consignmentId required", ErrInvalidJobPayload)
		}
		return p, nil

	case TypeEditConsignmentLines, TypeAddConsignmentProducts:
		var p ConsignmentLinesPayload

		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}

		if p.ConsignmentID == "" {
			return nil, fmt.Errorf("%w: consignmentId required", ErrInvalidJobPayload)
		}

		if len(p.Lines) == 0 {
			return nil, fmt.Errorf("%w: at least one line required", ErrInvalidJobPayload)
		}

		for i, line := range p.Lines {
			if line.ProductID == "" {
				return nil, fmt.Errorf("%w: line %d missing productId", ErrInvalidJobPayload, i)
			}
		}
		return p, nil

	case TypePushProductUpdate:
		var p ProductPushPayload

		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}

		if p.ProductID == "" {
			return nil, fmt.Errorf("%w: productId required", ErrInvalidJobPayload)
		}

		if len(p.Fields) == 0 {
			return nil, fmt.Errorf("%w: no fields to push", ErrInvalidJobPayload)
		}
		return p, nil

	case TypeInventoryCommand:
		var p InventoryCommandPayload

		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}

		if p.ProductID == "" || p.OutletID == "" {
			return nil, fmt.Errorf("%w: productId and outletId required", ErrInvalidJobPayload)
		}

		cmd := strings.ToLower(p.Command)

		if cmd != "set" && cmd != "adjust" {
			return nil, fmt.Errorf("%w: unknown inventory command %q", ErrInvalidJobPayload, p.Command)
		}
		p.Command = cmd
		return p, nil

	case TypeWebhookEvent:
		var p WebhookEventPayload

		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}

		if p.EventID == "" {
			return nil, fmt.Errorf("%w: eventId required", ErrInvalidJobPayload)
		}
		return p, nil

	case TypeSyncProduct, TypeSyncInventory, TypeSyncCustomer, TypeSyncSale:
		var p SyncPayload

		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}

		if p.EntityID == "" {
			return nil, fmt.Errorf("%w: entityId required", ErrInvalidJobPayload)
		}
		return p, nil

	case TypePullProducts, TypePullInventory, TypePullConsignments:
		var p PullPayload

		// Pull payloads may be empty objects or omitted entirely.
		if len(raw) == 0 {
			return p, nil
		}

		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	}

	return nil, ErrInvalidJobType
}

// ValidatePayload is the admission-time check used by the enqueue API:
// it decodes and discards, reporting only whether the payload is usable.
func ValidatePayload(t JobType, raw json.RawMessage) error {
	_, err := DecodePayload(t, raw)
	return err
}

func strictUnmarshal(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidJobPayload)
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJobPayload, err)
	}
	return nil
}
