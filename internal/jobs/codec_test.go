package jobs

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodePayloadConsignment(t *testing.T) {
	raw := json.RawMessage(`{"consignmentId":"c-1","name":"Weekly restock"}`)

	v, err := DecodePayload(TypeUpdateConsignment, raw)

	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	p, ok := v.(ConsignmentPayload)

	if !ok {
		t.Fatalf("expected ConsignmentPayload, got %T", v)
	}

	if p.ConsignmentID != "c-1" || p.Name != "Weekly restock" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestDecodePayloadCreateRequiresOutlet(t *testing.T) {
	_, err := DecodePayload(TypeCreateConsignment, json.RawMessage(`{"name":"x"}`))

	if !errors.Is(err, ErrInvalidJobPayload) {
		t.Fatalf("expected ErrInvalidJobPayload, got %v", err)
	}

	_, err = DecodePayload(TypeCreateConsignment,
		json.RawMessage(`{"outletId":"o-1","name":"x"}`))

	if err != nil {
		t.Fatalf("create with outletId should decode: %v", err)
	}
}

func TestDecodePayloadNonCreateRequiresConsignmentID(t *testing.T) {
	for _, typ := range []JobType{TypeUpdateConsignment, TypeCancelConsignment, TypeMarkTransferPartial} {
		_, err := DecodePayload(typ, json.RawMessage(`{"outletId":"o-1"}`))

		if !errors.Is(err, ErrInvalidJobPayload) {
			t.Fatalf("%s: expected ErrInvalidJobPayload, got %v", typ, err)
		}
	}
}

func TestDecodePayloadLines(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"valid", `{"consignmentId":"c-1","lines":[{"productId":"p-1","count":3}]}`, true},
		{"empty lines", `{"consignmentId":"c-1","lines":[]}`, false},
		{"missing consignment", `{"lines":[{"productId":"p-1","count":3}]}`, false},
		{"line without product", `{"consignmentId":"c-1","lines":[{"count":3}]}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePayload(TypeEditConsignmentLines, json.RawMessage(tc.raw))

			if tc.ok && err != nil {
				t.Fatalf("decode: %v", err)
			}

			if !tc.ok && !errors.Is(err, ErrInvalidJobPayload) {
				t.Fatalf("expected ErrInvalidJobPayload, got %v", err)
			}
		})
	}
}

func TestDecodePayloadInventoryCommand(t *testing.T) {
	v, err := DecodePayload(TypeInventoryCommand,
		json.RawMessage(`{"productId":"p-1","outletId":"o-1","command":"SET","count":5}`))

	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	p := v.(InventoryCommandPayload)

	if p.Command != "set" {
		t.Fatalf("command not normalized: %q", p.Command)
	}

	_, err = DecodePayload(TypeInventoryCommand,
		json.RawMessage(`{"productId":"p-1","outletId":"o-1","command":"drop"}`))

	if !errors.Is(err, ErrInvalidJobPayload) {
		t.Fatalf("expected ErrInvalidJobPayload for unknown command, got %v", err)
	}
}

func TestDecodePayloadProductPush(t *testing.T) {
	_, err := DecodePayload(TypePushProductUpdate,
		json.RawMessage(`{"productId":"p-1","fields":{}}`))

	if !errors.Is(err, ErrInvalidJobPayload) {
		t.Fatalf("expected ErrInvalidJobPayload for empty fields, got %v", err)
	}

	v, err := DecodePayload(TypePushProductUpdate,
		json.RawMessage(`{"productId":"p-1","fields":{"price":9.5}}`))

	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if v.(ProductPushPayload).Fields["price"] != 9.5 {
		t.Fatalf("fields lost in decode: %+v", v)
	}
}

func TestDecodePayloadSync(t *testing.T) {
	for _, typ := range []JobType{TypeSyncProduct, TypeSyncInventory, TypeSyncCustomer, TypeSyncSale} {
		_, err := DecodePayload(typ, json.RawMessage(`{"eventId":"e-1"}`))

		if !errors.Is(err, ErrInvalidJobPayload) {
			t.Fatalf("%s: expected ErrInvalidJobPayload without entityId, got %v", typ, err)
		}

		v, err := DecodePayload(typ, json.RawMessage(`{"entityId":"42","eventId":"e-1"}`))

		if err != nil {
			t.Fatalf("%s: decode: %v", typ, err)
		}

		if v.(SyncPayload).EntityID != "42" {
			t.Fatalf("%s: unexpected payload %+v", typ, v)
		}
	}
}

func TestDecodePayloadPullAllowsEmpty(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage(`{}`), json.RawMessage(`{"pageLimit":3}`)} {
		if _, err := DecodePayload(TypePullProducts, raw); err != nil {
			t.Fatalf("pull payload %q: %v", raw, err)
		}
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	_, err := DecodePayload(JobType("teleport"), json.RawMessage(`{}`))

	if !errors.Is(err, ErrInvalidJobType) {
		t.Fatalf("expected ErrInvalidJobType, got %v", err)
	}
}

func TestValidatePayloadMalformedJSON(t *testing.T) {
	err := ValidatePayload(TypeWebhookEvent, json.RawMessage(`{"eventId":`))

	if !errors.Is(err, ErrInvalidJobPayload) {
		t.Fatalf("expected ErrInvalidJobPayload, got %v", err)
	}
}
