package jobs

import (
	"encoding/json"
	"testing"
)

func TestFanoutType(t *testing.T) {
	cases := map[string]JobType{
		"product.update":   TypeSyncProduct,
		"inventory.update": TypeSyncInventory,
		"customer.update":  TypeSyncCustomer,
		"sale.update":      TypeSyncSale,
	}

	for topic, want := range cases {
		got, ok := FanoutType(topic)

		if !ok || got != want {
			t.Fatalf("FanoutType(%q) = %v, %v; want %v", topic, got, ok, want)
		}
	}

	if _, ok := FanoutType("register.closed"); ok {
		t.Fatal("unrouted topic should not resolve")
	}
}

func TestFanoutKey(t *testing.T) {
	got := FanoutKey("inventory.update", "evt-9")

	if got != "fanout:inventory.update:evt-9" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestEntityIDFromPayload(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"top-level id", `{"id":"p-1"}`, "p-1"},
		{"top-level product_id", `{"product_id":"p-2"}`, "p-2"},
		{"numeric id", `{"id":77}`, "77"},
		{"data envelope id", `{"data":{"id":"p-3"}}`, "p-3"},
		{"data envelope numeric product_id", `{"type":"inventory.update","data":{"product_id":123,"outlet_id":1}}`, "123"},
		{"no id anywhere", `{"data":{"note":"hi"}}`, ""},
		{"not json", `nope`, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EntityIDFromPayload(json.RawMessage(tc.payload))

			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
