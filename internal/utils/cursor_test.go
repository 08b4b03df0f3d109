package utils

import (
	"testing"
	"time"
)

func TestJobCursorRoundTrip(t *testing.T) {
	updated := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	cursor, err := EncodeJobCursor(updated, 42)

	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeJobCursor(cursor)

	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !got.UpdatedAt.Equal(updated) || got.ID != 42 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeJobCursorRejectsGarbage(t *testing.T) {
	cases := []struct {
		name   string
		cursor string
	}{
		{"empty", ""},
		{"not base64", "!!!"},
		{"not json", "bm90LWpzb24"},
		{"zero id", "eyJ1cGRhdGVkQXQiOiIyMDI2LTAzLTE0VDA5OjI2OjUzWiIsImlkIjowfQ"},
		{"zero time", "eyJpZCI6NDJ9"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeJobCursor(tc.cursor); err == nil {
				t.Fatalf("cursor %q accepted", tc.cursor)
			}
		})
	}
}
