package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

func hexSign(msg []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestParseSignatureHeader(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		sig  string
		algo string
	}{
		{"bare", "abc123==", "abc123==", ""},
		{"structured", "signature=abc123,algorithm=HMAC-SHA256", "abc123", "HMAC-SHA256"},
		{"structured reordered", "algorithm=HMAC-SHA256, signature=xyz", "xyz", "HMAC-SHA256"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, algo := ParseSignatureHeader(tc.raw)

			if sig != tc.sig || algo != tc.algo {
				t.Fatalf("got (%q, %q), want (%q, %q)", sig, algo, tc.sig, tc.algo)
			}
		})
	}
}

func TestCheckTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name string
		ts   string
		ok   bool
	}{
		{"exact", "1700000000", true},
		{"within skew past", strconv.FormatInt(now.Unix()-299, 10), true},
		{"within skew future", strconv.FormatInt(now.Unix()+299, 10), true},
		{"too old", strconv.FormatInt(now.Unix()-301, 10), false},
		{"too new", strconv.FormatInt(now.Unix()+301, 10), false},
		{"garbage", "yesterday", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CheckTimestamp(tc.ts, now); got != tc.ok {
				t.Fatalf("CheckTimestamp(%q) = %v, want %v", tc.ts, got, tc.ok)
			}
		})
	}
}

func TestCandidatesCoverEncodingsAndSecrets(t *testing.T) {
	body := []byte(`{"type":"inventory.update"}`)
	ts := "1700000000"
	secrets := []string{"current", "previous"}

	candidates := Candidates(body, ts, secrets)

	// 2 secrets x 2 messages (body, ts.body) x 2 encodings.
	if len(candidates) != 8 {
		t.Fatalf("expected 8 candidates, got %d", len(candidates))
	}

	want := []string{
		Sign(body, "current"),
		Sign(body, "previous"),
		hexSign(body, "current"),
		hexSign([]byte(ts+"."+string(body)), "previous"),
	}

	for _, w := range want {
		if !MatchesAny(w, candidates) {
			t.Fatalf("candidate set missing %q", w)
		}
	}
}

func TestCandidatesSkipEmptySecret(t *testing.T) {
	if got := Candidates([]byte("x"), "", []string{""}); len(got) != 0 {
		t.Fatalf("empty secret must produce no candidates, got %d", len(got))
	}
}

func TestMatchesAny(t *testing.T) {
	body := []byte("payload")
	candidates := Candidates(body, "", []string{"s3cret"})

	if !MatchesAny(Sign(body, "s3cret"), candidates) {
		t.Fatal("valid signature rejected")
	}

	if MatchesAny(Sign(body, "wrong"), candidates) {
		t.Fatal("signature under the wrong secret accepted")
	}

	if MatchesAny("", candidates) {
		t.Fatal("empty signature accepted")
	}
}
