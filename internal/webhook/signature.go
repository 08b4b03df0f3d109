package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Timestamp headers further than this from server time soft-fail as stale.
const MaxTimestampSkew = 300 * time.Second

// ParseSignatureHeader accepts either a bare signature value or the
// structured form `signature=<value>,algorithm=HMAC-SHA256`.
func ParseSignatureHeader(raw string) (sig, algorithm string) {
	raw = strings.TrimSpace(raw)

	if !strings.Contains(raw, "=") || !strings.Contains(raw, "signature=") {
		return raw, ""
	}

	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")

		if !ok {
			continue
		}

		switch strings.ToLower(k) {
		case "signature":
			sig = v
		case "algorithm":
			algorithm = v
		}
	}
	return sig, algorithm
}

// CheckTimestamp reports whether ts (unix seconds) lies within the
// accepted skew of now.
func CheckTimestamp(ts string, now time.Time) bool {
	epoch, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)

	if err != nil {
		return false
	}

	diff := now.Sub(time.Unix(epoch, 0))

	if diff < 0 {
		diff = -diff
	}
	return diff <= MaxTimestampSkew
}

// Candidates computes every digest an in-rotation sender could have
// produced: HMAC-SHA256 over the body alone and over `ts.body`, for each
// supplied secret, in base64 and lowercase hex.
func Candidates(body []byte, ts string, secrets []string) []string {
	var out []string

	for _, secret := range secrets {
		if secret == "" {
			continue
		}

		messages := [][]byte{body}

		if ts != "" {
			messages = append(messages, []byte(ts+"."+string(body)))
		}

		for _, msg := range messages {
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(msg)
			sum := mac.Sum(nil)

			out = append(out,
				base64.StdEncoding.EncodeToString(sum),
				hex.EncodeToString(sum),
			)
		}
	}
	return out
}

// MatchesAny compares sig against every candidate in constant time.
func MatchesAny(sig string, candidates []string) bool {
	matched := false

	for _, c := range candidates {
		if hmac.Equal([]byte(sig), []byte(c)) {
			matched = true
		}
	}
	return matched
}

// Sign produces the canonical signature for body: base64 of the
// HMAC-SHA256 digest. Used by tests and the replay tooling.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
