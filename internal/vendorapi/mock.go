package vendorapi

import (
	"net/http"
	"sync"
)

// mockVendor synthesizes vendor responses when mock mode is flipped on,
// so staging environments can exercise the whole pipeline with no vendor
// account. Never touches the network.
type mockVendor struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMockVendor() *mockVendor {
	return &mockVendor{seen: make(map[string]bool)}
}

func (m *mockVendor) respond(method, path string, body any, headers map[string]string) Result {
	// A replayed create is reported the way the real vendor would: as an
	// idempotent duplicate, already translated to success. Creates are
	// recognized by the idempotency key the handlers send on every
	// create-shaped POST, not by the path.
	if method == http.MethodPost {
		if key := headers[IdempotencyHeader]; key != "" {
			m.mu.Lock()
			dup := m.seen[key]
			m.seen[key] = true
			m.mu.Unlock()

			if dup {
				return Result{
					Status:  http.StatusOK,
					Headers: http.Header{},
					Body:    map[string]any{"mock": true, "duplicate": true},
				}
			}
		}
	}

	return Result{
		Status:  http.StatusOK,
		Headers: http.Header{},
		Body: map[string]any{
			"mock":   true,
			"method": method,
			"path":   path,
			"echo":   body,
		},
	}
}
