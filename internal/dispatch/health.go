package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/marcusrw/posbridge/internal/observability"
)

type ReadinessDeps interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the runner's sidecar endpoints: liveness,
// readiness, and a plain-JSON snapshot of the loop counters.
func HealthHandler(deps ReadinessDeps, metrics *observability.JobMetrics, isShuttingDown func() bool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if isShuttingDown != nil && isShuttingDown() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()

		if err := deps.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		if metrics == nil {
			http.Error(w, "no metrics", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metrics.Snapshot())
	})

	return mux
}
