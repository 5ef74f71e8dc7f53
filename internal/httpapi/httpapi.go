// Package httpapi serves the engine's supplemented operational endpoints:
// /healthz (liveness), /metrics (Prometheus scrape target), and
// /debug/queue (a support/export dump of one client's pending queue).
// None are part of the notification core's contract but all are carried
// as ambient stack, matching how the rest of the engine exposes
// operational surface alongside its domain logic.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustgraph/notifyd/internal/repository"
)

// HealthChecker reports whether the engine is currently accepting work.
type HealthChecker interface {
	Healthy() bool
}

// QueueDumper exports a client's full pending notification queue as a
// single zstd-compressed artifact, for support and incident response.
// *engine.Core satisfies this; NewMux registers /debug/queue only when
// checker also implements it.
type QueueDumper interface {
	DumpClientQueue(ctx context.Context, clientID string) ([]byte, error)
}

// NewMux builds the operational HTTP surface: /healthz, /metrics, and,
// when checker supports it, /debug/queue.
func NewMux(checker HealthChecker, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]bool{"healthy": true}
		if !checker.Healthy() {
			status = http.StatusServiceUnavailable
			body["healthy"] = false
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if dumper, ok := checker.(QueueDumper); ok {
		mux.HandleFunc("/debug/queue", func(w http.ResponseWriter, r *http.Request) {
			clientID := r.URL.Query().Get("client_id")
			if clientID == "" {
				http.Error(w, "client_id query parameter is required", http.StatusBadRequest)
				return
			}
			blob, err := dumper.DumpClientQueue(r.Context(), clientID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					http.Error(w, "client not found", http.StatusNotFound)
					return
				}
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/zstd")
			w.Header().Set("Content-Disposition", `attachment; filename="`+clientID+`-queue.zst"`)
			_, _ = w.Write(blob)
		})
	}
	return mux
}
