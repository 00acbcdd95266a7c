package api

import (
	"net/http"
	"time"

	"github.com/eurekahq/eureka/internal/metrics"
)

// HandleMetricsSnapshot returns a handler for GET /api/v1/metrics.
// The snapshot is a point-in-time copy of all counters; fields are each
// individually consistent but not consistent across fields.
func HandleMetricsSnapshot(mgr *metrics.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
			"counters":     mgr.Snapshot(),
		})
	}
}
