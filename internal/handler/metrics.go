package handler

import (
	"fmt"
	"net/http"

	"github.com/keyrelay/keyrelay/internal/metrics"
)

// MetricsHandler exposes in-memory metrics.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

// Metrics returns metrics in Prometheus exposition format.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeMetric(w, "keyrelay_commands_received_total %d\n", snap.CommandsReceived)
	writeMetric(w, "keyrelay_commands_rejected_total %d\n", snap.CommandsRejected)
	writeMetric(w, "keyrelay_command_argument_errors_total %d\n", snap.CommandArgumentErrors)
	writeMetric(w, "keyrelay_commands_completed_total %d\n", snap.CommandsCompleted)
	writeMetric(w, "keyrelay_commands_failed_total %d\n", snap.CommandsFailed)
	writeMetric(w, "keyrelay_commands_throttled_total %d\n", snap.CommandsThrottled)

	writeMetric(w, "keyrelay_reloads_total{status=\"success\"} %d\n", snap.ReloadsSucceeded)
	writeMetric(w, "keyrelay_reloads_total{status=\"failed\"} %d\n", snap.ReloadsFailed)

	writeMetric(w, "keyrelay_upstream_duration_seconds_count %d\n", snap.UpstreamCallCount)
	writeMetric(w, "keyrelay_upstream_duration_seconds_sum %.6f\n", float64(snap.UpstreamDurationTotalNs)/1e9)
}

func writeMetric(w http.ResponseWriter, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
