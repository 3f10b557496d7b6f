// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Command dispatch metrics
	IncCommandReceived()
	IncCommandRejected()
	IncCommandArgumentError()
	IncCommandCompleted()
	IncCommandFailed()
	IncCommandThrottled()

	// Registry metrics
	IncReload(success bool)

	// Upstream call metrics
	ObserveUpstreamDuration(duration time.Duration)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
