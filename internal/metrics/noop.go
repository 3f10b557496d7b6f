package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncCommandReceived is a no-op.
func (n *NoopRecorder) IncCommandReceived() {}

// IncCommandRejected is a no-op.
func (n *NoopRecorder) IncCommandRejected() {}

// IncCommandArgumentError is a no-op.
func (n *NoopRecorder) IncCommandArgumentError() {}

// IncCommandCompleted is a no-op.
func (n *NoopRecorder) IncCommandCompleted() {}

// IncCommandFailed is a no-op.
func (n *NoopRecorder) IncCommandFailed() {}

// IncCommandThrottled is a no-op.
func (n *NoopRecorder) IncCommandThrottled() {}

// IncReload is a no-op.
func (n *NoopRecorder) IncReload(success bool) {}

// ObserveUpstreamDuration is a no-op.
func (n *NoopRecorder) ObserveUpstreamDuration(duration time.Duration) {}
