package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	CommandsReceived        uint64
	CommandsRejected        uint64
	CommandArgumentErrors   uint64
	CommandsCompleted       uint64
	CommandsFailed          uint64
	CommandsThrottled       uint64
	ReloadsSucceeded        uint64
	ReloadsFailed           uint64
	UpstreamCallCount       uint64
	UpstreamDurationTotalNs int64
}

// InMemoryRecorder stores metrics in memory.
type InMemoryRecorder struct {
	commandsReceived        uint64
	commandsRejected        uint64
	commandArgumentErrors   uint64
	commandsCompleted       uint64
	commandsFailed          uint64
	commandsThrottled       uint64
	reloadsSucceeded        uint64
	reloadsFailed           uint64
	upstreamCallCount       uint64
	upstreamDurationTotalNs int64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		CommandsReceived:        atomic.LoadUint64(&m.commandsReceived),
		CommandsRejected:        atomic.LoadUint64(&m.commandsRejected),
		CommandArgumentErrors:   atomic.LoadUint64(&m.commandArgumentErrors),
		CommandsCompleted:       atomic.LoadUint64(&m.commandsCompleted),
		CommandsFailed:          atomic.LoadUint64(&m.commandsFailed),
		CommandsThrottled:       atomic.LoadUint64(&m.commandsThrottled),
		ReloadsSucceeded:        atomic.LoadUint64(&m.reloadsSucceeded),
		ReloadsFailed:           atomic.LoadUint64(&m.reloadsFailed),
		UpstreamCallCount:       atomic.LoadUint64(&m.upstreamCallCount),
		UpstreamDurationTotalNs: atomic.LoadInt64(&m.upstreamDurationTotalNs),
	}
}

// IncCommandReceived increments the received-commands counter.
func (m *InMemoryRecorder) IncCommandReceived() {
	atomic.AddUint64(&m.commandsReceived, 1)
}

// IncCommandRejected increments the not-authorized counter.
func (m *InMemoryRecorder) IncCommandRejected() {
	atomic.AddUint64(&m.commandsRejected, 1)
}

// IncCommandArgumentError increments the bad-arguments counter.
func (m *InMemoryRecorder) IncCommandArgumentError() {
	atomic.AddUint64(&m.commandArgumentErrors, 1)
}

// IncCommandCompleted increments the completed-commands counter.
func (m *InMemoryRecorder) IncCommandCompleted() {
	atomic.AddUint64(&m.commandsCompleted, 1)
}

// IncCommandFailed increments the failed-commands counter.
func (m *InMemoryRecorder) IncCommandFailed() {
	atomic.AddUint64(&m.commandsFailed, 1)
}

// IncCommandThrottled increments the rate-limited counter.
func (m *InMemoryRecorder) IncCommandThrottled() {
	atomic.AddUint64(&m.commandsThrottled, 1)
}

// IncReload increments the reload counter for the given outcome.
func (m *InMemoryRecorder) IncReload(success bool) {
	if success {
		atomic.AddUint64(&m.reloadsSucceeded, 1)
	} else {
		atomic.AddUint64(&m.reloadsFailed, 1)
	}
}

// ObserveUpstreamDuration records one upstream call duration.
func (m *InMemoryRecorder) ObserveUpstreamDuration(duration time.Duration) {
	atomic.AddUint64(&m.upstreamCallCount, 1)
	atomic.AddInt64(&m.upstreamDurationTotalNs, duration.Nanoseconds())
}
