package client

import (
	"sync"
	"time"
)

// OperationPerformed is one entry in the dispatcher's operations-performed
// log: a record of a single submit() attempt's full timing and outcome,
// recorded on every reply regardless of transport.
type OperationPerformed struct {
	RequestID        string
	Operation        string
	Transport        string
	Deployment       int
	Attempt          int
	Start            time.Time
	End              time.Time
	Enqueued         time.Time
	Dequeued         time.Time
	FnStart          time.Time
	FnEnd            time.Time
	CacheHits        int
	CacheMisses      int
	Success          bool
	Cancelled        bool
	DuplicateRequest bool
	Err              string
}

// TelemetryLog is a bounded, append-only, mutex-guarded log of operations
// performed by this dispatcher, capped so a long-lived client process
// doesn't grow it without bound.
type TelemetryLog struct {
	mu      sync.Mutex
	max     int
	entries []OperationPerformed
}

// DefaultTelemetryMax bounds the in-memory operations-performed log.
const DefaultTelemetryMax = 10000

// NewTelemetryLog creates a log capped at max entries (DefaultTelemetryMax
// if max <= 0), dropping the oldest entry once full.
func NewTelemetryLog(max int) *TelemetryLog {
	if max <= 0 {
		max = DefaultTelemetryMax
	}
	return &TelemetryLog{max: max}
}

// Record appends e, evicting the oldest entry if the log is at capacity.
func (t *TelemetryLog) Record(e OperationPerformed) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.max {
		copy(t.entries, t.entries[1:])
		t.entries = t.entries[:len(t.entries)-1]
	}
	t.entries = append(t.entries, e)
}

// Entries returns a snapshot copy of the log, oldest first.
func (t *TelemetryLog) Entries() []OperationPerformed {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OperationPerformed, len(t.entries))
	copy(out, t.entries)
	return out
}

// ForRequest filters the snapshot to entries matching requestID, useful in
// tests asserting e.g. "two operation-performed entries: one TCP cancelled,
// one HTTP success" for a single logical submission.
func (t *TelemetryLog) ForRequest(requestID string) []OperationPerformed {
	all := t.Entries()
	out := make([]OperationPerformed, 0, len(all))
	for _, e := range all {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out
}
