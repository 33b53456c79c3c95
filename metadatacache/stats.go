package metadatacache

import "context"

// Stats accumulates the hit/miss counters for a single operation. The
// source system scopes these thread-locally; Go's analogue is a per-request
// value threaded through the call chain via context, drained once by the
// worker after the handler returns (see executor's post-processing step).
type Stats struct {
	Hits   int
	Misses int
}

func (s *Stats) recordHit() {
	if s == nil {
		return
	}
	s.Hits++
}

func (s *Stats) recordMiss() {
	if s == nil {
		return
	}
	s.Misses++
}

type statsKey struct{}

// WithStats returns a context carrying a fresh Stats value, and the Stats
// itself so the caller can drain it after the operation completes without
// a second context lookup.
func WithStats(ctx context.Context) (context.Context, *Stats) {
	s := &Stats{}
	return context.WithValue(ctx, statsKey{}, s), s
}

// StatsFromContext retrieves the Stats registered by WithStats, or nil if
// none was registered (methods on *Stats are nil-safe no-ops in that case).
func StatsFromContext(ctx context.Context) *Stats {
	s, _ := ctx.Value(statsKey{}).(*Stats)
	return s
}
