package warming

import (
	"context"
	"sync"
	"time"
)

// Scheduler periodically re-runs the hot-inode warming round so a
// long-lived instance keeps its cache aligned with the current working set,
// not just the one it saw at cold start.
type Scheduler struct {
	prewarmer *Prewarmer
	interval  time.Duration

	mu       sync.Mutex
	lastRun  time.Time
	runCount int64

	stopChan chan struct{}
	runOnce  sync.Once
	stopOnce sync.Once
}

// NewScheduler creates a scheduler firing every interval; interval <= 0
// disables it.
func NewScheduler(prewarmer *Prewarmer, interval time.Duration) *Scheduler {
	return &Scheduler{
		prewarmer: prewarmer,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

// Run starts the periodic loop.
func (s *Scheduler) Run() {
	if s.interval <= 0 {
		return
	}
	s.runOnce.Do(func() {
		go s.loop()
	})
}

// Stop halts the loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// LastRun returns when the most recent rewarm round started.
func (s *Scheduler) LastRun() (time.Time, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.runCount
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.lastRun = time.Now()
			s.runCount++
			s.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), s.interval/2)
			_ = s.prewarmer.RunRound(ctx, "hot")
			cancel()

			// Start the next window's growth measurement fresh.
			s.prewarmer.predictor.ResetWindow()
		}
	}
}
