package warming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingFetcher records which inodes were fetched.
type countingFetcher struct {
	mu      sync.Mutex
	fetched map[int64]int
	fail    map[int64]bool
	calls   atomic.Int64
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{fetched: make(map[int64]int), fail: make(map[int64]bool)}
}

func (f *countingFetcher) fetch(ctx context.Context, inodeID int64) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[inodeID] {
		return errors.New("origin unavailable")
	}
	f.fetched[inodeID]++
	return nil
}

func (f *countingFetcher) count(inodeID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched[inodeID]
}

func testPrewarmerConfig() Config {
	cfg := DefaultConfig()
	cfg.ConcurrentWarmers = 2
	cfg.MaxOriginRPS = 10000
	cfg.OriginBurst = 1000
	cfg.RetryAttempts = 1
	cfg.BackoffBase = time.Millisecond
	cfg.RewarmInterval = 0 // no periodic rewarm in unit tests
	return cfg
}

func TestPrewarmerWarmsSeedSet(t *testing.T) {
	fetcher := newCountingFetcher()
	cfg := testPrewarmerConfig()
	cfg.SeedInodeIDs = []int64{1, 2, 3}

	p := NewPrewarmer(cfg, fetcher.fetch)
	p.Start()
	defer p.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.RunRound(ctx, "seed"); err != nil {
		t.Fatalf("RunRound: %v", err)
	}

	for _, id := range cfg.SeedInodeIDs {
		if fetcher.count(id) == 0 {
			t.Errorf("seed inode %d was never warmed", id)
		}
	}
	if got := p.metrics.TasksCompleted.Load(); got != 3 {
		t.Errorf("TasksCompleted = %d, want 3", got)
	}
}

func TestPrewarmerWarmsPredictedHotSet(t *testing.T) {
	fetcher := newCountingFetcher()
	cfg := testPrewarmerConfig()
	cfg.HotSetLimit = 2

	p := NewPrewarmer(cfg, fetcher.fetch)
	p.Start()
	defer p.Shutdown()

	// Inode 42 is hot, 7 is lukewarm, 9 was touched once.
	for i := 0; i < 50; i++ {
		p.RecordAccess(42)
	}
	for i := 0; i < 10; i++ {
		p.RecordAccess(7)
	}
	p.RecordAccess(9)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.RunRound(ctx, "hot"); err != nil {
		t.Fatalf("RunRound: %v", err)
	}

	if fetcher.count(42) == 0 || fetcher.count(7) == 0 {
		t.Error("the two hottest inodes should have been warmed")
	}
	if fetcher.count(9) != 0 {
		t.Error("inode beyond the hot-set limit should not be warmed")
	}
}

func TestPrewarmerRetriesFailedWarm(t *testing.T) {
	fetcher := newCountingFetcher()
	fetcher.fail[5] = true

	cfg := testPrewarmerConfig()
	cfg.SeedInodeIDs = []int64{5}
	cfg.RetryAttempts = 2

	p := NewPrewarmer(cfg, fetcher.fetch)
	p.Start()
	defer p.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.RunRound(ctx, "seed")

	// Initial attempt + 2 retries.
	if got := fetcher.calls.Load(); got < 3 {
		t.Errorf("fetch calls = %d, want >= 3 (retries)", got)
	}
	if got := p.metrics.TasksFailed.Load(); got == 0 {
		t.Error("failed warms should be counted")
	}
}

func TestPrewarmerUnknownStrategy(t *testing.T) {
	p := NewPrewarmer(testPrewarmerConfig(), newCountingFetcher().fetch)
	p.Start()
	defer p.Shutdown()

	if err := p.RunRound(context.Background(), "mystery"); err == nil {
		t.Error("unknown strategy must be an error")
	}
}

func TestPredictorRankingAndWindow(t *testing.T) {
	pred := NewDefaultPredictor()
	for i := 0; i < 100; i++ {
		pred.RecordAccess(1)
	}
	for i := 0; i < 5; i++ {
		pred.RecordAccess(2)
	}

	hot, err := pred.PredictHotInodes(context.Background(), time.Hour, 10)
	if err != nil {
		t.Fatalf("PredictHotInodes: %v", err)
	}
	if len(hot) != 2 || hot[0] != 1 {
		t.Errorf("hot = %v, want inode 1 ranked first", hot)
	}

	limited, _ := pred.PredictHotInodes(context.Background(), time.Hour, 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: got %d entries", len(limited))
	}
}

func TestPredictorResetWindowClearsRecency(t *testing.T) {
	pred := NewDefaultPredictor()
	pred.RecordAccess(1)
	pred.ResetWindow()

	pred.mu.RLock()
	recent := pred.accessLog[1].RecentAccesses
	pred.mu.RUnlock()
	if recent != 0 {
		t.Errorf("RecentAccesses = %d after reset, want 0", recent)
	}
	if pred.TrackedCount() != 1 {
		t.Error("reset must not drop tracked inodes")
	}
}

func TestSeededStrategyHonorsLimit(t *testing.T) {
	s := NewSeededStrategy([]int64{1, 2, 3, 4})
	tasks, err := s.Plan(context.Background(), PlanOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("planned %d tasks, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.Strategy != "seed" || task.Priority != 100 {
			t.Errorf("task = %+v, want seed strategy at priority 100", task)
		}
	}
}

func TestWorkerPoolQueueOverflowDropsTasks(t *testing.T) {
	p := NewPrewarmer(testPrewarmerConfig(), newCountingFetcher().fetch)
	// Pool not started, so nothing drains the queue.
	tasks := make([]WarmTask, 1500)
	for i := range tasks {
		tasks[i] = WarmTask{InodeID: int64(i)}
	}
	queued := p.pool.QueueTasks(tasks)
	if queued != 1000 {
		t.Errorf("queued = %d, want the queue capacity of 1000", queued)
	}
}
