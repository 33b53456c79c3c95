// Package warming prewarms a server instance's Metadata Cache so the first
// wave of requests after a cold start does not pay a miss per inode.
//
// Design Philosophy:
// - Purely a hit-rate supplement: every warm goes through the same
//   singleflight-coalesced loader a normal miss uses, so correctness never
//   depends on the prewarmer having run.
// - Rate limiting protects the external metadata store from a warm storm
//   right when a deployment scales out (Config.MaxOriginRPS).
// - A worker pool warms concurrently with per-inode deduplication.
// - Strategies decide which inodes to warm; the default is the access
//   predictor's hot set for this deployment.
package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	mdpubsub "encore.app/pkg/pubsub"
)

// PrewarmTopic announces prewarm completion so the monitoring service can
// track cold-start warm-up health without polling instances.
var PrewarmTopic = pubsub.NewTopic[*mdpubsub.PrewarmCompletedEvent](
	mdpubsub.TopicMetadataPrewarm,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Fetcher loads one inode into the Metadata Cache; it is the executor's
// coalesced loader.
type Fetcher func(ctx context.Context, inodeID int64) error

// Config holds prewarmer tuning.
type Config struct {
	Deployment        int
	ConcurrentWarmers int
	MaxOriginRPS      float64
	OriginBurst       int
	OriginTimeout     time.Duration
	RetryAttempts     int
	BackoffBase       time.Duration
	HotSetLimit       int           // Inodes warmed per cold start
	RewarmInterval    time.Duration // 0 disables periodic rewarming
	SeedInodeIDs      []int64       // Always-warm set (e.g. well-known roots)
}

// DefaultConfig returns sane defaults for a single instance.
func DefaultConfig() Config {
	return Config{
		ConcurrentWarmers: 4,
		MaxOriginRPS:      50,
		OriginBurst:       10,
		OriginTimeout:     5 * time.Second,
		RetryAttempts:     3,
		BackoffBase:       100 * time.Millisecond,
		HotSetLimit:       500,
		RewarmInterval:    10 * time.Minute,
	}
}

// Metrics tracks prewarmer counters.
type Metrics struct {
	TasksQueued    atomic.Int64
	TasksCompleted atomic.Int64
	TasksFailed    atomic.Int64
	TasksDeduped   atomic.Int64
	Rounds         atomic.Int64
}

// Prewarmer plans and executes Metadata Cache warming for one instance.
type Prewarmer struct {
	config     Config
	fetch      Fetcher
	predictor  *DefaultPredictor
	strategies map[string]Strategy
	pool       *WorkerPool
	scheduler  *Scheduler
	limiter    *rate.Limiter
	flight     singleflight.Group
	metrics    *Metrics

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPrewarmer builds a prewarmer that loads inodes via fetch.
func NewPrewarmer(config Config, fetch Fetcher) *Prewarmer {
	if config.ConcurrentWarmers <= 0 {
		config.ConcurrentWarmers = 4
	}
	if config.MaxOriginRPS <= 0 {
		config.MaxOriginRPS = 50
	}
	if config.OriginBurst <= 0 {
		config.OriginBurst = 1
	}

	predictor := NewDefaultPredictor()
	p := &Prewarmer{
		config:    config,
		fetch:     fetch,
		predictor: predictor,
		limiter:   rate.NewLimiter(rate.Limit(config.MaxOriginRPS), config.OriginBurst),
		metrics:   &Metrics{},
	}
	p.strategies = map[string]Strategy{
		"hot":  NewHotInodesStrategy(predictor),
		"seed": NewSeededStrategy(config.SeedInodeIDs),
	}
	p.pool = NewWorkerPool(p, config.ConcurrentWarmers)
	p.scheduler = NewScheduler(p, config.RewarmInterval)
	return p
}

// Start launches the worker pool and, when configured, the periodic rewarm
// scheduler.
func (p *Prewarmer) Start() {
	p.startOnce.Do(func() {
		p.pool.Run()
		p.scheduler.Run()
	})
}

// Shutdown stops the scheduler and drains the worker pool.
func (p *Prewarmer) Shutdown() {
	p.stopOnce.Do(func() {
		p.scheduler.Stop()
		p.pool.Shutdown()
	})
}

// RecordAccess feeds the predictor; the executor calls it once per operation
// with the operation's parent inode.
func (p *Prewarmer) RecordAccess(inodeID int64) {
	p.predictor.RecordAccess(inodeID)
}

// Metrics exposes the counters for the monitoring service.
func (p *Prewarmer) Metrics() *Metrics {
	return p.metrics
}

// QueueColdStart plans and queues the cold-start warm set in the
// background: the seed set plus the predictor's hot set.
func (p *Prewarmer) QueueColdStart() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.OriginTimeout*4)
		defer cancel()
		_ = p.RunRound(ctx, "seed", "hot")
	}()
}

// RunRound plans the named strategies, queues their tasks, and publishes a
// completion event once the queue drains.
func (p *Prewarmer) RunRound(ctx context.Context, strategyNames ...string) error {
	started := time.Now()
	p.metrics.Rounds.Add(1)

	var tasks []WarmTask
	for _, name := range strategyNames {
		strategy, ok := p.strategies[name]
		if !ok {
			return fmt.Errorf("unknown warming strategy %q", name)
		}
		planned, err := strategy.Plan(ctx, PlanOptions{Limit: p.config.HotSetLimit})
		if err != nil {
			return fmt.Errorf("plan %s: %w", name, err)
		}
		tasks = append(tasks, planned...)
	}
	if len(tasks) == 0 {
		return nil
	}

	queued := p.pool.QueueTasks(tasks)
	p.metrics.TasksQueued.Add(int64(queued))
	p.pool.WaitIdle(ctx)

	p.publishCompletion(ctx, started, queued)
	return nil
}

// ExecuteWarmTask warms one inode: rate-limited, deduplicated, bounded by
// the origin timeout.
func (p *Prewarmer) ExecuteWarmTask(ctx context.Context, task WarmTask) error {
	key := fmt.Sprintf("%d", task.InodeID)
	_, err, shared := p.flight.Do(key, func() (interface{}, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		fetchCtx, cancel := context.WithTimeout(ctx, p.config.OriginTimeout)
		defer cancel()
		return nil, p.fetch(fetchCtx, task.InodeID)
	})
	if shared {
		p.metrics.TasksDeduped.Add(1)
	}
	if err != nil {
		p.metrics.TasksFailed.Add(1)
		return err
	}
	p.metrics.TasksCompleted.Add(1)
	return nil
}

func (p *Prewarmer) publishCompletion(ctx context.Context, started time.Time, queued int) {
	failed := int(p.metrics.TasksFailed.Load())
	status := "success"
	if failed > 0 && failed < queued {
		status = "partial"
	} else if failed > 0 && failed >= queued {
		status = "failed"
	}

	event := &mdpubsub.PrewarmCompletedEvent{
		Version:       mdpubsub.EventVersion1,
		Service:       "prewarmer",
		Deployment:    p.config.Deployment,
		Status:        status,
		Duration:      time.Since(started),
		EntriesWarmed: int(p.metrics.TasksCompleted.Load()),
		EntriesFailed: failed,
		CompletedAt:   time.Now(),
		RequestID:     uuid.NewString(),
	}
	if _, err := PrewarmTopic.Publish(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		// Completion events are advisory; a publish failure never fails the
		// warm itself.
		return
	}
}
