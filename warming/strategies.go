package warming

import (
	"context"
	"time"
)

// Strategy decides which inodes to warm and in what order.
type Strategy interface {
	Name() string
	Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error)
}

// PlanOptions provides input parameters for strategy planning.
type PlanOptions struct {
	Priority int // Base priority level
	Limit    int // Maximum number of tasks to generate
}

// WarmTask is a single warming unit: one inode to load.
type WarmTask struct {
	InodeID  int64
	Priority int // Higher = more important
	Strategy string
}

// HotInodesStrategy warms the predictor's hottest inodes. Most namespace
// traffic concentrates on a small working set of directories, so warming
// the top of the access distribution recovers most of the hit rate a cold
// start loses.
type HotInodesStrategy struct {
	predictor Predictor
}

// NewHotInodesStrategy creates a strategy backed by predictor.
func NewHotInodesStrategy(predictor Predictor) Strategy {
	return &HotInodesStrategy{predictor: predictor}
}

func (s *HotInodesStrategy) Name() string { return "hot" }

// Plan generates tasks for the hottest inodes, priority decreasing down
// the ranking.
func (s *HotInodesStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	hot, err := s.predictor.PredictHotInodes(ctx, time.Hour, limit)
	if err != nil {
		return nil, err
	}

	tasks := make([]WarmTask, 0, len(hot))
	for i, id := range hot {
		priority := opts.Priority
		if priority == 0 {
			priority = 100 - (i * 100 / limit)
		}
		tasks = append(tasks, WarmTask{
			InodeID:  id,
			Priority: priority,
			Strategy: s.Name(),
		})
	}
	return tasks, nil
}

// SeededStrategy warms a fixed, configured set of inodes regardless of
// access history — well-known roots that every client touches on its first
// path resolution.
type SeededStrategy struct {
	seeds []int64
}

// NewSeededStrategy creates a strategy over the configured seed set.
func NewSeededStrategy(seeds []int64) Strategy {
	return &SeededStrategy{seeds: seeds}
}

func (s *SeededStrategy) Name() string { return "seed" }

func (s *SeededStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	limit := opts.Limit
	if limit <= 0 || limit > len(s.seeds) {
		limit = len(s.seeds)
	}

	tasks := make([]WarmTask, 0, limit)
	for _, id := range s.seeds[:limit] {
		tasks = append(tasks, WarmTask{
			InodeID:  id,
			Priority: 100, // Seeds always warm first
			Strategy: s.Name(),
		})
	}
	return tasks, nil
}
