package warming

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Predictor predicts which inodes are likely to be accessed in the near
// future. The interface allows plugging in different algorithms, from the
// default frequency heuristic to something model-driven.
type Predictor interface {
	PredictHotInodes(ctx context.Context, window time.Duration, limit int) ([]int64, error)
}

// DefaultPredictor implements a lightweight frequency-plus-growth
// heuristic.
//
// Algorithm:
// 1. Track access counts and timestamps per inode
// 2. Access frequency = accesses per hour since first seen
// 3. Growth rate = recent window frequency vs lifetime frequency
// 4. Score = frequency * (1 + growth rate)
// 5. Return top N inodes by score
type DefaultPredictor struct {
	mu         sync.RWMutex
	accessLog  map[int64]*AccessHistory
	windowSize time.Duration
	maxTracked int
}

// AccessHistory tracks access patterns for a single inode.
type AccessHistory struct {
	InodeID        int64
	TotalAccesses  int64
	RecentAccesses int64
	FirstSeen      time.Time
	LastAccessed   time.Time
}

// NewDefaultPredictor creates a predictor with a one-hour recency window.
func NewDefaultPredictor() *DefaultPredictor {
	return &DefaultPredictor{
		accessLog:  make(map[int64]*AccessHistory),
		windowSize: 1 * time.Hour,
		maxTracked: 100000,
	}
}

// RecordAccess records one access; the executor calls this per operation.
func (p *DefaultPredictor) RecordAccess(inodeID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	history, exists := p.accessLog[inodeID]
	if !exists {
		// Drop the coldest tracked inode rather than grow without bound.
		if len(p.accessLog) >= p.maxTracked {
			p.evictColdestLocked()
		}
		history = &AccessHistory{InodeID: inodeID, FirstSeen: now}
		p.accessLog[inodeID] = history
	}

	history.TotalAccesses++
	history.RecentAccesses++
	history.LastAccessed = now
}

func (p *DefaultPredictor) evictColdestLocked() {
	var coldest *AccessHistory
	for _, h := range p.accessLog {
		if coldest == nil || h.LastAccessed.Before(coldest.LastAccessed) {
			coldest = h
		}
	}
	if coldest != nil {
		delete(p.accessLog, coldest.InodeID)
	}
}

// PredictHotInodes returns the top limit inodes by score within window.
func (p *DefaultPredictor) PredictHotInodes(ctx context.Context, window time.Duration, limit int) ([]int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if window <= 0 {
		window = p.windowSize
	}
	cutoff := time.Now().Add(-window)

	type scored struct {
		id    int64
		score float64
	}
	candidates := make([]scored, 0, len(p.accessLog))
	for id, h := range p.accessLog {
		if h.LastAccessed.Before(cutoff) {
			continue
		}
		candidates = append(candidates, scored{id: id, score: p.scoreLocked(h)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}
	out := make([]int64, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out, nil
}

// scoreLocked computes frequency * (1 + growth). Caller holds mu.
func (p *DefaultPredictor) scoreLocked(h *AccessHistory) float64 {
	lifetime := time.Since(h.FirstSeen).Hours()
	if lifetime < 1.0/60 {
		lifetime = 1.0 / 60 // Floor at one minute to avoid new-inode spikes
	}
	frequency := float64(h.TotalAccesses) / lifetime

	windowHours := p.windowSize.Hours()
	recentFrequency := float64(h.RecentAccesses) / windowHours

	growth := 0.0
	if frequency > 0 {
		growth = (recentFrequency - frequency) / frequency
		if growth < 0 {
			growth = 0
		}
	}
	return frequency * (1 + growth)
}

// ResetWindow zeroes every inode's recent counter; the scheduler calls this
// at the start of each rewarm interval so growth compares like windows.
func (p *DefaultPredictor) ResetWindow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.accessLog {
		h.RecentAccesses = 0
	}
}

// TrackedCount returns how many inodes have recorded history.
func (p *DefaultPredictor) TrackedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accessLog)
}
