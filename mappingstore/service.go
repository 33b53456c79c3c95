// Package mappingstore persists the client-side invocation cache's routing
// hints: a keyed store of parent-directory path to owning deployment
// number. Clients consult it on a cold start (before any mapping hints have
// arrived) and executors push authoritative mappings into it as they derive
// them, so new client processes skip the first round of wrong-deployment
// bounces.
//
// Design Choices:
// - L1 in-memory front (LRU + TTL) over a durable keyed table; a mapping is
//   a hint, so TTL expiry is harmless and keeps the table self-cleaning.
// - Request coalescing on L1 misses prevents a thundering herd of identical
//   SELECTs when a hot directory expires.
// - Pub/Sub coordination: invalidation events drop stale mappings on every
//   service instance, refresh events fan authoritative mappings in.
package mappingstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/storage/sqldb"
)

//encore:service
type Service struct {
	l1        *L1Cache
	store     DurableStore
	coalescer *RequestCoalescer
	metrics   *Metrics
	config    Config
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// Config holds runtime configuration for the mapping store.
type Config struct {
	L1MaxEntries    int           // Maximum L1 mappings before eviction
	DefaultTTL      time.Duration // Mapping lifetime
	CleanupInterval time.Duration // How often to sweep expired L1 entries
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		L1MaxEntries:    10000,
		DefaultTTL:      1 * time.Hour,
		CleanupInterval: 1 * time.Minute,
	}
}

// Metrics tracks mapping store performance counters.
type Metrics struct {
	Hits        atomic.Int64
	Misses      atomic.Int64
	Sets        atomic.Int64
	Deletes     atomic.Int64
	Evictions   atomic.Int64
	StoreHits   atomic.Int64
	StoreMisses atomic.Int64
	StoreErrors atomic.Int64
}

var db = sqldb.Named("mappings_db")

var (
	svc  *Service
	once sync.Once
)

func initService() (*Service, error) {
	var initErr error
	once.Do(func() {
		store, err := NewSQLStore(db)
		if err != nil {
			initErr = fmt.Errorf("mappingstore: %w", err)
			return
		}

		config := DefaultConfig()
		svc = &Service{
			l1:        NewL1Cache(config.L1MaxEntries),
			store:     store,
			coalescer: NewRequestCoalescer(),
			metrics:   &Metrics{},
			config:    config,
			stopChan:  make(chan struct{}),
		}

		svc.wg.Add(1)
		go svc.runTTLCleanup()
	})
	return svc, initErr
}

func init() {
	if _, err := initService(); err != nil {
		panic(fmt.Sprintf("mappingstore: init failed: %v", err))
	}
}

// Request and response types

type LookupRequest struct {
	ParentPath string `json:"parentPath"`
}

type LookupResponse struct {
	Deployment int        `json:"deployment"` // -1 when unknown
	Hit        bool       `json:"hit"`
	Source     string     `json:"source"` // "l1", "store", ""
	CachedAt   *time.Time `json:"cached_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type UpsertRequest struct {
	ParentPath string `json:"parentPath"`
	Deployment int    `json:"deployment"`
	TTLSeconds int    `json:"ttl"` // 0 means default
}

type UpsertResponse struct {
	Success   bool      `json:"success"`
	ExpiresAt time.Time `json:"expires_at"`
}

type InvalidateRequest struct {
	ParentPaths []string `json:"parentPaths,omitempty"`
	PathPrefix  string   `json:"pathPrefix,omitempty"`
}

type InvalidateResponse struct {
	Invalidated int  `json:"invalidated"`
	Success     bool `json:"success"`
}

type MetricsResponse struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Sets        int64   `json:"sets"`
	Deletes     int64   `json:"deletes"`
	Evictions   int64   `json:"evictions"`
	L1Size      int     `json:"l1_size"`
	StoreHits   int64   `json:"store_hits"`
	StoreMisses int64   `json:"store_misses"`
	StoreErrors int64   `json:"store_errors"`
}

// Lookup resolves a parent path to its last-known owning deployment,
// reading through L1 to the durable store. A miss is not an error: the
// client simply routes by hash, exactly as with an empty invocation cache.
//
//encore:api public method=POST path=/api/mappings/lookup
func Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Lookup(ctx, req)
}

func (s *Service) Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	if req.ParentPath == "" {
		return nil, errors.New("parentPath cannot be empty")
	}

	if entry, ok := s.l1.Get(req.ParentPath); ok {
		s.metrics.Hits.Add(1)
		return &LookupResponse{
			Deployment: entry.Deployment,
			Hit:        true,
			Source:     entry.Source,
			CachedAt:   &entry.CachedAt,
			ExpiresAt:  &entry.ExpiresAt,
		}, nil
	}

	result, err := s.coalescer.Do(req.ParentPath, func() (interface{}, error) {
		deployment, ok, err := s.store.Get(ctx, req.ParentPath)
		if err != nil {
			s.metrics.StoreErrors.Add(1)
			return nil, err
		}
		if !ok {
			s.metrics.StoreMisses.Add(1)
			return nil, nil
		}
		s.metrics.StoreHits.Add(1)
		s.l1.Set(req.ParentPath, deployment, s.config.DefaultTTL)
		return deployment, nil
	})
	if err != nil {
		s.metrics.Misses.Add(1)
		return nil, fmt.Errorf("mapping lookup failed: %w", err)
	}
	if result == nil {
		s.metrics.Misses.Add(1)
		return &LookupResponse{Deployment: -1, Hit: false}, nil
	}

	s.metrics.Hits.Add(1)
	deployment := result.(int)
	return &LookupResponse{
		Deployment: deployment,
		Hit:        true,
		Source:     "store",
	}, nil
}

// Upsert stores an authoritative mapping, write-through to the durable
// store.
//
//encore:api public method=POST path=/api/mappings
func Upsert(ctx context.Context, req *UpsertRequest) (*UpsertResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Upsert(ctx, req)
}

func (s *Service) Upsert(ctx context.Context, req *UpsertRequest) (*UpsertResponse, error) {
	if req.ParentPath == "" {
		return nil, errors.New("parentPath cannot be empty")
	}
	if req.Deployment < 0 {
		return nil, errors.New("deployment cannot be negative")
	}

	ttl := s.config.DefaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	expiresAt := time.Now().Add(ttl)

	s.l1.Set(req.ParentPath, req.Deployment, ttl)
	s.metrics.Sets.Add(1)

	if err := s.store.Set(ctx, req.ParentPath, req.Deployment, ttl); err != nil {
		s.metrics.StoreErrors.Add(1)
		// L1 already carries the hint; a durable-store hiccup only costs
		// persistence, not correctness.
	}

	return &UpsertResponse{Success: true, ExpiresAt: expiresAt}, nil
}

// Invalidate drops mappings by exact path or by path prefix, in L1 and the
// durable store.
//
//encore:api public method=POST path=/api/mappings/invalidate
func Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Invalidate(ctx, req)
}

func (s *Service) Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	count := 0

	for _, path := range req.ParentPaths {
		if s.l1.Delete(path) {
			count++
		}
		s.coalescer.Forget(path)
		if err := s.store.Delete(ctx, path); err != nil {
			s.metrics.StoreErrors.Add(1)
		}
		s.metrics.Deletes.Add(1)
	}

	if req.PathPrefix != "" {
		deleted := s.l1.DeletePrefix(req.PathPrefix)
		count += deleted
		s.metrics.Deletes.Add(int64(deleted))
		if n, err := s.store.DeletePrefix(ctx, req.PathPrefix); err != nil {
			s.metrics.StoreErrors.Add(1)
		} else if n > deleted {
			count += n - deleted
		}
	}

	return &InvalidateResponse{Invalidated: count, Success: true}, nil
}

// GetMetrics returns current mapping store metrics.
//
//encore:api public method=GET path=/api/mappings/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	hits := s.metrics.Hits.Load()
	misses := s.metrics.Misses.Load()
	total := hits + misses

	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return &MetricsResponse{
		Hits:        hits,
		Misses:      misses,
		HitRate:     hitRate,
		Sets:        s.metrics.Sets.Load(),
		Deletes:     s.metrics.Deletes.Load(),
		Evictions:   s.metrics.Evictions.Load(),
		L1Size:      s.l1.Size(),
		StoreHits:   s.metrics.StoreHits.Load(),
		StoreMisses: s.metrics.StoreMisses.Load(),
		StoreErrors: s.metrics.StoreErrors.Load(),
	}, nil
}

// runTTLCleanup periodically sweeps expired L1 entries.
func (s *Service) runTTLCleanup() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			evicted := s.l1.CleanupExpired()
			s.metrics.Evictions.Add(int64(evicted))
		}
	}
}

// Shutdown gracefully stops the cleanup loop.
func (s *Service) Shutdown(force context.Context) {
	close(s.stopChan)
	s.wg.Wait()
}
