package monitoring

import (
	"sync"
	"time"

	"encore.app/pkg/models"
)

// MetricsCollector ingests operation events and maintains counters, a
// bounded latency ring, and a bucketed time series for range queries.
type MetricsCollector struct {
	mu sync.RWMutex

	counters  Counters
	latencies *RingBuffer
	series    *TimeSeries
}

// Counters are the monotonic totals across every reported operation.
type Counters struct {
	Operations       int64
	Exceptions       int64
	Duplicates       int64
	NotAuthorized    int64
	Timeouts         int64
	BackoffExhausted int64
	CacheHits        int64
	CacheMisses      int64
	TCPOps           int64
	HTTPOps          int64
	ColdStarts       int64
}

// NewMetricsCollector creates a collector retaining raw metrics per config.
func NewMetricsCollector(config Config) *MetricsCollector {
	return &MetricsCollector{
		latencies: NewRingBuffer(65536),
		series:    NewTimeSeries(config.MetricsRetention),
	}
}

// Record ingests one operation report.
func (mc *MetricsCollector) Record(event MetricEvent) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.counters.Operations++
	mc.counters.CacheHits += int64(event.CacheHits)
	mc.counters.CacheMisses += int64(event.CacheMisses)
	if event.Transport == "tcp" {
		mc.counters.TCPOps++
	} else {
		mc.counters.HTTPOps++
	}
	if event.ColdStart {
		mc.counters.ColdStarts++
	}
	for _, kind := range event.ExceptionKinds {
		mc.counters.Exceptions++
		switch kind {
		case "NotAuthorizedHere":
			mc.counters.NotAuthorized++
		case "OperationTimedOut":
			mc.counters.Timeouts++
		}
	}
	if event.Duplicate {
		mc.counters.Duplicates++
	}
	if event.BackoffExhausted {
		mc.counters.BackoffExhausted++
	}

	if event.LatencyMs > 0 {
		mc.latencies.Add(event.LatencyMs, event.Timestamp)
	}
	mc.series.Add(event)
}

// GetCounters returns a copy of the monotonic totals.
func (mc *MetricsCollector) GetCounters() Counters {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.counters
}

// GetLatencySummary summarizes latencies recorded within window, using the
// shared models helpers so the wire shape matches what instances report.
func (mc *MetricsCollector) GetLatencySummary(window time.Duration) models.LatencySummary {
	samples := mc.latencies.GetRecent(window)
	durations := make([]time.Duration, len(samples))
	for i, s := range samples {
		durations[i] = time.Duration(s.Value * float64(time.Millisecond))
	}
	return models.CalculateLatencySummary(durations)
}

// Series exposes the bucketed time series for range queries.
func (mc *MetricsCollector) Series() *TimeSeries {
	return mc.series
}

// RingBuffer is a fixed-capacity circular sample store.
type RingBuffer struct {
	mu      sync.RWMutex
	samples []Sample
	pos     int
	full    bool
}

// Sample is one latency observation.
type Sample struct {
	Value     float64
	Timestamp time.Time
}

// NewRingBuffer creates a buffer holding size samples.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{samples: make([]Sample, size)}
}

// Add appends a sample, overwriting the oldest at capacity.
func (rb *RingBuffer) Add(value float64, timestamp time.Time) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.samples[rb.pos] = Sample{Value: value, Timestamp: timestamp}
	rb.pos = (rb.pos + 1) % len(rb.samples)
	if rb.pos == 0 {
		rb.full = true
	}
}

// GetRecent returns samples within the trailing duration.
func (rb *RingBuffer) GetRecent(duration time.Duration) []Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	cutoff := time.Now().Add(-duration)
	limit := rb.pos
	if rb.full {
		limit = len(rb.samples)
	}
	out := make([]Sample, 0, limit)
	for i := 0; i < limit; i++ {
		if rb.samples[i].Timestamp.After(cutoff) {
			out = append(out, rb.samples[i])
		}
	}
	return out
}

// TimeSeries buckets events per second for range queries, bounded by a
// retention horizon.
type TimeSeries struct {
	mu        sync.RWMutex
	buckets   map[int64]*Bucket
	retention time.Duration
}

// Bucket aggregates one second of events.
type Bucket struct {
	Timestamp     time.Time `json:"timestamp"`
	Operations    int64     `json:"operations"`
	Exceptions    int64     `json:"exceptions"`
	NotAuthorized int64     `json:"not_authorized"`
	CacheHits     int64     `json:"cache_hits"`
	CacheMisses   int64     `json:"cache_misses"`
	LatencySum    float64   `json:"latency_sum_ms"`
	LatencyCount  int64     `json:"latency_count"`
}

// NewTimeSeries creates a series retaining buckets for the given duration.
func NewTimeSeries(retention time.Duration) *TimeSeries {
	if retention <= 0 {
		retention = time.Hour
	}
	return &TimeSeries{
		buckets:   make(map[int64]*Bucket),
		retention: retention,
	}
}

// Add folds one event into its second bucket and opportunistically prunes
// buckets past retention.
func (ts *TimeSeries) Add(event MetricEvent) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	sec := event.Timestamp.Unix()
	bucket, ok := ts.buckets[sec]
	if !ok {
		bucket = &Bucket{Timestamp: time.Unix(sec, 0)}
		ts.buckets[sec] = bucket
		ts.pruneLocked()
	}

	bucket.Operations++
	bucket.CacheHits += int64(event.CacheHits)
	bucket.CacheMisses += int64(event.CacheMisses)
	bucket.Exceptions += int64(len(event.ExceptionKinds))
	for _, kind := range event.ExceptionKinds {
		if kind == "NotAuthorizedHere" {
			bucket.NotAuthorized++
		}
	}
	if event.LatencyMs > 0 {
		bucket.LatencySum += event.LatencyMs
		bucket.LatencyCount++
	}
}

// GetRange returns buckets within [start, end], oldest first.
func (ts *TimeSeries) GetRange(start, end time.Time) []*Bucket {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	out := make([]*Bucket, 0)
	for sec := start.Unix(); sec <= end.Unix(); sec++ {
		if bucket, ok := ts.buckets[sec]; ok {
			out = append(out, bucket)
		}
	}
	return out
}

// pruneLocked drops buckets older than retention. Caller holds mu.
func (ts *TimeSeries) pruneLocked() {
	horizon := time.Now().Add(-ts.retention).Unix()
	for sec := range ts.buckets {
		if sec < horizon {
			delete(ts.buckets, sec)
		}
	}
}
