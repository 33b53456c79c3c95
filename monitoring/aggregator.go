package monitoring

import (
	"math"
	"sync"
	"time"
)

// Aggregator periodically folds the collector's raw series into
// AggregatedStats windows and feeds the anomaly detector.
type Aggregator struct {
	collector *MetricsCollector
	detector  *AnomalyDetector
	window    time.Duration

	mu     sync.RWMutex
	latest AggregatedStats

	stopChan chan struct{}
	wg       sync.WaitGroup
	runOnce  sync.Once
}

// AggregatedStats is one window's derived statistics.
type AggregatedStats struct {
	Timestamp         time.Time `json:"timestamp"`
	Window            string    `json:"window"`
	Operations        int64     `json:"operations"`
	OpsPerSecond      float64   `json:"ops_per_second"`
	HitRate           float64   `json:"hit_rate"`
	ExceptionRate     float64   `json:"exception_rate"`
	NotAuthorizedRate float64   `json:"not_authorized_rate"`
	AvgLatencyMs      float64   `json:"avg_latency_ms"`
	P95LatencyMs      float64   `json:"p95_latency_ms"`
	P99LatencyMs      float64   `json:"p99_latency_ms"`
}

// NewAggregator creates an aggregator over collector with the configured
// window.
func NewAggregator(collector *MetricsCollector, config Config) *Aggregator {
	window := config.AggregationWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Aggregator{
		collector: collector,
		detector:  NewAnomalyDetector(),
		window:    window,
		stopChan:  make(chan struct{}),
	}
}

// Run starts the periodic aggregation loop.
func (a *Aggregator) Run() {
	a.runOnce.Do(func() {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ticker := time.NewTicker(a.window)
			defer ticker.Stop()
			for {
				select {
				case <-a.stopChan:
					return
				case <-ticker.C:
					stats := a.Aggregate(a.window)
					a.mu.Lock()
					a.latest = stats
					a.mu.Unlock()
					a.detector.Observe(stats)
				}
			}
		}()
	})
}

// Stop halts the loop.
func (a *Aggregator) Stop() {
	close(a.stopChan)
	a.wg.Wait()
}

// Latest returns the most recently computed window.
func (a *Aggregator) Latest() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// Detector exposes the anomaly detector for the alert engine.
func (a *Aggregator) Detector() *AnomalyDetector {
	return a.detector
}

// Aggregate computes the stats for the trailing window on demand.
func (a *Aggregator) Aggregate(window time.Duration) AggregatedStats {
	end := time.Now()
	start := end.Add(-window)
	buckets := a.collector.Series().GetRange(start, end)

	stats := AggregatedStats{
		Timestamp: end,
		Window:    window.String(),
	}

	var hits, misses, exceptions, notAuthorized int64
	var latencySum float64
	var latencyCount int64
	for _, b := range buckets {
		stats.Operations += b.Operations
		hits += b.CacheHits
		misses += b.CacheMisses
		exceptions += b.Exceptions
		notAuthorized += b.NotAuthorized
		latencySum += b.LatencySum
		latencyCount += b.LatencyCount
	}

	seconds := window.Seconds()
	if seconds > 0 {
		stats.OpsPerSecond = float64(stats.Operations) / seconds
	}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}
	if stats.Operations > 0 {
		stats.ExceptionRate = float64(exceptions) / float64(stats.Operations)
		stats.NotAuthorizedRate = float64(notAuthorized) / float64(stats.Operations)
	}
	if latencyCount > 0 {
		stats.AvgLatencyMs = latencySum / float64(latencyCount)
	}

	summary := a.collector.GetLatencySummary(window)
	stats.P95LatencyMs = float64(summary.P95.Milliseconds())
	stats.P99LatencyMs = float64(summary.P99.Milliseconds())
	return stats
}

// AnomalyDetector flags windows whose latency or exception rate deviate
// sharply from their rolling history (z-score over a bounded sample).
type AnomalyDetector struct {
	mu        sync.RWMutex
	latency   *HistoricalStats
	errors    *HistoricalStats
	anomalies []Anomaly
}

// Anomaly is one detected deviation.
type Anomaly struct {
	Type      string    `json:"type"` // "latency_spike", "error_spike"
	Severity  string    `json:"severity"`
	Value     float64   `json:"value"`
	Expected  float64   `json:"expected"`
	ZScore    float64   `json:"zscore"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAnomalyDetector creates a detector with bounded history.
func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{
		latency: NewHistoricalStats(360),
		errors:  NewHistoricalStats(360),
	}
}

// Observe folds one window into history and records any deviation.
func (ad *AnomalyDetector) Observe(stats AggregatedStats) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	ad.checkLocked(ad.latency, stats.AvgLatencyMs, "latency_spike", stats.Timestamp)
	ad.checkLocked(ad.errors, stats.ExceptionRate, "error_spike", stats.Timestamp)
}

func (ad *AnomalyDetector) checkLocked(hist *HistoricalStats, value float64, kind string, at time.Time) {
	mean, stddev := hist.MeanStdDev()
	if hist.Count() >= 30 && stddev > 0 {
		z := (value - mean) / stddev
		if z > 3 {
			ad.anomalies = append(ad.anomalies, Anomaly{
				Type:      kind,
				Severity:  severityForZScore(z),
				Value:     value,
				Expected:  mean,
				ZScore:    z,
				Timestamp: at,
			})
			if len(ad.anomalies) > 1000 {
				ad.anomalies = ad.anomalies[len(ad.anomalies)-1000:]
			}
		}
	}
	hist.Add(value)
}

// RecentAnomalies returns anomalies within the trailing duration.
func (ad *AnomalyDetector) RecentAnomalies(duration time.Duration) []Anomaly {
	ad.mu.RLock()
	defer ad.mu.RUnlock()

	cutoff := time.Now().Add(-duration)
	out := make([]Anomaly, 0)
	for _, a := range ad.anomalies {
		if a.Timestamp.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

func severityForZScore(z float64) string {
	switch {
	case z > 6:
		return "critical"
	case z > 4.5:
		return "high"
	default:
		return "medium"
	}
}

// HistoricalStats is a bounded sample for mean/stddev baselines.
type HistoricalStats struct {
	values   []float64
	pos      int
	full     bool
	capacity int
}

// NewHistoricalStats creates a history holding capacity samples.
func NewHistoricalStats(capacity int) *HistoricalStats {
	return &HistoricalStats{
		values:   make([]float64, capacity),
		capacity: capacity,
	}
}

// Add appends a sample, overwriting the oldest at capacity.
func (hs *HistoricalStats) Add(value float64) {
	hs.values[hs.pos] = value
	hs.pos = (hs.pos + 1) % hs.capacity
	if hs.pos == 0 {
		hs.full = true
	}
}

// Count returns how many samples are held.
func (hs *HistoricalStats) Count() int {
	if hs.full {
		return hs.capacity
	}
	return hs.pos
}

// MeanStdDev returns the sample mean and standard deviation.
func (hs *HistoricalStats) MeanStdDev() (float64, float64) {
	n := hs.Count()
	if n == 0 {
		return 0, 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += hs.values[i]
	}
	mean := sum / float64(n)

	var variance float64
	for i := 0; i < n; i++ {
		d := hs.values[i] - mean
		variance += d * d
	}
	variance /= float64(n)
	return mean, math.Sqrt(variance)
}
