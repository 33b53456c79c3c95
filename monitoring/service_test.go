package monitoring

import (
	"context"
	"testing"
	"time"
)

func newTestCollectorService() *Service {
	config := DefaultConfig()
	collector := NewMetricsCollector(config)
	aggregator := NewAggregator(collector, config)
	return &Service{
		collector:  collector,
		aggregator: aggregator,
		alertMgr:   NewAlertManager(aggregator, config),
		exporter:   NewPrometheusExporter(),
		config:     config,
	}
}

func opEvent(latencyMs float64, hits, misses int, kinds ...string) MetricEvent {
	return MetricEvent{
		Timestamp:      time.Now(),
		Source:         "executor",
		Deployment:     1,
		Operation:      "getFileInfo",
		Transport:      "tcp",
		LatencyMs:      latencyMs,
		CacheHits:      hits,
		CacheMisses:    misses,
		ExceptionKinds: kinds,
	}
}

func TestCollectorCountsByKind(t *testing.T) {
	s := newTestCollectorService()

	s.ingest([]MetricEvent{
		opEvent(5, 2, 1),
		opEvent(7, 0, 0, "NotAuthorizedHere"),
		opEvent(9, 0, 0, "OperationTimedOut", "OperationFailed"),
		{Timestamp: time.Now(), Transport: "http", Duplicate: true},
		{Timestamp: time.Now(), Transport: "http", BackoffExhausted: true, ColdStart: true},
	})

	c := s.collector.GetCounters()
	if c.Operations != 5 {
		t.Errorf("Operations = %d, want 5", c.Operations)
	}
	if c.Exceptions != 3 {
		t.Errorf("Exceptions = %d, want 3", c.Exceptions)
	}
	if c.NotAuthorized != 1 || c.Timeouts != 1 {
		t.Errorf("NotAuthorized/Timeouts = %d/%d, want 1/1", c.NotAuthorized, c.Timeouts)
	}
	if c.Duplicates != 1 || c.BackoffExhausted != 1 || c.ColdStarts != 1 {
		t.Errorf("dup/backoff/cold = %d/%d/%d, want 1/1/1", c.Duplicates, c.BackoffExhausted, c.ColdStarts)
	}
	if c.CacheHits != 2 || c.CacheMisses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", c.CacheHits, c.CacheMisses)
	}
	if c.TCPOps != 3 || c.HTTPOps != 2 {
		t.Errorf("tcp/http = %d/%d, want 3/2", c.TCPOps, c.HTTPOps)
	}
}

func TestAggregateDerivesRates(t *testing.T) {
	s := newTestCollectorService()

	for i := 0; i < 8; i++ {
		s.ingest([]MetricEvent{opEvent(10, 1, 0)})
	}
	s.ingest([]MetricEvent{
		opEvent(10, 0, 1, "NotAuthorizedHere"),
		opEvent(10, 0, 1, "OperationFailed"),
	})

	stats := s.aggregator.Aggregate(time.Minute)
	if stats.Operations != 10 {
		t.Fatalf("Operations = %d, want 10", stats.Operations)
	}
	if stats.HitRate != 0.8 {
		t.Errorf("HitRate = %f, want 0.8", stats.HitRate)
	}
	if stats.ExceptionRate != 0.2 {
		t.Errorf("ExceptionRate = %f, want 0.2", stats.ExceptionRate)
	}
	if stats.NotAuthorizedRate != 0.1 {
		t.Errorf("NotAuthorizedRate = %f, want 0.1", stats.NotAuthorizedRate)
	}
	if stats.AvgLatencyMs != 10 {
		t.Errorf("AvgLatencyMs = %f, want 10", stats.AvgLatencyMs)
	}
}

func TestLatencySummaryPercentiles(t *testing.T) {
	s := newTestCollectorService()
	for i := 1; i <= 100; i++ {
		s.ingest([]MetricEvent{opEvent(float64(i), 0, 0)})
	}

	summary := s.collector.GetLatencySummary(time.Minute)
	if summary.Count != 100 {
		t.Fatalf("Count = %d, want 100", summary.Count)
	}
	if summary.P50 < 40*time.Millisecond || summary.P50 > 60*time.Millisecond {
		t.Errorf("P50 = %v, want about 50ms", summary.P50)
	}
	if summary.Max != 100*time.Millisecond {
		t.Errorf("Max = %v, want 100ms", summary.Max)
	}
}

func TestAlertFiresAndResolves(t *testing.T) {
	s := newTestCollectorService()

	// A window where every operation failed.
	for i := 0; i < 20; i++ {
		s.ingest([]MetricEvent{opEvent(5, 0, 0, "OperationFailed")})
	}
	s.aggregator.mu.Lock()
	s.aggregator.latest = s.aggregator.Aggregate(time.Minute)
	s.aggregator.mu.Unlock()

	s.alertMgr.Evaluate()
	active := s.alertMgr.ActiveAlerts()
	found := false
	for _, a := range active {
		if a.Rule == "high-exception-rate" {
			found = true
		}
	}
	if !found {
		t.Fatalf("active = %+v, want high-exception-rate firing", active)
	}

	// A clean window resolves it.
	s.aggregator.mu.Lock()
	s.aggregator.latest = AggregatedStats{Timestamp: time.Now()}
	s.aggregator.mu.Unlock()
	s.alertMgr.Evaluate()

	if len(s.alertMgr.ActiveAlerts()) != 0 {
		t.Error("alert should resolve on a clean window")
	}
	if len(s.alertMgr.RecentResolved(10)) == 0 {
		t.Error("resolved alert should be retained")
	}
}

func TestWrongDeploymentRule(t *testing.T) {
	rule := NewWrongDeploymentRateRule()

	if rule.Evaluate(AggregatedStats{Operations: 100, NotAuthorizedRate: 0.01}) != nil {
		t.Error("1% wrong-deployment rate should not fire")
	}
	alert := rule.Evaluate(AggregatedStats{Operations: 100, NotAuthorizedRate: 0.2})
	if alert == nil || alert.Severity != "warning" {
		t.Errorf("alert = %+v, want warning at 20%%", alert)
	}
	if rule.Evaluate(AggregatedStats{Operations: 5, NotAuthorizedRate: 1}) != nil {
		t.Error("tiny windows must not fire")
	}
}

func TestAnomalyDetectorFlagsSpike(t *testing.T) {
	d := NewAnomalyDetector()
	base := time.Now()

	// Stable baseline, then a spike.
	for i := 0; i < 50; i++ {
		d.Observe(AggregatedStats{AvgLatencyMs: 10 + float64(i%3), Timestamp: base})
	}
	d.Observe(AggregatedStats{AvgLatencyMs: 500, Timestamp: time.Now()})

	anomalies := d.RecentAnomalies(time.Hour)
	if len(anomalies) == 0 {
		t.Fatal("latency spike should be flagged")
	}
	if anomalies[len(anomalies)-1].Type != "latency_spike" {
		t.Errorf("anomaly type = %q, want latency_spike", anomalies[0].Type)
	}
}

func TestTimeSeriesRangeAndPruning(t *testing.T) {
	ts := NewTimeSeries(time.Hour)
	now := time.Now()

	ts.Add(MetricEvent{Timestamp: now, CacheHits: 1})
	ts.Add(MetricEvent{Timestamp: now, CacheHits: 1})
	ts.Add(MetricEvent{Timestamp: now.Add(-2 * time.Hour), CacheHits: 1}) // past retention once pruned

	buckets := ts.GetRange(now.Add(-time.Minute), now)
	if len(buckets) != 1 || buckets[0].Operations != 2 {
		t.Fatalf("buckets = %+v, want one bucket with 2 operations", buckets)
	}
}

func TestRingBufferWrapsAround(t *testing.T) {
	rb := NewRingBuffer(4)
	now := time.Now()
	for i := 0; i < 6; i++ {
		rb.Add(float64(i), now)
	}
	recent := rb.GetRecent(time.Minute)
	if len(recent) != 4 {
		t.Errorf("recent = %d samples, want capacity 4", len(recent))
	}
}

func TestDashboardHealthStatus(t *testing.T) {
	s := newTestCollectorService()
	resp, err := s.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if resp.Health.Status != "healthy" {
		t.Errorf("status = %q, want healthy with no alerts", resp.Health.Status)
	}
}
