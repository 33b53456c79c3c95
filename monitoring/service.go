// Package monitoring aggregates the metadata core's operation telemetry:
// every dispatcher and executor reports operation-performed records here,
// and the service derives windowed statistics, alerts, anomalies, and a
// Prometheus export from them.
//
// Design Philosophy:
// - Bounded in-memory stores only (ring buffers, pruned second-buckets);
//   the raw source of truth for any single request stays in the reporting
//   instance's own telemetry log.
// - Ingestion is event-driven: instances publish report batches, plus a
//   synchronous API for tests and ad hoc tooling.
// - Alert rules watch the conditions that are symptomatic in this system:
//   exception rate, wrong-deployment write rate, and cache hit rate.
package monitoring

import (
	"context"
	"errors"
	"time"

	"encore.dev/pubsub"

	"encore.app/warming"
	mdpubsub "encore.app/pkg/pubsub"
)

//encore:service
type Service struct {
	collector  *MetricsCollector
	aggregator *Aggregator
	alertMgr   *AlertManager
	exporter   *PrometheusExporter
	config     Config
}

// Config holds monitoring service configuration.
type Config struct {
	MetricsRetention  time.Duration // How long to keep bucketed metrics
	AggregationWindow time.Duration // Aggregation window size
	AlertEvalInterval time.Duration // How often to evaluate alert rules
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MetricsRetention:  1 * time.Hour,
		AggregationWindow: 10 * time.Second,
		AlertEvalInterval: 10 * time.Second,
	}
}

// MetricEvent is one reported operation-performed record.
type MetricEvent struct {
	Timestamp        time.Time `json:"timestamp"`
	Source           string    `json:"source"` // "client", "executor"
	Deployment       int       `json:"deployment"`
	NameNodeID       int64     `json:"nameNodeId,omitempty"`
	Operation        string    `json:"operation"`
	Transport        string    `json:"transport"` // "tcp", "http"
	LatencyMs        float64   `json:"latency_ms"`
	CacheHits        int       `json:"cache_hits"`
	CacheMisses      int       `json:"cache_misses"`
	Duplicate        bool      `json:"duplicate"`
	ColdStart        bool      `json:"cold_start"`
	BackoffExhausted bool      `json:"backoff_exhausted"`
	ExceptionKinds   []string  `json:"exception_kinds,omitempty"`
}

// ReportBatch carries a batch of operation reports from one instance.
type ReportBatch struct {
	Events []MetricEvent `json:"events"`
}

// OperationReportTopic is the async ingestion path: dispatchers and
// executors publish batches instead of calling the API inline.
var OperationReportTopic = pubsub.NewTopic[*ReportBatch](
	"operation-reports",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

var _ = pubsub.NewSubscription(
	OperationReportTopic,
	"monitoring-operation-reports",
	pubsub.SubscriptionConfig[*ReportBatch]{
		Handler: HandleReportBatch,
	},
)

// HandleReportBatch ingests an async report batch.
func HandleReportBatch(ctx context.Context, batch *ReportBatch) error {
	if svc == nil {
		return nil
	}
	svc.ingest(batch.Events)
	return nil
}

// Prewarm completions feed the same pipeline as a synthetic event, so
// dashboards see cold-start warm-up alongside request traffic.
var _ = pubsub.NewSubscription(
	warming.PrewarmTopic,
	"monitoring-prewarm",
	pubsub.SubscriptionConfig[*mdpubsub.PrewarmCompletedEvent]{
		Handler: HandlePrewarmCompleted,
	},
)

// HandlePrewarmCompleted records a prewarm round as one operation event.
func HandlePrewarmCompleted(ctx context.Context, event *mdpubsub.PrewarmCompletedEvent) error {
	if svc == nil {
		return nil
	}
	me := MetricEvent{
		Timestamp:  event.CompletedAt,
		Source:     event.Service,
		Deployment: event.Deployment,
		Operation:  "prewarm",
		Transport:  "internal",
		LatencyMs:  float64(event.Duration.Milliseconds()),
		CacheHits:  event.EntriesWarmed,
	}
	if event.Status != "success" {
		me.ExceptionKinds = []string{"PrewarmIncomplete"}
	}
	svc.ingest([]MetricEvent{me})
	return nil
}

func initService() (*Service, error) {
	config := DefaultConfig()
	collector := NewMetricsCollector(config)
	aggregator := NewAggregator(collector, config)
	alertMgr := NewAlertManager(aggregator, config)
	exporter := NewPrometheusExporter()

	s := &Service{
		collector:  collector,
		aggregator: aggregator,
		alertMgr:   alertMgr,
		exporter:   exporter,
		config:     config,
	}
	aggregator.Run()
	alertMgr.Run()
	return s, nil
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic("monitoring: init failed: " + err.Error())
	}
}

func (s *Service) ingest(events []MetricEvent) {
	for _, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}
		s.collector.Record(event)
		s.exporter.Record(event)
	}
}

// Request and response types

type ReportRequest struct {
	Events []MetricEvent `json:"events"`
}

type ReportResponse struct {
	Accepted int `json:"accepted"`
}

type GetMetricsRequest struct {
	WindowSeconds int `json:"window"` // Trailing window, default 60
}

type GetMetricsResponse struct {
	Stats    AggregatedStats `json:"stats"`
	Counters Counters        `json:"counters"`
}

type GetTimelineRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type GetTimelineResponse struct {
	Buckets []*Bucket `json:"buckets"`
}

type GetAlertsResponse struct {
	Active    []Alert   `json:"active"`
	Resolved  []Alert   `json:"resolved"`
	Anomalies []Anomaly `json:"anomalies"`
}

// Report ingests a batch of operation reports synchronously.
//
//encore:api public method=POST path=/monitoring/report
func Report(ctx context.Context, req *ReportRequest) (*ReportResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	svc.ingest(req.Events)
	return &ReportResponse{Accepted: len(req.Events)}, nil
}

// GetMetrics returns the trailing window's aggregated statistics plus the
// monotonic totals.
//
//encore:api public method=POST path=/monitoring/metrics
func GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	window := time.Duration(req.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	return &GetMetricsResponse{
		Stats:    svc.aggregator.Aggregate(window),
		Counters: svc.collector.GetCounters(),
	}, nil
}

// GetTimeline returns per-second buckets in a time range for charting.
//
//encore:api public method=POST path=/monitoring/timeline
func GetTimeline(ctx context.Context, req *GetTimelineRequest) (*GetTimelineResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	if req.EndTime.IsZero() {
		req.EndTime = time.Now()
	}
	if req.StartTime.IsZero() {
		req.StartTime = req.EndTime.Add(-5 * time.Minute)
	}
	return &GetTimelineResponse{
		Buckets: svc.collector.Series().GetRange(req.StartTime, req.EndTime),
	}, nil
}

// GetAlerts returns firing alerts, recently resolved ones, and anomalies
// from the trailing hour.
//
//encore:api public method=GET path=/monitoring/alerts
func GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return &GetAlertsResponse{
		Active:    svc.alertMgr.ActiveAlerts(),
		Resolved:  svc.alertMgr.RecentResolved(50),
		Anomalies: svc.aggregator.Detector().RecentAnomalies(time.Hour),
	}, nil
}
