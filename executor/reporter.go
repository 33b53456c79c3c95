package executor

import (
	"context"
	"sync"
	"time"

	"encore.app/monitoring"
	"encore.app/pkg/wire"
)

// reporterFlushInterval bounds how stale a buffered telemetry event can get.
const reporterFlushInterval = 30 * time.Second

// reporterBatchMax flushes early once this many events have buffered.
const reporterBatchMax = 256

// telemetryReporter buffers completed-operation events and ships them to the
// monitoring service in batches, so per-operation cost stays at one slice
// append instead of one publish.
type telemetryReporter struct {
	identity Identity

	mu     sync.Mutex
	buffer []monitoring.MetricEvent

	stopChan chan struct{}
	wg       sync.WaitGroup
	runOnce  sync.Once
	stopOnce sync.Once
}

func newTelemetryReporter(identity Identity) *telemetryReporter {
	return &telemetryReporter{
		identity: identity,
		stopChan: make(chan struct{}),
	}
}

// Observe converts one completed envelope into a metric event. Installed as
// the engine's operation observer.
func (r *telemetryReporter) Observe(resp *wire.ResponseBody, elapsed time.Duration) {
	kinds := make([]string, 0, len(resp.Exceptions))
	for _, exc := range resp.Exceptions {
		kinds = append(kinds, wire.ExceptionKind(exc))
	}

	event := monitoring.MetricEvent{
		Timestamp:      time.Now(),
		Source:         "executor",
		Deployment:     r.identity.Deployment,
		NameNodeID:     r.identity.InstanceID,
		Operation:      resp.Operation,
		Transport:      "server",
		LatencyMs:      float64(elapsed.Milliseconds()),
		CacheHits:      resp.CacheHits,
		CacheMisses:    resp.CacheMisses,
		Duplicate:      resp.DuplicateRequest,
		ColdStart:      resp.ColdStart,
		ExceptionKinds: kinds,
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, event)
	flush := len(r.buffer) >= reporterBatchMax
	r.mu.Unlock()

	if flush {
		go r.flush()
	}
}

// Start launches the periodic flush loop.
func (r *telemetryReporter) Start() {
	r.runOnce.Do(func() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(reporterFlushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-r.stopChan:
					r.flush()
					return
				case <-ticker.C:
					r.flush()
				}
			}
		}()
	})
}

// Stop flushes remaining events and halts the loop.
func (r *telemetryReporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

func (r *telemetryReporter) flush() {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Best effort: telemetry loss never fails operations.
	_, _ = monitoring.OperationReportTopic.Publish(ctx, &monitoring.ReportBatch{Events: batch})
}
