package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

type monitoringMetricsResponse struct {
	Stats struct {
		Operations int64 `json:"operations"`
	} `json:"stats"`
	Counters struct {
		Operations    int64 `json:"Operations"`
		NotAuthorized int64 `json:"NotAuthorized"`
	} `json:"counters"`
}

type dashboardResponse struct {
	Health struct {
		Status string `json:"status"`
	} `json:"health"`
}

func TestMonitoringPipeline(t *testing.T) {
	requireService(t)

	status, _ := doJSON(t, http.MethodPost, "/monitoring/report", map[string]any{
		"events": []map[string]any{
			{
				"timestamp":   time.Now().Format(time.RFC3339Nano),
				"source":      "executor",
				"deployment":  1,
				"operation":   "getFileInfo",
				"transport":   "tcp",
				"latency_ms":  12.5,
				"cache_hits":  2,
				"cache_misses": 0,
			},
			{
				"timestamp":       time.Now().Format(time.RFC3339Nano),
				"source":          "executor",
				"deployment":      1,
				"operation":       "mkdirs",
				"transport":       "http",
				"latency_ms":      40,
				"exception_kinds": []string{"NotAuthorizedHere"},
			},
		},
	})
	assertStatusIn(t, status, 200)

	status, body := doJSON(t, http.MethodPost, "/monitoring/metrics", map[string]any{"window": 60})
	assertStatusIn(t, status, 200)
	var metrics monitoringMetricsResponse
	mustUnmarshalJSON(t, body, &metrics)
	if metrics.Counters.Operations < 2 {
		t.Errorf("Operations = %d, want at least the two reported", metrics.Counters.Operations)
	}
	if metrics.Counters.NotAuthorized < 1 {
		t.Errorf("NotAuthorized = %d, want at least 1", metrics.Counters.NotAuthorized)
	}

	status, body = doJSON(t, http.MethodGet, "/monitoring/dashboard", nil)
	assertStatusIn(t, status, 200)
	var dash dashboardResponse
	mustUnmarshalJSON(t, body, &dash)
	if dash.Health.Status == "" {
		t.Error("dashboard must report a health status")
	}

	status, raw := doJSON(t, http.MethodGet, "/monitoring/prometheus", nil)
	assertStatusIn(t, status, 200)
	if !strings.Contains(string(raw), "metadata_operations_total") {
		t.Error("prometheus export should expose metadata_operations_total")
	}

	status, _ = doJSON(t, http.MethodGet, "/monitoring/alerts", nil)
	assertStatusIn(t, status, 200)
}
