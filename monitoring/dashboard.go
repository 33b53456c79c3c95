package monitoring

import (
	"context"
	"errors"
	"time"
)

// DashboardResponse is the single pre-computed payload the operations
// dashboard renders: current window stats, totals, health indicators, and a
// short timeline for sparklines.
type DashboardResponse struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Stats       AggregatedStats `json:"stats"`
	Counters    Counters        `json:"counters"`
	Health      HealthSummary   `json:"health"`
	Timeline    []*Bucket       `json:"timeline"`
	Alerts      []Alert         `json:"alerts"`
}

// HealthSummary is the dashboard's traffic-light view.
type HealthSummary struct {
	Status          string  `json:"status"` // "healthy", "degraded", "critical"
	HitRate         float64 `json:"hit_rate"`
	ExceptionRate   float64 `json:"exception_rate"`
	WrongDeployment float64 `json:"wrong_deployment_rate"`
	ActiveAlerts    int     `json:"active_alerts"`
}

// Dashboard returns the dashboard payload for the trailing five minutes.
//
//encore:api public method=GET path=/monitoring/dashboard
func Dashboard(ctx context.Context) (*DashboardResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Dashboard(ctx)
}

func (s *Service) Dashboard(ctx context.Context) (*DashboardResponse, error) {
	now := time.Now()
	stats := s.aggregator.Aggregate(5 * time.Minute)
	active := s.alertMgr.ActiveAlerts()

	health := HealthSummary{
		Status:          "healthy",
		HitRate:         stats.HitRate,
		ExceptionRate:   stats.ExceptionRate,
		WrongDeployment: stats.NotAuthorizedRate,
		ActiveAlerts:    len(active),
	}
	for _, alert := range active {
		if alert.Severity == "critical" {
			health.Status = "critical"
			break
		}
		health.Status = "degraded"
	}

	return &DashboardResponse{
		GeneratedAt: now,
		Stats:       stats,
		Counters:    s.collector.GetCounters(),
		Health:      health,
		Timeline:    s.collector.Series().GetRange(now.Add(-5*time.Minute), now),
		Alerts:      active,
	}, nil
}
