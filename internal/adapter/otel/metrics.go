package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "sitesquad"

// Metrics holds all SiteSquad metric instruments.
type Metrics struct {
	RunsStarted   metric.Int64Counter
	RunsCompleted metric.Int64Counter
	RunsCancelled metric.Int64Counter
	RunsFailed    metric.Int64Counter
	BugsFound     metric.Int64Counter
	QuotaDenied   metric.Int64Counter
	RunDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("sitesquad.runs.started",
		metric.WithDescription("Number of test runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("sitesquad.runs.completed",
		metric.WithDescription("Number of test runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsCancelled, err = meter.Int64Counter("sitesquad.runs.cancelled",
		metric.WithDescription("Number of test runs cancelled"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("sitesquad.runs.failed",
		metric.WithDescription("Number of test runs failed"))
	if err != nil {
		return nil, err
	}

	m.BugsFound, err = meter.Int64Counter("sitesquad.bugs.found",
		metric.WithDescription("Number of bugs reported by agents"))
	if err != nil {
		return nil, err
	}

	m.QuotaDenied, err = meter.Int64Counter("sitesquad.quota.denied",
		metric.WithDescription("Number of run requests denied by quota"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("sitesquad.run.duration_seconds",
		metric.WithDescription("Test run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
