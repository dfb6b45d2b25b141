package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the gauges describing one retention run. Each run uses its
// own registry so values are pushed as a complete snapshot.
type Metrics struct {
	registry *prometheus.Registry
	pkg      string

	Kept              prometheus.Gauge
	Deprecated        prometheus.Gauge
	Failed            prometheus.Gauge
	Unparseable       prometheus.Gauge
	AlreadyDeprecated prometheus.Gauge
	RunDuration       prometheus.Gauge
	LastRun           prometheus.Gauge
}

// Snapshot is the outcome of a run as reported to Observe.
type Snapshot struct {
	Kept              int
	Deprecated        int
	Failed            int
	Unparseable       int
	AlreadyDeprecated int
	Duration          time.Duration
	FinishedAt        time.Time
}

func New(pkg string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	return &Metrics{
		registry:          reg,
		pkg:               pkg,
		Kept:              factory("npmretain_versions_kept", "CI versions kept by the last run"),
		Deprecated:        factory("npmretain_versions_deprecated", "CI versions deprecated by the last run"),
		Failed:            factory("npmretain_deprecations_failed", "Deprecation calls that failed in the last run"),
		Unparseable:       factory("npmretain_versions_unparseable", "CI versions whose timestamp could not be parsed"),
		AlreadyDeprecated: factory("npmretain_versions_already_deprecated", "CI versions skipped because they were already deprecated"),
		RunDuration:       factory("npmretain_run_duration_seconds", "Duration of the last run"),
		LastRun:           factory("npmretain_last_run_timestamp_seconds", "Unix time the last run finished"),
	}
}

func (m *Metrics) Observe(s Snapshot) {
	m.Kept.Set(float64(s.Kept))
	m.Deprecated.Set(float64(s.Deprecated))
	m.Failed.Set(float64(s.Failed))
	m.Unparseable.Set(float64(s.Unparseable))
	m.AlreadyDeprecated.Set(float64(s.AlreadyDeprecated))
	m.RunDuration.Set(s.Duration.Seconds())
	m.LastRun.Set(float64(s.FinishedAt.Unix()))
}

// Gatherer exposes the run registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Push replaces the metrics of job/package on the Pushgateway at url.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	err := push.New(url, job).
		Gatherer(m.registry).
		Grouping("package", m.pkg).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
