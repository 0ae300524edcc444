// Package metrics exposes Prometheus collectors fed by lifecycle events.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jdziat/archive-lifecycle/pkg/core"
)

const namespace = "archives"

// Collectors holds the archiver metrics registered on one registry.
type Collectors struct {
	UnitsTotal        *prometheus.CounterVec
	UnitDuration      *prometheus.HistogramVec
	RunsTotal         prometheus.Counter
	RunFailedUnits    prometheus.Gauge
	InvalidatedTotal  prometheus.Counter
	PurgedRowsTotal   *prometheus.CounterVec
	TaskRunsTotal     *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	LastTaskRunSecond *prometheus.GaugeVec
}

// New registers the collectors on reg. Use prometheus.NewRegistry in tests.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		UnitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Archiving units by outcome.",
		}, []string{"outcome", "reason"}),
		UnitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Time spent computing one archiving unit.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"reason"}),
		RunsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_runs_total",
			Help:      "Completed cron archive runs.",
		}),
		RunFailedUnits: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cron_run_failed_units",
			Help:      "Failed units of the last cron archive run.",
		}),
		InvalidatedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "Invalidation ledger entries created.",
		}),
		PurgedRowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_rows_total",
			Help:      "Rows deleted by purges.",
		}, []string{"kind"}),
		TaskRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_task_runs_total",
			Help:      "Scheduled task runs by status.",
		}, []string{"task", "status"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduled_task_duration_seconds",
			Help:      "Scheduled task run time.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"task"}),
		LastTaskRunSecond: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_task_last_run_timestamp_seconds",
			Help:      "Unix time of the last run of each scheduled task.",
		}, []string{"task"}),
	}
}

// Observe records an event. It has the core.Observer signature.
func (c *Collectors) Observe(_ context.Context, e core.Event) {
	switch ev := e.(type) {
	case *core.UnitCompleted:
		c.UnitsTotal.WithLabelValues("completed", ev.Unit.Reason).Inc()
		c.UnitDuration.WithLabelValues(ev.Unit.Reason).Observe(ev.Duration.Seconds())
	case *core.UnitFailed:
		c.UnitsTotal.WithLabelValues("failed", ev.Unit.Reason).Inc()
	case *core.UnitSkipped:
		c.UnitsTotal.WithLabelValues("skipped", ev.Unit.Reason).Inc()
	case *core.RunCompleted:
		c.RunsTotal.Inc()
		c.RunFailedUnits.Set(float64(ev.Failed))
	case *core.ArchivesInvalidated:
		c.InvalidatedTotal.Add(float64(ev.Entries))
	case *core.ArchivesPurged:
		var n int64
		for _, rows := range ev.Rows {
			n += rows
		}
		c.PurgedRowsTotal.WithLabelValues(ev.Kind).Add(float64(n))
	case *core.TaskRun:
		status := "succeeded"
		if !ev.Succeeded {
			status = "failed"
		}
		c.TaskRunsTotal.WithLabelValues(ev.Name, status).Inc()
		c.TaskDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
		c.LastTaskRunSecond.WithLabelValues(ev.Name).Set(float64(ev.Timestamp.Unix()))
	}
}
