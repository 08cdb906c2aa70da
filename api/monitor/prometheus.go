// //////////////////////////////////////////////////////////
//
// Description:
// Prometheus implementation of the partition metrics interface. The core
// package only knows the interface; the daemon wires this in when the
// monitor listener is enabled.
//
// Created: 2026/03/02 based on Documents/partman-v1.md
// //////////////////////////////////////////////////////////
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/UniverseGames8/UniFarm2-sub002/api/partitions"
)

// PromMetrics counts partition subsystem activity for /metrics.
type PromMetrics struct {
	registry *prometheus.Registry

	sweeps            *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	lastSweepUnix     prometheus.Gauge
	partitionsCreated prometheus.Counter
	provisionFailures prometheus.Counter
	migrationsTotal   prometheus.Counter
	migratedRows      prometheus.Gauge
	logWritesDropped  prometheus.Counter
}

var _ partitions.Metrics = (*PromMetrics)(nil)

// NewPromMetrics builds and registers the collectors. A nil registry gets a
// fresh one, keeping the daemon's /metrics free of unrelated collectors.
func NewPromMetrics(registry *prometheus.Registry) *PromMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &PromMetrics{
		registry: registry,
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unifarm",
			Subsystem: "partman",
			Name:      "sweeps_total",
			Help:      "Completed scheduler sweeps by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "unifarm",
			Subsystem: "partman",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one scheduler sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		lastSweepUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "unifarm",
			Subsystem: "partman",
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time the last sweep finished.",
		}),
		partitionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unifarm",
			Subsystem: "partman",
			Name:      "partitions_created_total",
			Help:      "Daily partitions created since process start.",
		}),
		provisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unifarm",
			Subsystem: "partman",
			Name:      "provision_failures_total",
			Help:      "Failed daily partition provisioning attempts.",
		}),
		migrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unifarm",
			Subsystem: "partman",
			Name:      "migrations_total",
			Help:      "Completed ledger migrations (0 or 1 in practice).",
		}),
		migratedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "unifarm",
			Subsystem: "partman",
			Name:      "migrated_rows",
			Help:      "Rows relocated by the last migration run.",
		}),
		logWritesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unifarm",
			Subsystem: "partman",
			Name:      "audit_writes_dropped_total",
			Help:      "partition_logs inserts that failed and were dropped.",
		}),
	}

	registry.MustRegister(
		m.sweeps, m.sweepDuration, m.lastSweepUnix,
		m.partitionsCreated, m.provisionFailures,
		m.migrationsTotal, m.migratedRows, m.logWritesDropped,
	)
	return m
}

// Handler serves this collector set.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PromMetrics) SweepStarted() {}

func (m *PromMetrics) SweepFinished(res *partitions.SweepResult) {
	result := "ok"
	switch {
	case res.Skipped:
		result = "skipped"
	case res.Failed() || res.Fault != nil:
		result = "failed"
	}
	m.sweeps.WithLabelValues(result).Inc()
	m.sweepDuration.Observe(res.Duration.Seconds())
	m.lastSweepUnix.SetToCurrentTime()
}

func (m *PromMetrics) PartitionCreated(partitions.DateKey) { m.partitionsCreated.Inc() }
func (m *PromMetrics) ProvisionFailed(partitions.DateKey)  { m.provisionFailures.Inc() }
func (m *PromMetrics) LogWriteDropped()                    { m.logWritesDropped.Inc() }

func (m *PromMetrics) MigrationFinished(res *partitions.MigrationResult) {
	if res.AlreadyPartitioned {
		return
	}
	m.migrationsTotal.Inc()
	m.migratedRows.Set(float64(res.RowsMigrated))
}
