// Package metrics provides Prometheus instrumentation for the pennon server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only pennon metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pennonhq/pennon/internal/core"
)

// Metrics holds all Prometheus collectors used by the pennon server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ResolutionsTotal    *prometheus.CounterVec
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CyclesDetectedTotal prometheus.Counter
	VariantsAssigned    *prometheus.CounterVec
	DefinitionReloads   prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       prometheus.Gauge
	DBPoolAcquired      prometheus.Gauge
	DBPoolIdle          prometheus.Gauge
	DBPoolTotal         prometheus.Gauge
}

// New creates and registers all pennon metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pennon_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pennon_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pennon_resolutions_total",
			Help: "Total number of feature resolutions.",
		}, []string{"active"}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pennon_result_cache_hits_total",
			Help: "Total number of result cache hits.",
		}),

		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pennon_result_cache_misses_total",
			Help: "Total number of result cache misses.",
		}),

		CyclesDetectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pennon_dependency_cycles_total",
			Help: "Total number of circular dependency chains detected.",
		}),

		VariantsAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pennon_variants_assigned_total",
			Help: "Total number of variant assignments.",
		}, []string{"feature", "variant"}),

		DefinitionReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pennon_definition_reloads_total",
			Help: "Total number of definition index reloads from the database.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pennon_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pennon_active_streams",
			Help: "Number of active streaming connections.",
		}),

		DBPoolAcquired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pennon_db_pool_acquired",
			Help: "Number of currently acquired database connections.",
		}),

		DBPoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pennon_db_pool_idle",
			Help: "Number of idle database connections in the pool.",
		}),

		DBPoolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pennon_db_pool_total",
			Help: "Total number of database connections in the pool.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CyclesDetectedTotal,
		m.VariantsAssigned,
		m.DefinitionReloads,
		m.AuthFailuresTotal,
		m.ActiveStreams,
		m.DBPoolAcquired,
		m.DBPoolIdle,
		m.DBPoolTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// EngineHooks returns resolution hooks that feed the engine's counters.
func (m *Metrics) EngineHooks() core.Hooks {
	return core.Hooks{
		CacheHit:  m.CacheHitsTotal.Inc,
		CacheMiss: m.CacheMissesTotal.Inc,
		CycleDetected: func(string) {
			m.CyclesDetectedTotal.Inc()
		},
		VariantAssigned: func(feature, variant string) {
			m.VariantsAssigned.WithLabelValues(feature, variant).Inc()
		},
		Resolved: func(_ string, value any) {
			active := "false"
			if value != nil && value != false {
				active = "true"
			}
			m.ResolutionsTotal.WithLabelValues(active).Inc()
		},
	}
}

// IncDefinitionReloads increments the definition reload counter.
func (m *Metrics) IncDefinitionReloads() {
	m.DefinitionReloads.Inc()
}

// DBPoolStats holds connection pool statistics for metric updates.
type DBPoolStats struct {
	Acquired float64
	Idle     float64
	Total    float64
}

// SetDBPoolStats updates the DB pool gauges.
func (m *Metrics) SetDBPoolStats(stats DBPoolStats) {
	m.DBPoolAcquired.Set(stats.Acquired)
	m.DBPoolIdle.Set(stats.Idle)
	m.DBPoolTotal.Set(stats.Total)
}
