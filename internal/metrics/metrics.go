// Package metrics exposes Prometheus instruments for the live-query core.
//
// A *Metrics created with Enabled=false, and a nil *Metrics, accept every
// Record call and do nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "ki"

// Config configures metrics collection.
type Config struct {
	Enabled   bool      `yaml:"enabled"`
	Namespace string    `yaml:"namespace"`
	Buckets   []float64 `yaml:"buckets"`
}

// Metrics holds the collectors, registered in a private registry.
type Metrics struct {
	config Config

	// Dispatcher
	eventsPublished  *prometheus.CounterVec
	filtersCollected prometheus.Histogram
	liveFilters      prometheus.Gauge

	// Query manager
	storeQueries     *prometheus.CounterVec
	storeDuration    *prometheus.HistogramVec
	retrieveTimeouts prometheus.Counter
	knownStores      prometheus.Gauge

	// Interests
	activeInterests prometheus.Gauge
	digestDuration  prometheus.Histogram
	reloads         *prometheus.CounterVec
	notifications   prometheus.Counter

	registry *prometheus.Registry
}

// New creates a metrics collector.
func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "events_published_total",
				Help:      "Entity events published to the dispatcher",
			},
			[]string{"kind"},
		),
		filtersCollected: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "filters_collected",
				Help:      "Live filters collected from the filter tree per event",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		liveFilters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "live_filters",
				Help:      "Live filters registered in the filter tree",
			},
		),
		storeQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "store_queries_total",
				Help:      "Store queries issued by the query manager",
			},
			[]string{"store", "outcome"},
		),
		storeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "store_query_duration_seconds",
				Help:      "Duration of store queries in seconds",
				Buckets:   buckets,
			},
			[]string{"store"},
		),
		retrieveTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "retrieve_timeouts_total",
				Help:      "Multi-store retrievals that ran past their deadline",
			},
		),
		knownStores: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "stores",
				Help:      "Stores known to the query manager",
			},
		),
		activeInterests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "active_interests",
				Help:      "Open interests",
			},
		),
		digestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "digest_duration_seconds",
				Help:      "Duration of one interest digest batch in seconds",
				Buckets:   buckets,
			},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "projection_reloads_total",
				Help:      "Projection results recomputed from the stores",
			},
			[]string{"reason"},
		),
		notifications: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "notifications_total",
				Help:      "Notification batches delivered to subscribers",
			},
		),
	}

	registry.MustRegister(
		m.eventsPublished,
		m.filtersCollected,
		m.liveFilters,
		m.storeQueries,
		m.storeDuration,
		m.retrieveTimeouts,
		m.knownStores,
		m.activeInterests,
		m.digestDuration,
		m.reloads,
		m.notifications,
	)
	return m
}

// Registry returns the private registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool { return m != nil && m.registry != nil }

// RecordPublished counts a published event.
func (m *Metrics) RecordPublished(kind string) {
	if !m.Enabled() {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

// RecordCollected observes how many filters an event reached.
func (m *Metrics) RecordCollected(n int) {
	if !m.Enabled() {
		return
	}
	m.filtersCollected.Observe(float64(n))
}

// SetLiveFilters sets the registered live filter count.
func (m *Metrics) SetLiveFilters(n int) {
	if !m.Enabled() {
		return
	}
	m.liveFilters.Set(float64(n))
}

// RecordStoreQuery records one store round trip.
func (m *Metrics) RecordStoreQuery(store string, err error, d time.Duration) {
	if !m.Enabled() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.storeQueries.WithLabelValues(store, outcome).Inc()
	m.storeDuration.WithLabelValues(store).Observe(d.Seconds())
}

// RecordRetrieveTimeout counts a timed out retrieval.
func (m *Metrics) RecordRetrieveTimeout() {
	if !m.Enabled() {
		return
	}
	m.retrieveTimeouts.Inc()
}

// SetStores sets the known store count.
func (m *Metrics) SetStores(n int) {
	if !m.Enabled() {
		return
	}
	m.knownStores.Set(float64(n))
}

// InterestOpened increments the open interest gauge.
func (m *Metrics) InterestOpened() {
	if !m.Enabled() {
		return
	}
	m.activeInterests.Inc()
}

// InterestClosed decrements the open interest gauge.
func (m *Metrics) InterestClosed() {
	if !m.Enabled() {
		return
	}
	m.activeInterests.Dec()
}

// RecordDigest observes a digest batch duration.
func (m *Metrics) RecordDigest(d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.digestDuration.Observe(d.Seconds())
}

// RecordReload counts a projection recomputation.
func (m *Metrics) RecordReload(reason string) {
	if !m.Enabled() {
		return
	}
	m.reloads.WithLabelValues(reason).Inc()
}

// RecordNotification counts a delivered notification batch.
func (m *Metrics) RecordNotification() {
	if !m.Enabled() {
		return
	}
	m.notifications.Inc()
}
