// Package metrics exposes the sync engine's prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	patches       *prometheus.CounterVec
	patchDuration prometheus.Histogram
	indexRequests prometheus.Counter
	indexTimeouts prometheus.Counter
	syncRetries   prometheus.Counter
	syncSkipped   prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		patches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_patches_total",
				Help: "Number of applied patches, by bootstrap phase.",
			},
			[]string{
				"phase",
			},
		),
		patchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relaymail_patch_duration_seconds",
				Help:    "Time spent applying and persisting one patch.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		indexRequests: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_index_requests_total",
				Help: "Number of index request portions handed to the indexer outbox.",
			},
		),
		indexTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_index_timeouts_total",
				Help: "Number of index or search correlations that hit their deadline.",
			},
		),
		syncRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_sync_retries_total",
				Help: "Number of provider fetch retries after a retriable failure.",
			},
		),
		syncSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_sync_skipped_total",
				Help: "Number of sync cycles completed empty after exhausting retries.",
			},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePatch(phase string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if phase == "" {
		phase = "events"
	}
	m.patches.WithLabelValues(phase).Inc()
	m.patchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) IndexRequested(portions int) {
	if m == nil || portions <= 0 {
		return
	}
	m.indexRequests.Add(float64(portions))
}

func (m *Metrics) IndexTimedOut() {
	if m == nil {
		return
	}
	m.indexTimeouts.Inc()
}

func (m *Metrics) SyncRetried() {
	if m == nil {
		return
	}
	m.syncRetries.Inc()
}

func (m *Metrics) SyncSkipped() {
	if m == nil {
		return
	}
	m.syncSkipped.Inc()
}
