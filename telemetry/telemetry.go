// Package telemetry exposes Prometheus metrics for the sync pipeline.
// Metrics are noops until Initialize is called, so library users pay
// nothing unless they opt in.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Counter is the subset of prometheus.Counter the pipeline uses
type Counter interface {
	Inc()
	Add(float64)
}

// Gauge is the subset of prometheus.Gauge the pipeline uses
type Gauge interface {
	Set(float64)
	Inc()
	Dec()
}

// Histogram is the subset of prometheus.Histogram the pipeline uses
type Histogram interface {
	Observe(float64)
}

// CounterVec dispenses labeled counters
type CounterVec interface {
	With(labelValues ...string) Counter
}

// GaugeVec dispenses labeled gauges
type GaugeVec interface {
	With(labelValues ...string) Gauge
}

// HistogramVec dispenses labeled histograms
type HistogramVec interface {
	With(labelValues ...string) Histogram
}

type noopStat struct{}

func (noopStat) Inc()            {}
func (noopStat) Add(float64)     {}
func (noopStat) Set(float64)     {}
func (noopStat) Dec()            {}
func (noopStat) Observe(float64) {}

type noopCounterVec struct{}
type noopGaugeVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(...string) Counter     { return noopStat{} }
func (noopGaugeVec) With(...string) Gauge         { return noopStat{} }
func (noopHistogramVec) With(...string) Histogram { return noopStat{} }

type promCounterVec struct{ vec *prometheus.CounterVec }
type promGaugeVec struct{ vec *prometheus.GaugeVec }
type promHistogramVec struct{ vec *prometheus.HistogramVec }

func (p promCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

func (p promGaugeVec) With(labelValues ...string) Gauge {
	return p.vec.WithLabelValues(labelValues...)
}

func (p promHistogramVec) With(labelValues ...string) Histogram {
	return p.vec.WithLabelValues(labelValues...)
}

// Pipeline metrics. Noops until Initialize.
var (
	EventsCaptured   CounterVec   = noopCounterVec{}   // label: operation
	CaptureFallbacks Counter      = noopStat{}         // unclassifiable DML
	EventsApplied    CounterVec   = noopCounterVec{}   // labels: target, operation
	ApplyFailures    CounterVec   = noopCounterVec{}   // labels: target, kind
	EventsSkipped    CounterVec   = noopCounterVec{}   // label: target
	ApplyDuration    HistogramVec = noopHistogramVec{} // label: target
	TargetLag        GaugeVec     = noopGaugeVec{}     // label: target
	AuditBacklog     Gauge        = noopStat{}
	BatchSize        Histogram    = noopStat{}
	InitialSyncRows  CounterVec   = noopCounterVec{}   // label: table
)

var registry *prometheus.Registry

// Initialize swaps the noop metrics for real ones backed by a fresh
// registry. Call once at startup when metrics are enabled.
func Initialize() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eventsCaptured := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_events_captured_total",
		Help: "Audit records written by the interception wrapper",
	}, []string{"operation"})

	captureFallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_capture_fallbacks_total",
		Help: "DML statements executed without capture",
	})

	eventsApplied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_events_applied_total",
		Help: "Change events acknowledged by targets",
	}, []string{"target", "operation"})

	applyFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_apply_failures_total",
		Help: "Apply attempts that returned an error",
	}, []string{"target", "kind"})

	eventsSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_events_skipped_total",
		Help: "Events skipped after a non-retryable data error",
	}, []string{"target"})

	applyDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "driftsync_apply_duration_seconds",
		Help:    "Latency of target batch applies",
		Buckets: prometheus.DefBuckets,
	}, []string{"target"})

	targetLag := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "driftsync_target_lag_events",
		Help: "Audit records not yet applied per target",
	}, []string{"target"})

	auditBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftsync_audit_backlog",
		Help: "Unconsumed audit records",
	})

	batchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "driftsync_batch_size",
		Help:    "Events per processed batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	initialSyncRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_initial_sync_rows_total",
		Help: "Rows copied by the initial backfill",
	}, []string{"table"})

	registry.MustRegister(eventsCaptured, captureFallbacks, eventsApplied, applyFailures,
		eventsSkipped, applyDuration, targetLag, auditBacklog, batchSize, initialSyncRows)

	EventsCaptured = promCounterVec{eventsCaptured}
	CaptureFallbacks = captureFallbacks
	EventsApplied = promCounterVec{eventsApplied}
	ApplyFailures = promCounterVec{applyFailures}
	EventsSkipped = promCounterVec{eventsSkipped}
	ApplyDuration = promHistogramVec{applyDuration}
	TargetLag = promGaugeVec{targetLag}
	AuditBacklog = auditBacklog
	BatchSize = batchSize
	InitialSyncRows = promCounterVec{initialSyncRows}
}

// Serve exposes /metrics on the given address in a background goroutine
func Serve(address string) {
	if registry == nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	go func() {
		log.Info().Str("address", address).Msg("Metrics listener started")
		if err := http.ListenAndServe(address, mux); err != nil {
			log.Warn().Err(err).Msg("Metrics listener stopped")
		}
	}()
}
