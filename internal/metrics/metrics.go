// Package metrics exposes pipeline counters and gauges to prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulsr"

// Ingest outcomes
const (
	OutcomeReceived     = "received"
	OutcomePersisted    = "persisted"
	OutcomeDuplicate    = "duplicate"
	OutcomeDropped      = "dropped"
	OutcomeProcessError = "process_error"
	OutcomePersistError = "persist_error"
)

// Metrics owns a private registry so tests and multiple pipelines never collide.
// All methods are safe on a nil receiver, which disables recording.
type Metrics struct {
	registry *prometheus.Registry

	ingestEvents   *prometheus.CounterVec
	batches        prometheus.Counter
	batchDuration  prometheus.Histogram
	queueDepth     prometheus.Gauge
	relayConnected *prometheus.GaugeVec
	relayEvents    *prometheus.GaugeVec
	relayErrors    *prometheus.GaugeVec
	relayLatency   *prometheus.GaugeVec
	aggRuns        *prometheus.CounterVec
	aggDuration    prometheus.Histogram
}

// New creates and registers the pipeline collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingestEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Events seen by the ingestion loop, by outcome.",
		}, []string{"outcome"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Batches flushed to storage.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batch_duration_seconds",
			Help:      "Time spent flushing one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Messages waiting in the inbound queue.",
		}),
		relayConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connected",
			Help:      "1 when the relay connection is up.",
		}, []string{"relay"}),
		relayEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_received",
			Help:      "Events received from the relay since start.",
		}, []string{"relay"}),
		relayErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "errors",
			Help:      "Errors observed on the relay connection since start.",
		}, []string{"relay"}),
		relayLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connect_latency_ms",
			Help:      "Latency of the last successful connect.",
		}, []string{"relay"}),
		aggRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "runs_total",
			Help:      "Aggregation runs, by result.",
		}, []string{"result"}),
		aggDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "run_duration_seconds",
			Help:      "Time spent in one aggregation run.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingestEvents,
		m.batches,
		m.batchDuration,
		m.queueDepth,
		m.relayConnected,
		m.relayEvents,
		m.relayErrors,
		m.relayLatency,
		m.aggRuns,
		m.aggDuration,
	)

	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IngestEvents adds n to the counter for outcome
func (m *Metrics) IngestEvents(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ingestEvents.WithLabelValues(outcome).Add(float64(n))
}

// ObserveBatch records one flushed batch
func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.batchDuration.Observe(d.Seconds())
}

// SetQueueDepth records the inbound queue depth
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetRelay records a snapshot of one relay connection
func (m *Metrics) SetRelay(relay string, connected bool, events, errCount, latencyMs int64) {
	if m == nil {
		return
	}
	up := 0.0
	if connected {
		up = 1
	}
	m.relayConnected.WithLabelValues(relay).Set(up)
	m.relayEvents.WithLabelValues(relay).Set(float64(events))
	m.relayErrors.WithLabelValues(relay).Set(float64(errCount))
	m.relayLatency.WithLabelValues(relay).Set(float64(latencyMs))
}

// ObserveAggregation records one aggregation run
func (m *Metrics) ObserveAggregation(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.aggRuns.WithLabelValues(result).Inc()
	m.aggDuration.Observe(d.Seconds())
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down metrics server: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}
