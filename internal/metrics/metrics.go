// Package metrics provides Prometheus metrics for the dispatcher and workers.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the coordination protocol.
type Metrics struct {
	// Exchange metrics
	ExchangeRounds    *prometheus.CounterVec
	ExchangeDuration  prometheus.Histogram
	IdentityDecisions *prometheus.CounterVec

	// Assignment metrics
	TaskAssignments *prometheus.CounterVec
	TaskResets      prometheus.Counter

	// Transfer metrics (dispatcher side)
	ChunksServed    *prometheus.CounterVec
	BytesServed     *prometheus.CounterVec
	UploadsReceived *prometheus.CounterVec

	// Transfer metrics (worker side)
	DownloadOutcomes *prometheus.CounterVec
	DownloadBytes    *prometheus.CounterVec
	UploadOutcomes   *prometheus.CounterVec

	// Actor metrics
	ActorQueueDepth *prometheus.GaugeVec
	RetryAttempts   *prometheus.CounterVec
	ExecutorRuns    *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics registered on the
// default Prometheus registry. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(namespace, prometheus.DefaultRegisterer)
	defaultMetrics = m
	return m
}

// New creates metrics registered on reg without touching the global instance.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "dispatch"
	}
	f := promauto.With(reg)

	return &Metrics{
		ExchangeRounds: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchange_rounds_total",
				Help:      "Total number of envelope rounds by result",
			},
			[]string{"result"},
		),
		ExchangeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_duration_seconds",
				Help:      "Time to process one envelope",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
		),
		IdentityDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_decisions_total",
				Help:      "Session registry decisions by action",
			},
			[]string{"action"},
		),
		TaskAssignments: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_assignments_total",
				Help:      "Task assignment attempts by outcome",
			},
			[]string{"outcome"},
		),
		TaskResets: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_resets_total",
				Help:      "Tasks de-assigned by reconciliation or resend verdicts",
			},
		),
		ChunksServed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_served_total",
				Help:      "Asset chunks served by asset type",
			},
			[]string{"asset_type"},
		),
		BytesServed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_served_total",
				Help:      "Asset bytes served by asset type",
			},
			[]string{"asset_type"},
		),
		UploadsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_received_total",
				Help:      "Result uploads received by reply status",
			},
			[]string{"status"},
		),
		DownloadOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_outcomes_total",
				Help:      "Worker download attempts by actor and outcome",
			},
			[]string{"actor", "outcome"},
		),
		DownloadBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Bytes committed by worker downloads",
			},
			[]string{"actor"},
		),
		UploadOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_outcomes_total",
				Help:      "Worker upload attempts by reply status",
			},
			[]string{"status"},
		),
		ActorQueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "actor_queue_depth",
				Help:      "Items waiting in a worker actor queue",
			},
			[]string{"actor"},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of re-queued items",
			},
			[]string{"operation"},
		),
		ExecutorRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_runs_total",
				Help:      "Function executions by result",
			},
			[]string{"result"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Run serves Handler on address until ctx is cancelled.
func Run(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", address, err)
	}
	return Serve(ctx, ln)
}

// Serve serves Handler on ln until ctx is cancelled, then shuts the server
// down. Returns nil after a clean shutdown.
func Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// IncExchangeRounds counts one processed envelope.
func (m *Metrics) IncExchangeRounds(result string) {
	m.ExchangeRounds.WithLabelValues(result).Inc()
}

// ObserveExchangeDuration records the envelope processing time.
func (m *Metrics) ObserveExchangeDuration(seconds float64) {
	m.ExchangeDuration.Observe(seconds)
}

// IncIdentityDecisions counts a registry decision.
func (m *Metrics) IncIdentityDecisions(action string) {
	m.IdentityDecisions.WithLabelValues(action).Inc()
}

// IncTaskAssignments counts an assignment attempt.
func (m *Metrics) IncTaskAssignments(outcome string) {
	m.TaskAssignments.WithLabelValues(outcome).Inc()
}

// IncTaskResets counts a de-assigned task.
func (m *Metrics) IncTaskResets() {
	m.TaskResets.Inc()
}

// AddChunkServed records one served chunk.
func (m *Metrics) AddChunkServed(assetType string, bytes int64) {
	m.ChunksServed.WithLabelValues(assetType).Inc()
	m.BytesServed.WithLabelValues(assetType).Add(float64(bytes))
}

// IncUploadsReceived counts a received upload.
func (m *Metrics) IncUploadsReceived(status string) {
	m.UploadsReceived.WithLabelValues(status).Inc()
}

// IncDownloadOutcome counts a worker download attempt.
func (m *Metrics) IncDownloadOutcome(actor, outcome string) {
	m.DownloadOutcomes.WithLabelValues(actor, outcome).Inc()
}

// AddDownloadBytes adds committed download bytes.
func (m *Metrics) AddDownloadBytes(actor string, bytes int64) {
	m.DownloadBytes.WithLabelValues(actor).Add(float64(bytes))
}

// IncUploadOutcome counts a worker upload attempt.
func (m *Metrics) IncUploadOutcome(status string) {
	m.UploadOutcomes.WithLabelValues(status).Inc()
}

// SetActorQueueDepth sets the current queue depth of an actor.
func (m *Metrics) SetActorQueueDepth(actor string, depth float64) {
	m.ActorQueueDepth.WithLabelValues(actor).Set(depth)
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// IncExecutorRuns counts a function execution.
func (m *Metrics) IncExecutorRuns(result string) {
	m.ExecutorRuns.WithLabelValues(result).Inc()
}
