// ABOUTME: Prometheus collectors for the relay and the /metrics HTTP endpoint
// ABOUTME: A nil *Metrics is valid and records nothing

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_relay"

// Metrics holds the relay's collectors.
type Metrics struct {
	registry *prometheus.Registry

	messages      *prometheus.CounterVec
	exchanges     *prometheus.CounterVec
	spawnDuration *prometheus.HistogramVec
	retries       prometheus.Counter
	rotations     *prometheus.CounterVec
	costUSD       prometheus.Counter
	tokens        *prometheus.CounterVec
}

// New creates collectors on a fresh registry. queueDepth and activeProcs are
// sampled at scrape time; either may be nil.
func New(queueDepth, activeProcs func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by admission result.",
		}, []string{"result"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Completed exchanges by outcome.",
		}, []string{"outcome"}),
		spawnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_duration_seconds",
			Help:      "Wall-clock time of backend processes by outcome.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_retries_total",
			Help:      "Exchanges retried after the backend lost the session.",
		}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_rotations_total",
			Help:      "Session rotations by reason.",
		}, []string{"reason"}),
		costUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_cost_usd_total",
			Help:      "Cost reported by the backend.",
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_tokens_total",
			Help:      "Tokens reported by the backend by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.messages, m.exchanges, m.spawnDuration, m.retries, m.rotations, m.costUSD, m.tokens)

	if queueDepth != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending messages across all conversations.",
		}, queueDepth))
	}
	if activeProcs != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_processes",
			Help:      "Running backend processes.",
		}, activeProcs))
	}

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MessageReceived counts an inbound message; result is "accepted" or "queue_full".
func (m *Metrics) MessageReceived(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

// ExchangeFinished records one exchange outcome and its backend duration.
func (m *Metrics) ExchangeFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.spawnDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// SessionRetried counts an automatic retry.
func (m *Metrics) SessionRetried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// SessionRotated counts a rotation; reason is "stale", "expired" or "command".
func (m *Metrics) SessionRotated(reason string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(reason).Inc()
}

// UsageObserved adds backend-reported tokens and cost.
func (m *Metrics) UsageObserved(input, output, cacheCreation, cacheRead int64, costUSD float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("input").Add(float64(input))
	m.tokens.WithLabelValues("output").Add(float64(output))
	m.tokens.WithLabelValues("cache_creation").Add(float64(cacheCreation))
	m.tokens.WithLabelValues("cache_read").Add(float64(cacheRead))
	if costUSD > 0 {
		m.costUSD.Add(costUSD)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr, path string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr, "path", path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
