// Package metrics exposes bus and HTTP ingress metrics in the Prometheus
// exposition format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/internal/orchestrator"
)

const namespace = "aahb"

// Collector groups the bus metrics behind its own registry.
type Collector struct {
	registry   *prometheus.Registry
	dispatched *prometheus.CounterVec
	failures   *prometheus.CounterVec
	depth      prometheus.Gauge
	latency    *prometheus.HistogramVec
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var _ orchestrator.Observer = (*Collector)(nil)

// New creates a Collector. Process and Go runtime collectors are included
// when withRuntime is true.
func New(withRuntime bool) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dispatched_total",
			Help:      "Envelopes popped from the dispatch queue.",
		}, []string{"destination", "message_type", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Dispatches that did not reach a handler successfully.",
		}, []string{"outcome"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Envelopes waiting in the dispatch queue.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"destination"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	c.registry.MustRegister(c.dispatched, c.failures, c.depth, c.latency, c.requests, c.duration)
	if withRuntime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// ObserveDispatch records one dispatch outcome.
func (c *Collector) ObserveDispatch(env mcp.Envelope, outcome orchestrator.Outcome, elapsed time.Duration) {
	destination := env.Header.Destination
	c.dispatched.WithLabelValues(destination, string(env.Header.MessageType), string(outcome)).Inc()
	if outcome != orchestrator.OutcomeDelivered {
		c.failures.WithLabelValues(string(outcome)).Inc()
	}
	if outcome == orchestrator.OutcomeDelivered || outcome == orchestrator.OutcomeHandlerFailure {
		c.latency.WithLabelValues(destination).Observe(elapsed.Seconds())
	}
}

// ObserveQueueDepth records the current queue depth.
func (c *Collector) ObserveQueueDepth(depth int) {
	c.depth.Set(float64(depth))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.duration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
