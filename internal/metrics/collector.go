package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry       *prometheus.Registry
	entriesTotal   *prometheus.CounterVec
	copiesTotal    *prometheus.CounterVec
	rateLimited    prometheus.Counter
	fallbacksTotal *prometheus.CounterVec
	inflight       prometheus.Gauge
	duration       prometheus.Histogram
	lastCycle      prometheus.Gauge
}

// New creates a new metrics collector on its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		entriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedsync_entries_total",
				Help: "Total number of entries handled, by outcome",
			},
			[]string{"status"},
		),
		copiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedsync_copies_total",
				Help: "Copy primitive invocations, by outcome",
			},
			[]string{"status"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "feedsync_rate_limited_total",
				Help: "Copies refused because a rate-limit cooldown was active",
			},
		),
		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedsync_fallbacks_total",
				Help: "Secondary acquisition attempts, by outcome",
			},
			[]string{"status"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedsync_inflight_entries",
				Help: "Number of entries currently being handled",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "feedsync_entry_duration_seconds",
				Help:    "Time taken to handle an entry",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		lastCycle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedsync_last_cycle_timestamp_seconds",
				Help: "Unix time of the last completed sync cycle",
			},
		),
	}

	c.registry.MustRegister(
		c.entriesTotal,
		c.copiesTotal,
		c.rateLimited,
		c.fallbacksTotal,
		c.inflight,
		c.duration,
		c.lastCycle,
	)

	return c
}

// IncSuccess increments successful entry counter
func (c *Collector) IncSuccess() {
	c.entriesTotal.WithLabelValues("success").Inc()
}

// IncFailed increments failed entry counter
func (c *Collector) IncFailed() {
	c.entriesTotal.WithLabelValues("failed").Inc()
}

// ObserveCopy records the outcome of one copy primitive invocation
func (c *Collector) ObserveCopy(ok bool) {
	if ok {
		c.copiesTotal.WithLabelValues("success").Inc()
		return
	}
	c.copiesTotal.WithLabelValues("failed").Inc()
}

// IncRateLimited counts a copy refused during cooldown
func (c *Collector) IncRateLimited() {
	c.rateLimited.Inc()
}

// ObserveFallback records a secondary acquisition outcome (success, timeout, error)
func (c *Collector) ObserveFallback(status string) {
	c.fallbacksTotal.WithLabelValues(status).Inc()
}

// InflightInc marks an entry as being handled
func (c *Collector) InflightInc() {
	c.inflight.Inc()
}

// InflightDec marks an entry as done
func (c *Collector) InflightDec() {
	c.inflight.Dec()
}

// ObserveDuration observes entry handling duration
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// MarkCycle records the completion time of a cycle
func (c *Collector) MarkCycle(t time.Time) {
	c.lastCycle.Set(float64(t.Unix()))
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// StartServer serves /metrics on addr until ctx is done
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
