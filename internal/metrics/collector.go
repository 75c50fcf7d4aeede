// Package metrics implements prometheus metrics collection for attribute
// operations.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xattrfs/xattrfs/internal/config"
	xerrors "github.com/xattrfs/xattrfs/pkg/errors"
)

// Collector gathers per-operation counters and payload-size histograms for
// the attribute store. A disabled collector is a cheap no-op so callers
// never need nil checks around observation sites.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	bytes      *prometheus.HistogramVec

	server *http.Server
}

// NewCollector creates a collector from configuration.
func NewCollector(cfg config.MetricsConfig) *Collector {
	c := &Collector{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return c
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "xattrfs"
	}
	c.registry = prometheus.NewRegistry()

	c.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "operations_total",
		Help:      "Total attribute operations by type.",
	}, []string{"operation"})

	c.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "operation_errors_total",
		Help:      "Attribute operation failures by type and error code.",
	}, []string{"operation", "code"})

	c.bytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "operation_bytes",
		Help:      "Attribute payload sizes by operation type.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"operation"})

	c.registry.MustRegister(c.operations, c.errors, c.bytes)
	return c
}

// ObserveOp records one attribute operation with its payload size and
// outcome. A missing attribute is a normal answer, not a failure, so it
// never counts as an error.
func (c *Collector) ObserveOp(op string, bytes int, err error) {
	if !c.enabled {
		return
	}
	c.operations.WithLabelValues(op).Inc()
	if bytes > 0 {
		c.bytes.WithLabelValues(op).Observe(float64(bytes))
	}
	if err != nil && !xerrors.Is(err, xerrors.ErrNoAttribute) {
		code := string(xerrors.CodeOf(err))
		if code == "" {
			code = "other"
		}
		c.errors.WithLabelValues(op, code).Inc()
	}
}

// Handler returns the prometheus scrape handler, or nil when disabled.
func (c *Collector) Handler() http.Handler {
	if !c.enabled {
		return nil
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts the scrape endpoint on the configured port. It blocks until
// the server stops.
func (c *Collector) Serve(cfg config.MetricsConfig) error {
	if !c.enabled {
		return nil
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	return c.server.ListenAndServe()
}

// Close stops the scrape endpoint if one is running.
func (c *Collector) Close() error {
	if c.server != nil {
		return c.server.Close()
	}
	return nil
}
