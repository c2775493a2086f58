package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts registry HTTP requests by method, status code and host
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_http_requests_total",
			Help: "Total number of registry HTTP requests by method and status",
		},
		[]string{"method", "status_code", "host"},
	)

	// HTTPRequestDuration tracks registry HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "velocity_http_request_duration_seconds",
			Help:    "Registry HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		},
		[]string{"method", "host"},
	)

	// HTTPRetriesTotal counts retried registry requests
	HTTPRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_http_retries_total",
			Help: "Total number of retried registry requests",
		},
		[]string{"host"},
	)

	// CacheHitsTotal counts metadata cache hits by cache tier
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_cache_hits_total",
			Help: "Total number of metadata cache hits by cache tier",
		},
		[]string{"tier"}, // memory, disk
	)

	// CacheMissesTotal counts metadata cache misses by cache tier
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_cache_misses_total",
			Help: "Total number of metadata cache misses by cache tier",
		},
		[]string{"tier"},
	)

	// StoreObjectsTotal counts content store lookups by result
	StoreObjectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_store_objects_total",
			Help: "Content store operations by kind and result",
		},
		[]string{"op", "result"}, // op: put, extract; result: stored, exists
	)

	// PackageDownloadsTotal counts tarball downloads by status
	PackageDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_package_downloads_total",
			Help: "Total number of tarball downloads by status",
		},
		[]string{"status"}, // success, failure, cached
	)

	// PackageDownloadBytes counts downloaded tarball bytes
	PackageDownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "velocity_package_download_bytes_total",
			Help: "Total number of tarball bytes downloaded",
		},
	)

	// PackageDownloadDuration tracks tarball download duration in seconds
	PackageDownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "velocity_package_download_duration_seconds",
			Help:    "Tarball download duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	// IntegrityFailuresTotal counts rejected tarballs
	IntegrityFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_integrity_failures_total",
			Help: "Total number of tarballs rejected by integrity verification",
		},
		[]string{"reason"}, // mismatch, missing, traversal
	)

	// ResolverStepsTotal counts resolver search steps by kind
	ResolverStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_resolver_steps_total",
			Help: "Resolver search steps by kind",
		},
		[]string{"kind"}, // edge, reuse, place, backtrack
	)

	// CircuitBreakerState tracks circuit breaker state by host
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "velocity_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"host"},
	)

	// CircuitBreakerFailures counts circuit breaker failures
	CircuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_circuit_breaker_failures_total",
			Help: "Total number of circuit breaker failures",
		},
		[]string{"host"},
	)
)

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsRouter returns a router exposing /metrics and /healthz.
func MetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", MetricsHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// StartMetricsServer serves MetricsRouter on addr until ctx is cancelled.
func StartMetricsServer(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           MetricsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// GetCounterValue retrieves the current value of a counter metric with the given labels
// This is primarily intended for testing
func GetCounterValue(counter *prometheus.CounterVec, labels ...string) (float64, error) {
	metric, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0, err
	}

	var pb dto.Metric
	if err := metric.Write(&pb); err != nil {
		return 0, err
	}

	if pb.Counter != nil {
		return pb.Counter.GetValue(), nil
	}

	return 0, nil
}
