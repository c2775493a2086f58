package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRouter(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "200", "registry.example").Inc()
	CacheHitsTotal.WithLabelValues("memory").Inc()
	PackageDownloadsTotal.WithLabelValues("success").Inc()
	ResolverStepsTotal.WithLabelValues("edge").Inc()

	srv := httptest.NewServer(MetricsRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	for _, metric := range []string{
		"velocity_http_requests_total",
		"velocity_cache_hits_total",
		"velocity_package_downloads_total",
		"velocity_resolver_steps_total",
	} {
		assert.Contains(t, string(body), metric)
	}

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestGetCounterValue(t *testing.T) {
	before, err := GetCounterValue(IntegrityFailuresTotal, "mismatch")
	require.NoError(t, err)

	IntegrityFailuresTotal.WithLabelValues("mismatch").Inc()

	after, err := GetCounterValue(IntegrityFailuresTotal, "mismatch")
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
}
