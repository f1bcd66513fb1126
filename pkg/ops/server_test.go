package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderapay/fraudflow-backend/pkg/logger"
)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error { return s.err }

func testOpsServer(pingers map[string]Pinger) *Server {
	logg := logger.New(logger.Options{ServiceName: "ops-test", Output: io.Discard})
	return NewServer("0", prometheus.NewRegistry(), pingers, logg)
}

func TestHealthzAlwaysOK(t *testing.T) {
	s := testOpsServer(nil)

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestReadyzReportsDependencies(t *testing.T) {
	s := testOpsServer(map[string]Pinger{
		"postgres": stubPinger{},
		"redis":    stubPinger{},
	})

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres":"ok"`)
}

func TestReadyzFailsWhenDependencyDown(t *testing.T) {
	s := testOpsServer(map[string]Pinger{
		"postgres": stubPinger{},
		"pubsub":   stubPinger{err: errors.New("unreachable")},
	})

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unreachable")
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "demo_total", Help: "demo"})
	reg.MustRegister(counter)
	counter.Inc()

	logg := logger.New(logger.Options{ServiceName: "ops-test", Output: io.Discard})
	s := NewServer("0", reg, nil, logg)

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "demo_total 1")
}
