package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpia/internal/metrics"
	"tpia/pkg/errors"
	"tpia/pkg/logger"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func serve(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := NewOpsHandler(clock, logger.NewNop())
	clock.Advance(90 * time.Second)

	rec := serve(t, NewRouter(h, prometheus.NewRegistry(), logger.NewNop()), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(90), body["uptime_seconds"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReady(t *testing.T) {
	up := pingFunc(func(ctx context.Context) error { return nil })
	down := pingFunc(func(ctx context.Context) error { return errors.New("connection refused") })

	h := NewOpsHandler(clockwork.NewRealClock(), logger.NewNop(),
		Dependency{Name: "postgres", Pinger: up},
		Dependency{Name: "redis", Pinger: up},
	)
	rec := serve(t, NewRouter(h, prometheus.NewRegistry(), logger.NewNop()), "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	h = NewOpsHandler(clockwork.NewRealClock(), logger.NewNop(),
		Dependency{Name: "postgres", Pinger: up},
		Dependency{Name: "redis", Pinger: down},
	)
	rec = serve(t, NewRouter(h, prometheus.NewRegistry(), logger.NewNop()), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, statusOutage, body.Status)
	require.Len(t, body.Dependencies, 2)
	assert.Equal(t, statusOperational, body.Dependencies[0].Status)
	assert.Equal(t, "connection refused", body.Dependencies[1].Error)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.CycleProcessed("CLUSTER", "completed")

	h := NewOpsHandler(clockwork.NewRealClock(), logger.NewNop())
	rec := serve(t, NewRouter(h, reg, logger.NewNop()), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mode="CLUSTER"`)
}
