// Package handler serves the engine's operational HTTP endpoints.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tpia/internal/middleware"
	"tpia/pkg/logger"
)

const (
	statusOperational = "operational"
	statusDegraded    = "degraded"
	statusOutage      = "outage"
)

// Pinger is anything the readiness probe can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is one named readiness check. A ping slower than SlowAfter marks
// the dependency degraded but keeps the service ready.
type Dependency struct {
	Name      string
	Pinger    Pinger
	SlowAfter time.Duration
}

type DependencyStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type ReadyResponse struct {
	Status       string             `json:"status"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

type OpsHandler struct {
	deps      []Dependency
	clock     clockwork.Clock
	logger    logger.Logger
	startTime time.Time
	timeout   time.Duration
}

func NewOpsHandler(clock clockwork.Clock, log logger.Logger, deps ...Dependency) *OpsHandler {
	return &OpsHandler{
		deps:      deps,
		clock:     clock,
		logger:    log,
		startTime: clock.Now(),
		timeout:   2 * time.Second,
	}
}

// Health reports liveness only.
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(h.clock.Since(h.startTime).Seconds()),
	})
}

// Ready pings every dependency and answers 503 if any is down.
func (h *OpsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: statusOperational}
	for _, dep := range h.deps {
		st := h.check(r.Context(), dep)
		switch st.Status {
		case statusOutage:
			resp.Status = statusOutage
		case statusDegraded:
			if resp.Status == statusOperational {
				resp.Status = statusDegraded
			}
		}
		resp.Dependencies = append(resp.Dependencies, st)
	}

	code := http.StatusOK
	if resp.Status == statusOutage {
		code = http.StatusServiceUnavailable
	}
	h.respondJSON(w, code, resp)
}

func (h *OpsHandler) check(ctx context.Context, dep Dependency) DependencyStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := h.clock.Now()
	err := dep.Pinger.Ping(ctx)
	latency := h.clock.Since(start)

	st := DependencyStatus{Name: dep.Name, Status: statusOperational, LatencyMs: latency.Milliseconds()}
	switch {
	case err != nil:
		st.Status = statusOutage
		st.Error = err.Error()
		h.logger.Error("Dependency ping failed", map[string]interface{}{
			"dependency": dep.Name,
			"error":      err.Error(),
		})
	case dep.SlowAfter > 0 && latency > dep.SlowAfter:
		st.Status = statusDegraded
	}
	return st
}

// NewRouter mounts the ops endpoints and the prometheus scrape handler.
func NewRouter(h *OpsHandler, gatherer prometheus.Gatherer, log logger.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log, "/health", "/ready", "/metrics").Log)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (h *OpsHandler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}
