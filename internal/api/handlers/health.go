package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-cds/pkg/circuitbreaker"
)

// Check probes one dependency
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service  string
	version  string
	checks   map[string]Check
	info     map[string]func() any
	breakers *circuitbreaker.Manager
	timeout  time.Duration
}

// NewHealthHandler creates a new handler. breakers may be nil.
func NewHealthHandler(service, version string, breakers *circuitbreaker.Manager) *HealthHandler {
	return &HealthHandler{
		service:  service,
		version:  version,
		checks:   make(map[string]Check),
		info:     make(map[string]func() any),
		breakers: breakers,
		timeout:  3 * time.Second,
	}
}

// AddCheck registers a readiness check
func (h *HealthHandler) AddCheck(name string, c Check) *HealthHandler {
	h.checks[name] = c
	return h
}

// AddInfo registers a snapshot reported under "stats" by Health
func (h *HealthHandler) AddInfo(name string, fn func() any) *HealthHandler {
	h.info[name] = fn
	return h
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	}
	if h.breakers != nil {
		statuses := h.breakers.GetHealthStatus()
		sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
		resp["upstreams"] = statuses
	}
	if len(h.info) > 0 {
		stats := make(map[string]any, len(h.info))
		for name, fn := range h.info {
			stats[name] = fn()
		}
		resp["stats"] = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready handles GET /ready. Checks run concurrently; any failure makes the
// service unready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	errs := make([]error, len(h.checks))
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var g errgroup.Group
	for i, name := range names {
		check := h.checks[name]
		g.Go(func() error {
			errs[i] = check(ctx)
			return nil
		})
	}
	g.Wait()

	ready := true
	for i, name := range names {
		if errs[i] != nil {
			ready = false
			results[name] = errs[i].Error()
			continue
		}
		results[name] = "ok"
	}

	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "not ready"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}
