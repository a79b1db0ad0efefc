// Package health serves the device's local status endpoints.
//
//   - /healthz: liveness; always 200 while the process can serve HTTP.
//   - /readyz:  200 only when every registered [Checker] passes.
//   - /statusz: the turn engine's current state as reported by a
//     [StatusFunc].
//   - /metrics: Prometheus exposition, when a handler is configured.
//
// Responses other than /metrics are JSON objects with a top-level "status"
// field ("ok" or "fail").
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Snapshot is the body of /statusz.
type Snapshot struct {
	State    string `json:"state"`
	Mode     string `json:"mode"`
	Display  string `json:"display"`
	Turns    int    `json:"turns"`
	Sessions int64  `json:"sessions"`
	Uptime   string `json:"uptime"`
}

// StatusFunc reports the current engine snapshot. Uptime is filled in by the
// handler.
type StatusFunc func() Snapshot

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Engine *Snapshot         `json:"engine,omitempty"`
}

// Option is a functional option for configuring a [Handler].
type Option func(*Handler)

// WithCheckers adds readiness checks.
func WithCheckers(c ...Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, c...) }
}

// WithStatus sets the source for /statusz.
func WithStatus(fn StatusFunc) Option {
	return func(h *Handler) { h.status = fn }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler serves the status endpoints. It is safe for concurrent use.
type Handler struct {
	checkers []Checker
	status   StatusFunc
	metrics  http.Handler
	started  time.Time
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{started: time.Now()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each under [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
				return nil
			}
			checks[c.Name] = "ok"
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Statusz reports the engine snapshot.
func (h *Handler) Statusz(w http.ResponseWriter, _ *http.Request) {
	if h.status == nil {
		writeJSON(w, http.StatusNotFound, result{Status: "fail"})
		return
	}
	snap := h.status()
	snap.Uptime = time.Since(h.started).Round(time.Second).String()
	writeJSON(w, http.StatusOK, result{Status: "ok", Engine: &snap})
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
