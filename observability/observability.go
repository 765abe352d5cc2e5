// Package observability exposes the host's own health, metrics, and
// introspection surface: GET /health, GET /metrics, and GET /admin/state.
// None of this is a clustering or coordination RPC — it is read-only
// diagnostic surface for a human or a scrape target, grounded on the
// teacher's dashboard.Server mux shape with the SSE/dashboard-specific
// routes removed in favor of a single private prometheus.Registry.
package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wasmrun/engine/breaker"
	"github.com/wasmrun/engine/instancepool"
	"github.com/wasmrun/engine/metrics"
	"github.com/wasmrun/engine/modulecache"
)

// StateSource is the read-only view into the running host's subsystems
// that GET /admin/state reports on. Server depends on this narrow
// interface rather than the concrete breaker/modulecache/instancepool
// types so it can be unit-tested against a fake.
type StateSource interface {
	BreakerSnapshot() map[string]string
	CacheStats() (entries int, bytes int64, maxEntries int, maxBytes int64)
	Inflight() map[string]int
}

// liveSource adapts the real subsystem registries to StateSource.
type liveSource struct {
	breakers *breaker.Registry
	cache    *modulecache.Cache
	pool     *instancepool.Manager
}

func (s liveSource) BreakerSnapshot() map[string]string { return s.breakers.Snapshot() }
func (s liveSource) CacheStats() (int, int64, int, int64) { return s.cache.Stats() }
func (s liveSource) Inflight() map[string]int             { return s.pool.Inflight() }

// NewStateSource adapts the host's breaker registry, module cache, and
// instance pool manager into the StateSource Server reports on.
func NewStateSource(breakers *breaker.Registry, cache *modulecache.Cache, pool *instancepool.Manager) StateSource {
	return liveSource{breakers: breakers, cache: cache, pool: pool}
}

// StateSnapshot is the JSON payload served by GET /admin/state.
type StateSnapshot struct {
	Breakers map[string]string `json:"breakers"`
	Cache    CacheSnapshot     `json:"cache"`
	Inflight map[string]int    `json:"inflight"`
	Process  *ProcessSnapshot  `json:"process,omitempty"`
}

// ProcessSnapshot mirrors metrics.ProcessStats.Snapshot in JSON-friendly
// form. Omitted entirely when the server was built without a
// *metrics.ProcessStats (every production wiring supplies one; nil is
// only exercised directly by package tests that don't need it).
type ProcessSnapshot struct {
	UptimeSeconds        float64 `json:"uptime_seconds"`
	TotalInvocations     uint64  `json:"total_invocations"`
	Succeeded            uint64  `json:"succeeded"`
	Failed               uint64  `json:"failed"`
	InvocationsPerSecond float64 `json:"invocations_per_second"`
}

// CacheSnapshot mirrors modulecache.Cache.Stats in JSON-friendly form.
type CacheSnapshot struct {
	Entries    int   `json:"entries"`
	Bytes      int64 `json:"bytes"`
	MaxEntries int   `json:"max_entries"`
	MaxBytes   int64 `json:"max_bytes"`
}

// Server serves the host's diagnostic HTTP surface on its own mux, which
// the caller mounts under the main HTTP server (see httpserver).
type Server struct {
	registry *prometheus.Registry
	state    StateSource
	process  *metrics.ProcessStats
	adminOn  bool
	ready    atomic.Bool
	mux      *http.ServeMux
}

// New builds a Server backed by registry (a private, non-default
// prometheus.Registry: every *limits.Metrics counter/histogram/gauge is
// registered against this same registry at construction time, never the
// global DefaultRegisterer, so a second host instance in the same process
// — as in tests — never collides on metric names). adminEnabled gates
// whether GET /admin/state is mounted at all. process may be nil, in
// which case the admin snapshot omits its "process" field.
func New(registry *prometheus.Registry, state StateSource, adminEnabled bool, process *metrics.ProcessStats) *Server {
	s := &Server{
		registry: registry,
		state:    state,
		process:  process,
		adminOn:  adminEnabled,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// MarkReady flips GET /health from "starting" to "ok". Call this once
// startup (module directory validation, runtime construction, ticker
// start) has completed.
func (s *Server) MarkReady() { s.ready.Store(true) }

// Handler returns the http.Handler to mount at the root of the
// observability surface (httpserver mounts this directly; no sub-path
// stripping is required since every route below is an absolute path).
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	if s.adminOn {
		s.mux.HandleFunc("/admin/state", s.handleAdminState)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleAdminState(w http.ResponseWriter, r *http.Request) {
	entries, bytes, maxEntries, maxBytes := s.state.CacheStats()
	snap := StateSnapshot{
		Breakers: s.state.BreakerSnapshot(),
		Cache: CacheSnapshot{
			Entries:    entries,
			Bytes:      bytes,
			MaxEntries: maxEntries,
			MaxBytes:   maxBytes,
		},
		Inflight: s.state.Inflight(),
	}
	if s.process != nil {
		total, succeeded, failed := s.process.Snapshot()
		snap.Process = &ProcessSnapshot{
			UptimeSeconds:        s.process.Uptime().Seconds(),
			TotalInvocations:     total,
			Succeeded:            succeeded,
			Failed:               failed,
			InvocationsPerSecond: s.process.InvocationsPerSecond(),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, "encode state snapshot", http.StatusInternalServerError)
	}
}
