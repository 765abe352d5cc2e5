// Package limits implements admission control and the request-scoped
// Prometheus counters/histograms the rest of the pipeline records against.
//
// Admission is try-only: TryAdmit never blocks or queues, it either grants
// a slot immediately or rejects. Two independent bounds are enforced, a
// global cap and a per-module cap, both backed by atomic counters rather
// than buffered channels so the hot path never allocates or blocks.
package limits

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// ErrGlobalSaturated and ErrModuleSaturated are returned by TryAdmit when
// the respective cap has no room.
var (
	ErrGlobalSaturated = errors.New("limits: global inflight cap reached")
	ErrModuleSaturated = errors.New("limits: module inflight cap reached")
)

// Config tunes admission caps. Zero means unbounded for that dimension.
type Config struct {
	GlobalMax int64
	ModuleMax int64
}

// Metrics holds every counter/gauge/histogram the pipeline records
// against, registered on a private registry (never the global default)
// so tests can construct isolated instances.
type Metrics struct {
	Started            *prometheus.CounterVec
	Succeeded          *prometheus.CounterVec
	Failed             *prometheus.CounterVec
	RejectedAdmission  *prometheus.CounterVec
	RejectedBreaker    *prometheus.CounterVec
	Timeout            *prometheus.CounterVec
	FuelExhausted      *prometheus.CounterVec
	LatencyMillis  *prometheus.HistogramVec
	MemoryPressure prometheus.Gauge
}

// NewMetrics registers the full counter/gauge/histogram set on reg.
func NewMetrics(reg prometheus.Registerer, histogramBucketsMs []float64) *Metrics {
	if len(histogramBucketsMs) == 0 {
		histogramBucketsMs = prometheus.DefBuckets
	}
	m := &Metrics{
		Started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmrun_invocations_started_total",
			Help: "Invocations admitted into the pipeline.",
		}, []string{"module"}),
		Succeeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmrun_invocations_succeeded_total",
			Help: "Invocations that completed without a host-level fault.",
		}, []string{"module"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmrun_invocations_failed_total",
			Help: "Invocations that ended in a host-level fault.",
		}, []string{"module"}),
		RejectedAdmission: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmrun_invocations_rejected_admission_total",
			Help: "Invocations rejected by the admission semaphores.",
		}, []string{"module"}),
		RejectedBreaker: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmrun_invocations_rejected_breaker_total",
			Help: "Invocations rejected because the module's breaker was open.",
		}, []string{"module"}),
		Timeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmrun_invocations_timeout_total",
			Help: "Invocations that were interrupted for exceeding their deadline.",
		}, []string{"module"}),
		FuelExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmrun_invocations_fuel_exhausted_total",
			Help: "Invocations that ran out of fuel.",
		}, []string{"module"}),
		LatencyMillis: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wasmrun_invocation_latency_milliseconds",
			Help:    "End-to-end invocation latency.",
			Buckets: histogramBucketsMs,
		}, []string{"module"}),
		MemoryPressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasmrun_host_memory_pressure",
			Help: "Fraction of host memory currently in use (0-1), sampled periodically. Observability only; admission never gates on this.",
		}),
	}
	reg.MustRegister(m.Started, m.Succeeded, m.Failed, m.RejectedAdmission,
		m.RejectedBreaker, m.Timeout, m.FuelExhausted, m.LatencyMillis, m.MemoryPressure)
	return m
}

// SampleMemoryPressure updates the MemoryPressure gauge from a Linux
// sysinfo() call. Best-effort: a failed syscall leaves the gauge
// unchanged.
func (m *Metrics) SampleMemoryPressure() {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return
	}
	if info.Totalram == 0 {
		return
	}
	used := float64(info.Totalram-info.Freeram) / float64(info.Totalram)
	m.MemoryPressure.Set(used)
}

// Admission enforces the global and per-module inflight caps.
type Admission struct {
	cfg      Config
	global   atomic.Int64
	modMu    sync.Mutex
	moduleCt map[string]*atomic.Int64
}

// NewAdmission creates an Admission with cfg's caps.
func NewAdmission(cfg Config) *Admission {
	return &Admission{cfg: cfg, moduleCt: make(map[string]*atomic.Int64)}
}

func (a *Admission) counterFor(module string) *atomic.Int64 {
	a.modMu.Lock()
	defer a.modMu.Unlock()
	c, ok := a.moduleCt[module]
	if !ok {
		c = &atomic.Int64{}
		a.moduleCt[module] = c
	}
	return c
}

// TryAdmit attempts to reserve one inflight slot for module. On success it
// returns a release func that must be called exactly once (typically via
// defer) regardless of how the invocation ends, including a panic
// recovery path (P8).
func (a *Admission) TryAdmit(module string) (release func(), err error) {
	if a.cfg.GlobalMax > 0 {
		if a.global.Add(1) > a.cfg.GlobalMax {
			a.global.Add(-1)
			return nil, ErrGlobalSaturated
		}
	} else {
		a.global.Add(1)
	}

	modCt := a.counterFor(module)
	if a.cfg.ModuleMax > 0 {
		if modCt.Add(1) > a.cfg.ModuleMax {
			modCt.Add(-1)
			a.global.Add(-1)
			return nil, ErrModuleSaturated
		}
	} else {
		modCt.Add(1)
	}

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			a.global.Add(-1)
			modCt.Add(-1)
		}
	}, nil
}
