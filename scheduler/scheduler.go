// Package scheduler runs the host's background maintenance loop: periodic
// upkeep that has no natural home on the request path. It reuses the
// Start/Stop/sync.Once shape the corpus's own control-loop primitives
// share, just aimed at a different job.
package scheduler

import (
	"sync"
	"time"

	"github.com/wasmrun/engine/limits"
	"github.com/wasmrun/engine/logger"
)

// Janitor samples host-wide resource pressure on a fixed period so
// MemoryPressure reflects something fresher than its value at the last
// invocation, even during a lull with no traffic.
type Janitor struct {
	interval time.Duration
	metrics  *limits.Metrics
	log      *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Janitor that samples metrics every interval. interval
// should be coarser than the request path's own latency — a few seconds,
// not milliseconds — since sysinfo() is a syscall, not a hot-path read.
func New(interval time.Duration, metrics *limits.Metrics, log *logger.Logger) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Janitor{
		interval: interval,
		metrics:  metrics,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sampling loop. Non-blocking.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.run()
}

func (j *Janitor) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.metrics.SampleMemoryPressure()
			j.log.Debug("janitor: sampled memory pressure")
		}
	}
}

// Stop signals the loop to exit and waits for it to do so. Idempotent.
func (j *Janitor) Stop() {
	j.once.Do(func() {
		close(j.stopCh)
	})
	j.wg.Wait()
}
