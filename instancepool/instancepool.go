// Package instancepool manages, per compiled artifact, a bounded set of
// pre-instantiated wasmhost.Instance values ("slots") so most invocations
// reuse a warm instance instead of paying wazero's instantiation cost on
// every call.
//
// Idle-slot selection rotates round-robin across the ready set (adapted
// from the teacher's proxy rotator, see DESIGN.md) rather than always
// handing back the most-recently-released slot, spreading wear evenly.
// Acquire never waits: a saturated module returns ErrNoSlot immediately,
// matching the admission-control discipline the rest of this codebase
// uses.
//
// PreWarmAsync feeds a bounded background pool (golang.org/x/sync/errgroup,
// capped at MaxPreWarmWorkers) that eagerly instantiates one extra idle
// slot on a module's first cold compile, so the second concurrent request
// to that module doesn't also pay full instantiation latency.
package instancepool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wasmrun/engine/wasmhost"
)

// preWarmTimeout bounds a single background PreWarm attempt; it runs
// detached from any request context, so it needs its own deadline.
const preWarmTimeout = 5 * time.Second

// ErrNoSlot is returned when a module's slot pool is at PerModuleCap and
// every slot is in use.
var ErrNoSlot = errors.New("instancepool: no slot available")

// Outcome classifies how an invocation left its slot, driving whether the
// slot is reset and returned to the idle set or discarded outright.
type Outcome int

const (
	// Success resets the slot (fresh instance from the same compiled
	// artifact) and returns it to the idle set.
	Success Outcome = iota
	// Discard means the slot's state is undefined after the call — a
	// trap, fuel exhaustion, or a timeout interrupt — so it is closed and
	// never reused.
	Discard
)

// Config tunes a Manager.
type Config struct {
	PerModuleCap     int // max concurrently-instantiated slots per module, default 4
	MaxPreWarmWorkers int // concurrency cap for PreWarmAsync, default 8
}

func (c Config) withDefaults() Config {
	if c.PerModuleCap <= 0 {
		c.PerModuleCap = 4
	}
	if c.MaxPreWarmWorkers <= 0 {
		c.MaxPreWarmWorkers = 8
	}
	return c
}

// Slot is one instantiated handler, checked out by exactly one invocation
// at a time.
type Slot struct {
	inst     *wasmhost.Instance
	artifact *wasmhost.Artifact
	pool     *modulePool
}

// Invoke runs req against the slot's instance.
func (s *Slot) Invoke(ctx context.Context, req []byte) ([]byte, error) {
	return s.inst.Invoke(ctx, req)
}

// Interrupt forces the slot's in-flight call to trap at wazero's next
// checkpoint. Safe to call from any goroutine.
func (s *Slot) Interrupt(ctx context.Context) {
	s.inst.Interrupt(ctx)
}

type modulePool struct {
	mu       sync.Mutex
	artifact *wasmhost.Artifact
	idle     []*Slot
	total    int // instantiated but not necessarily idle
	cursor   int
}

// Manager holds one modulePool per artifact name.
type Manager struct {
	rt       *wasmhost.Runtime
	cfg      Config
	gen      atomic.Uint64
	mu       sync.Mutex
	pools    map[string]*modulePool
	preWarm  *errgroup.Group
}

// New creates a Manager that instantiates instances through rt.
func New(rt *wasmhost.Runtime, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	g := &errgroup.Group{}
	g.SetLimit(cfg.MaxPreWarmWorkers)
	return &Manager{rt: rt, cfg: cfg, pools: make(map[string]*modulePool), preWarm: g}
}

func (m *Manager) poolFor(artifact *wasmhost.Artifact) *modulePool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[artifact.Name]
	if !ok || p.artifact.Fingerprint != artifact.Fingerprint {
		p = &modulePool{artifact: artifact}
		m.pools[artifact.Name] = p
	}
	return p
}

// Acquire returns a ready slot for artifact: an idle one if available, a
// freshly instantiated one if the pool has room, or ErrNoSlot if the
// module is saturated at PerModuleCap.
func (m *Manager) Acquire(ctx context.Context, artifact *wasmhost.Artifact) (*Slot, error) {
	p := m.poolFor(artifact)

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		p.cursor %= n
		s := p.idle[p.cursor]
		p.idle = append(p.idle[:p.cursor], p.idle[p.cursor+1:]...)
		p.mu.Unlock()
		return s, nil
	}
	if p.total >= m.cfg.PerModuleCap {
		p.mu.Unlock()
		return nil, ErrNoSlot
	}
	p.total++
	p.mu.Unlock()

	inst, err := m.instantiate(ctx, artifact)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, err
	}
	return &Slot{inst: inst, artifact: artifact, pool: p}, nil
}

func (m *Manager) instantiate(ctx context.Context, artifact *wasmhost.Artifact) (*wasmhost.Instance, error) {
	name := artifact.Name + "#" + itoa(m.gen.Add(1))
	return m.rt.Instantiate(ctx, artifact, name)
}

// Release returns slot to its pool. On Success it is reset — the existing
// instance is closed and a fresh one instantiated from the same compiled
// artifact, since wazero has no cheaper way to re-zero an instance's
// linear memory — and the new instance is put in the idle set. On Discard
// the instance is closed and the slot is not replaced; the next Acquire
// for this module instantiates a new one if under PerModuleCap.
func (m *Manager) Release(ctx context.Context, slot *Slot, outcome Outcome) {
	p := slot.pool
	slot.inst.Close(ctx)

	if outcome == Discard {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}

	fresh, err := m.instantiate(ctx, slot.artifact)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}
	next := &Slot{inst: fresh, artifact: slot.artifact, pool: p}
	p.mu.Lock()
	p.idle = append(p.idle, next)
	p.mu.Unlock()
}

// PreWarm eagerly instantiates one idle slot for artifact if none exist
// yet, so the second concurrent request to a freshly compiled module
// doesn't also pay full instantiation latency.
func (m *Manager) PreWarm(ctx context.Context, artifact *wasmhost.Artifact) error {
	p := m.poolFor(artifact)
	p.mu.Lock()
	if p.total > 0 {
		p.mu.Unlock()
		return nil
	}
	p.total++
	p.mu.Unlock()

	inst, err := m.instantiate(ctx, artifact)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return err
	}
	p.mu.Lock()
	p.idle = append(p.idle, &Slot{inst: inst, artifact: artifact, pool: p})
	p.mu.Unlock()
	return nil
}

// PreWarmAsync schedules a PreWarm for artifact on the Manager's bounded
// background pool and returns immediately. The submission itself runs on
// a detached goroutine so a caller on the request path (modulecache's
// fresh-compile hook) never blocks waiting for a free pool slot, even
// when all MaxPreWarmWorkers slots are currently busy.
func (m *Manager) PreWarmAsync(artifact *wasmhost.Artifact) {
	go func() {
		m.preWarm.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), preWarmTimeout)
			defer cancel()
			return m.PreWarm(ctx, artifact)
		})
	}()
}

// Inflight reports, per module, the number of slots currently checked out
// (total instantiated minus idle), for the admin introspection surface.
func (m *Manager) Inflight() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.pools))
	for name, p := range m.pools {
		p.mu.Lock()
		out[name] = p.total - len(p.idle)
		p.mu.Unlock()
	}
	return out
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
