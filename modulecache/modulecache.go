// Package modulecache is the byte-aware LRU cache of compiled handler
// artifacts that sits in front of wasmhost's (expensive) compile step.
//
// A single sync.Mutex guards the LRU bookkeeping only; the critical
// section is pointer-chasing over an in-memory map and list, never I/O —
// reading module bytes off disk and compiling them happens outside the
// lock, with golang.org/x/sync/singleflight ensuring only one goroutine
// per module name actually does that work while the rest wait for its
// result (P4).
package modulecache

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/wasmrun/engine/sanitizer"
	"github.com/wasmrun/engine/wasmhost"
)

// Config tunes the cache's capacity.
type Config struct {
	MaxEntries int   // 0 means unbounded entry count
	MaxBytes   int64 // 0 means unbounded byte budget

	// OnFreshCompile, if set, is invoked once per module after a cold
	// compile (never on a cache hit), outside the cache's lock. The
	// intended consumer is instancepool.Manager.PreWarmAsync, eagerly
	// instantiating one idle slot so the second concurrent request to a
	// cold module doesn't also pay full instantiation latency.
	OnFreshCompile func(artifact *wasmhost.Artifact)
}

type entry struct {
	key         string
	artifact    *wasmhost.Artifact
	fingerprint [32]byte
	bytes       int64
}

// Cache is the module cache. Zero value is not usable; construct with New.
type Cache struct {
	cfg     Config
	baseDir string
	rt      *wasmhost.Runtime
	sf      singleflight.Group

	mu       sync.Mutex
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
	curBytes int64
}

// New creates a Cache rooted at baseDir (the module directory, already
// validated to exist by the caller at startup) that compiles modules
// through rt.
func New(baseDir string, rt *wasmhost.Runtime, cfg Config) *Cache {
	return &Cache{
		cfg:     cfg,
		baseDir: baseDir,
		rt:      rt,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// GetOrCompile returns the compiled artifact for name, serving it from the
// cache when the on-disk bytes haven't changed since the last compile, and
// otherwise compiling (and caching) fresh. Concurrent callers for the same
// cold name share a single compilation (P4).
func (c *Cache) GetOrCompile(ctx context.Context, name sanitizer.Name) (*wasmhost.Artifact, error) {
	key := name.String()
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return c.getOrCompileLocked(ctx, key, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*wasmhost.Artifact), nil
}

func (c *Cache) getOrCompileLocked(ctx context.Context, key string, name sanitizer.Name) (*wasmhost.Artifact, error) {
	path, err := sanitizer.ResolveModulePath(c.baseDir, name)
	if err != nil {
		return nil, err
	}
	path += ".wasm"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modulecache: read %s: %w", path, err)
	}

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		fp := blake2b.Sum256(data)
		if fp == ent.fingerprint {
			c.order.MoveToFront(el)
			c.mu.Unlock()
			return ent.artifact, nil
		}
		// On-disk bytes changed since this was cached: the stale entry is
		// invalidated before recompiling, never served.
		c.removeLocked(el)
	}
	c.mu.Unlock()

	// Compilation happens outside the lock; a compile failure is never
	// cached negatively, the map is simply left without this entry so the
	// next call retries from scratch.
	artifact, err := c.rt.Compile(ctx, key, data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.insertLocked(key, artifact)
	c.mu.Unlock()

	if c.cfg.OnFreshCompile != nil {
		c.cfg.OnFreshCompile(artifact)
	}
	return artifact, nil
}

func (c *Cache) insertLocked(key string, artifact *wasmhost.Artifact) {
	if c.cfg.MaxBytes > 0 && artifact.Size > c.cfg.MaxBytes {
		// This single artifact alone would blow the budget; don't cache
		// it at all, every call for this name pays full compile cost.
		return
	}
	ent := &entry{key: key, artifact: artifact, fingerprint: artifact.Fingerprint, bytes: artifact.Size}
	el := c.order.PushFront(ent)
	c.entries[key] = el
	c.curBytes += ent.bytes

	for c.overBudgetLocked() {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
}

func (c *Cache) overBudgetLocked() bool {
	if c.cfg.MaxEntries > 0 && len(c.entries) > c.cfg.MaxEntries {
		return true
	}
	if c.cfg.MaxBytes > 0 && c.curBytes > c.cfg.MaxBytes {
		return true
	}
	return false
}

func (c *Cache) removeLocked(el *list.Element) {
	ent := el.Value.(*entry)
	delete(c.entries, ent.key)
	c.order.Remove(el)
	c.curBytes -= ent.bytes
}

// Invalidate drops name's cached entry, if any (e.g. an admin force-reload
// operation). The next GetOrCompile recompiles from disk.
func (c *Cache) Invalidate(name sanitizer.Name) {
	key := name.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Stats reports current occupancy against configured caps, for the admin
// introspection surface.
func (c *Cache) Stats() (entries int, bytes int64, maxEntries int, maxBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.curBytes, c.cfg.MaxEntries, c.cfg.MaxBytes
}
