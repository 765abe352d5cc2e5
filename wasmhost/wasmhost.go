// Package wasmhost wraps wazero to compile and instantiate handler modules
// under the ABI described in SPEC_FULL.md §14: a module exports
// handle_request(ptr, len) -> packed and alloc(size) -> ptr, where packed is
// one 64-bit value holding the result pointer in its high 32 bits and the
// result length in its low 32 bits (see Invoke), operating
// over a small length-prefixed serialization of {method, path, headers,
// body} in guest linear memory.
//
// No wasi_snapshot_preview1 host module is ever registered, so a handler
// that imports filesystem, clock, random, or socket functions simply fails
// to instantiate — capability denial by omission, not by a runtime check,
// mirroring the host-module construction in the reference WASM hosts this
// package is grounded on (see DESIGN.md).
package wasmhost

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/crypto/blake2b"
)

// Fault is a classified, deterministic reason a handler invocation failed,
// distinct from the errkind.Kind taxonomy so this package has no import
// dependency on the pipeline's error boundary.
type Fault string

const (
	FaultTimeout     Fault = "timeout"
	FaultTrap        Fault = "trap"
	FaultNoExport    Fault = "no_export"
	FaultMemory      Fault = "memory"
	FaultInstantiate Fault = "instantiate"
)

// FaultError wraps a classified wasm execution failure.
type FaultError struct {
	Reason Fault
	Module string
	Cause  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("wasmhost: %s: module=%s: %v", e.Reason, e.Module, e.Cause)
}

func (e *FaultError) Unwrap() error { return e.Cause }

// Artifact is a compiled module plus the metadata the module cache needs
// to decide whether to keep it, replace it, or evict it.
type Artifact struct {
	Name        string
	Compiled    wazero.CompiledModule
	Fingerprint [32]byte
	Size        int64
}

// RuntimeConfig tunes the wazero runtime this host constructs.
type RuntimeConfig struct {
	MemoryLimitPages uint32 // 0 uses wazero's default
	CacheDir         string // optional on-disk compilation cache directory
}

// Runtime owns a single wazero.Runtime shared by every compiled artifact
// and instantiated slot.
type Runtime struct {
	rt wazero.Runtime
}

// NewRuntime constructs a wazero runtime configured to close instances
// promptly when their context is cancelled (explicit interruption is
// separate: (*Instance).Interrupt closes the module with an exit code)
// and, optionally, to cap linear memory growth per instance.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) *Runtime {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.CacheDir != "" {
		if cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir); err == nil {
			rc = rc.WithCompilationCache(cache)
		}
	}
	return &Runtime{rt: wazero.NewRuntimeWithConfig(ctx, rc)}
}

// Close releases every resource the runtime holds, including all compiled
// modules and live instances.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// Compile validates and compiles wasmBytes, fingerprinting them with
// blake2b-256 so the module cache can detect on-disk changes.
func (r *Runtime) Compile(ctx context.Context, name string, wasmBytes []byte) (*Artifact, error) {
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &FaultError{Reason: FaultInstantiate, Module: name, Cause: err}
	}
	return &Artifact{
		Name:        name,
		Compiled:    compiled,
		Fingerprint: blake2b.Sum256(wasmBytes),
		Size:        int64(len(wasmBytes)),
	}, nil
}

// Instance is one instantiated handler module, ready to serve calls until
// it either traps or is explicitly interrupted/closed.
type Instance struct {
	module   api.Module
	alloc    api.Function
	handle   api.Function
	moduleID string
}

// Instantiate creates a fresh instance of artifact with its own linear
// memory and call state. The instance name must be unique per call (wazero
// keys instances by name within a runtime); callers pass a generation tag.
func (r *Runtime) Instantiate(ctx context.Context, artifact *Artifact, instanceName string) (*Instance, error) {
	cfg := wazero.NewModuleConfig().WithName(instanceName).WithStartFunctions()
	mod, err := r.rt.InstantiateModule(ctx, artifact.Compiled, cfg)
	if err != nil {
		return nil, &FaultError{Reason: FaultInstantiate, Module: artifact.Name, Cause: err}
	}
	alloc := mod.ExportedFunction("alloc")
	handle := mod.ExportedFunction("handle_request")
	if alloc == nil || handle == nil {
		_ = mod.Close(ctx)
		return nil, &FaultError{Reason: FaultNoExport, Module: artifact.Name, Cause: errors.New("missing alloc or handle_request export")}
	}
	return &Instance{module: mod, alloc: alloc, handle: handle, moduleID: artifact.Name}, nil
}

// Invoke writes req into the instance's linear memory via its alloc
// export, calls handle_request, and reads back the result region. The
// packed result is a single uint64 with the pointer in the high 32 bits
// and the length in the low 32 bits, the convention the corpus's
// host/guest memory examples use for a two-value return over one result
// register.
func (i *Instance) Invoke(ctx context.Context, req []byte) ([]byte, error) {
	allocRes, err := i.alloc.Call(ctx, uint64(len(req)))
	if err != nil {
		return nil, i.classify(err)
	}
	ptr := uint32(allocRes[0])
	mem := i.module.Memory()
	if len(req) > 0 && !mem.Write(ptr, req) {
		return nil, &FaultError{Reason: FaultMemory, Module: i.moduleID, Cause: errors.New("alloc returned an out-of-bounds region")}
	}

	results, err := i.handle.Call(ctx, uint64(ptr), uint64(len(req)))
	if err != nil {
		return nil, i.classify(err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	if outLen == 0 {
		return nil, nil
	}
	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, &FaultError{Reason: FaultMemory, Module: i.moduleID, Cause: errors.New("handle_request returned an out-of-bounds region")}
	}
	// Copy out of guest memory; the backing array is invalidated on the
	// next guest allocation.
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp, nil
}

// Interrupt forces any call currently executing on this instance to
// return a trap, by closing the module with a non-zero exit code. wazero
// surfaces this to the in-flight Call as a sys.ExitError, which Invoke
// classifies as FaultTimeout. Safe to call from any goroutine, including
// one other than the instance's owner.
func (i *Instance) Interrupt(ctx context.Context) {
	_ = i.module.CloseWithExitCode(ctx, 1)
}

// Close releases the instance's memory and table. Idempotent.
func (i *Instance) Close(ctx context.Context) error {
	return i.module.Close(ctx)
}

func (i *Instance) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &FaultError{Reason: FaultTimeout, Module: i.moduleID, Cause: err}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &FaultError{Reason: FaultTimeout, Module: i.moduleID, Cause: err}
	}
	if strings.Contains(err.Error(), "memory") {
		return &FaultError{Reason: FaultMemory, Module: i.moduleID, Cause: err}
	}
	return &FaultError{Reason: FaultTrap, Module: i.moduleID, Cause: err}
}
