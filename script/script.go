// Package script runs sandboxed orchestration scripts in a pure-Go
// ECMAScript 5 VM (otto), grounded on the teacher's OttoSolver wrapper
// (see DESIGN.md). Each invocation gets a fresh otto.New() VM seeded with
// exactly two globals: input (the decoded request body) and host, which
// carries host.call(name, opts), the single primitive a script may use to
// re-enter the pipeline, and host.log(level, msg), a write-only log sink.
// No fetch, require, process, filesystem,
// or subprocess binding is ever registered — the sandbox is achieved by
// omission, not by a runtime capability check.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robertkrimen/otto"

	"github.com/wasmrun/engine/errkind"
)

// Bridge is the host-side function host.call invokes to re-enter the
// pipeline for a child invocation. The script package never imports the
// pipeline package (that would be a cycle); the pipeline supplies a
// Bridge closure instead.
type Bridge func(ctx context.Context, name string, opts map[string]interface{}, deadline time.Time) (map[string]interface{}, error)

// Logger is the write-only sink behind host.log. It never reads anything
// back to the script.
type Logger func(level, msg string)

// haltSignal is panicked into an otto VM's Interrupt channel to abort a
// script that has overrun its deadline; recovered by Run before it
// escapes to the caller.
type haltSignal struct{}

// ErrCallDepthExceeded is returned (translated to a JS value, never
// thrown) when a script's host.call nesting exceeds MaxDepth.
var ErrCallDepthExceeded = errors.New("script: max host.call depth exceeded")

// Options configures a single Run.
type Options struct {
	Input    interface{}
	Deadline time.Time
	MaxDepth int // re-entrancy depth cap for host.call, default 8
	Bridge   Bridge
	Log      Logger
}

type depthKey struct{}

// depthFrom reads the current host.call nesting depth out of ctx. A script
// invoked directly by the HTTP surface starts at depth 0; a Bridge that
// re-enters Run for a chained call must carry the incremented context
// forward (see hostCall) so the cap holds across VM boundaries, not just
// within a single otto.Otto instance.
func depthFrom(ctx context.Context) int32 {
	if v, ok := ctx.Value(depthKey{}).(int32); ok {
		return v
	}
	return 0
}

// scriptContext is the mutable state shared between a running VM and its
// host.call closure.
type scriptContext struct {
	opts  Options
	depth int32

	// Cancelled is set the moment a host.call observes the outer request's
	// context go away by cancellation (as opposed to its own deadline
	// expiring). Once set, every subsequent host.call fails fast with
	// Cancelled instead of attempting another bridge round-trip.
	Cancelled atomic.Bool
}

// Run compiles and executes source against opts.Input, returning the
// value of the script's final expression converted to a plain Go value.
// A script-side throw (syntax error, runtime TypeError, an uncaught
// exception) is reported as an *errkind.Error with Kind ScriptFault.
func Run(ctx context.Context, source string, opts Options) (result interface{}, err error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 8
	}

	vm := otto.New()
	sc := &scriptContext{opts: opts, depth: depthFrom(ctx)}

	if err := vm.Set("input", opts.Input); err != nil {
		return nil, errkind.Wrap(errkind.ScriptFault, fmt.Errorf("seed input: %w", err))
	}

	host := map[string]interface{}{
		"call": sc.hostCall(ctx, vm),
		"log":  sc.hostLog(),
	}
	if err := vm.Set("host", host); err != nil {
		return nil, errkind.Wrap(errkind.ScriptFault, fmt.Errorf("seed host: %w", err))
	}

	val, err := runWithDeadline(vm, source, opts.Deadline)
	if err != nil {
		return nil, errkind.Wrap(errkind.ScriptFault, err)
	}

	exported, err := val.Export()
	if err != nil {
		return nil, errkind.Wrap(errkind.ScriptFault, fmt.Errorf("export result: %w", err))
	}
	return exported, nil
}

// runWithDeadline executes source on vm, forcing it to halt if deadline
// passes before it returns. This is otto's documented interruption
// recipe: push a panicking func onto vm.Interrupt from a timer goroutine,
// then recover the resulting panic in Run.
func runWithDeadline(vm *otto.Otto, source string, deadline time.Time) (result otto.Value, err error) {
	vm.Interrupt = make(chan func(), 1)
	done := make(chan struct{})
	defer close(done)

	if !deadline.IsZero() {
		go func() {
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			select {
			case <-timer.C:
				vm.Interrupt <- func() { panic(haltSignal{}) }
			case <-done:
			}
		}()
	}

	defer func() {
		if caught := recover(); caught != nil {
			if _, ok := caught.(haltSignal); ok {
				err = fmt.Errorf("script exceeded its deadline")
				return
			}
			panic(caught)
		}
	}()

	return vm.Run(source)
}

// hostCall returns the Go function backing host.call(name, opts). It
// never throws into the VM: every failure, including a depth-exceeded
// rejection, is returned as a plain {ok: false, kind, message} JS value
// so scripts can branch on failure rather than needing try/catch.
func (sc *scriptContext) hostCall(ctx context.Context, vm *otto.Otto) func(otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		if sc.Cancelled.Load() {
			return sc.errorValue(vm, errkind.Cancelled, "request cancelled")
		}

		name := call.Argument(0).String()

		var opts map[string]interface{}
		if raw, err := call.Argument(1).Export(); err == nil {
			if m, ok := raw.(map[string]interface{}); ok {
				opts = m
			}
		}

		depth := sc.depth + 1
		if int(depth) > sc.opts.MaxDepth {
			return sc.errorValue(vm, errkind.CallDepthExceeded, ErrCallDepthExceeded.Error())
		}

		if sc.opts.Bridge == nil {
			return sc.errorValue(vm, errkind.ScriptFault, "no host bridge configured")
		}

		childCtx := context.WithValue(ctx, depthKey{}, depth)
		resp, err := sc.opts.Bridge(childCtx, name, opts, sc.opts.Deadline)
		if err != nil {
			var kerr *errkind.Error
			if errors.As(err, &kerr) {
				if kerr.Kind == errkind.Cancelled {
					sc.Cancelled.Store(true)
				}
				return sc.errorValue(vm, kerr.Kind, kerr.Error())
			}
			return sc.errorValue(vm, errkind.Unknown, err.Error())
		}

		out := map[string]interface{}{"ok": true}
		for k, v := range resp {
			out[k] = v
		}
		val, valErr := vm.ToValue(out)
		if valErr != nil {
			return sc.errorValue(vm, errkind.ScriptFault, valErr.Error())
		}
		return val
	}
}

func (sc *scriptContext) errorValue(vm *otto.Otto, kind errkind.Kind, message string) otto.Value {
	val, err := vm.ToValue(map[string]interface{}{
		"ok":      false,
		"kind":    kind.String(),
		"message": message,
	})
	if err != nil {
		return otto.Value{}
	}
	return val
}

// hostLog returns the Go function backing host.log(level, msg): a
// write-only debugging affordance that cannot leak any host state back
// to the script, only accept a string.
func (sc *scriptContext) hostLog() func(otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		if sc.opts.Log != nil {
			level := call.Argument(0).String()
			msg := call.Argument(1).String()
			sc.opts.Log(level, msg)
		}
		return otto.UndefinedValue()
	}
}
