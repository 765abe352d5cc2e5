package script_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wasmrun/engine/errkind"
	"github.com/wasmrun/engine/script"
)

func TestRun_ReturnsFinalExpressionValue(t *testing.T) {
	result, err := script.Run(context.Background(), `input.x + 1`, script.Options{
		Input: map[string]interface{}{"x": float64(41)},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	n, ok := result.(float64)
	if !ok || n != 42 {
		t.Fatalf("result = %#v, want 42", result)
	}
}

func TestRun_SyntaxErrorReportedAsScriptFault(t *testing.T) {
	_, err := script.Run(context.Background(), `this is not { valid js`, script.Options{})
	if err == nil {
		t.Fatal("expected an error for invalid script source")
	}
	var kerr *errkind.Error
	if !errors.As(err, &kerr) || kerr.Kind != errkind.ScriptFault {
		t.Fatalf("expected ScriptFault, got %v", err)
	}
}

func TestRun_HostCallInvokesBridgeAndReturnsOk(t *testing.T) {
	bridge := func(ctx context.Context, name string, opts map[string]interface{}, deadline time.Time) (map[string]interface{}, error) {
		if name != "echo" {
			t.Errorf("bridge called with name %q, want echo", name)
		}
		return map[string]interface{}{"value": "hello"}, nil
	}

	result, err := script.Run(context.Background(), `host.call("echo", {}).value`, script.Options{
		Bridge: bridge,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result != "hello" {
		t.Fatalf("result = %#v, want \"hello\"", result)
	}
}

func TestRun_HostCallWithoutBridgeReturnsOkFalse(t *testing.T) {
	result, err := script.Run(context.Background(), `host.call("anything", {}).ok`, script.Options{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result != false {
		t.Fatalf("result = %#v, want false", result)
	}
}

func TestRun_BridgeErrorSurfacesErrkindOnJSValue(t *testing.T) {
	bridge := func(ctx context.Context, name string, opts map[string]interface{}, deadline time.Time) (map[string]interface{}, error) {
		return nil, errkind.New(errkind.NotFound, "no such module")
	}

	result, err := script.Run(context.Background(), `host.call("missing", {}).kind`, script.Options{
		Bridge: bridge,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result != errkind.NotFound.String() {
		t.Fatalf("result = %#v, want %q", result, errkind.NotFound.String())
	}
}

func TestRun_RecursiveHostCallExceedsMaxDepth(t *testing.T) {
	var bridge script.Bridge
	bridge = func(ctx context.Context, name string, opts map[string]interface{}, deadline time.Time) (map[string]interface{}, error) {
		kind, err := script.Run(ctx, `host.call("self", {}).kind`, script.Options{Bridge: bridge, MaxDepth: 2})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"kind": kind}, nil
	}

	result, err := script.Run(context.Background(), `host.call("self", {}).kind`, script.Options{
		Bridge:   bridge,
		MaxDepth: 2,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result != errkind.CallDepthExceeded.String() {
		t.Fatalf("result = %#v, want %q", result, errkind.CallDepthExceeded.String())
	}
}

func TestRun_DeadlineExceededHaltsScript(t *testing.T) {
	_, err := script.Run(context.Background(), `while (true) {}`, script.Options{
		Deadline: time.Now().Add(50 * time.Millisecond),
	})
	if err == nil {
		t.Fatal("expected an error for a script that overruns its deadline")
	}
	var kerr *errkind.Error
	if !errors.As(err, &kerr) || kerr.Kind != errkind.ScriptFault {
		t.Fatalf("expected ScriptFault, got %v", err)
	}
}

func TestRun_HostLogInvokesLogger(t *testing.T) {
	var gotLevel, gotMsg string
	_, err := script.Run(context.Background(), `host.log("info", "hello"); true`, script.Options{
		Log: func(level, msg string) {
			gotLevel, gotMsg = level, msg
		},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if gotLevel != "info" || gotMsg != "hello" {
		t.Fatalf("logger got (%q, %q), want (\"info\", \"hello\")", gotLevel, gotMsg)
	}
}
