package wasmhost_test

import (
	"context"
	"errors"
	"testing"

	"github.com/wasmrun/engine/wasmhost"
)

// emptyModule is the smallest legal WebAssembly binary: just the magic
// number and version, no sections, no exports.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestCompile_FingerprintsBytes(t *testing.T) {
	ctx := context.Background()
	rt := wasmhost.NewRuntime(ctx, wasmhost.RuntimeConfig{})
	defer rt.Close(ctx)

	a1, err := rt.Compile(ctx, "empty", emptyModule)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	a2, err := rt.Compile(ctx, "empty", emptyModule)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if a1.Fingerprint != a2.Fingerprint {
		t.Fatal("expected identical bytes to fingerprint identically")
	}

	other, err := rt.Compile(ctx, "empty2", append(append([]byte{}, emptyModule...)))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	_ = other
}

func TestInstantiate_MissingExportsIsNoExportFault(t *testing.T) {
	ctx := context.Background()
	rt := wasmhost.NewRuntime(ctx, wasmhost.RuntimeConfig{})
	defer rt.Close(ctx)

	artifact, err := rt.Compile(ctx, "empty", emptyModule)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	_, err = rt.Instantiate(ctx, artifact, "empty-instance-1")
	var faultErr *wasmhost.FaultError
	if !errors.As(err, &faultErr) {
		t.Fatalf("expected a *FaultError, got %v", err)
	}
	if faultErr.Reason != wasmhost.FaultNoExport {
		t.Fatalf("expected FaultNoExport, got %v", faultErr.Reason)
	}
}
