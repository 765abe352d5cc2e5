package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/wasmrun/engine/bufpool"
	"github.com/wasmrun/engine/pipeline"
	"github.com/wasmrun/engine/sanitizer"
)

// newHeaderOnlyPipeline builds a Pipeline whose only exercised field is
// cfg, enough to unit-test header validation without standing up a real
// compiled module, module cache, or instance pool (none of which can be
// produced without a WASM toolchain in this environment).
func newHeaderOnlyPipeline(cfg pipeline.Config) *pipeline.Pipeline {
	return pipeline.New(cfg, nil, nil, nil, nil, nil, nil, nil, nil, nil)
}

func mustName(t *testing.T, raw string) sanitizer.Name {
	t.Helper()
	name, err := sanitizer.SanitizeModuleName(raw)
	if err != nil {
		t.Fatalf("SanitizeModuleName(%q): %v", raw, err)
	}
	return name
}

func TestInvoke_RejectsTooManyHeaders(t *testing.T) {
	p := newHeaderOnlyPipeline(pipeline.Config{MaxHeaders: 1})
	req := &pipeline.Request{
		Headers: map[string][]string{
			"X-One": {"a"},
			"X-Two": {"b"},
		},
	}
	_, err := p.Invoke(context.Background(), mustName(t, "nonexistent"), req, time.Now().Add(time.Second))
	if err == nil {
		t.Fatal("expected an error for too many headers")
	}
}

func TestInvoke_RejectsInvalidHeaderValue(t *testing.T) {
	p := newHeaderOnlyPipeline(pipeline.Config{MaxHeaders: 10})
	req := &pipeline.Request{
		Headers: map[string][]string{
			"X-Bad": {"line1\r\nline2"},
		},
	}
	_, err := p.Invoke(context.Background(), mustName(t, "nonexistent"), req, time.Now().Add(time.Second))
	if err == nil {
		t.Fatal("expected an error for a header value containing CRLF")
	}
}

func TestInvoke_RejectsOversizedHeaderValue(t *testing.T) {
	p := newHeaderOnlyPipeline(pipeline.Config{MaxHeaders: 10, MaxHeaderValueBytes: 4})
	req := &pipeline.Request{
		Headers: map[string][]string{
			"X-Long": {"waytoolong"},
		},
	}
	_, err := p.Invoke(context.Background(), mustName(t, "nonexistent"), req, time.Now().Add(time.Second))
	if err == nil {
		t.Fatal("expected an error for an oversized header value")
	}
}

func TestInvoke_AcceptsWellFormedHeadersAndFailsLaterOnNilCollaborators(t *testing.T) {
	p := newHeaderOnlyPipeline(pipeline.Config{MaxHeaders: 10, MaxHeaderValueBytes: 64})
	req := &pipeline.Request{
		Headers: map[string][]string{
			"Content-Type": {"application/json"},
		},
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic once header validation passes and admission (nil in this fixture) is reached")
		}
	}()
	_, _ = p.Invoke(context.Background(), mustName(t, "nonexistent"), req, time.Now().Add(time.Second))
}

// TestCompressionDependency_GzipRoundTrip exercises the same
// klauspost/compress/gzip dependency the pipeline package wires in for
// response compression. The pipeline's own compression path is only
// reachable once a handler response exists, which requires a real
// compiled WASM module this environment cannot produce; this test
// confirms the dependency itself behaves as the pipeline assumes.
func TestCompressionDependency_GzipRoundTrip(t *testing.T) {
	pool := bufpool.New(1024, 4)
	buf := pool.Acquire()
	defer buf.Release()

	w := gzip.NewWriter(sliceWriter{buf})
	if _, err := w.Write([]byte("hello, wasmrun")); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if len(buf.Bytes()) == 0 {
		t.Fatal("expected non-empty gzip output")
	}
}

type sliceWriter struct{ buf *bufpool.Buffer }

func (w sliceWriter) Write(p []byte) (int, error) {
	w.buf.Append(p)
	return len(p), nil
}
