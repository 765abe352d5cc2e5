package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wasmrun/engine/executor"
	"github.com/wasmrun/engine/httpserver"
	"github.com/wasmrun/engine/logger"
	"github.com/wasmrun/engine/metrics"
	"github.com/wasmrun/engine/observability"
	"github.com/wasmrun/engine/pipeline"
)

type fakeState struct{}

func (fakeState) BreakerSnapshot() map[string]string                         { return nil }
func (fakeState) CacheStats() (entries int, bytes int64, maxEntries int, maxBytes int64) {
	return 0, 0, 0, 0
}
func (fakeState) Inflight() map[string]int { return nil }

func newTestServer() *httpserver.Server {
	obs := observability.New(prometheus.NewRegistry(), fakeState{}, true, nil)
	obs.MarkReady()
	p := pipeline.New(pipeline.Config{MaxHeaders: 64, MaxHeaderValueBytes: 8192}, nil, nil, nil, nil, nil, nil, nil, nil, nil)
	pool := executor.New(2)
	log := logger.New(logger.LevelError)
	cfg := httpserver.Config{
		ScriptsDir:         "testdata-scripts-missing",
		MaxBodyBytes:       1024,
		RequestTimeout:     time.Second,
		MaxScriptCallDepth: 4,
	}
	return httpserver.New(cfg, p, pool, obs, log, metrics.NewProcessStats())
}

func TestHandleRun_RejectsTraversalModuleName(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/run/..%2F..%2Fetc%2Fpasswd/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), "BadRequest") {
		t.Fatalf("body = %q, want it to mention BadRequest", w.Body.String())
	}
}

func TestHandleScript_MissingScriptReturnsNotFound(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/script/nonexistent", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleHealth_DelegatesToObservability(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandleMetrics_DelegatesToObservability(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandleRun_RejectsOversizedBody(t *testing.T) {
	s := newTestServer()
	body := strings.NewReader(strings.Repeat("x", 4096))
	req := httptest.NewRequest(http.MethodPost, "/run/echo/", body)
	req.ContentLength = 4096
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
	if !strings.Contains(w.Body.String(), "PayloadTooLarge") {
		t.Fatalf("body = %q, want it to mention PayloadTooLarge", w.Body.String())
	}
}
