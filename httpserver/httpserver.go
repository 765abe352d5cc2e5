// Package httpserver is the host's external HTTP surface: GET /health,
// GET /metrics, ANY /run/{module}/{...}, POST /script/{name}, and the
// supplemented GET /admin/state, grounded on the teacher's dashboard.Server
// mux shape with the SSE/dashboard-specific routes stripped out.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/wasmrun/engine/errkind"
	"github.com/wasmrun/engine/executor"
	"github.com/wasmrun/engine/logger"
	"github.com/wasmrun/engine/metrics"
	"github.com/wasmrun/engine/observability"
	"github.com/wasmrun/engine/pipeline"
	"github.com/wasmrun/engine/sanitizer"
	"github.com/wasmrun/engine/script"
)

// Config tunes the HTTP surface itself; subsystem caps live in their own
// Config types.
type Config struct {
	ScriptsDir         string
	MaxBodyBytes       int64
	RequestTimeout     time.Duration
	MaxScriptCallDepth int
}

// Server wires the pipeline, the script runtime, and the observability
// surface behind one http.Handler.
type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	pool     *executor.Pool
	obs      *observability.Server
	log      *logger.Logger
	stats    *metrics.ProcessStats
	mux      *http.ServeMux
}

// New constructs a Server. pool is the shared executor pool both a direct
// /run invocation and a script's host.call re-entry are dispatched
// through, so script-triggered invocations are bounded by the same worker
// budget as direct ones. stats may be nil, in which case no process-wide
// invocation counters are kept.
func New(cfg Config, p *pipeline.Pipeline, pool *executor.Pool, obs *observability.Server, log *logger.Logger, stats *metrics.ProcessStats) *Server {
	s := &Server{cfg: cfg, pipeline: p, pool: pool, obs: obs, log: log, stats: stats, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes() {
	s.mux.Handle("/health", s.obs.Handler())
	s.mux.Handle("/metrics", s.obs.Handler())
	s.mux.Handle("/admin/state", s.obs.Handler())
	s.mux.HandleFunc("/run/{module}/{rest...}", s.handleRun)
	s.mux.HandleFunc("POST /script/{name}", s.handleScript)
}

// handleRun serves ANY /run/{module}/{sub_path...}: it rewrites the
// request path to sub_path and invokes module through the pipeline,
// relaying the handler's own response verbatim.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name, err := sanitizer.SanitizeModuleName(r.PathValue("module"))
	if err != nil {
		writeError(w, errkind.New(errkind.BadRequest, err.Error()))
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	req := &pipeline.Request{
		Method:  r.Method,
		Path:    "/" + r.PathValue("rest"),
		Headers: map[string][]string(r.Header),
		Body:    body,
	}

	deadline := time.Now().Add(s.cfg.RequestTimeout)
	var resp *pipeline.Response
	done := make(chan struct{})
	if submitErr := s.pool.Submit(r.Context(), func() {
		defer close(done)
		resp, err = s.pipeline.Invoke(r.Context(), name, req, deadline)
		s.recordInvoke(err)
	}); submitErr != nil {
		writeError(w, errkind.Wrap(errkind.Overloaded, submitErr))
		return
	}
	<-done
	if err != nil {
		writeError(w, err)
		return
	}
	writeResponse(w, resp)
}

// recordInvoke updates the process-wide invocation counters the admin
// snapshot reports on. A handler's own 4xx/5xx still counts as Succeeded
// here (err is nil in that case, mirroring the breaker's tie-break); only
// a host-level fault reaching the HTTP boundary counts as Failed.
func (s *Server) recordInvoke(err error) {
	if s.stats == nil {
		return
	}
	s.stats.IncrementTotal()
	if err != nil {
		s.stats.IncrementFailed()
		return
	}
	s.stats.IncrementSucceeded()
}

// handleScript serves POST /script/{name}: it loads scripts/{name}.js,
// decodes the request body as the script's input, and runs it with a
// Bridge that re-enters the pipeline for every host.call.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	name, err := sanitizer.SanitizeScriptName(r.PathValue("name"))
	if err != nil {
		writeError(w, errkind.New(errkind.BadRequest, err.Error()))
		return
	}
	scriptPath, err := sanitizer.ResolveModulePath(s.cfg.ScriptsDir, name)
	if err != nil {
		writeError(w, errkind.New(errkind.BadRequest, err.Error()))
		return
	}
	source, err := os.ReadFile(scriptPath + ".js") // #nosec G304 -- scriptPath is sanitized and base-confined above
	if err != nil {
		writeError(w, errkind.New(errkind.NotFound, "script not found"))
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	var input interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &input); err != nil {
			input = string(body)
		}
	}

	deadline := time.Now().Add(s.cfg.RequestTimeout)
	result, err := script.Run(r.Context(), string(source), script.Options{
		Input:    input,
		Deadline: deadline,
		MaxDepth: s.cfg.MaxScriptCallDepth,
		Bridge:   s.bridge(name.String()),
		Log:      s.scriptLogger(name.String()),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.log.Errorf("script %q: encode result: %v", name.String(), err)
	}
}

// bridge returns the Bridge a running script's host.call uses to re-enter
// the pipeline. The call is dispatched through the same executor pool a
// direct /run invocation uses, so a chain of host.call re-entries cannot
// starve the worker budget reserved for direct requests beyond its share.
func (s *Server) bridge(scriptName string) script.Bridge {
	return func(ctx context.Context, name string, opts map[string]interface{}, deadline time.Time) (map[string]interface{}, error) {
		target, err := sanitizer.SanitizeModuleName(name)
		if err != nil {
			return nil, errkind.New(errkind.BadRequest, err.Error())
		}
		req := requestFromOpts(opts)

		type outcome struct {
			resp *pipeline.Response
			err  error
		}
		done := make(chan outcome, 1)
		job := func() {
			resp, err := s.pipeline.Invoke(ctx, target, req, deadline)
			s.recordInvoke(err)
			done <- outcome{resp: resp, err: err}
		}
		if err := s.pool.Submit(ctx, job); err != nil {
			return nil, errkind.Wrap(errkind.Overloaded, err)
		}

		select {
		case o := <-done:
			if o.err != nil {
				return nil, o.err
			}
			return responseToMap(o.resp), nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, errkind.New(errkind.Cancelled, "request cancelled")
			}
			return nil, errkind.Wrap(errkind.Timeout, ctx.Err())
		}
	}
}

func (s *Server) scriptLogger(name string) script.Logger {
	return func(level, msg string) {
		switch level {
		case "error":
			s.log.Errorf("script %q: %s", name, msg)
		case "debug":
			s.log.Debugf("script %q: %s", name, msg)
		default:
			s.log.Infof("script %q: %s", name, msg)
		}
	}
}

func requestFromOpts(opts map[string]interface{}) *pipeline.Request {
	req := &pipeline.Request{Method: http.MethodPost, Path: "/"}
	if opts == nil {
		return req
	}
	if method, ok := opts["method"].(string); ok && method != "" {
		req.Method = method
	}
	if path, ok := opts["path"].(string); ok && path != "" {
		req.Path = path
	}
	if body, ok := opts["body"].(string); ok {
		req.Body = []byte(body)
	} else if opts["body"] != nil {
		if encoded, err := json.Marshal(opts["body"]); err == nil {
			req.Body = encoded
		}
	}
	if headers, ok := opts["headers"].(map[string]interface{}); ok {
		req.Headers = make(map[string][]string, len(headers))
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Headers[k] = []string{s}
			}
		}
	}
	return req
}

func responseToMap(resp *pipeline.Response) map[string]interface{} {
	if resp == nil {
		return map[string]interface{}{"status": 0}
	}
	headers := make(map[string]interface{}, len(resp.Headers))
	for k, v := range resp.Headers {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return map[string]interface{}{
		"status":  resp.Status,
		"headers": headers,
		"body":    string(resp.Body),
	}
}

// readBody enforces MaxBodyBytes via http.MaxBytesReader, so an
// oversized request body is rejected while reading rather than after
// being buffered in full, with errkind.PayloadTooLarge (HTTP 413) rather
// than a generic bad request.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errkind.New(errkind.BadRequest, err.Error())
		}
		return body, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errkind.New(errkind.PayloadTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit))
		}
		return nil, errkind.New(errkind.BadRequest, err.Error())
	}
	return body, nil
}

// errorBody is the JSON shape every mapped error is rendered as.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps err to its errkind.Kind (Unknown if it isn't an
// *errkind.Error) and writes the fixed status/body pair for that kind.
func writeError(w http.ResponseWriter, err error) {
	var kerr *errkind.Error
	kind := errkind.Unknown
	message := err.Error()
	if errors.As(err, &kerr) {
		kind = kerr.Kind
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorBody{Kind: kind.String(), Message: message})
}

func writeResponse(w http.ResponseWriter, resp *pipeline.Response) {
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	header := w.Header()
	for k, values := range resp.Headers {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
