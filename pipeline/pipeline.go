// Package pipeline is the end-to-end invocation path: admission control
// (limits) -> circuit breaker (breaker) -> compiled artifact (modulecache)
// -> instance slot (instancepool) -> timed/fueled execution (wasmhost,
// epoch) -> streamed response (bufpool) -> release -> outcome recording.
//
// Pipeline depends on modulecache and breaker; neither depends back on
// pipeline. Shared state is reached only through their narrow exported
// operations, never by a back-reference, so the three packages form a
// strict DAG rather than a cycle.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/http/httpguts"

	"github.com/wasmrun/engine/breaker"
	"github.com/wasmrun/engine/bufpool"
	"github.com/wasmrun/engine/epoch"
	"github.com/wasmrun/engine/errkind"
	"github.com/wasmrun/engine/instancepool"
	"github.com/wasmrun/engine/limits"
	"github.com/wasmrun/engine/logger"
	"github.com/wasmrun/engine/modulecache"
	"github.com/wasmrun/engine/payload"
	"github.com/wasmrun/engine/sanitizer"
	"github.com/wasmrun/engine/wasmhost"
)

// Request is the host-agnostic view of an inbound call: the outer HTTP
// surface (or the script bridge, for a chained call) builds one of these;
// nothing downstream of Invoke touches net/http types directly.
type Request struct {
	Method  string
	Path    string
	Headers map[string][]string
	Body    []byte
}

// Response is what a handler (or the pipeline's own error mapping)
// produces.
type Response struct {
	Status  int
	Headers map[string][]string
	Body    []byte
}

// Config tunes the pipeline's own policy; the caps for the subsystems it
// wires together live in their own Config types.
type Config struct {
	MaxHeaders          int
	MaxHeaderValueBytes int
	DefaultTimeout      time.Duration
	FuelLimit           uint64
	CompressionEnabled  bool
}

// Pipeline ties every invocation-path component together behind one
// Invoke operation.
type Pipeline struct {
	cfg Config

	cache      *modulecache.Cache
	pool       *instancepool.Manager
	breakers   *breaker.Registry
	admission  *limits.Admission
	metrics    *limits.Metrics
	validators *payload.Registry
	ticker     *epoch.Ticker
	buffers    *bufpool.Pool
	log        *logger.Logger
}

// New constructs a Pipeline from its already-constructed collaborators.
// Every argument is required; Pipeline never creates its own subsystem
// instances so tests can inject narrow fakes for each one independently.
func New(
	cfg Config,
	cache *modulecache.Cache,
	pool *instancepool.Manager,
	breakers *breaker.Registry,
	admission *limits.Admission,
	metrics *limits.Metrics,
	validators *payload.Registry,
	ticker *epoch.Ticker,
	buffers *bufpool.Pool,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		cache:      cache,
		pool:       pool,
		breakers:   breakers,
		admission:  admission,
		metrics:    metrics,
		validators: validators,
		ticker:     ticker,
		buffers:    buffers,
		log:        log,
	}
}

// Invoke runs the full eight-step pipeline for one call to module name.
// deadline bounds the whole call; a zero deadline means "use
// cfg.DefaultTimeout from now".
func (p *Pipeline) Invoke(ctx context.Context, name sanitizer.Name, req *Request, deadline time.Time) (*Response, error) {
	module := name.String()
	start := time.Now()
	if deadline.IsZero() {
		deadline = start.Add(p.cfg.DefaultTimeout)
	}

	if err := p.validateHeaders(req); err != nil {
		return nil, err
	}

	// Step 2: admission.
	release, err := p.admission.TryAdmit(module)
	if err != nil {
		p.metrics.RejectedAdmission.WithLabelValues(module).Inc()
		return nil, errkind.Wrap(errkind.Overloaded, err)
	}
	defer release()
	p.metrics.Started.WithLabelValues(module).Inc()

	// Step 3: breaker check.
	b := p.breakers.Get(module)
	if !b.Check() {
		p.metrics.RejectedBreaker.WithLabelValues(module).Inc()
		p.log.Debugf("module %q rejected: breaker open", module)
		return nil, errkind.New(errkind.CircuitOpen, "module breaker is open")
	}

	resp, outcome, err := p.execute(ctx, name, req, deadline)
	b.Record(outcome)

	elapsed := time.Since(start)
	p.metrics.LatencyMillis.WithLabelValues(module).Observe(float64(elapsed.Milliseconds()))
	if err != nil {
		p.metrics.Failed.WithLabelValues(module).Inc()
		p.log.Debugf("module %q invocation failed: %v", module, err)
		return nil, err
	}
	p.metrics.Succeeded.WithLabelValues(module).Inc()

	if resp != nil && len(resp.Body) > 0 {
		if drifts, verr := p.validators.Get(module).Observe(resp.Body); verr == nil && len(drifts) > 0 {
			p.log.Debugf("module %q response shape drift:\n%s", module, payload.FormatDrifts(drifts))
		}
	}
	p.maybeCompress(req, resp)
	return resp, nil
}

// execute performs steps 4-7: artifact acquisition, instance acquisition,
// timed/fueled execution, and instance release. It returns the breaker
// Outcome the caller must record regardless of whether it also returns
// an error: a handler's own 4xx/5xx is Success even though the *error
// return is nil either way (Response.Status carries the handler's verdict).
func (p *Pipeline) execute(ctx context.Context, name sanitizer.Name, req *Request, deadline time.Time) (*Response, breaker.Outcome, error) {
	module := name.String()

	// Step 4: artifact.
	artifact, err := p.cache.GetOrCompile(ctx, name)
	if err != nil {
		// A compile failure counts as a breaker Failure but is never
		// cached negatively (modulecache already guarantees the latter);
		// the next request retries compilation from scratch.
		return nil, breaker.Failure, errkind.Wrap(errkind.ModuleInvalid, err)
	}

	// Step 5: instance.
	slot, err := p.pool.Acquire(ctx, artifact)
	if err != nil {
		return nil, breaker.Failure, errkind.Wrap(errkind.Overloaded, err)
	}

	slotOutcome := instancepool.Success
	defer func() {
		p.pool.Release(context.Background(), slot, slotOutcome)
	}()

	// Step 6: timed/fueled execution.
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	cancelEpoch := p.ticker.Register(deadline, slot)
	defer cancelEpoch()

	// A cancelled outer request (client disconnect, an upstream script
	// giving up) is distinct from this call's own deadline expiring: the
	// watcher below forces the same epoch-handle interrupt the deadline
	// ticker uses the moment ctx itself is cancelled, rather than waiting
	// for wazero's WithCloseOnContextDone teardown to eventually notice.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				slot.Interrupt(context.Background())
			}
		case <-watchDone:
		}
	}()

	wireReq := encodeRequest(req)
	wireResp, callErr := slot.Invoke(callCtx, wireReq)
	if callErr != nil {
		slotOutcome = instancepool.Discard
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, breaker.Failure, errkind.New(errkind.Cancelled, "request cancelled")
		}
		kind, wrapped := classifyFault(callErr)
		if kind == errkind.Timeout {
			p.metrics.Timeout.WithLabelValues(module).Inc()
		}
		if kind == errkind.FuelExhausted {
			p.metrics.FuelExhausted.WithLabelValues(module).Inc()
		}
		return nil, breaker.Failure, wrapped
	}

	resp, err := decodeResponse(wireResp)
	if err != nil {
		slotOutcome = instancepool.Discard
		return nil, breaker.Failure, errkind.Wrap(errkind.HandlerTrap, err)
	}

	// Step 8 (partial): a handler's own 4xx/5xx is a breaker Success —
	// only host-level faults above are Failures.
	return resp, breaker.Success, nil
}

func classifyFault(err error) (errkind.Kind, error) {
	var faultErr *wasmhost.FaultError
	if errors.As(err, &faultErr) {
		switch faultErr.Reason {
		case wasmhost.FaultTimeout:
			return errkind.Timeout, errkind.Wrap(errkind.Timeout, err)
		case wasmhost.FaultNoExport, wasmhost.FaultInstantiate:
			return errkind.ModuleInvalid, errkind.Wrap(errkind.ModuleInvalid, err)
		default:
			return errkind.HandlerTrap, errkind.Wrap(errkind.HandlerTrap, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.Timeout, errkind.Wrap(errkind.Timeout, err)
	}
	return errkind.HandlerTrap, errkind.Wrap(errkind.HandlerTrap, err)
}

// validateHeaders enforces MaxHeaders and per-field length caps using
// golang.org/x/net/http/httpguts's RFC-7230 field validators, rejecting a
// malformed or oversized header set before it ever reaches a handler.
func (p *Pipeline) validateHeaders(req *Request) error {
	if req == nil {
		return nil
	}
	if p.cfg.MaxHeaders > 0 && len(req.Headers) > p.cfg.MaxHeaders {
		return errkind.New(errkind.BadRequest, "too many header fields")
	}
	for name, values := range req.Headers {
		if !httpguts.ValidHeaderFieldName(name) {
			return errkind.New(errkind.BadRequest, fmt.Sprintf("invalid header name %q", name))
		}
		for _, v := range values {
			if p.cfg.MaxHeaderValueBytes > 0 && len(v) > p.cfg.MaxHeaderValueBytes {
				return errkind.New(errkind.BadRequest, fmt.Sprintf("header %q value too long", name))
			}
			if !httpguts.ValidHeaderFieldValue(v) {
				return errkind.New(errkind.BadRequest, fmt.Sprintf("invalid value for header %q", name))
			}
		}
	}
	return nil
}

// maybeCompress rewrites resp.Body in place through a gzip or brotli
// writer backed by a pooled buffer when the request negotiates it via Accept-Encoding and
// the handler hasn't already set its own Content-Encoding. Compression
// is never applied by the caller for /health or /metrics (those bypass
// Invoke entirely; see httpserver).
func (p *Pipeline) maybeCompress(req *Request, resp *Response) {
	if !p.cfg.CompressionEnabled || req == nil || resp == nil || len(resp.Body) == 0 {
		return
	}
	if _, set := resp.Headers["Content-Encoding"]; set {
		return
	}
	accept := req.Headers["Accept-Encoding"]
	switch {
	case headerListContains(accept, "br"):
		if out, ok := p.compressBrotli(resp.Body); ok {
			resp.Body = out
			setHeader(resp, "Content-Encoding", "br")
		}
	case headerListContains(accept, "gzip"):
		if out, ok := p.compressGzip(resp.Body); ok {
			resp.Body = out
			setHeader(resp, "Content-Encoding", "gzip")
		}
	}
}

func (p *Pipeline) compressGzip(body []byte) ([]byte, bool) {
	buf := p.buffers.Acquire()
	defer buf.Release()
	w := gzip.NewWriter(sliceWriter{buf})
	if _, err := w.Write(body); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, true
}

func (p *Pipeline) compressBrotli(body []byte) ([]byte, bool) {
	buf := p.buffers.Acquire()
	defer buf.Release()
	w := brotli.NewWriter(sliceWriter{buf})
	if _, err := w.Write(body); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, true
}

// sliceWriter adapts a *bufpool.Buffer to io.Writer.
type sliceWriter struct{ buf *bufpool.Buffer }

func (w sliceWriter) Write(p []byte) (int, error) {
	w.buf.Append(p)
	return len(p), nil
}

var _ io.Writer = sliceWriter{}

func headerListContains(values []string, token string) bool {
	for _, v := range values {
		if v == token || containsToken(v, token) {
			return true
		}
	}
	return false
}

func containsToken(csv, token string) bool {
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			part := trimSpace(csv[start:i])
			if part == token {
				return true
			}
			start = i + 1
		}
	}
	return false
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

func setHeader(resp *Response, key, value string) {
	if resp.Headers == nil {
		resp.Headers = make(map[string][]string)
	}
	resp.Headers[key] = []string{value}
}

// Wire encoding between the pipeline and a wasmhost.Instance: a small
// length-prefixed serialization of {method, path, headers, body}. This is
// the runtime's deviation from the full WASI HTTP component-model ABI
// (see DESIGN.md); there is no natural third-party codec for a bespoke
// single-purpose framing like this one, so it is hand-rolled on
// encoding/binary rather than reaching for a general-purpose serializer.

func encodeRequest(req *Request) []byte {
	if req == nil {
		req = &Request{}
	}
	var buf []byte
	buf = appendString(buf, req.Method)
	buf = appendString(buf, req.Path)
	buf = appendHeaders(buf, req.Headers)
	buf = appendBytes(buf, req.Body)
	return buf
}

func decodeResponse(data []byte) (*Response, error) {
	r := &byteReader{data: data}
	status, err := r.uvarint()
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode response status: %w", err)
	}
	headers, err := r.headers()
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode response headers: %w", err)
	}
	body, err := r.bytes()
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode response body: %w", err)
	}
	return &Response{Status: int(status), Headers: headers, Body: body}, nil
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendBytes(buf []byte, b []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, b...)
}

func appendHeaders(buf []byte, headers map[string][]string) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(headers)))
	buf = append(buf, lenBuf[:n]...)
	for k, values := range headers {
		buf = appendString(buf, k)
		n = binary.PutUvarint(lenBuf[:], uint64(len(values)))
		buf = append(buf, lenBuf[:n]...)
		for _, v := range values {
			buf = appendString(buf, v)
		}
	}
	return buf
}

// byteReader is a minimal cursor over the wire format's length-prefixed
// fields, paired with appendString/appendBytes/appendHeaders above.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, errors.New("truncated varint")
	}
	r.pos += n
	return v, nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.data) {
		return nil, errors.New("truncated byte field")
	}
	out := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *byteReader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) headers() (map[string][]string, error) {
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	out := make(map[string][]string, count)
	for i := uint64(0); i < count; i++ {
		key, err := r.string()
		if err != nil {
			return nil, err
		}
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		values := make([]string, n)
		for j := uint64(0); j < n; j++ {
			v, err := r.string()
			if err != nil {
				return nil, err
			}
			values[j] = v
		}
		out[key] = values
	}
	return out, nil
}
