// Package config provides production-grade configuration management for
// the wasmrun host. It supports JSON-based configuration loading with
// safe defaults, rejecting unknown keys at startup rather than silently
// ignoring a typo'd or removed option.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds every tunable parameter for the host. The struct is loaded
// once at startup and then shared across goroutines as a read-only value,
// making it inherently thread-safe after initialization.
type Config struct {
	// ListenAddr is the address the HTTP surface binds to.
	ListenAddr string `json:"listen_addr"`

	// ModulesDir is the on-disk directory handler modules are loaded
	// from: modules/<name>.wasm.
	ModulesDir string `json:"modules_dir"`

	// ScriptsDir is the on-disk directory orchestration scripts are
	// loaded from: scripts/<name>.js.
	ScriptsDir string `json:"scripts_dir"`

	// CacheDir is an optional on-disk compiled-artifact cache directory.
	// Empty disables the on-disk cache; compilation results are still
	// kept in the in-memory module cache.
	CacheDir string `json:"cache_dir"`

	// RequestTimeout is the per-invocation wall-clock deadline enforced
	// by the epoch ticker.
	RequestTimeout time.Duration `json:"request_timeout"`

	// MaxBodyBytes caps request body size. A request body over this
	// limit is rejected with PayloadTooLarge (HTTP 413) at read time,
	// before it ever reaches a handler. Response bodies are not capped.
	MaxBodyBytes int64 `json:"max_body_bytes"`

	// MaxHeaders caps the number of header fields a request may carry;
	// MaxHeaderValueBytes caps each individual name or value's length.
	MaxHeaders          int `json:"max_headers"`
	MaxHeaderValueBytes int `json:"max_header_value_bytes"`

	// FuelLimit is accepted and passed to the pipeline, but no fuel
	// metering is applied: an invocation is bounded only by its
	// deadline, and this value has no effect.
	FuelLimit uint64 `json:"fuel_limit"`

	// GlobalMaxInflight and ModuleMaxInflight are the admission caps
	// (limits.Config). 0 means unbounded.
	GlobalMaxInflight int64 `json:"global_max_inflight"`
	ModuleMaxInflight int64 `json:"module_max_inflight"`

	// PerModuleCap bounds how many instance slots instancepool will
	// instantiate concurrently for one module.
	PerModuleCap int `json:"per_module_cap"`

	// BreakerFailThreshold, BreakerCooldown, BreakerSuccessThreshold,
	// BreakerProbeBudget tune the circuit breaker (breaker.Config).
	BreakerFailThreshold    int           `json:"breaker_fail_threshold"`
	BreakerCooldown         time.Duration `json:"breaker_cooldown"`
	BreakerSuccessThreshold int           `json:"breaker_success_threshold"`
	BreakerProbeBudget      int           `json:"breaker_probe_budget"`

	// CacheMaxEntries and CacheMaxBytes bound the module cache (0 means
	// unbounded).
	CacheMaxEntries int   `json:"cache_max_entries"`
	CacheMaxBytes   int64 `json:"cache_max_bytes"`

	// BufferCapacityBytes and BufferPoolSize tune the streaming buffer
	// pool.
	BufferCapacityBytes int `json:"buffer_capacity_bytes"`
	BufferPoolSize      int `json:"buffer_pool_size"`

	// EpochTickMs is the epoch ticker's sweep period in milliseconds.
	EpochTickMs int `json:"epoch_tick_ms"`

	// MaxScriptCallDepth bounds host.call re-entrancy depth from a
	// running script.
	MaxScriptCallDepth int `json:"max_script_call_depth"`

	// MaxPreWarmWorkers bounds the concurrency of the background
	// instance pre-warming fan-out.
	MaxPreWarmWorkers int `json:"max_prewarm_workers"`

	// ExecutorWorkers sizes the shared goroutine pool used for direct
	// invocations and script host.call re-entry.
	ExecutorWorkers int `json:"executor_workers"`

	// CompressionEnabled turns on gzip/br response compression when the
	// request negotiates it via Accept-Encoding.
	CompressionEnabled bool `json:"compression_enabled"`

	// HistogramBucketsMs overrides the default latency histogram
	// buckets, in milliseconds.
	HistogramBucketsMs []float64 `json:"histogram_buckets_ms"`

	// AdminEnabled toggles the GET /admin/state introspection endpoint.
	AdminEnabled bool `json:"admin_enabled"`

	// LogLevel is one of "debug", "info", "error".
	LogLevel string `json:"log_level"`
}

// LoadConfig reads a JSON file at filename and deserialises it into a
// Config. Unknown JSON keys are a hard error, so a typo or a removed
// option is caught at startup instead of silently ignored.
func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename) // #nosec G304 -- filename is caller-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	cfg := *DefaultConfig()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	return &cfg, nil
}

// DefaultConfig returns a *Config pre-filled with production-sensible
// defaults. Callers are free to mutate the returned struct; each call
// returns a fresh independent copy.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:              ":8080",
		ModulesDir:              "modules",
		ScriptsDir:              "scripts",
		CacheDir:                "",
		RequestTimeout:          5 * time.Second,
		MaxBodyBytes:            10 * 1024 * 1024,
		MaxHeaders:              64,
		MaxHeaderValueBytes:     8 * 1024,
		FuelLimit:               0,
		GlobalMaxInflight:       256,
		ModuleMaxInflight:       32,
		PerModuleCap:            4,
		BreakerFailThreshold:    5,
		BreakerCooldown:         30 * time.Second,
		BreakerSuccessThreshold: 1,
		BreakerProbeBudget:      1,
		CacheMaxEntries:         256,
		CacheMaxBytes:           256 * 1024 * 1024,
		BufferCapacityBytes:     32 * 1024,
		BufferPoolSize:          64,
		EpochTickMs:             10,
		MaxScriptCallDepth:      8,
		MaxPreWarmWorkers:       8,
		ExecutorWorkers:         16,
		CompressionEnabled:      true,
		HistogramBucketsMs:      nil,
		AdminEnabled:            true,
		LogLevel:                "info",
	}
}
