// wasmrun is a sandboxed host runtime for WASI-HTTP-shaped handler
// modules: a compiled WebAssembly module exporting handle_request is
// invoked per HTTP request behind admission control, a circuit breaker,
// an LRU compiled-artifact cache, a bounded instance pool, and a
// wall-clock deadline, with orchestration scripts able to chain
// invocations through a sandboxed ECMAScript bridge.
//
// Startup sequence:
//  1. Load configuration (JSON file or defaults).
//  2. Initialise the logger.
//  3. Verify the module and script base directories exist.
//  4. Construct the wazero runtime, module cache, instance pool, circuit
//     breaker registry, payload validator registry, admission control,
//     and metrics (on a private Prometheus registry).
//  5. Start the epoch ticker and the executor worker pool.
//  6. Wire the pipeline and the HTTP surface.
//  7. Start the background janitor and the HTTP listener.
//  8. Block until OS signals SIGINT or SIGTERM, then shut down in
//     reverse dependency order.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wasmrun/engine/breaker"
	"github.com/wasmrun/engine/bufpool"
	"github.com/wasmrun/engine/config"
	"github.com/wasmrun/engine/epoch"
	"github.com/wasmrun/engine/executor"
	"github.com/wasmrun/engine/httpserver"
	"github.com/wasmrun/engine/instancepool"
	"github.com/wasmrun/engine/limits"
	"github.com/wasmrun/engine/logger"
	"github.com/wasmrun/engine/metrics"
	"github.com/wasmrun/engine/modulecache"
	"github.com/wasmrun/engine/observability"
	"github.com/wasmrun/engine/payload"
	"github.com/wasmrun/engine/pipeline"
	"github.com/wasmrun/engine/scheduler"
	"github.com/wasmrun/engine/wasmhost"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	flag.Parse()

	// ── Configuration ──────────────────────────────────────────────────────
	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "wasmrun: failed to load config from %q: %v\n", *configFile, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// ── Logger ─────────────────────────────────────────────────────────────
	log := logger.New(logger.ParseLevel(cfg.LogLevel))
	log.Info("wasmrun starting up")
	if *configFile != "" {
		log.Infof("configuration loaded from %q", *configFile)
	} else {
		log.Info("using default configuration")
	}

	// ── Base directory verification ─────────────────────────────────────────
	if err := verifyDir(cfg.ModulesDir); err != nil {
		log.Errorf("modules_dir %q: %v", cfg.ModulesDir, err)
		os.Exit(1)
	}
	if err := verifyDir(cfg.ScriptsDir); err != nil {
		log.Errorf("scripts_dir %q: %v", cfg.ScriptsDir, err)
		os.Exit(1)
	}

	ctx := context.Background()

	// ── Runtime, cache, instance pool ────────────────────────────────────────
	rt := wasmhost.NewRuntime(ctx, wasmhost.RuntimeConfig{CacheDir: cfg.CacheDir})
	pool := instancepool.New(rt, instancepool.Config{
		PerModuleCap:      cfg.PerModuleCap,
		MaxPreWarmWorkers: cfg.MaxPreWarmWorkers,
	})
	cache := modulecache.New(cfg.ModulesDir, rt, modulecache.Config{
		MaxEntries:     cfg.CacheMaxEntries,
		MaxBytes:       cfg.CacheMaxBytes,
		OnFreshCompile: pool.PreWarmAsync,
	})

	// ── Breaker, validators, admission, metrics ──────────────────────────────
	breakers := breaker.NewRegistry(breaker.Config{
		FailThreshold:    cfg.BreakerFailThreshold,
		Cooldown:         cfg.BreakerCooldown,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		ProbeBudget:      cfg.BreakerProbeBudget,
	})
	validators := payload.NewRegistry()
	admission := limits.NewAdmission(limits.Config{
		GlobalMax: cfg.GlobalMaxInflight,
		ModuleMax: cfg.ModuleMaxInflight,
	})
	registry := prometheus.NewRegistry()
	promMetrics := limits.NewMetrics(registry, cfg.HistogramBucketsMs)
	procStats := metrics.NewProcessStats()

	// ── Epoch ticker, buffer pool, executor ──────────────────────────────────
	ticker := epoch.New(time.Duration(cfg.EpochTickMs) * time.Millisecond)
	ticker.Start()
	buffers := bufpool.New(cfg.BufferCapacityBytes, cfg.BufferPoolSize)
	execPool := executor.New(cfg.ExecutorWorkers)

	// ── Pipeline ──────────────────────────────────────────────────────────────
	p := pipeline.New(pipeline.Config{
		MaxHeaders:          cfg.MaxHeaders,
		MaxHeaderValueBytes: cfg.MaxHeaderValueBytes,
		DefaultTimeout:      cfg.RequestTimeout,
		FuelLimit:           cfg.FuelLimit,
		CompressionEnabled:  cfg.CompressionEnabled,
	}, cache, pool, breakers, admission, promMetrics, validators, ticker, buffers, log)

	// ── Observability and HTTP surface ───────────────────────────────────────
	obs := observability.New(registry, observability.NewStateSource(breakers, cache, pool), cfg.AdminEnabled, procStats)
	srv := httpserver.New(httpserver.Config{
		ScriptsDir:         cfg.ScriptsDir,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		RequestTimeout:     cfg.RequestTimeout,
		MaxScriptCallDepth: cfg.MaxScriptCallDepth,
	}, p, execPool, obs, log, procStats)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streamed handler bodies may legitimately run long
		IdleTimeout:  120 * time.Second,
	}

	// ── Janitor ─────────────────────────────────────────────────────────────
	janitor := scheduler.New(5*time.Second, promMetrics, log)
	janitor.Start()

	obs.MarkReady()

	go func() {
		log.Infof("listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server error: %v", err)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println() // newline after ^C
	log.Infof("received signal %s; shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http server shutdown: %v", err)
	}

	janitor.Stop()
	ticker.Stop()
	execPool.Stop()
	if err := rt.Close(shutdownCtx); err != nil {
		log.Errorf("wasm runtime close: %v", err)
	}

	log.Info("wasmrun shut down cleanly")
}

func verifyDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}
	return nil
}
