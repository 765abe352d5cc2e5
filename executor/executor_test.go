package executor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wasmrun/engine/executor"
)

func TestPool_ExecutesAllJobs(t *testing.T) {
	p := executor.New(4)
	defer p.Stop()

	var count atomic.Int64
	const n = 100
	for i := 0; i < n; i++ {
		if err := p.Submit(context.Background(), func() { count.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if count.Load() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d jobs executed, got %d", n, count.Load())
}

func TestPool_ZeroWorkersFallsBackToOne(t *testing.T) {
	p := executor.New(0)
	defer p.Stop()

	done := make(chan struct{})
	if err := p.Submit(context.Background(), func() { close(done) }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
}

func TestPool_SubmitAfterStopReturnsErrStopped(t *testing.T) {
	p := executor.New(1)
	p.Stop()
	err := p.Submit(context.Background(), func() {})
	if err != executor.ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPool_SubmitRespectsContextCancellation(t *testing.T) {
	p := executor.New(1)
	defer p.Stop()

	// Saturate the single worker and its queue so the next Submit blocks.
	block := make(chan struct{})
	defer close(block)
	for i := 0; i < 5; i++ {
		_ = p.Submit(context.Background(), func() { <-block })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	if err == nil {
		t.Fatal("expected context deadline to cancel a blocked Submit")
	}
}
