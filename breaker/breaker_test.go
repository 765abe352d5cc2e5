package breaker_test

import (
	"testing"
	"time"

	"github.com/wasmrun/engine/breaker"
)

func TestBreaker_TripsAtExactThreshold(t *testing.T) {
	b := breaker.New(breaker.Config{FailThreshold: 3, Cooldown: time.Hour})
	for i := 0; i < 2; i++ {
		if !b.Check() {
			t.Fatalf("expected Allow before threshold reached, iteration %d", i)
		}
		b.Record(breaker.Failure)
		if b.State() != breaker.StateClosed {
			t.Fatalf("expected Closed after %d failures, got %s", i+1, b.State())
		}
	}
	if !b.Check() {
		t.Fatal("expected Allow on the threshold-triggering call")
	}
	b.Record(breaker.Failure)
	if b.State() != breaker.StateOpen {
		t.Fatalf("expected Open after %d consecutive failures, got %s", 3, b.State())
	}
}

func TestBreaker_SingleFailureThresholdOpensImmediately(t *testing.T) {
	b := breaker.New(breaker.Config{FailThreshold: 1, Cooldown: time.Hour})
	b.Check()
	b.Record(breaker.Failure)
	if b.State() != breaker.StateOpen {
		t.Fatalf("expected Open after single failure with threshold=1, got %s", b.State())
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := breaker.New(breaker.Config{FailThreshold: 3, Cooldown: time.Hour})
	b.Record(breaker.Failure)
	b.Record(breaker.Failure)
	b.Record(breaker.Success)
	b.Record(breaker.Failure)
	b.Record(breaker.Failure)
	if b.State() != breaker.StateClosed {
		t.Fatalf("expected still Closed after a success reset the streak, got %s", b.State())
	}
}

func TestBreaker_OpenRejectsBeforeCooldown(t *testing.T) {
	b := breaker.New(breaker.Config{FailThreshold: 1, Cooldown: 50 * time.Millisecond})
	b.Check()
	b.Record(breaker.Failure)
	if b.Check() {
		t.Fatal("expected Reject immediately after opening")
	}
}

func TestBreaker_HalfOpenAfterCooldownThenCloses(t *testing.T) {
	b := breaker.New(breaker.Config{FailThreshold: 1, Cooldown: 10 * time.Millisecond, SuccessThreshold: 2, ProbeBudget: 2})
	b.Check()
	b.Record(breaker.Failure)

	time.Sleep(15 * time.Millisecond)

	if !b.Check() {
		t.Fatal("expected probe to be admitted after cooldown elapsed")
	}
	if b.State() != breaker.StateHalfOpen {
		t.Fatalf("expected HalfOpen, got %s", b.State())
	}
	b.Record(breaker.Success)
	if b.State() != breaker.StateHalfOpen {
		t.Fatalf("expected to still be HalfOpen after 1/2 successes, got %s", b.State())
	}
	if !b.Check() {
		t.Fatal("expected second probe to be admitted within budget")
	}
	b.Record(breaker.Success)
	if b.State() != breaker.StateClosed {
		t.Fatalf("expected Closed after SuccessThreshold probes succeeded, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := breaker.New(breaker.Config{FailThreshold: 1, Cooldown: 10 * time.Millisecond})
	b.Check()
	b.Record(breaker.Failure)
	time.Sleep(15 * time.Millisecond)
	b.Check()
	b.Record(breaker.Failure)
	if b.State() != breaker.StateOpen {
		t.Fatalf("expected Open again after probe failure, got %s", b.State())
	}
}

func TestBreaker_HalfOpenBudgetExhausted(t *testing.T) {
	b := breaker.New(breaker.Config{FailThreshold: 1, Cooldown: 10 * time.Millisecond, ProbeBudget: 1})
	b.Check()
	b.Record(breaker.Failure)
	time.Sleep(15 * time.Millisecond)

	if !b.Check() {
		t.Fatal("expected first probe admitted")
	}
	if b.Check() {
		t.Fatal("expected second concurrent probe to be rejected, budget is 1")
	}
}

func TestRegistry_GetIsStablePerModule(t *testing.T) {
	r := breaker.NewRegistry(breaker.Config{FailThreshold: 2})
	a1 := r.Get("mod-a")
	a2 := r.Get("mod-a")
	if a1 != a2 {
		t.Fatal("expected the same breaker instance for repeated Get on the same module")
	}
	b1 := r.Get("mod-b")
	if a1 == b1 {
		t.Fatal("expected distinct breakers for distinct modules")
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := breaker.NewRegistry(breaker.Config{FailThreshold: 1, Cooldown: time.Hour})
	b := r.Get("always_trap")
	b.Check()
	b.Record(breaker.Failure)

	snap := r.Snapshot()
	if snap["always_trap"] != "open" {
		t.Fatalf("expected open in snapshot, got %v", snap)
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := breaker.NewRegistry(breaker.Config{FailThreshold: 1})
	first := r.Get("mod")
	r.Remove("mod")
	second := r.Get("mod")
	if first == second {
		t.Fatal("expected Remove to force a fresh breaker on next Get")
	}
}
