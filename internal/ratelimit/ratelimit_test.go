package ratelimit

import (
	"context"
	"testing"
	"time"
)

// waitBriefly reports whether an event is admitted without a real wait.
func waitBriefly(l *Limiter) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	return l.Wait(ctx) == nil
}

func TestNew_ZeroIsUnlimited(t *testing.T) {
	for _, eps := range []float64{0, -1} {
		l := New(eps, 0)
		if l != nil {
			t.Fatalf("expected nil limiter for eps %v", eps)
		}
		for i := 0; i < 100; i++ {
			if !waitBriefly(l) {
				t.Fatal("expected nil limiter to admit every event")
			}
		}
	}
}

func TestLimiter_Wait(t *testing.T) {
	l := New(1, 1)

	if !waitBriefly(l) {
		t.Fatal("expected first event to be admitted")
	}
	if waitBriefly(l) {
		t.Fatal("expected second event to be limited")
	}
}

func TestLimiter_DefaultBurst(t *testing.T) {
	l := New(5, 0)

	admitted := 0
	for i := 0; i < 10; i++ {
		if waitBriefly(l) {
			admitted++
		}
	}
	if admitted != 5 {
		t.Errorf("expected burst of 5, got %d", admitted)
	}
}

func TestLimiter_FractionalRateBurstAtLeastOne(t *testing.T) {
	l := New(0.5, 0)
	if !waitBriefly(l) {
		t.Fatal("expected first event to be admitted")
	}
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := New(0.1, 1)
	_ = l.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected wait to fail once the context expires")
	}
}

func TestLimiter_WaitPaces(t *testing.T) {
	l := New(50, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("expected events to be paced, took %v", elapsed)
	}
}
