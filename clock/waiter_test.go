package clock

import (
	"context"
	"testing"
	"time"
)

func TestWaiterWaitRunsFullIntervalWithoutWake(t *testing.T) {
	w := NewWaiter(10 * time.Millisecond)
	start := time.Now()
	if w.Wait(context.Background()) {
		t.Fatal("expected Wait to run the full interval")
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("Wait returned after %s, before the interval elapsed", elapsed)
	}
}

func TestWaiterWakeCutsWaitShort(t *testing.T) {
	w := NewWaiter(time.Hour)
	done := make(chan bool, 1)
	go func() { done <- w.Wait(context.Background()) }()

	time.Sleep(5 * time.Millisecond)
	w.Wake()

	select {
	case woken := <-done:
		if !woken {
			t.Fatal("expected Wait to report the wake")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Wake")
	}
}

func TestWaiterWakeWhileNotWaitingLatchesForNextWait(t *testing.T) {
	w := NewWaiter(time.Hour)
	w.Wake()
	w.Wake() // repeated wakes collapse into one pending signal

	if !w.Wait(context.Background()) {
		t.Fatal("expected the latched wake to cut the first Wait short")
	}

	// The latch resets: a second Wait must run the interval again.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if w.Wait(ctx) {
		t.Fatal("second Wait consumed a stale wake")
	}
}

func TestWaiterWaitReturnsOnContextCancel(t *testing.T) {
	w := NewWaiter(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() { done <- w.Wait(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case woken := <-done:
		if woken {
			t.Fatal("cancelled Wait must not report a wake")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return on context cancellation")
	}
}
