package lifecycle

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopRunnerStartStopIdempotent(t *testing.T) {
	r := NewLoopRunner("test")
	var iterations int32

	started := r.Start(func(stop <-chan struct{}) {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				atomic.AddInt32(&iterations, 1)
			}
		}
	})
	if !started {
		t.Fatalf("expected first start to succeed")
	}
	if r.Start(func(<-chan struct{}) {}) {
		t.Fatalf("expected second start to be rejected while running")
	}
	if !r.Running() {
		t.Fatalf("expected runner to report running")
	}

	if !r.Stop() {
		t.Fatalf("expected stop to succeed")
	}
	if r.Stop() {
		t.Fatalf("expected second stop to be a no-op")
	}
	if r.Running() {
		t.Fatalf("expected runner stopped")
	}
	select {
	case <-r.Done():
	default:
		t.Fatalf("expected done channel closed after stop")
	}
}

func TestLoopRunnerRecoversPanic(t *testing.T) {
	r := NewLoopRunner("panicky")
	r.Start(func(<-chan struct{}) {
		panic("boom")
	})

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit after panic")
	}
	if r.Running() {
		t.Fatalf("expected running flag cleared after panic")
	}
	if !r.Start(func(stop <-chan struct{}) { <-stop }) {
		t.Fatalf("expected restart after panic to succeed")
	}
	r.Stop()
}

func TestLoopRunnerRejectsNilLoop(t *testing.T) {
	r := NewLoopRunner("nil")
	if r.Start(nil) {
		t.Fatalf("expected nil loop to be rejected")
	}
	if r.Done() != nil {
		t.Fatalf("expected nil done channel before any start")
	}
}
