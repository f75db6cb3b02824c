package lifecycle

import (
	"fmt"
	"sync"

	"larkgate/pkg/logger"
)

// LoopRunner provides a reusable start/stop lifecycle for background loops.
// Start and Stop are idempotent, Stop waits for the loop to return, and a
// panicking loop is recovered and logged instead of taking the process down.
type LoopRunner struct {
	name    string
	mu      sync.RWMutex
	wg      sync.WaitGroup
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewLoopRunner(name string) *LoopRunner {
	return &LoopRunner{name: name}
}

func (r *LoopRunner) Start(loop func(stop <-chan struct{})) bool {
	if loop == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	r.stopCh = stopCh
	r.doneCh = doneCh
	r.running = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(doneCh)
		defer func() {
			if rec := recover(); rec != nil {
				logger.ErrorCF("lifecycle", "Loop panicked", map[string]interface{}{
					"loop":  r.name,
					"panic": fmt.Sprintf("%v", rec),
				})
				r.mu.Lock()
				if r.stopCh == stopCh {
					r.running = false
					r.stopCh = nil
				}
				r.mu.Unlock()
			}
		}()
		loop(stopCh)
	}()
	return true
}

func (r *LoopRunner) Stop() bool {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		r.wg.Wait()
		return false
	}
	stopCh := r.stopCh
	r.stopCh = nil
	r.running = false
	close(stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	return true
}

func (r *LoopRunner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Done is closed when the most recently started loop has returned.
// It returns nil if the runner was never started.
func (r *LoopRunner) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doneCh
}
