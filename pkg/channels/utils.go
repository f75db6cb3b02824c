package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"larkgate/pkg/logger"
)

func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}

type cancelGuard struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (g *cancelGuard) set(cancel context.CancelFunc) {
	g.mu.Lock()
	prev := g.cancel
	g.cancel = cancel
	g.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (g *cancelGuard) cancelAndClear() {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runChannelTask runs task on its own goroutine. A panic is turned into an
// error so onFailure still sees it.
func runChannelTask(name, taskName string, task func() error, onFailure func(error)) {
	go func() {
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s panicked: %v", taskName, r)
				}
			}()
			return task()
		}()
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			logger.InfoCF(name, taskName+" stopped", map[string]interface{}{
				"reason": "context canceled",
			})
			return
		}
		logger.ErrorCF(name, taskName+" failed", map[string]interface{}{
			logger.FieldError: err.Error(),
		})
		if onFailure != nil {
			onFailure(err)
		}
	}()
}

// offload runs a blocking call on its own goroutine and waits for it or for
// ctx. When ctx wins, the call keeps running and its result is discarded.
func offload[T any](ctx context.Context, fn func() T) (T, error) {
	done := make(chan T, 1)
	go func() {
		done <- fn()
	}()

	select {
	case v := <-done:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
