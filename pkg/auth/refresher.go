package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"larkgate/pkg/logger"
)

const DefaultRefreshSchedule = "@every 10m"

// Refresher keeps the stored token warm in long-running processes by calling
// Manager.EnsureFresh on a cron schedule. It never prompts for a login.
type Refresher struct {
	manager  *Manager
	schedule string
	lead     time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	lastErr error
}

func NewRefresher(m *Manager, schedule string, lead time.Duration) (*Refresher, error) {
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	if lead <= 0 {
		lead = 15 * time.Minute
	}
	return &Refresher{
		manager:  m,
		schedule: schedule,
		lead:     lead,
		timeout:  time.Minute,
	}, nil
}

func (r *Refresher) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { _ = r.RunOnce(context.Background()) }); err != nil {
		return err
	}
	c.Start()
	r.cron = c

	logger.InfoCF("auth", "Token refresher started", map[string]interface{}{
		"schedule": r.schedule,
		"lead":     r.lead.String(),
	})
	return nil
}

func (r *Refresher) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	logger.InfoC("auth", "Token refresher stopped")
}

// RunOnce performs one refresh check and records its outcome.
func (r *Refresher) RunOnce(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.manager.EnsureFresh(runCtx, r.lead)
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()

	if err != nil {
		fields := map[string]interface{}{logger.FieldError: err.Error()}
		if errors.Is(err, ErrInteractionRequired) {
			logger.WarnCF("auth", "Scheduled refresh needs an interactive login (run `larkgate login`)", fields)
		} else {
			logger.ErrorCF("auth", "Scheduled token refresh failed", fields)
		}
	}
	return err
}

func (r *Refresher) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}
