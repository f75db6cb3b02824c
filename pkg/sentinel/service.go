// Package sentinel watches a running gateway: channel health, the token
// refresher and the log directory. With auto-heal on it restarts dropped
// channels and recreates a missing log directory.
package sentinel

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"larkgate/pkg/lifecycle"
	"larkgate/pkg/logger"
)

const (
	alertCooldown  = 5 * time.Minute
	restartTimeout = 30 * time.Second
)

type AlertFunc func(msg string)

// ChannelSupervisor is the part of channels.Manager the sentinel drives.
type ChannelSupervisor interface {
	CheckHealth(ctx context.Context) map[string]error
	RestartChannel(ctx context.Context, name string) error
}

type Options struct {
	Interval   time.Duration
	AutoHeal   bool
	LogDir     string
	TokenCheck func() error
	OnAlert    AlertFunc
}

type Service struct {
	interval   time.Duration
	autoHeal   bool
	logDir     string
	tokenCheck func() error
	onAlert    AlertFunc
	runner     *lifecycle.LoopRunner
	now        func() time.Time
	channels   ChannelSupervisor

	mu         sync.Mutex
	lastAlerts map[string]time.Time
}

func NewService(channels ChannelSupervisor, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Service{
		interval:   opts.Interval,
		autoHeal:   opts.AutoHeal,
		logDir:     opts.LogDir,
		tokenCheck: opts.TokenCheck,
		onAlert:    opts.OnAlert,
		runner:     lifecycle.NewLoopRunner("sentinel"),
		now:        time.Now,
		channels:   channels,
		lastAlerts: map[string]time.Time{},
	}
}

func (s *Service) Start() {
	if !s.runner.Start(s.loop) {
		return
	}
	logger.InfoCF("sentinel", "Sentinel started", map[string]interface{}{
		"interval":  s.interval.String(),
		"auto_heal": s.autoHeal,
	})
}

func (s *Service) Stop() {
	if !s.runner.Stop() {
		return
	}
	logger.InfoC("sentinel", "Sentinel stopped")
}

func (s *Service) loop(stopCh <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	tk := time.NewTicker(s.interval)
	defer tk.Stop()

	s.runChecks(ctx)
	for {
		select {
		case <-stopCh:
			return
		case <-tk.C:
			s.runChecks(ctx)
		}
	}
}

func (s *Service) runChecks(ctx context.Context) []string {
	issues := s.checkChannels(ctx)
	issues = append(issues, s.checkToken()...)
	issues = append(issues, s.checkLogs()...)

	for _, issue := range issues {
		s.alert(issue)
	}
	return issues
}

func (s *Service) checkChannels(ctx context.Context) []string {
	channels := s.channels
	if channels == nil {
		return nil
	}

	results := channels.CheckHealth(ctx)
	names := make([]string, 0, len(results))
	for name, err := range results {
		if err != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		if !s.autoHeal {
			out = append(out, fmt.Sprintf("sentinel: channel %s unhealthy: %v", name, results[name]))
			continue
		}

		restartCtx, cancel := context.WithTimeout(ctx, restartTimeout)
		err := channels.RestartChannel(restartCtx, name)
		cancel()
		if err != nil {
			out = append(out, fmt.Sprintf("sentinel: channel %s restart failed: %v", name, err))
			continue
		}
		out = append(out, fmt.Sprintf("sentinel: channel %s was down, restarted", name))
	}
	return out
}

func (s *Service) checkToken() []string {
	if s.tokenCheck == nil {
		return nil
	}
	if err := s.tokenCheck(); err != nil {
		return []string{fmt.Sprintf("sentinel: token refresh failing: %v", err)}
	}
	return nil
}

func (s *Service) checkLogs() []string {
	if s.logDir == "" {
		return nil
	}
	if _, err := os.Stat(s.logDir); err != nil {
		if s.autoHeal {
			if mkErr := os.MkdirAll(s.logDir, 0o755); mkErr == nil {
				return []string{"sentinel: log dir missing, auto-healed"}
			}
		}
		return []string{fmt.Sprintf("sentinel: log dir missing: %s", s.logDir)}
	}
	return nil
}

// alert logs msg and calls OnAlert, at most once per message per cooldown.
func (s *Service) alert(msg string) {
	now := s.now()
	s.mu.Lock()
	last, ok := s.lastAlerts[msg]
	if ok && now.Sub(last) < alertCooldown {
		s.mu.Unlock()
		return
	}
	s.lastAlerts[msg] = now
	s.mu.Unlock()

	logger.WarnCF("sentinel", msg, nil)
	if s.onAlert != nil {
		s.onAlert(msg)
	}
}
