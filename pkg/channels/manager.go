package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"larkgate/pkg/bus"
	"larkgate/pkg/config"
	"larkgate/pkg/logger"
)

const maxConcurrentSends = 32

type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	config       *config.Config
	dispatchTask *asyncTask
	dispatchSem  chan struct{}
	startCtx     context.Context
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg *config.Config, messageBus *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		channels:    make(map[string]Channel),
		bus:         messageBus,
		config:      cfg,
		dispatchSem: make(chan struct{}, maxConcurrentSends),
	}

	if err := m.initChannels(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) initChannels() error {
	logger.InfoC("channels", "Initializing channel manager")

	if m.config.Channels.Feishu.Enabled {
		feishuCfg := m.config.Channels.Feishu
		if feishuCfg.AppID == "" || feishuCfg.AppSecret == "" {
			logger.WarnC("channels", "Feishu app_id or app_secret is empty, skipping")
		} else {
			feishu, err := NewFeishuChannel(feishuCfg, m.bus)
			if err != nil {
				logger.ErrorCF("channels", "Failed to initialize Feishu channel", map[string]interface{}{
					logger.FieldError: err.Error(),
				})
			} else {
				m.channels[feishu.Name()] = feishu
				logger.InfoC("channels", "Feishu channel enabled successfully")
			}
		}
	}

	logger.InfoCF("channels", "Channel initialization completed", map[string]interface{}{
		"enabled_channels": len(m.channels),
	})

	return nil
}

// StartAll starts the outbound dispatcher and every channel. A channel that
// fails to start is logged and left stopped; the others still run.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.channels) == 0 {
		logger.WarnC("channels", "No channels enabled")
		return nil
	}

	logger.InfoC("channels", "Starting all channels")
	m.startCtx = ctx

	if m.dispatchTask == nil {
		dispatchCtx, cancel := context.WithCancel(ctx)
		task := &asyncTask{cancel: cancel, done: make(chan struct{})}
		m.dispatchTask = task
		go func() {
			defer close(task.done)
			m.dispatchOutbound(dispatchCtx)
		}()
	}

	for name, channel := range m.channels {
		logger.InfoCF("channels", "Starting channel", map[string]interface{}{
			logger.FieldChannel: name,
		})
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				logger.FieldChannel: name,
				logger.FieldError:   err.Error(),
			})
		}
	}

	logger.InfoC("channels", "All channels started")
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task := m.dispatchTask
	m.dispatchTask = nil
	m.startCtx = nil
	m.mu.Unlock()

	logger.InfoC("channels", "Stopping all channels")

	if task != nil {
		task.cancel()
		select {
		case <-task.done:
		case <-ctx.Done():
			logger.WarnC("channels", "Timed out waiting for outbound dispatcher")
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, channel := range m.channels {
		logger.InfoCF("channels", "Stopping channel", map[string]interface{}{
			logger.FieldChannel: name,
		})
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]interface{}{
				logger.FieldChannel: name,
				logger.FieldError:   err.Error(),
			})
		}
	}

	logger.InfoC("channels", "All channels stopped")
	return nil
}

func (m *Manager) CheckHealth(ctx context.Context) map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]error)
	for name, channel := range m.channels {
		results[name] = channel.HealthCheck(ctx)
	}
	return results
}

// RestartChannel stops and starts one channel. Channels never reconnect on
// their own, so this is how a supervisor brings a dropped connection back.
// ctx bounds the restart; once StartAll has run, the channel keeps living
// under the StartAll context rather than ctx.
func (m *Manager) RestartChannel(ctx context.Context, name string) error {
	m.mu.RLock()
	channel, ok := m.channels[name]
	runCtx := m.startCtx
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %s not found", name)
	}
	if runCtx == nil {
		runCtx = ctx
	}

	logger.InfoCF("channels", "Restarting channel", map[string]interface{}{
		logger.FieldChannel: name,
	})
	_ = channel.Stop(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	return channel.Start(runCtx)
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	logger.InfoC("channels", "Outbound dispatcher started")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			logger.InfoC("channels", "Outbound dispatcher stopped")
			return
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			logger.WarnCF("channels", "Unknown channel for outbound message", map[string]interface{}{
				logger.FieldChannel: msg.Channel,
			})
			continue
		}

		select {
		case m.dispatchSem <- struct{}{}:
		case <-ctx.Done():
			logger.InfoC("channels", "Outbound dispatcher stopped")
			return
		}
		wg.Add(1)
		go func(c Channel, outbound bus.OutboundMessage) {
			defer wg.Done()
			defer func() { <-m.dispatchSem }()
			if err := c.Send(ctx, outbound); err != nil {
				logger.ErrorCF("channels", "Error sending message to channel", map[string]interface{}{
					logger.FieldChannel: outbound.Channel,
					logger.FieldError:   err.Error(),
				})
			}
		}(channel, msg)
	}
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"running": channel.IsRunning(),
		}
	}
	return status
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// SendToChannel delivers directly, bypassing the outbound queue.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string, media ...string) error {
	m.mu.RLock()
	channel, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}

	msg := bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
		Media:   media,
	}

	return channel.Send(ctx, msg)
}
