package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"syscall"
	"time"

	"larkgate/pkg/auth"
	"larkgate/pkg/bus"
	"larkgate/pkg/channels"
	"larkgate/pkg/config"
	"larkgate/pkg/configops"
	"larkgate/pkg/lifecycle"
	"larkgate/pkg/logger"
	"larkgate/pkg/sentinel"
	"larkgate/pkg/server"
)

const gatewayShutdownTimeout = 10 * time.Second

func gatewayCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	msgBus := bus.NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		fmt.Printf("Error creating channel manager: %v\n", err)
		os.Exit(1)
	}

	pidFile := configops.PIDFilePath(getConfigPath())
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		fmt.Printf("Warning: failed to write PID file: %v\n", err)
	} else {
		defer os.Remove(pidFile)
	}

	registerGatewayHandlers(cfg, msgBus)
	inbound := lifecycle.NewLoopRunner("gateway-inbound")
	inbound.Start(func(stop <-chan struct{}) {
		consumeInbound(ctx, msgBus, stop)
	})

	enabledChannels := channelManager.GetEnabledChannels()
	if len(enabledChannels) > 0 {
		fmt.Printf("✓ Channels enabled: %v\n", enabledChannels)
	} else {
		fmt.Println("⚠ Warning: No channels enabled")
	}

	if err := channelManager.StartAll(ctx); err != nil {
		fmt.Printf("Error starting channels: %v\n", err)
	}
	services := startGatewayServices(cfg, channelManager)
	fmt.Println("✓ Gateway started")
	fmt.Println("Press Ctrl+C to stop. Send SIGHUP to hot-reload config.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			fmt.Println("\n↻ Reloading config...")
			newCfg, err := loadConfig()
			if err != nil {
				fmt.Printf("✗ Reload failed (load config): %v\n", err)
				continue
			}
			if reflect.DeepEqual(cfg.Channels, newCfg.Channels) &&
				reflect.DeepEqual(cfg.Auth, newCfg.Auth) &&
				reflect.DeepEqual(cfg.Gateway, newCfg.Gateway) {
				cfg = newCfg
				fmt.Println("✓ Config hot-reload applied (logging only)")
				continue
			}

			newChannelManager, err := channels.NewManager(newCfg, msgBus)
			if err != nil {
				fmt.Printf("✗ Reload failed (init channels): %v\n", err)
				continue
			}

			// The sentinel must not restart channels of the manager being torn down.
			services.stop()
			stopCtx, stopCancel := context.WithTimeout(ctx, gatewayShutdownTimeout)
			channelManager.StopAll(stopCtx)
			stopCancel()

			channelManager = newChannelManager
			cfg = newCfg
			registerGatewayHandlers(cfg, msgBus)

			if err := channelManager.StartAll(ctx); err != nil {
				fmt.Printf("✗ Reload failed (start channels): %v\n", err)
			}
			services = startGatewayServices(cfg, channelManager)
			fmt.Println("✓ Config hot-reload applied")
		default:
			fmt.Println("\nShutting down...")
			services.stop()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), gatewayShutdownTimeout)
			channelManager.StopAll(stopCtx)
			stopCancel()
			inbound.Stop()
			cancel()
			msgBus.Close()
			fmt.Println("✓ Gateway stopped")
			return
		}
	}
}

// gatewayServices are the optional helpers around the channels. They are
// rebuilt together whenever the config reloads.
type gatewayServices struct {
	refresher *auth.Refresher
	health    *server.Server
	sentinel  *sentinel.Service
}

func startGatewayServices(cfg *config.Config, channelManager *channels.Manager) *gatewayServices {
	svc := &gatewayServices{}
	svc.refresher = startRefresher(cfg)

	var tokenCheck func() error
	if svc.refresher != nil {
		tokenCheck = svc.refresher.LastError
	}

	if cfg.Gateway.Port > 0 {
		srv := server.NewServer(cfg.Gateway)
		srv.SetChannels(channelManager)
		srv.SetTokenCheck(tokenCheck)
		if err := srv.Start(); err != nil {
			fmt.Printf("Error starting health server: %v\n", err)
		} else {
			fmt.Printf("✓ Health endpoint: http://%s/health\n", srv.Addr())
			svc.health = srv
		}
	}

	if cfg.Gateway.SentinelIntervalSec > 0 {
		logDir := ""
		if cfg.Logging.Enabled {
			logDir = filepath.Dir(cfg.LogFilePath())
		}
		svc.sentinel = sentinel.NewService(channelManager, sentinel.Options{
			Interval:   time.Duration(cfg.Gateway.SentinelIntervalSec) * time.Second,
			AutoHeal:   cfg.Gateway.AutoRestart,
			LogDir:     logDir,
			TokenCheck: tokenCheck,
		})
		svc.sentinel.Start()
	}
	return svc
}

func (s *gatewayServices) stop() {
	if s.sentinel != nil {
		s.sentinel.Stop()
	}
	if s.refresher != nil {
		s.refresher.Stop()
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gatewayShutdownTimeout)
		defer cancel()
		if err := s.health.Stop(ctx); err != nil {
			logger.WarnCF("gateway", "Health server shutdown failed", map[string]interface{}{
				logger.FieldError: err.Error(),
			})
		}
	}
}

// registerGatewayHandlers installs the per-channel inbound handlers. Without
// echo, inbound messages are only logged.
func registerGatewayHandlers(cfg *config.Config, msgBus *bus.MessageBus) {
	if !cfg.Gateway.Echo {
		msgBus.RegisterHandler("feishu", nil)
		return
	}
	msgBus.RegisterHandler("feishu", func(msg bus.InboundMessage) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return msgBus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: msg.Content,
			Media:   msg.Media,
		})
	})
}

func consumeInbound(parent context.Context, msgBus *bus.MessageBus, stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		logger.InfoCF("gateway", "Inbound message", map[string]interface{}{
			logger.FieldChannel:              msg.Channel,
			logger.FieldChatID:               msg.ChatID,
			logger.FieldSenderID:             msg.SenderID,
			logger.FieldMessageID:            msg.Metadata["message_id"],
			logger.FieldMediaCount:           len(msg.Media),
			logger.FieldMessageContentLength: len(msg.Content),
		})

		handler, ok := msgBus.GetHandler(msg.Channel)
		if !ok || handler == nil {
			continue
		}
		if err := handler(msg); err != nil {
			logger.ErrorCF("gateway", "Inbound handler failed", map[string]interface{}{
				logger.FieldChannel: msg.Channel,
				logger.FieldError:   err.Error(),
			})
		}
	}
}

// startRefresher keeps the MiniMax token warm when enabled. It uses a manager
// without a prompt, so an expired refresh token is reported, not re-logged.
func startRefresher(cfg *config.Config) *auth.Refresher {
	if !cfg.Gateway.RefreshEnabled {
		return nil
	}

	manager := newTokenManager(cfg, "", false)
	refresher, err := auth.NewRefresher(manager, cfg.Auth.MiniMax.RefreshSchedule, 0)
	if err != nil {
		fmt.Printf("Error creating token refresher: %v\n", err)
		return nil
	}
	if err := refresher.Start(); err != nil {
		fmt.Printf("Error starting token refresher: %v\n", err)
		return nil
	}
	go refresher.RunOnce(context.Background())
	fmt.Println("✓ Token refresher started")
	return refresher
}

