package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"larkgate/pkg/auth"
	"larkgate/pkg/config"
	"larkgate/pkg/configops"
	"larkgate/pkg/server"
)

func statusCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	configPath := getConfigPath()

	fmt.Println("larkgate Status")
	fmt.Println()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "✗ (using defaults)")
	}

	fs := cfg.Channels.Feishu
	fmt.Printf("Feishu: enabled=%v app_id=%s\n", fs.Enabled, maskSecret(fs.AppID))
	if len(fs.AllowFrom) > 0 {
		fmt.Printf("Feishu allow list: %d senders\n", len(fs.AllowFrom))
	} else {
		fmt.Println("Feishu allow list: everyone")
	}

	tokenPath := cfg.TokenPath()
	cred, err := auth.NewFileStore(tokenPath).Load()
	switch {
	case errors.Is(err, auth.ErrNoCredential):
		fmt.Printf("MiniMax token: not logged in (%s)\n", tokenPath)
	case err != nil:
		fmt.Printf("MiniMax token: unreadable: %v\n", err)
	case cred.Expired(time.Now()):
		fmt.Printf("MiniMax token: expired at %s, region %s (refreshable=%v)\n",
			cred.ExpiresAt.Local().Format(time.RFC1123), cred.Region, cred.Refresh != "")
	default:
		fmt.Printf("MiniMax token: valid until %s, region %s ✓\n",
			cred.ExpiresAt.Local().Format(time.RFC1123), cred.Region)
	}

	printGatewayStatus(cfg, configPath)

	fmt.Printf("Logging: %v\n", cfg.Logging.Enabled)
	if cfg.Logging.Enabled {
		fmt.Printf("Log File: %s\n", cfg.LogFilePath())
		fmt.Printf("Log Max Size: %d MB\n", cfg.Logging.MaxSizeMB)
		fmt.Printf("Log Retention: %d days\n", cfg.Logging.RetentionDays)
	}
}

func printGatewayStatus(cfg *config.Config, configPath string) {
	pidData, err := os.ReadFile(configops.PIDFilePath(configPath))
	if err != nil {
		fmt.Println("Gateway: not running")
		return
	}
	fmt.Printf("Gateway: running (pid %s)\n", strings.TrimSpace(string(pidData)))

	if cfg.Gateway.Port == 0 {
		fmt.Println("Gateway health: disabled")
		return
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s/health", net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port)))
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("Gateway health: unreachable (%v)\n", err)
		return
	}
	defer resp.Body.Close()

	var h server.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		fmt.Printf("Gateway health: HTTP %d\n", resp.StatusCode)
		return
	}
	fmt.Printf("Gateway health: %s (uptime %s)\n", h.Status, h.Uptime)
	for name, state := range h.Channels {
		fmt.Printf("  %s: %s\n", name, state)
	}
	if h.Token != "" {
		fmt.Printf("  token refresher: %s\n", h.Token)
	}
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 6 {
		return "***"
	}
	return s[:4] + "***"
}
