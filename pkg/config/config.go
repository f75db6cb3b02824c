package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Channels ChannelsConfig `json:"channels"`
	Auth     AuthConfig     `json:"auth"`
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging"`
	mu       sync.RWMutex
}

type ChannelsConfig struct {
	Feishu FeishuConfig `json:"feishu"`
}

type FeishuConfig struct {
	Enabled           bool     `json:"enabled" env:"LARKGATE_CHANNELS_FEISHU_ENABLED"`
	AppID             string   `json:"app_id" env:"LARKGATE_CHANNELS_FEISHU_APP_ID"`
	AppSecret         string   `json:"app_secret" env:"LARKGATE_CHANNELS_FEISHU_APP_SECRET"`
	EncryptKey        string   `json:"encrypt_key" env:"LARKGATE_CHANNELS_FEISHU_ENCRYPT_KEY"`
	VerificationToken string   `json:"verification_token" env:"LARKGATE_CHANNELS_FEISHU_VERIFICATION_TOKEN"`
	AllowFrom         []string `json:"allow_from" env:"LARKGATE_CHANNELS_FEISHU_ALLOW_FROM"`
	DownloadDir       string   `json:"download_dir" env:"LARKGATE_CHANNELS_FEISHU_DOWNLOAD_DIR"`
	RateLimitPerSec   float64  `json:"rate_limit_per_sec" env:"LARKGATE_CHANNELS_FEISHU_RATE_LIMIT_PER_SEC"`
	RateLimitBurst    int      `json:"rate_limit_burst" env:"LARKGATE_CHANNELS_FEISHU_RATE_LIMIT_BURST"`
}

type AuthConfig struct {
	MiniMax MiniMaxConfig `json:"minimax"`
}

type MiniMaxConfig struct {
	Region          string                        `json:"region" env:"LARKGATE_AUTH_MINIMAX_REGION"`
	TokenPath       string                        `json:"token_path" env:"LARKGATE_AUTH_MINIMAX_TOKEN_PATH"`
	RefreshSchedule string                        `json:"refresh_schedule" env:"LARKGATE_AUTH_MINIMAX_REFRESH_SCHEDULE"`
	TimeoutSec      int                           `json:"timeout_sec" env:"LARKGATE_AUTH_MINIMAX_TIMEOUT_SEC"`
	Regions         map[string]OAuthRegionConfig `json:"regions"`
}

// OAuthRegionConfig overrides the built-in endpoint for one region.
type OAuthRegionConfig struct {
	BaseURL  string `json:"base_url"`
	ClientID string `json:"client_id"`
}

// GatewayConfig controls `larkgate gateway`. Port 0 disables the health
// endpoint and SentinelIntervalSec 0 disables the sentinel.
type GatewayConfig struct {
	Host                string `json:"host" env:"LARKGATE_GATEWAY_HOST"`
	Port                int    `json:"port" env:"LARKGATE_GATEWAY_PORT"`
	Echo                bool   `json:"echo" env:"LARKGATE_GATEWAY_ECHO"`
	RefreshEnabled      bool   `json:"refresh_enabled" env:"LARKGATE_GATEWAY_REFRESH_ENABLED"`
	SentinelIntervalSec int    `json:"sentinel_interval_sec" env:"LARKGATE_GATEWAY_SENTINEL_INTERVAL_SEC"`
	AutoRestart         bool   `json:"auto_restart" env:"LARKGATE_GATEWAY_AUTO_RESTART"`
}

type LoggingConfig struct {
	Enabled       bool   `json:"enabled" env:"LARKGATE_LOGGING_ENABLED"`
	Level         string `json:"level" env:"LARKGATE_LOGGING_LEVEL"`
	Dir           string `json:"dir" env:"LARKGATE_LOGGING_DIR"`
	Filename      string `json:"filename" env:"LARKGATE_LOGGING_FILENAME"`
	MaxSizeMB     int    `json:"max_size_mb" env:"LARKGATE_LOGGING_MAX_SIZE_MB"`
	RetentionDays int    `json:"retention_days" env:"LARKGATE_LOGGING_RETENTION_DAYS"`
}

var (
	isDebug bool
	muDebug sync.RWMutex
)

func SetDebugMode(debug bool) {
	muDebug.Lock()
	defer muDebug.Unlock()
	isDebug = debug
}

func IsDebugMode() bool {
	muDebug.RLock()
	defer muDebug.RUnlock()
	return isDebug
}

func GetConfigDir() string {
	if IsDebugMode() {
		return ".larkgate"
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".larkgate")
}

func DefaultConfig() *Config {
	configDir := GetConfigDir()
	return &Config{
		Channels: ChannelsConfig{
			Feishu: FeishuConfig{
				Enabled:         false,
				AllowFrom:       []string{},
				DownloadDir:     "",
				RateLimitPerSec: 5,
				RateLimitBurst:  5,
			},
		},
		Auth: AuthConfig{
			MiniMax: MiniMaxConfig{
				Region:          "cn",
				TokenPath:       filepath.Join(configDir, "minimax_token.json"),
				RefreshSchedule: "@every 10m",
				TimeoutSec:      30,
				Regions:         map[string]OAuthRegionConfig{},
			},
		},
		Gateway: GatewayConfig{
			Host:                "127.0.0.1",
			Port:                18790,
			Echo:                false,
			RefreshEnabled:      false,
			SentinelIntervalSec: 60,
			AutoRestart:         true,
		},
		Logging: LoggingConfig{
			Enabled:       true,
			Level:         "info",
			Dir:           filepath.Join(configDir, "logs"),
			Filename:      "larkgate.log",
			MaxSizeMB:     20,
			RetentionDays: 3,
		},
	}
}

// LoadConfig reads path over the defaults, then applies LARKGATE_* environment
// overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := unmarshalConfigStrict(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseConfig decodes data over the defaults without environment overrides.
// Unknown fields are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := unmarshalConfigStrict(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshalConfigStrict(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid config: trailing JSON content")
		}
		return err
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	// app_secret lives here, keep it owner-only.
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) TokenPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Auth.MiniMax.TokenPath)
}

func (c *Config) LogFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	filename := c.Logging.Filename
	if filename == "" {
		filename = "larkgate.log"
	}
	return filepath.Join(expandHome(c.Logging.Dir), filename)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
