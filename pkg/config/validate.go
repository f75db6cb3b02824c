package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

var builtinRegions = map[string]bool{"cn": true, "global": true}

// Validate returns configuration problems found in cfg.
// It does not mutate cfg.
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{fmt.Errorf("config is nil")}
	}

	var errs []error

	fs := cfg.Channels.Feishu
	if fs.Enabled {
		if fs.AppID == "" {
			errs = append(errs, fmt.Errorf("channels.feishu.app_id is required when channels.feishu.enabled=true"))
		}
		if fs.AppSecret == "" {
			errs = append(errs, fmt.Errorf("channels.feishu.app_secret is required when channels.feishu.enabled=true"))
		}
	}
	if fs.RateLimitPerSec < 0 {
		errs = append(errs, fmt.Errorf("channels.feishu.rate_limit_per_sec must be >= 0"))
	}
	if fs.RateLimitPerSec > 0 && fs.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("channels.feishu.rate_limit_burst must be > 0 when rate_limit_per_sec > 0"))
	}
	errs = append(errs, validateNonEmptyStringList("channels.feishu.allow_from", fs.AllowFrom)...)

	mm := cfg.Auth.MiniMax
	region := strings.TrimSpace(mm.Region)
	if region == "" {
		errs = append(errs, fmt.Errorf("auth.minimax.region is required"))
	} else if _, ok := mm.Regions[region]; !ok && !builtinRegions[region] {
		errs = append(errs, fmt.Errorf("auth.minimax.region %q is not a known region", region))
	}
	for name, rc := range mm.Regions {
		if rc.BaseURL == "" {
			continue
		}
		u, err := url.Parse(rc.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("auth.minimax.regions.%s.base_url must be an absolute URL", name))
		}
	}
	if mm.TokenPath == "" {
		errs = append(errs, fmt.Errorf("auth.minimax.token_path is required"))
	}
	if mm.TimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("auth.minimax.timeout_sec must be > 0"))
	}
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port must be between 0 and 65535"))
	}
	if cfg.Gateway.SentinelIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("gateway.sentinel_interval_sec must be >= 0"))
	}
	if cfg.Gateway.RefreshEnabled {
		if _, err := cron.ParseStandard(mm.RefreshSchedule); err != nil {
			errs = append(errs, fmt.Errorf("auth.minimax.refresh_schedule is invalid: %w", err))
		}
	}

	if cfg.Logging.Level != "" {
		switch strings.ToLower(cfg.Logging.Level) {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, fmt.Errorf("logging.level must be one of: debug, info, warn, error"))
		}
	}
	if cfg.Logging.Enabled {
		if cfg.Logging.Dir == "" {
			errs = append(errs, fmt.Errorf("logging.dir is required when logging.enabled=true"))
		}
		if cfg.Logging.Filename == "" {
			errs = append(errs, fmt.Errorf("logging.filename is required when logging.enabled=true"))
		}
		if cfg.Logging.MaxSizeMB <= 0 {
			errs = append(errs, fmt.Errorf("logging.max_size_mb must be > 0"))
		}
		if cfg.Logging.RetentionDays <= 0 {
			errs = append(errs, fmt.Errorf("logging.retention_days must be > 0"))
		}
	}

	return errs
}

func validateNonEmptyStringList(path string, values []string) []error {
	if len(values) == 0 {
		return nil
	}
	var errs []error
	for i, value := range values {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s[%d] must not be empty", path, i))
		}
	}
	return errs
}
