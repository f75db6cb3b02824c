package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"larkgate/pkg/auth"
	"larkgate/pkg/config"
	"larkgate/pkg/logger"
)

func normalizeCLIArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}

	normalized := []string{args[0]}
	for i := 1; i < len(args); i++ {
		arg := args[i]
		if arg == "--debug" || arg == "-d" {
			continue
		}
		if arg == "--config" {
			if i+1 < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			continue
		}
		normalized = append(normalized, arg)
	}
	return normalized
}

func detectConfigPathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" && i+1 < len(args) {
			return strings.TrimSpace(args[i+1])
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		}
	}
	return ""
}

// flagValue returns the value following name (or name=value) in args.
func flagValue(args []string, names ...string) (string, bool) {
	for i := 0; i < len(args); i++ {
		for _, name := range names {
			if args[i] == name && i+1 < len(args) {
				return args[i+1], true
			}
			if strings.HasPrefix(args[i], name+"=") {
				return strings.TrimPrefix(args[i], name+"="), true
			}
		}
	}
	return "", false
}

// flagValues collects every value given for a repeatable flag.
func flagValues(args []string, name string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			out = append(out, args[i+1])
			i++
			continue
		}
		if strings.HasPrefix(args[i], name+"=") {
			out = append(out, strings.TrimPrefix(args[i], name+"="))
		}
	}
	return out
}

func hasFlag(args []string, name string) bool {
	for _, arg := range args {
		if arg == name {
			return true
		}
	}
	return false
}

func printHelp() {
	fmt.Printf("larkgate - Feishu/Lark gateway v%s\n\n", version)
	fmt.Println("Usage: larkgate <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  login       Log in to MiniMax with the OAuth device flow")
	fmt.Println("  token       Print a valid MiniMax access token")
	fmt.Println("  gateway     Run the Feishu channel and message bus in the foreground")
	fmt.Println("  channel     Test messaging channels")
	fmt.Println("  config      Get or set config values, trigger gateway reload")
	fmt.Println("  status      Show configuration and token status")
	fmt.Println("  version     Show version information")
	fmt.Println()
	fmt.Println("Global options:")
	fmt.Println("  --config <path>         Use custom config file")
	fmt.Println("  --debug, -d             Enable debug logging")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  larkgate login --region global")
	fmt.Println("  larkgate token --force-refresh")
	fmt.Println("  larkgate channel test --channel feishu --to oc_xxx -m hello --media ./a.png")
}

func getConfigPath() string {
	if strings.TrimSpace(globalConfigPathOverride) != "" {
		return globalConfigPathOverride
	}
	if fromEnv := strings.TrimSpace(os.Getenv("LARKGATE_CONFIG")); fromEnv != "" {
		return fromEnv
	}
	return filepath.Join(config.GetConfigDir(), "config.json")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Printf("  - %v\n", e)
		}
		return nil, fmt.Errorf("invalid config (%d problems)", len(errs))
	}
	configureLogging(cfg)
	return cfg, nil
}

func configureLogging(cfg *config.Config) {
	if !config.IsDebugMode() {
		if level, ok := logger.ParseLevel(cfg.Logging.Level); ok {
			logger.SetLevel(level)
		}
	}

	if !cfg.Logging.Enabled {
		logger.DisableFileLogging()
		return
	}

	logFile := cfg.LogFilePath()
	if err := logger.EnableFileLoggingWithRotation(logFile, cfg.Logging.MaxSizeMB, cfg.Logging.RetentionDays); err != nil {
		fmt.Printf("Warning: failed to enable file logging: %v\n", err)
	}
}

func newDeviceClient(cfg *config.Config) *auth.DeviceClient {
	mm := cfg.Auth.MiniMax
	opts := []auth.ClientOption{}
	if mm.TimeoutSec > 0 {
		opts = append(opts, auth.WithHTTPClient(&http.Client{Timeout: time.Duration(mm.TimeoutSec) * time.Second}))
	}
	for region, rc := range mm.Regions {
		opts = append(opts, auth.WithEndpoint(region, auth.Endpoint{BaseURL: rc.BaseURL, ClientID: rc.ClientID}))
	}
	return auth.NewDeviceClient(opts...)
}

// newTokenManager builds the MiniMax token manager. With interactive unset it
// can refresh but never starts a device login.
func newTokenManager(cfg *config.Config, region string, interactive bool) *auth.Manager {
	if region == "" {
		region = cfg.Auth.MiniMax.Region
	}
	opts := []auth.ManagerOption{}
	if interactive {
		opts = append(opts, auth.WithPrompt(printDevicePrompt))
	}
	return auth.NewManager(newDeviceClient(cfg), auth.NewFileStore(cfg.TokenPath()), region, opts...)
}

// printDevicePrompt writes to stderr so `larkgate token` keeps stdout clean.
func printDevicePrompt(verificationURI, userCode string) error {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "To authorize larkgate, open:")
	fmt.Fprintf(os.Stderr, "  %s\n", verificationURI)
	fmt.Fprintf(os.Stderr, "and enter the code: %s\n", userCode)
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Waiting for approval...")
	return nil
}
