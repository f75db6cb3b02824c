// Package configops edits the JSON config file by dotted path and asks a
// running gateway to reload it.
package configops

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"larkgate/pkg/config"
)

var ErrGatewayNotRunning = errors.New("gateway not running")

// secretPaths are masked by Redact. The values still round-trip through Set.
var secretPaths = map[string]bool{
	"channels.feishu.app_secret":         true,
	"channels.feishu.encrypt_key":        true,
	"channels.feishu.verification_token": true,
}

func IsSecretPath(path string) bool {
	return secretPaths[path]
}

// PIDFilePath is where the gateway writes its pid, next to the config file.
func PIDFilePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "gateway.pid")
}

// LoadConfigAsMap returns the file as a generic map. A missing file yields the
// defaults, so `config set` can create one.
func LoadConfigAsMap(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		data, err = json.Marshal(config.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	var cfgMap map[string]interface{}
	if err := json.Unmarshal(data, &cfgMap); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfgMap, nil
}

// NormalizeConfigPath trims stray dots and accepts "enable" for "enabled".
func NormalizeConfigPath(path string) string {
	p := strings.Trim(strings.TrimSpace(path), ".")
	parts := strings.Split(p, ".")
	for i, part := range parts {
		if part == "enable" {
			parts[i] = "enabled"
		}
	}
	return strings.Join(parts, ".")
}

// ParseConfigValue turns a command-line value into a JSON value. A value with
// a comma and no quotes becomes a string list, so allow lists can be set in
// one go.
func ParseConfigValue(raw string) interface{} {
	v := strings.TrimSpace(raw)
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if strings.Contains(v, ".") {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	if len(v) >= 2 && ((v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'')) {
		return v[1 : len(v)-1]
	}
	if strings.HasPrefix(v, "[") && strings.HasSuffix(v, "]") {
		var list []interface{}
		if err := json.Unmarshal([]byte(v), &list); err == nil {
			return list
		}
	}
	if strings.Contains(v, ",") {
		parts := strings.Split(v, ",")
		list := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		return list
	}
	return v
}

func SetMapValueByPath(root map[string]interface{}, path string, value interface{}) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	parts := strings.Split(path, ".")
	cur := root
	for _, key := range parts[:len(parts)-1] {
		if key == "" {
			return fmt.Errorf("invalid path: %s", path)
		}
		next, ok := cur[key]
		if !ok || next == nil {
			child := map[string]interface{}{}
			cur[key] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("path segment is not object: %s", key)
		}
		cur = child
	}
	last := parts[len(parts)-1]
	if last == "" {
		return fmt.Errorf("invalid path: %s", path)
	}
	cur[last] = value
	return nil
}

func GetMapValueByPath(root map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var cur interface{} = root
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		next, ok := obj[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Redact masks a secret value for display. Non-secret paths pass through.
func Redact(path string, value interface{}) interface{} {
	s, ok := value.(string)
	if !ok || !IsSecretPath(path) || s == "" {
		return value
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// CheckConfigMap decodes cfgMap the way the loader would and validates it, so
// a bad `config set` never reaches disk.
func CheckConfigMap(cfgMap map[string]interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(cfgMap, "", "  ")
	if err != nil {
		return nil, err
	}
	cfg, err := config.ParseConfig(data)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return data, nil
}

// WriteConfigAtomicWithBackup copies the current file to <path>.bak, then
// replaces it through a temp file. The config holds app_secret, so both are
// written owner-only.
func WriteConfigAtomicWithBackup(configPath string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return "", err
	}

	backupPath := configPath + ".bak"
	if oldData, err := os.ReadFile(configPath); err == nil {
		if err := os.WriteFile(backupPath, oldData, 0o600); err != nil {
			return "", fmt.Errorf("write backup failed: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read existing config failed: %w", err)
	} else {
		backupPath = ""
	}

	if err := replaceFile(configPath, configPath+".tmp", data); err != nil {
		return "", err
	}
	return backupPath, nil
}

// RollbackConfigFromBackup restores backupPath. An empty backupPath means the
// file did not exist before, so it is removed.
func RollbackConfigFromBackup(configPath, backupPath string) error {
	if backupPath == "" {
		if err := os.Remove(configPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove new config failed: %w", err)
		}
		return nil
	}
	backupData, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("read backup failed: %w", err)
	}
	return replaceFile(configPath, configPath+".rollback.tmp", backupData)
}

func replaceFile(path, tmpPath string, data []byte) error {
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp config failed: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace config failed: %w", err)
	}
	return nil
}

// TriggerGatewayReload sends SIGHUP to the gateway recorded in the pid file.
// The bool reports whether a gateway appeared to be running.
func TriggerGatewayReload(configPath string) (bool, error) {
	pidPath := PIDFilePath(configPath)
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false, fmt.Errorf("%w (pid file not found: %s)", ErrGatewayNotRunning, pidPath)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return true, fmt.Errorf("invalid gateway pid: %q", pidStr)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, fmt.Errorf("find process failed: %w", err)
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return false, fmt.Errorf("%w (stale pid %d)", ErrGatewayNotRunning, pid)
		}
		return true, fmt.Errorf("send SIGHUP failed: %w", err)
	}
	return true, nil
}
