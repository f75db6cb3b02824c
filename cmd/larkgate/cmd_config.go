package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"larkgate/pkg/config"
	"larkgate/pkg/configops"
)

func configCmd() {
	if len(os.Args) < 3 {
		configHelp()
		return
	}

	switch os.Args[2] {
	case "set":
		configSetCmd()
	case "get":
		configGetCmd()
	case "check":
		configCheckCmd()
	case "reload":
		configReloadCmd()
	default:
		fmt.Printf("Unknown config command: %s\n", os.Args[2])
		configHelp()
	}
}

func configHelp() {
	fmt.Println("\nConfig commands:")
	fmt.Println("  set <path> <value>     Set config value and trigger hot reload")
	fmt.Println("  get <path>             Get config value (--show-secret to unmask)")
	fmt.Println("  check                  Validate current config")
	fmt.Println("  reload                 Trigger gateway hot reload")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  larkgate config set channels.feishu.enable true")
	fmt.Println("  larkgate config set channels.feishu.allow_from ou_a,ou_b")
	fmt.Println("  larkgate config get auth.minimax.region")
	fmt.Println("  larkgate config check")
}

func configSetCmd() {
	if len(os.Args) < 5 {
		fmt.Println("Usage: larkgate config set <path> <value>")
		return
	}

	configPath := getConfigPath()
	cfgMap, err := configops.LoadConfigAsMap(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	path := configops.NormalizeConfigPath(os.Args[3])
	value := configops.ParseConfigValue(strings.Join(os.Args[4:], " "))
	if err := configops.SetMapValueByPath(cfgMap, path, value); err != nil {
		fmt.Printf("Error setting value: %v\n", err)
		return
	}

	data, err := configops.CheckConfigMap(cfgMap)
	if err != nil {
		fmt.Printf("✗ Refusing to write invalid config: %v\n", err)
		return
	}
	backupPath, err := configops.WriteConfigAtomicWithBackup(configPath, data)
	if err != nil {
		fmt.Printf("Error writing config: %v\n", err)
		return
	}

	fmt.Printf("✓ Updated %s = %v\n", path, configops.Redact(path, value))
	running, err := configops.TriggerGatewayReload(configPath)
	if err != nil {
		if running {
			if rbErr := configops.RollbackConfigFromBackup(configPath, backupPath); rbErr != nil {
				fmt.Printf("Hot reload failed and rollback failed: %v\n", rbErr)
			} else {
				fmt.Printf("Hot reload failed, config rolled back: %v\n", err)
			}
			return
		}
		fmt.Printf("Updated config file. Hot reload not applied: %v\n", err)
		return
	}
	fmt.Println("✓ Gateway hot reload signal sent")
}

func configGetCmd() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: larkgate config get <path> [--show-secret]")
		return
	}

	cfgMap, err := configops.LoadConfigAsMap(getConfigPath())
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	path := configops.NormalizeConfigPath(os.Args[3])
	value, ok := configops.GetMapValueByPath(cfgMap, path)
	if !ok {
		fmt.Printf("Path not found: %s\n", path)
		return
	}
	if !hasFlag(os.Args[4:], "--show-secret") {
		value = configops.Redact(path, value)
	}

	data, err := json.Marshal(value)
	if err != nil {
		fmt.Printf("%v\n", value)
		return
	}
	fmt.Println(string(data))
}

func configReloadCmd() {
	if _, err := configops.TriggerGatewayReload(getConfigPath()); err != nil {
		fmt.Printf("Hot reload not applied: %v\n", err)
		return
	}
	fmt.Println("✓ Gateway hot reload signal sent")
}

func configCheckCmd() {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		fmt.Printf("Config load failed: %v\n", err)
		return
	}
	validationErrors := config.Validate(cfg)
	if len(validationErrors) == 0 {
		fmt.Println("✓ Config validation passed")
		return
	}

	fmt.Println("✗ Config validation failed:")
	for _, ve := range validationErrors {
		fmt.Printf("  - %v\n", ve)
	}
}
