package main

import (
	"fmt"
	"os"

	"larkgate/pkg/config"
	"larkgate/pkg/logger"
)

const version = "0.1.0"

var globalConfigPathOverride string

func main() {
	globalConfigPathOverride = detectConfigPathFromArgs(os.Args)

	for _, arg := range os.Args {
		if arg == "--debug" || arg == "-d" {
			config.SetDebugMode(true)
			logger.SetLevel(logger.DEBUG)
			break
		}
	}

	os.Args = normalizeCLIArgs(os.Args)

	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "login":
		loginCmd()
	case "token":
		tokenCmd()
	case "gateway":
		gatewayCmd()
	case "channel":
		channelCmd()
	case "config":
		configCmd()
	case "status":
		statusCmd()
	case "version", "--version", "-v":
		fmt.Printf("larkgate v%s\n", version)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}
