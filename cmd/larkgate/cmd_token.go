package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func tokenCmd() {
	args := os.Args[2:]
	force := hasFlag(args, "--force-refresh")

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	access, err := newTokenManager(cfg, "", true).AccessToken(ctx, force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting access token: %v\n", err)
		os.Exit(1)
	}
	// Only the token goes to stdout so it can be captured by scripts.
	fmt.Println(access)
}
