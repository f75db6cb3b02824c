package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func loginCmd() {
	args := os.Args[2:]
	region, _ := flagValue(args, "--region")

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if region == "" {
		region = cfg.Auth.MiniMax.Region
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Logging in to MiniMax (%s)...\n", region)
	cred, err := newTokenManager(cfg, region, true).Login(ctx)
	if err != nil {
		fmt.Printf("✗ Login failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Login successful")
	fmt.Printf("Region: %s\n", cred.Region)
	fmt.Printf("Expires: %s\n", cred.ExpiresAt.Local().Format(time.RFC1123))
	fmt.Printf("Token file: %s\n", cfg.TokenPath())
}
