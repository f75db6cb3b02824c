package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"larkgate/pkg/bus"
	"larkgate/pkg/channels"
)

func channelCmd() {
	if len(os.Args) < 3 {
		channelHelp()
		return
	}

	subcommand := os.Args[2]

	switch subcommand {
	case "test":
		channelTestCmd()
	default:
		fmt.Printf("Unknown channel command: %s\n", subcommand)
		channelHelp()
	}
}

func channelHelp() {
	fmt.Println("\nChannel commands:")
	fmt.Println("  test              Send a test message to a specific channel")
	fmt.Println()
	fmt.Println("Test options:")
	fmt.Println("  --to             Chat ID")
	fmt.Println("  --channel        Channel name (feishu)")
	fmt.Println("  -m, --message    Message to send")
	fmt.Println("  --media          Local file to send, repeatable")
}

func channelTestCmd() {
	args := os.Args[3:]
	to, _ := flagValue(args, "--to")
	channelName, _ := flagValue(args, "--channel")
	message, ok := flagValue(args, "-m", "--message")
	if !ok {
		message = "This is a test message from larkgate"
	}
	media := flagValues(args, "--media")

	if channelName == "" || to == "" {
		fmt.Println("Error: --channel and --to are required")
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	mgr, err := channels.NewManager(cfg, bus.NewMessageBus())
	if err != nil {
		fmt.Printf("Error creating channel manager: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Printf("Sending test message to %s (%s)...\n", channelName, to)

	// Feishu reports every item; other channels only report a hard failure.
	if ch, ok := mgr.GetChannel(channelName); ok {
		if feishu, ok := ch.(*channels.FeishuChannel); ok {
			report := feishu.SendMessage(ctx, bus.OutboundMessage{
				Channel: channelName,
				ChatID:  to,
				Content: message,
				Media:   media,
			})
			for _, res := range report.Results {
				if res.Err != nil {
					fmt.Printf("✗ %s %s: %v\n", res.MsgType, res.Target, res.Err)
				} else {
					fmt.Printf("✓ %s %s\n", res.MsgType, res.Target)
				}
			}
			if report.Failed() > 0 {
				os.Exit(1)
			}
			fmt.Println("✓ Test message sent successfully!")
			return
		}
	}

	if err := mgr.SendToChannel(ctx, channelName, to, message, media...); err != nil {
		fmt.Printf("✗ Failed to send message: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Test message sent successfully!")
}
