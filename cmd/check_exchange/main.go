package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/crypto_autotrader/internal/cli"
	"github.com/vitos/crypto_autotrader/internal/config"
)

func main() {
	path := flag.String("config", config.DefaultPath, "config file")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing Bybit Interaction...\n")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 2. Public prices and rules, then private balance
	if err := cli.CheckExchange(ctx, os.Stdout, cfg); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Exchange reachable\n")
}
