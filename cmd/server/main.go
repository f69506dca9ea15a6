// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hyper-ai-inc/kbsync/internal/app"
	"github.com/hyper-ai-inc/kbsync/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("KBSYNC_CONFIG"), "path to a YAML config file")
	flag.Parse()

	// Channel to listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	// Close stops the sync workers and the hub after the listener is gone.
	defer a.Close()
	return a.ListenAndServe(ctx)
}
