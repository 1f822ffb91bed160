// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/app"
	"github.com/relabs-tech/vibration_monitor/internal/config"
	"github.com/relabs-tech/vibration_monitor/internal/logger"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the exit code so deferred log syncs and signal cleanup happen
// before the process exits.
func run(args []string) int {
	fs := flag.NewFlagSet("vibration_monitor", flag.ContinueOnError)
	configPath := fs.String("config", "./vibration_config.txt", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}
	cfg := config.Get()

	zl, err := logger.NewLogger(cfg.LogLevel, cfg.LogFormat, "vibration_monitor")
	if err != nil {
		log.Printf("failed to create logger: %v", err)
		return 1
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunMonitor(ctx, cfg, zl); err != nil {
		zl.Error("vibration monitor failed", zap.Error(err))
		return 1
	}
	return 0
}
