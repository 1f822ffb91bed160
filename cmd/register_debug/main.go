// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/app"
	"github.com/relabs-tech/vibration_monitor/internal/config"
	"github.com/relabs-tech/vibration_monitor/internal/logger"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("register_debug", flag.ContinueOnError)
	configPath := fs.String("config", "./vibration_config.txt", "path to configuration file")
	asJSON := fs.Bool("json", false, "print the dump as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := config.InitGlobal(*configPath); err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}
	cfg := config.Get()

	zl, err := logger.NewLogger(cfg.LogLevel, cfg.LogFormat, "register_debug")
	if err != nil {
		log.Printf("failed to create logger: %v", err)
		return 1
	}
	defer zl.Sync()

	zl.Info("dumping IIS3DWB registers", zap.String("spi", cfg.IMUSPIDevice))
	if err := app.RunRegisterDump(cfg, os.Stdout, *asJSON, zl); err != nil {
		zl.Error("register dump failed", zap.Error(err))
		return 1
	}
	return 0
}
