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

func run(args []string) int {
	fs := flag.NewFlagSet("console_mqtt", flag.ContinueOnError)
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

	zl, err := logger.NewLogger(cfg.LogLevel, cfg.LogFormat, "console_mqtt")
	if err != nil {
		log.Printf("failed to create logger: %v", err)
		return 1
	}
	defer zl.Sync()

	// Wait for Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunConsoleMQTT(ctx, cfg, os.Stdout, zl); err != nil {
		zl.Error("console failed", zap.Error(err))
		return 1
	}
	return 0
}
