package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"vitalwatch/internal/config"
	"vitalwatch/internal/logger"
	"vitalwatch/internal/processor"
)

func main() {
	configPath := flag.String("config", os.Getenv("VITALWATCH_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
		cfg = loaded
	}

	logger.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := processor.New(cfg, *configPath)
	if err := p.Run(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("processor exited")
		stop()
		os.Exit(1)
	}
	logger.Logger.Info().Msg("exited")
}
