package main

import (
	"context"
	"flag"
	"os"

	"github.com/chiquitav2/vpn-provisioner/internal/engine"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/config"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	ctx := context.Background()

	log := logger.NewProduction("provisioner", version)

	loader := config.NewLoader()
	loader.SetConfigFile(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		log.ErrorCtx(ctx, "failed to load configuration", err)
		os.Exit(1)
	}

	logCfg := cfg.Log
	logCfg.Component = "provisioner"
	logCfg.Version = version
	log = logger.New(logCfg)
	log.InfoContext(ctx, "configuration loaded", "file", loader.ConfigFileUsed())

	service, err := engine.NewService(ctx, cfg, log, version)
	if err != nil {
		log.ErrorCtx(ctx, "failed to create service", err)
		os.Exit(1)
	}

	if err := service.Run(ctx); err != nil {
		log.ErrorCtx(ctx, "service exited with error", err)
		os.Exit(1)
	}
	log.InfoContext(ctx, "main process exiting")
}
