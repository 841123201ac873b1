// Package cmd implements provisionerctl, the operator CLI. Commands run the
// engine in-process against the configured database and devices.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/vpn-provisioner/internal/engine"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/config"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "provisionerctl",
	Short: "Operate the VPN provisioner",
	Long: `provisionerctl manages VPN configs and runs maintenance passes
directly against the provisioner database and the configured devices.

Configuration is read from config.yaml in /etc/vpn-provisioner,
~/.vpn-provisioner or the working directory, overridden by
VPN_PROVISIONER_* environment variables and the flags below.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to the configuration file")
	rootCmd.PersistentFlags().String("db-path", "", "override the database path")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("api-url", "", "send config commands to a running provisioner at this URL instead of running in-process")
}

// loadConfig reads the configuration with flag overrides bound on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader()
	path, _ := cmd.Flags().GetString("config")
	loader.SetConfigFile(path)

	if cmd.Flags().Changed("db-path") {
		if err := loader.BindFlag("db.path", cmd.Flags().Lookup("db-path")); err != nil {
			return nil, err
		}
	}
	if err := loader.BindFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
		return nil, err
	}
	return loader.Load()
}

// withEngine wires the engine, syncs the catalog and runs fn. Logs go to
// stderr so command output stays parseable.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, c *engine.Components) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logCfg := cfg.Log
	logCfg.Component = "provisionerctl"
	logCfg.Version = Version
	log := logger.NewWithWriter(logCfg, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := engine.NewComponents(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			log.WarnCtx(ctx, "failed to close engine", cerr)
		}
	}()

	if _, err := c.SyncCatalog(ctx); err != nil {
		return fmt.Errorf("failed to sync catalog: %w", err)
	}
	return fn(ctx, c)
}
