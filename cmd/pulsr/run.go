package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandwichfarm/pulsr/internal/cache"
	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/metrics"
	"github.com/sandwichfarm/pulsr/internal/pipeline"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the configured relays and ingest until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		queryCache, err := cache.New(ctx, &e.cfg.Caching)
		if err != nil {
			return err
		}
		defer queryCache.Close()

		var m *metrics.Metrics
		if e.cfg.Metrics.Enabled {
			m = metrics.New()
		}

		p, err := pipeline.New(e.cfg, e.storage, pipeline.Options{Cache: queryCache, Metrics: m}, e.logger)
		if err != nil {
			return err
		}

		e.logger.LogStartup(version, commit, len(e.cfg.Relays.URLs), map[string]any{
			"sqlite_path":     e.cfg.Storage.SQLitePath,
			"cache":           cacheEngine(e.cfg.Caching.Enabled, e.cfg.Caching.Engine),
			"metrics_enabled": e.cfg.Metrics.Enabled,
			"mirror_enabled":  e.cfg.Mirror.Enabled,
		})

		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("failed to start pipeline: %w", err)
		}

		<-ctx.Done()
		e.logger.LogShutdown("signal received")

		return p.Stop()
	},
}

func cacheEngine(enabled bool, engine string) string {
	if !enabled {
		return "disabled"
	}
	return engine
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Print an example configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		exampleConfig, err := config.GetExampleConfig()
		if err != nil {
			return fmt.Errorf("error reading example config: %w", err)
		}
		_, err = os.Stdout.Write(exampleConfig)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pulsr %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
	},
}

func init() {
	rootCmd.AddCommand(runCmd, initCmd, versionCmd)
}
