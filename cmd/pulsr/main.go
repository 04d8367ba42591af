package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/ops"
	"github.com/sandwichfarm/pulsr/internal/storage"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "pulsr",
	Short: "Nostr relay ingestion and aggregation pipeline",
	Long: `pulsr streams events from many Nostr relays, deduplicates and classifies them,
and keeps engagement, trending and relay health metrics in sqlite.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults plus PULSR_* env when empty)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

// loadConfig reads --config, or the defaults with env overrides when it is not set
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.LoadDefault()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}
	return cfg, nil
}

// env is what every command that touches the database needs
type env struct {
	cfg     *config.Config
	logger  *ops.Logger
	storage *storage.Storage
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)

	st, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return &env{cfg: cfg, logger: logger, storage: st}, nil
}

func (e *env) Close() {
	if err := e.storage.Close(); err != nil {
		e.logger.Warn("failed to close storage", "error", err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
