package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sandwichfarm/pulsr/internal/aggregates"
	"github.com/sandwichfarm/pulsr/internal/ops"
	"github.com/spf13/cobra"
)

var (
	backupDir      string
	backupKeepDays int
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Run one aggregation pass over the stored events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		result, err := aggregates.NewAggregator(e.storage, &e.cfg.Aggregation, nil, e.logger).Run(ctx)
		if err != nil {
			return fmt.Errorf("aggregation failed: %w", err)
		}
		if jsonOutput {
			return printJSON(result)
		}

		fmt.Printf("Run %s finished in %s\n", result.RunID, result.Duration.Round(time.Millisecond))
		fmt.Printf("  notes scored:    %d\n", result.ContentRows)
		fmt.Printf("  trending topics: %d\n", result.Topics)
		if n := result.Network; n != nil {
			fmt.Printf("  events:          %s (%s in 24h, %s notes)\n",
				humanize.Comma(n.TotalEvents), humanize.Comma(n.Events24h), humanize.Comma(n.Notes24h))
			fmt.Printf("  users:           %s (%s active, %s new in 24h)\n",
				humanize.Comma(n.TotalUsers), humanize.Comma(n.ActiveUsers24h), humanize.Comma(n.NewUsers24h))
			fmt.Printf("  zapped:          %s in %d zaps\n", aggregates.FormatSats(n.TotalSatsZapped), n.TotalZaps)
		}
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete data older than retention.keep_days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		rm := ops.NewRetentionManager(e.storage, &e.cfg.Retention, e.logger)
		result, err := rm.PruneOldData(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}

		fmt.Printf("Pruned %s rows older than %s\n", humanize.Comma(result.Total()), rm.Cutoff().Format(time.RFC3339))
		tables := make([]string, 0, len(result))
		for table := range result {
			tables = append(tables, table)
		}
		sort.Strings(tables)
		for _, table := range tables {
			if result[table] > 0 {
				fmt.Printf("  %-18s %s\n", table, humanize.Comma(result[table]))
			}
		}
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a consistent snapshot of the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		dest := ops.BackupPath(backupDir, time.Now())
		size, err := ops.NewBackupManager(e.storage, e.logger).Backup(ctx, dest)
		if err != nil {
			return err
		}
		fmt.Printf("Backup written to %s (%s)\n", dest, humanize.Bytes(uint64(size)))

		if backupKeepDays > 0 {
			removed, err := ops.CleanOldBackups(backupDir, time.Duration(backupKeepDays)*24*time.Hour, e.logger)
			if err != nil {
				return err
			}
			if removed > 0 {
				fmt.Printf("Removed %d backups older than %d days\n", removed, backupKeepDays)
			}
		}
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVar(&backupDir, "dir", "./backups", "Directory for backup files")
	backupCmd.Flags().IntVar(&backupKeepDays, "keep-days", 0, "Delete backups older than this many days (0 keeps all)")

	rootCmd.AddCommand(aggregateCmd, pruneCmd, backupCmd)
}
