package ops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sandwichfarm/pulsr/internal/storage"
)

const backupPrefix = "pulsr-backup-"

// BackupManager writes consistent snapshots of the database
type BackupManager struct {
	storage *storage.Storage
	logger  *Logger
}

// NewBackupManager creates a new backup manager
func NewBackupManager(st *storage.Storage, logger *Logger) *BackupManager {
	return &BackupManager{
		storage: st,
		logger:  logger.WithComponent("backup"),
	}
}

// Backup writes a snapshot of the live database to destPath with VACUUM INTO.
// The destination must not exist yet.
func (b *BackupManager) Backup(ctx context.Context, destPath string) (int64, error) {
	start := time.Now()

	b.logger.Info("starting database backup", "destination", destPath)

	if _, err := os.Stat(destPath); err == nil {
		return 0, fmt.Errorf("backup destination already exists: %s", destPath)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		b.logger.LogStorageOperation("backup", time.Since(start), err)
		return 0, fmt.Errorf("failed to create backup directory: %w", err)
	}

	if _, err := b.storage.DB().ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		b.logger.LogStorageOperation("backup", time.Since(start), err)
		return 0, fmt.Errorf("failed to write backup: %w", err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat backup: %w", err)
	}

	b.logger.LogStorageOperation("backup", time.Since(start), nil)
	b.logger.Info("database backup completed",
		"destination", destPath,
		"size_mb", float64(info.Size())/1024/1024,
		"duration_ms", time.Since(start).Milliseconds())

	return info.Size(), nil
}

// BackupPath returns a timestamped backup file name inside dir
func BackupPath(dir string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s%s.db", backupPrefix, at.Format("20060102-150405")))
}

// CleanOldBackups removes backups in backupDir older than maxAge
func CleanOldBackups(backupDir string, maxAge time.Duration, logger *Logger) (int, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read backup directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var deleted int

	for _, entry := range entries {
		if entry.IsDir() || !isBackupFile(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get file info", "file", entry.Name(), "error", err)
			continue
		}

		if info.ModTime().Before(cutoff) {
			path := filepath.Join(backupDir, entry.Name())
			if err := os.Remove(path); err != nil {
				logger.Warn("failed to delete old backup", "file", path, "error", err)
				continue
			}
			deleted++
		}
	}

	logger.Info("old backup cleanup completed", "directory", backupDir, "deleted", deleted)
	return deleted, nil
}

func isBackupFile(name string) bool {
	return filepath.Ext(name) == ".db" && strings.HasPrefix(name, backupPrefix)
}
