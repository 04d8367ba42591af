package ops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

// RetentionManager handles data retention and pruning
type RetentionManager struct {
	storage *storage.Storage
	config  *config.Retention
	logger  *Logger
	now     func() time.Time

	// Background worker control
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewRetentionManager creates a new retention manager
func NewRetentionManager(st *storage.Storage, cfg *config.Retention, logger *Logger) *RetentionManager {
	return &RetentionManager{
		storage:  st,
		config:   cfg,
		logger:   logger.WithComponent("retention"),
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Cutoff returns the time before which data is pruned
func (r *RetentionManager) Cutoff() time.Time {
	return r.now().AddDate(0, 0, -r.config.KeepDays)
}

// PruneOldData deletes rows older than keep_days from every table
func (r *RetentionManager) PruneOldData(ctx context.Context) (storage.PruneResult, error) {
	start := time.Now()
	cutoff := r.Cutoff()

	r.logger.Info("starting retention pruning",
		"cutoff", cutoff.Format(time.RFC3339),
		"keep_days", r.config.KeepDays)

	result, err := r.storage.DeleteBefore(ctx, cutoff)
	if err != nil {
		r.logger.LogRetentionPrune(result.Total(), time.Since(start), err)
		return result, fmt.Errorf("failed to prune old data: %w", err)
	}

	for table, n := range result {
		if n > 0 {
			r.logger.Debug("pruned table", "table", table, "deleted", n)
		}
	}
	r.logger.LogRetentionPrune(result.Total(), time.Since(start), nil)

	return result, nil
}

// ShouldPruneOnStart returns true if pruning should run on startup
func (r *RetentionManager) ShouldPruneOnStart() bool {
	return r.config.PruneOnStart
}

// RetentionStats contains retention statistics
type RetentionStats struct {
	KeepDays     int       `json:"keep_days"`
	PruneOnStart bool      `json:"prune_on_start"`
	TotalEvents  int64     `json:"total_events"`
	OldestEvent  time.Time `json:"oldest_event"`
	NewestEvent  time.Time `json:"newest_event"`
	Cutoff       time.Time `json:"cutoff"`
	Prunable     bool      `json:"prunable"`
}

// GetRetentionStats returns statistics about retention
func (r *RetentionManager) GetRetentionStats(ctx context.Context) (*RetentionStats, error) {
	stats := &RetentionStats{
		KeepDays:     r.config.KeepDays,
		PruneOnStart: r.config.PruneOnStart,
		Cutoff:       r.Cutoff(),
	}

	total, err := r.storage.CountRawEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	stats.TotalEvents = total

	oldest, newest, err := r.storage.EventTimeRange(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get event time range: %w", err)
	}

	if total > 0 {
		stats.OldestEvent = time.Unix(oldest, 0)
		stats.NewestEvent = time.Unix(newest, 0)
		stats.Prunable = stats.OldestEvent.Before(stats.Cutoff)
	}

	return stats, nil
}

// StartPruningScheduler starts the background pruning scheduler.
// It returns immediately; Stop ends the scheduler and waits for it.
func (r *RetentionManager) StartPruningScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.logger.Info("pruning scheduler not started (interval not configured)")
		close(r.doneChan)
		return
	}

	r.logger.Info("starting pruning scheduler", "interval", interval)

	go func() {
		defer close(r.doneChan)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("pruning scheduler stopped (context done)")
				return
			case <-r.stopChan:
				r.logger.Info("pruning scheduler stopped (shutdown)")
				return
			case <-ticker.C:
				if _, err := r.PruneOldData(ctx); err != nil {
					r.logger.Error("scheduled pruning failed", "error", err)
				}
			}
		}
	}()
}

// Stop stops the pruning scheduler and waits for it to exit.
// Only call it after StartPruningScheduler.
func (r *RetentionManager) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	<-r.doneChan
}
