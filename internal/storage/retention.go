package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// pruneTargets lists each table with the column its age is measured by.
// sync_state is never pruned.
var pruneTargets = []struct {
	table  string
	column string
}{
	{"raw_events", "created_at"},
	{"event_refs", "created_at"},
	{"zaps", "created_at"},
	{"content_metrics", "created_at"},
	{"trending_topics", "created_at"},
	{"relay_metrics", "timestamp"},
	{"network_stats", "timestamp"},
	{"user_profiles", "last_updated"},
}

// PruneResult holds deleted row counts keyed by table
type PruneResult map[string]int64

// Total returns the number of deleted rows across tables
func (r PruneResult) Total() int64 {
	var total int64
	for _, n := range r {
		total += n
	}
	return total
}

// DeleteBefore removes every row older than cutoff in one transaction,
// then drops the mirrored copies from the event store.
func (s *Storage) DeleteBefore(ctx context.Context, cutoff time.Time) (PruneResult, error) {
	ts := cutoff.Unix()
	result := make(PruneResult, len(pruneTargets)+1)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer tx.Rollback()

	for _, target := range pruneTargets {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s < ?", target.table, target.column), ts)
		if err != nil {
			return nil, fmt.Errorf("failed to prune %s: %w", target.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read prune result for %s: %w", target.table, err)
		}
		result[target.table] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit prune: %w", err)
	}

	mirrored, err := s.pruneMirror(ctx, ts)
	if err != nil {
		return result, err
	}
	result["mirror"] = mirrored

	return result, nil
}

// pruneMirror deletes mirrored events created before ts, one query page at a time
func (s *Storage) pruneMirror(ctx context.Context, ts int64) (int64, error) {
	until := nostr.Timestamp(ts - 1)

	var deleted int64
	for {
		evts, err := s.QueryEvents(ctx, nostr.Filter{Until: &until, Limit: 500})
		if err != nil {
			return deleted, fmt.Errorf("failed to list mirrored events: %w", err)
		}
		if len(evts) == 0 {
			return deleted, nil
		}
		for _, evt := range evts {
			if err := s.backend.DeleteEvent(ctx, evt); err != nil {
				return deleted, fmt.Errorf("failed to delete mirrored event %s: %w", evt.ID, err)
			}
			deleted++
		}
	}
}
