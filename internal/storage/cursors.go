package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetSyncState retrieves the resume cursor of a relay
func (s *Storage) GetSyncState(ctx context.Context, relayURL string) (*SyncState, error) {
	var st SyncState
	err := s.db.GetContext(ctx, &st, `SELECT relay_url, since, updated_at FROM sync_state WHERE relay_url = ?`, relayURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return &st, nil
}

// UpdateSyncCursor moves the cursor of a relay forward. It never moves it back.
func (s *Storage) UpdateSyncCursor(ctx context.Context, relayURL string, since int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (relay_url, since, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(relay_url) DO UPDATE SET
			since = MAX(sync_state.since, excluded.since),
			updated_at = excluded.updated_at`,
		relayURL, since, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}
	return nil
}

// GetAllSyncStates returns every stored cursor
func (s *Storage) GetAllSyncStates(ctx context.Context) ([]SyncState, error) {
	var states []SyncState
	err := s.db.SelectContext(ctx, &states, `SELECT relay_url, since, updated_at FROM sync_state ORDER BY relay_url`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync states: %w", err)
	}
	return states, nil
}

// DeleteSyncState forgets the cursor of a relay
func (s *Storage) DeleteSyncState(ctx context.Context, relayURL string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE relay_url = ?`, relayURL); err != nil {
		return fmt.Errorf("failed to delete sync state: %w", err)
	}
	return nil
}
