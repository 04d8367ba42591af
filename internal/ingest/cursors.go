package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sandwichfarm/pulsr/internal/events"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

// CursorStore persists per-relay resume cursors
type CursorStore interface {
	GetSyncState(ctx context.Context, relayURL string) (*storage.SyncState, error)
	UpdateSyncCursor(ctx context.Context, relayURL string, since int64) error
}

// CursorManager keeps each relay's resume cursor at a safe watermark: the newest
// created_at committed from that relay, but never past the oldest event from it that
// was accepted and not yet settled.
type CursorManager struct {
	store CursorStore

	mu      sync.Mutex
	pending map[string]map[int64]int
	high    map[string]int64
}

// NewCursorManager creates a new cursor manager
func NewCursorManager(store CursorStore) *CursorManager {
	return &CursorManager{
		store:   store,
		pending: make(map[string]map[int64]int),
		high:    make(map[string]int64),
	}
}

// GetSince returns the cursor of relay, or 0 when the relay has none yet
func (cm *CursorManager) GetSince(ctx context.Context, relay string) (int64, error) {
	state, err := cm.store.GetSyncState(ctx, relay)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return state.Since, nil
}

// ResumeSince returns the oldest cursor across relays, so one filter covers all of them.
// Relays without a cursor are skipped; when none has one, fallback is returned.
func (cm *CursorManager) ResumeSince(ctx context.Context, relays []string, fallback int64) (int64, error) {
	var oldest int64
	for _, relay := range relays {
		since, err := cm.GetSince(ctx, relay)
		if err != nil {
			return 0, fmt.Errorf("failed to read cursor for %s: %w", relay, err)
		}
		if since == 0 {
			continue
		}
		if oldest == 0 || since < oldest {
			oldest = since
		}
	}

	if oldest == 0 {
		return fallback, nil
	}
	return oldest, nil
}

// Hold marks an accepted event as in flight until it is released
func (cm *CursorManager) Hold(relay string, createdAt int64) {
	if relay == "" {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	held := cm.pending[relay]
	if held == nil {
		held = make(map[int64]int)
		cm.pending[relay] = held
	}
	held[createdAt]++
}

// Release drops the hold taken by Hold
func (cm *CursorManager) Release(relay string, createdAt int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.releaseLocked(relay, createdAt)
}

func (cm *CursorManager) releaseLocked(relay string, createdAt int64) {
	held := cm.pending[relay]
	if held == nil {
		return
	}
	held[createdAt]--
	if held[createdAt] <= 0 {
		delete(held, createdAt)
	}
	if len(held) == 0 {
		delete(cm.pending, relay)
	}
}

// Advance records the committed records, releases the settled events and writes the
// watermark of every relay involved. Events that are never settled keep their relay's
// cursor at or below them for the life of the process.
func (cm *CursorManager) Advance(ctx context.Context, committed []*events.Record, settled []Incoming) error {
	cm.mu.Lock()
	touched := make(map[string]struct{})
	for _, rec := range committed {
		relay := rec.Envelope.Relay
		if relay == "" {
			continue
		}
		if ts := int64(rec.Envelope.CreatedAt); ts > cm.high[relay] {
			cm.high[relay] = ts
		}
		touched[relay] = struct{}{}
	}
	for _, msg := range settled {
		if msg.Event == nil || msg.Relay == "" {
			continue
		}
		cm.releaseLocked(msg.Relay, int64(msg.Event.CreatedAt))
		touched[msg.Relay] = struct{}{}
	}

	marks := make(map[string]int64, len(touched))
	for relay := range touched {
		if mark, ok := cm.watermarkLocked(relay); ok {
			marks[relay] = mark
		}
	}
	cm.mu.Unlock()

	var errs []error
	for relay, mark := range marks {
		if err := cm.store.UpdateSyncCursor(ctx, relay, mark); err != nil {
			errs = append(errs, fmt.Errorf("cursor %s: %w", relay, err))
		}
	}
	return errors.Join(errs...)
}

func (cm *CursorManager) watermarkLocked(relay string) (int64, bool) {
	mark := cm.high[relay]
	if mark == 0 {
		return 0, false
	}
	for ts := range cm.pending[relay] {
		if ts < mark {
			mark = ts
		}
	}
	return mark, true
}
