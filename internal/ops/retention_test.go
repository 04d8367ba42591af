package ops

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/events"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

func setupTestStorage(t *testing.T) (*storage.Storage, func()) {
	t.Helper()

	cfg := &config.Storage{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	}

	st, err := storage.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	return st, func() { st.Close() }
}

func seedEvents(t *testing.T, st *storage.Storage, createdAt ...int64) {
	t.Helper()

	proc := events.NewProcessor()
	records := make([]*events.Record, 0, len(createdAt))
	for i, ts := range createdAt {
		rec, err := proc.Process(&nostr.Event{
			ID:        strings.Repeat("0", 63) + string(rune('a'+i)),
			PubKey:    "author",
			Kind:      1,
			CreatedAt: nostr.Timestamp(ts),
			Content:   "note",
		}, "wss://relay.test", time.Unix(ts, 0))
		if err != nil {
			t.Fatalf("Failed to process event: %v", err)
		}
		records = append(records, rec)
	}

	if _, err := st.WriteBatch(context.Background(), records); err != nil {
		t.Fatalf("Failed to write batch: %v", err)
	}
}

func TestPruneOldData(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	now := time.Now()
	seedEvents(t, st,
		now.AddDate(0, 0, -40).Unix(),
		now.AddDate(0, 0, -31).Unix(),
		now.AddDate(0, 0, -1).Unix(),
	)

	rm := NewRetentionManager(st, &config.Retention{KeepDays: 30}, Discard())

	result, err := rm.PruneOldData(context.Background())
	if err != nil {
		t.Fatalf("PruneOldData failed: %v", err)
	}
	if result["raw_events"] != 2 {
		t.Errorf("Expected 2 events pruned, got %d", result["raw_events"])
	}

	remaining, err := st.CountRawEvents(context.Background())
	if err != nil {
		t.Fatalf("CountRawEvents failed: %v", err)
	}
	if remaining != 1 {
		t.Errorf("Expected 1 event left, got %d", remaining)
	}
}

func TestGetRetentionStats(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	rm := NewRetentionManager(st, &config.Retention{KeepDays: 7, PruneOnStart: true}, Discard())

	stats, err := rm.GetRetentionStats(context.Background())
	if err != nil {
		t.Fatalf("GetRetentionStats failed: %v", err)
	}
	if stats.TotalEvents != 0 || stats.Prunable {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
	if !rm.ShouldPruneOnStart() {
		t.Error("Expected ShouldPruneOnStart to be true")
	}

	seedEvents(t, st, time.Now().AddDate(0, 0, -10).Unix())

	stats, err = rm.GetRetentionStats(context.Background())
	if err != nil {
		t.Fatalf("GetRetentionStats failed: %v", err)
	}
	if stats.TotalEvents != 1 {
		t.Errorf("Expected 1 event, got %d", stats.TotalEvents)
	}
	if !stats.Prunable {
		t.Error("Expected old event to be prunable")
	}
}

func TestPruningScheduler(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	seedEvents(t, st, time.Now().AddDate(0, 0, -90).Unix())

	rm := NewRetentionManager(st, &config.Retention{KeepDays: 30}, Discard())
	rm.StartPruningScheduler(context.Background(), 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := st.CountRawEvents(context.Background())
		if err != nil {
			t.Fatalf("CountRawEvents failed: %v", err)
		}
		if n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rm.Stop()
	// a second Stop must not block or panic
	rm.Stop()

	n, err := st.CountRawEvents(context.Background())
	if err != nil {
		t.Fatalf("CountRawEvents failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected scheduler to prune the old event, %d left", n)
	}
}

func TestPruningSchedulerDisabled(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	rm := NewRetentionManager(st, &config.Retention{KeepDays: 30}, Discard())
	rm.StartPruningScheduler(context.Background(), 0)

	done := make(chan struct{})
	go func() {
		rm.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked with scheduler disabled")
	}
}
