package ops

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

func TestCollectAll(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	seedEvents(t, st, time.Now().Unix(), time.Now().Unix())

	if err := st.UpdateSyncCursor(ctx, "wss://relay.test", time.Now().Unix()); err != nil {
		t.Fatalf("UpdateSyncCursor failed: %v", err)
	}
	if err := st.InsertRelayMetrics(ctx, &storage.RelayMetrics{
		RelayURL:    "wss://relay.test",
		Timestamp:   time.Now().Unix(),
		IsConnected: true,
		HealthScore: 90,
	}); err != nil {
		t.Fatalf("InsertRelayMetrics failed: %v", err)
	}

	dc := NewDiagnosticsCollector("1.0.0", "abc123", st)
	dc.SetRetentionManager(NewRetentionManager(st, &config.Retention{KeepDays: 30}, Discard()))

	diag, err := dc.CollectAll(ctx)
	if err != nil {
		t.Fatalf("CollectAll failed: %v", err)
	}

	if diag.Storage.TotalEvents != 2 {
		t.Errorf("Expected 2 events, got %d", diag.Storage.TotalEvents)
	}
	if diag.Storage.EventsByKind[1] != 2 {
		t.Errorf("Expected 2 kind-1 events, got %d", diag.Storage.EventsByKind[1])
	}
	if len(diag.Cursors) != 1 {
		t.Errorf("Expected 1 cursor, got %d", len(diag.Cursors))
	}
	if len(diag.Relays) != 1 {
		t.Errorf("Expected 1 relay, got %d", len(diag.Relays))
	}
	if diag.Aggregates.LastRun != nil {
		t.Error("Expected no aggregation run yet")
	}
	if diag.Retention == nil || diag.Retention.KeepDays != 30 {
		t.Errorf("Expected retention stats, got %+v", diag.Retention)
	}

	text := diag.FormatAsText()
	for _, want := range []string{"pulsr Diagnostics", "Version: 1.0.0 (abc123)", "wss://relay.test: connected", "Kind 1: 2 events"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected text output to contain %q", want)
		}
	}
}
