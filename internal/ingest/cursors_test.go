package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/sandwichfarm/pulsr/internal/events"
)

func TestResumeSince(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	cm := NewCursorManager(st)
	relays := []string{"wss://a.test", "wss://b.test", "wss://c.test"}

	since, err := cm.ResumeSince(ctx, relays, 42)
	if err != nil {
		t.Fatalf("ResumeSince failed: %v", err)
	}
	if since != 42 {
		t.Errorf("Expected fallback 42 with no cursors, got %d", since)
	}

	st.UpdateSyncCursor(ctx, "wss://a.test", 1700000500)
	st.UpdateSyncCursor(ctx, "wss://b.test", 1700000100)

	since, err = cm.ResumeSince(ctx, relays, 42)
	if err != nil {
		t.Fatalf("ResumeSince failed: %v", err)
	}
	if since != 1700000100 {
		t.Errorf("Expected oldest cursor 1700000100, got %d", since)
	}
}

func TestAdvanceWatermark(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	cm := NewCursorManager(st)
	proc := events.NewProcessor()

	incoming := func(n int, createdAt int64, relay string) Incoming {
		return Incoming{Event: testEvent(n, createdAt), Relay: relay, ReceivedAt: time.Now()}
	}
	record := func(msg Incoming) *events.Record {
		rec, err := proc.Process(msg.Event, msg.Relay, msg.ReceivedAt)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		return rec
	}
	cursor := func(relay string) int64 {
		got, err := cm.GetSince(ctx, relay)
		if err != nil {
			t.Fatalf("GetSince(%s) failed: %v", relay, err)
		}
		return got
	}

	// a relay replaying newest first: 500 and 300 flush while 200 and 100 wait
	a500 := incoming(1, 500, "wss://a.test")
	a300 := incoming(2, 300, "wss://a.test")
	a200 := incoming(3, 200, "wss://a.test")
	a100 := incoming(4, 100, "wss://a.test")
	b200 := incoming(5, 200, "wss://b.test")
	for _, msg := range []Incoming{a500, a300, a200, a100, b200} {
		cm.Hold(msg.Relay, int64(msg.Event.CreatedAt))
	}

	first := []Incoming{a500, a300, b200}
	if err := cm.Advance(ctx, []*events.Record{record(a500), record(a300), record(b200)}, first); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if got := cursor("wss://a.test"); got != 100 {
		t.Errorf("Expected cursor held at oldest pending 100, got %d", got)
	}
	if got := cursor("wss://b.test"); got != 200 {
		t.Errorf("Expected cursor 200 for b, got %d", got)
	}

	if err := cm.Advance(ctx, []*events.Record{record(a200), record(a100)}, []Incoming{a200, a100}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	tests := []struct {
		relay string
		want  int64
	}{
		{"wss://a.test", 500},
		{"wss://b.test", 200},
		{"wss://missing.test", 0},
	}
	for _, tt := range tests {
		if got := cursor(tt.relay); got != tt.want {
			t.Errorf("Expected %d for %s, got %d", tt.want, tt.relay, got)
		}
	}
}

func TestAdvanceKeepsUnsettledHold(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	cm := NewCursorManager(st)

	lost := Incoming{Event: testEvent(1, 100), Relay: "wss://a.test", ReceivedAt: time.Now()}
	newer := Incoming{Event: testEvent(2, 900), Relay: "wss://a.test", ReceivedAt: time.Now()}
	cm.Hold(lost.Relay, 100)
	cm.Hold(newer.Relay, 900)

	rec, err := events.NewProcessor().Process(newer.Event, newer.Relay, newer.ReceivedAt)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	// lost is never settled, as after a failed batch
	if err := cm.Advance(ctx, []*events.Record{rec}, []Incoming{newer}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	since, err := cm.GetSince(ctx, "wss://a.test")
	if err != nil {
		t.Fatalf("GetSince failed: %v", err)
	}
	if since != 100 {
		t.Errorf("Expected cursor pinned at 100, got %d", since)
	}
}
