package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/sandwichfarm/pulsr/internal/ingest"
	"github.com/sandwichfarm/pulsr/internal/metrics"
	internalnostr "github.com/sandwichfarm/pulsr/internal/nostr"
	"github.com/sandwichfarm/pulsr/internal/ops"
)

type fakePool struct {
	stats internalnostr.PoolStats
}

func (f *fakePool) Stats() internalnostr.PoolStats { return f.stats }

type fakeLoop struct{}

func (fakeLoop) Stats() ingest.Stats { return ingest.Stats{QueueDepth: 3} }

func TestReporterRecordsRelayMetrics(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	start := time.Unix(1700000000, 0)
	connectedAt := start.Add(-time.Minute)

	pool := &fakePool{stats: internalnostr.PoolStats{
		Relays:    1,
		Connected: 1,
		Peers: []internalnostr.PeerStats{{
			URL:             "wss://relay.test",
			Connected:       true,
			EventCount:      100,
			LatencyMs:       80,
			KindCounts:      map[int]int64{1: 60, 7: 40},
			BytesReceived:   50000,
			LastConnectedAt: connectedAt,
		}},
	}}

	m := metrics.New()
	r := NewReporter(st, pool, fakeLoop{}, m, ops.Discard())
	r.now = func() time.Time { return start }

	if err := r.Report(ctx); err != nil {
		t.Fatalf("first Report failed: %v", err)
	}

	rows, err := st.LatestRelayMetrics(ctx)
	if err != nil {
		t.Fatalf("LatestRelayMetrics failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 relay row, got %d", len(rows))
	}
	first := rows[0]
	if first.UptimePercentage != 100 {
		t.Errorf("Expected 100%% uptime, got %f", first.UptimePercentage)
	}
	if first.EventsPerSecond != 0 {
		t.Errorf("Expected no rate on the first observation, got %f", first.EventsPerSecond)
	}
	if first.AvgEventSizeBytes != 500 {
		t.Errorf("Expected 500 byte events, got %f", first.AvgEventSizeBytes)
	}
	if first.KindDistribution[7] != 40 {
		t.Errorf("Expected 40 reactions in kind distribution, got %d", first.KindDistribution[7])
	}
	if first.LastSuccessfulConnection == nil || *first.LastSuccessfulConnection != connectedAt.Unix() {
		t.Errorf("Expected last successful connection %d, got %v", connectedAt.Unix(), first.LastSuccessfulConnection)
	}
	if first.HealthScore <= 0 || first.HealthScore > 100 {
		t.Errorf("Expected health score in (0, 100], got %f", first.HealthScore)
	}

	pool.stats.Connected = 0
	pool.stats.Peers[0].Connected = false
	pool.stats.Peers[0].EventCount = 150
	r.now = func() time.Time { return start.Add(10 * time.Second) }

	if err := r.Report(ctx); err != nil {
		t.Fatalf("second Report failed: %v", err)
	}

	rows, err = st.LatestRelayMetrics(ctx)
	if err != nil {
		t.Fatalf("LatestRelayMetrics failed: %v", err)
	}
	second := rows[0]
	if second.UptimePercentage != 50 {
		t.Errorf("Expected 50%% uptime, got %f", second.UptimePercentage)
	}
	if second.EventsPerSecond != 5 {
		t.Errorf("Expected 5 events/s, got %f", second.EventsPerSecond)
	}
	if second.IsConnected {
		t.Error("Expected disconnected observation")
	}
	if second.HealthScore >= first.HealthScore {
		t.Errorf("Expected health to drop with uptime, got %f then %f", first.HealthScore, second.HealthScore)
	}
}

func TestReporterStart(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	pool := &fakePool{stats: internalnostr.PoolStats{
		Relays: 1,
		Peers:  []internalnostr.PeerStats{{URL: "wss://relay.test"}},
	}}
	r := NewReporter(st, pool, fakeLoop{}, nil, ops.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx, 20*time.Millisecond)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		rows, err := st.LatestRelayMetrics(context.Background())
		return err == nil && len(rows) == 1
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
