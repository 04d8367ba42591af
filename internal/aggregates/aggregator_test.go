package aggregates

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/events"
	"github.com/sandwichfarm/pulsr/internal/ops"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

var (
	alice = fmt.Sprintf("%064x", 0xa11ce)
	bob   = fmt.Sprintf("%064x", 0xb0b)
	carol = fmt.Sprintf("%064x", 0xca201)
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

func testID(n int) string {
	return fmt.Sprintf("%064x", n)
}

func testAggregationConfig() *config.Aggregation {
	return &config.Aggregation{
		IntervalSeconds:     1,
		ContentWindowHours:  24 * 7,
		TrendingWindowHours: 24,
		MinMentions:         3,
		SampleSize:          2,
	}
}

// seedNetwork writes three #nostr notes, engagement on the first one and one note outside the content window
func seedNetwork(t *testing.T, st *storage.Storage, now time.Time) {
	t.Helper()

	at := func(d time.Duration) nostr.Timestamp {
		return nostr.Timestamp(now.Add(-d).Unix())
	}

	evts := []*nostr.Event{
		{ID: testID(1), PubKey: alice, Kind: 1, CreatedAt: at(time.Hour), Content: "gm #nostr #bitcoin"},
		{ID: testID(2), PubKey: bob, Kind: 1, CreatedAt: at(2 * time.Hour), Content: "#nostr rocks"},
		{ID: testID(3), PubKey: carol, Kind: 1, CreatedAt: at(3 * time.Hour), Content: "#nostr again"},
		{ID: testID(4), PubKey: bob, Kind: 1, CreatedAt: at(30 * time.Minute), Content: "nice",
			Tags: nostr.Tags{{"e", testID(1), "", "reply"}, {"p", alice}}},
		{ID: testID(5), PubKey: carol, Kind: 7, CreatedAt: at(20 * time.Minute), Content: "+",
			Tags: nostr.Tags{{"e", testID(1)}, {"p", alice}}},
		{ID: testID(6), PubKey: testID(99), Kind: 9735, CreatedAt: at(10 * time.Minute),
			Tags: nostr.Tags{{"e", testID(1)}, {"p", alice}, {"bolt11", "lnbc1m1pexample"}}},
		{ID: testID(7), PubKey: alice, Kind: 1, CreatedAt: at(10 * 24 * time.Hour), Content: "ancient #nostr"},
	}

	proc := events.NewProcessor()
	records := make([]*events.Record, 0, len(evts))
	for _, ev := range evts {
		rec, err := proc.Process(ev, "wss://relay.test", time.Unix(int64(ev.CreatedAt), 0))
		if err != nil {
			t.Fatalf("Failed to process event: %v", err)
		}
		records = append(records, rec)
	}

	result, err := st.WriteBatch(context.Background(), records)
	if err != nil {
		t.Fatalf("Failed to write batch: %v", err)
	}
	if len(result.Failed) > 0 {
		t.Fatalf("Unexpected failed records: %v", result.Failed)
	}
}

type fixedRelays struct {
	active  int64
	latency float64
}

func (f fixedRelays) RelaySummary() (int64, float64) {
	return f.active, f.latency
}

func newTestAggregator(st Store, now time.Time) *Aggregator {
	agg := NewAggregator(st, testAggregationConfig(), nil, ops.Discard())
	agg.now = func() time.Time { return now }
	return agg
}

func TestAggregatorRun(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	seedNetwork(t, st, now)

	agg := newTestAggregator(st, now)
	agg.SetRelayStats(fixedRelays{active: 2, latency: 123.456})

	result, err := agg.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.RunID == "" {
		t.Error("Expected a run id")
	}
	if result.ContentRows != 4 {
		t.Errorf("Expected 4 scored notes, got %d", result.ContentRows)
	}
	if result.Topics != 1 {
		t.Errorf("Expected 1 trending topic, got %d", result.Topics)
	}
	if agg.LastRun() != result {
		t.Error("Expected LastRun to return the completed run")
	}

	m, err := st.GetContentMetrics(ctx, testID(1))
	if err != nil {
		t.Fatalf("GetContentMetrics failed: %v", err)
	}
	if m.ZapCount != 1 || m.ZapTotalSats != 100000 {
		t.Errorf("Expected 1 zap of 100000 sats, got %d of %d", m.ZapCount, m.ZapTotalSats)
	}
	if m.ReplyCount != 1 || m.ReactionCount != 1 || m.RepostCount != 0 {
		t.Errorf("Unexpected engagement: replies=%d reactions=%d reposts=%d", m.ReplyCount, m.ReactionCount, m.RepostCount)
	}
	if m.HashtagCount != 2 {
		t.Errorf("Expected 2 hashtags, got %d", m.HashtagCount)
	}
	if m.ViralityScore <= 0 {
		t.Errorf("Expected positive virality, got %f", m.ViralityScore)
	}

	if _, err := st.GetContentMetrics(ctx, testID(7)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected note outside the window to be skipped, got %v", err)
	}

	topics, err := st.TrendingTopics(ctx, 0, 10)
	if err != nil {
		t.Fatalf("TrendingTopics failed: %v", err)
	}
	if len(topics) != 1 {
		t.Fatalf("Expected 1 topic, got %d", len(topics))
	}
	topic := topics[0]
	if topic.Hashtag != "nostr" || topic.MentionCount != 3 || topic.UniqueAuthors != 3 {
		t.Errorf("Unexpected topic: %+v", topic)
	}
	if topic.TotalZaps != 100000 {
		t.Errorf("Expected 100000 zapped sats, got %d", topic.TotalZaps)
	}
	if len(topic.SampleEventIDs) != 2 {
		t.Errorf("Expected 2 samples, got %d", len(topic.SampleEventIDs))
	}

	network, err := st.LatestNetworkStats(ctx)
	if err != nil {
		t.Fatalf("LatestNetworkStats failed: %v", err)
	}
	if network.TotalEvents != 7 {
		t.Errorf("Expected 7 events, got %d", network.TotalEvents)
	}
	if network.TotalZaps != 1 || network.TotalSatsZapped != 100000 {
		t.Errorf("Expected one zap of 100000 sats, got %d of %d", network.TotalZaps, network.TotalSatsZapped)
	}
	if network.TopEventID == nil || *network.TopEventID != testID(1) {
		t.Errorf("Expected top event %s, got %v", testID(1), network.TopEventID)
	}
	if network.ActiveRelays != 2 || network.AvgRelayLatencyMs != 123.46 {
		t.Errorf("Expected relay stats 2/123.46, got %d/%v", network.ActiveRelays, network.AvgRelayLatencyMs)
	}
}

func TestAggregatorRerunKeepsLatestTopic(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	seedNetwork(t, st, now)

	agg := newTestAggregator(st, now)
	if _, err := agg.Run(ctx); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	agg.now = func() time.Time { return now.Add(time.Minute) }
	if _, err := agg.Run(ctx); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	count, err := st.CountContentMetrics(ctx)
	if err != nil {
		t.Fatalf("CountContentMetrics failed: %v", err)
	}
	if count != 4 {
		t.Errorf("Expected content metrics to be upserted, got %d rows", count)
	}

	topics, err := st.TrendingTopics(ctx, 0, 10)
	if err != nil {
		t.Fatalf("TrendingTopics failed: %v", err)
	}
	if len(topics) != 1 || topics[0].CreatedAt != now.Add(time.Minute).Unix() {
		t.Errorf("Expected the latest nostr row only, got %+v", topics)
	}
}

func TestAggregatorRunInProgress(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	agg := newTestAggregator(st, time.Now())
	agg.runMu.Lock()
	defer agg.runMu.Unlock()

	if _, err := agg.Run(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Expected ErrRunInProgress, got %v", err)
	}
}

type brokenStore struct{}

func (brokenStore) BeginAggregation(ctx context.Context) (*storage.AggregationTx, error) {
	return nil, errors.New("database is locked")
}

func TestAggregatorRunFailure(t *testing.T) {
	agg := newTestAggregator(brokenStore{}, time.Now())

	if _, err := agg.Run(context.Background()); err == nil {
		t.Fatal("Expected run to fail")
	}
	if agg.LastRun() != nil {
		t.Error("Expected no recorded run after a failure")
	}
}

func TestAggregatorLatePassFailureRollsBack(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	seedNetwork(t, st, now)

	// Content and trending passes write before the network insert fails
	if _, err := st.DB().ExecContext(ctx, `DROP TABLE network_stats`); err != nil {
		t.Fatalf("Failed to drop network_stats: %v", err)
	}

	agg := newTestAggregator(st, now)
	_, err := agg.Run(ctx)
	if err == nil {
		t.Fatal("Expected run to fail")
	}
	if !strings.Contains(err.Error(), "network pass") {
		t.Errorf("Expected a network pass failure, got %v", err)
	}

	count, err := st.CountContentMetrics(ctx)
	if err != nil {
		t.Fatalf("CountContentMetrics failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected content metrics to be rolled back, got %d rows", count)
	}

	topics, err := st.TrendingTopics(ctx, 0, 10)
	if err != nil {
		t.Fatalf("TrendingTopics failed: %v", err)
	}
	if len(topics) != 0 {
		t.Errorf("Expected trending topics to be rolled back, got %+v", topics)
	}

	if agg.LastRun() != nil {
		t.Error("Expected no recorded run after a failure")
	}
}

func TestAggregatorStart(t *testing.T) {
	st, cleanup := setupTestStorage(t)
	defer cleanup()

	agg := NewAggregator(st, testAggregationConfig(), nil, ops.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for agg.LastRun() == nil && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if agg.LastRun() == nil {
		t.Error("Expected a run within the first ticks")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
