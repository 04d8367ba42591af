// Package aggregates turns raw events into content, trending and network metrics.
package aggregates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/events"
	"github.com/sandwichfarm/pulsr/internal/metrics"
	"github.com/sandwichfarm/pulsr/internal/ops"
	"github.com/sandwichfarm/pulsr/internal/scoring"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

// ErrRunInProgress is returned when Run is called while another run is active
var ErrRunInProgress = errors.New("aggregation run already in progress")

// Store opens aggregation transactions
type Store interface {
	BeginAggregation(ctx context.Context) (*storage.AggregationTx, error)
}

// RelayStatsSource reports live relay connectivity for the network snapshot
type RelayStatsSource interface {
	RelaySummary() (active int64, avgLatencyMs float64)
}

// RunResult describes one completed aggregation run
type RunResult struct {
	RunID       string                `json:"run_id"`
	StartedAt   time.Time             `json:"started_at"`
	Duration    time.Duration         `json:"duration"`
	ContentRows int                   `json:"content_rows"`
	Topics      int                   `json:"topics"`
	Network     *storage.NetworkStats `json:"network"`
}

// Aggregator computes the derived tables in one transaction per run
type Aggregator struct {
	store   Store
	cfg     *config.Aggregation
	relays  RelayStatsSource
	metrics *metrics.Metrics
	logger  *ops.Logger
	now     func() time.Time

	runMu   sync.Mutex
	lastRun atomic.Pointer[RunResult]
}

// NewAggregator creates an aggregator. m may be nil.
func NewAggregator(store Store, cfg *config.Aggregation, m *metrics.Metrics, logger *ops.Logger) *Aggregator {
	return &Aggregator{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.WithComponent("aggregator"),
		now:     time.Now,
	}
}

// SetRelayStats sets the source of active relay counts and latency
func (a *Aggregator) SetRelayStats(src RelayStatsSource) {
	a.relays = src
}

// LastRun returns the most recent successful run, or nil
func (a *Aggregator) LastRun() *RunResult {
	return a.lastRun.Load()
}

// Run executes the content, trending and network passes. Any failure rolls the run back.
func (a *Aggregator) Run(ctx context.Context) (*RunResult, error) {
	if !a.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer a.runMu.Unlock()

	result := &RunResult{
		RunID:     uuid.NewString(),
		StartedAt: a.now(),
	}
	log := a.logger.WithFields("run_id", result.RunID)
	log.Debug("aggregation run started")

	err := a.run(ctx, result)
	result.Duration = a.now().Sub(result.StartedAt)

	a.logger.LogAggregationRun(result.RunID, result.ContentRows, result.Topics, result.Duration, err)
	a.metrics.ObserveAggregation(result.Duration, err)

	if err != nil {
		return nil, err
	}
	a.lastRun.Store(result)
	return result, nil
}

func (a *Aggregator) run(ctx context.Context, result *RunResult) error {
	tx, err := a.store.BeginAggregation(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := result.StartedAt

	if result.ContentRows, err = a.contentPass(ctx, tx, now); err != nil {
		return fmt.Errorf("content pass: %w", err)
	}
	if result.Topics, err = a.trendingPass(ctx, tx, now); err != nil {
		return fmt.Errorf("trending pass: %w", err)
	}
	if result.Network, err = a.networkPass(ctx, tx, now); err != nil {
		return fmt.Errorf("network pass: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit aggregation: %w", err)
	}
	return nil
}

// contentPass scores every note in the content window
func (a *Aggregator) contentPass(ctx context.Context, tx *storage.AggregationTx, now time.Time) (int, error) {
	from := now.Add(-a.cfg.ContentWindow()).Unix()
	notes, err := tx.NotesBetween(ctx, from, now.Unix())
	if err != nil {
		return 0, err
	}
	if len(notes) == 0 {
		return 0, nil
	}

	ids := make([]string, len(notes))
	for i, n := range notes {
		ids[i] = n.ID
	}

	zaps, err := tx.ZapTotals(ctx, ids)
	if err != nil {
		return 0, err
	}
	refs, err := tx.RefCounts(ctx, ids)
	if err != nil {
		return 0, err
	}

	for _, note := range notes {
		m := scoreNote(&note, zaps[note.ID], refs[note.ID], now)
		if err := tx.UpsertContentMetrics(ctx, m); err != nil {
			return 0, err
		}
	}

	return len(notes), nil
}

func scoreNote(note *storage.RawEvent, zaps storage.ZapTotal, refs storage.RefCount, now time.Time) *storage.ContentMetrics {
	extracted := events.ExtractNote(note.Content, nostr.Tags(note.Tags))

	engagement := scoring.Engagement{
		Zaps:      zaps.Count,
		ZapSats:   zaps.Sats,
		Replies:   refs.Replies,
		Reposts:   refs.Reposts,
		Reactions: refs.Reactions,
	}
	age := now.Sub(time.Unix(note.CreatedAt, 0)).Hours()

	return &storage.ContentMetrics{
		EventID:          note.ID,
		AuthorPubkey:     note.PubKey,
		Kind:             note.Kind,
		CreatedAt:        note.CreatedAt,
		ZapCount:         zaps.Count,
		ZapTotalSats:     zaps.Sats,
		ReplyCount:       refs.Replies,
		RepostCount:      refs.Reposts,
		ReactionCount:    refs.Reactions,
		ContentLength:    extracted.ContentLength,
		HashtagCount:     len(extracted.Hashtags),
		Hashtags:         storage.StringList(extracted.Hashtags),
		MentionedPubkeys: storage.StringList(extracted.Mentions),
		HasMedia:         extracted.HasMedia,
		MediaURLs:        storage.StringList(extracted.MediaURLs),
		Language:         extracted.Language,
		ViralityScore:    scoring.Virality(engagement, age),
		QualityScore: scoring.Quality(scoring.QualityInput{
			ContentLength: extracted.ContentLength,
			HasMedia:      extracted.HasMedia,
			HashtagCount:  len(extracted.Hashtags),
			ZapCount:      zaps.Count,
			ReplyCount:    refs.Replies,
		}),
		IsSpam: scoring.IsSpam(scoring.SpamInput{
			ContentLength: extracted.ContentLength,
			HashtagCount:  len(extracted.Hashtags),
			URLCount:      len(extracted.URLs),
			MentionCount:  len(extracted.Mentions),
			IsReply:       extracted.IsReply,
		}),
		FirstSeen:   now.Unix(),
		LastUpdated: now.Unix(),
	}
}

type topicAccumulator struct {
	mentions int
	authors  map[string]struct{}
	zapSats  int64
	samples  []string
}

// trendingPass groups recent hashtag mentions and records one row per qualifying hashtag
func (a *Aggregator) trendingPass(ctx context.Context, tx *storage.AggregationTx, now time.Time) (int, error) {
	window := a.cfg.TrendingWindow()
	since := now.Add(-window).Unix()

	rows, err := tx.ContentMetricsSince(ctx, since)
	if err != nil {
		return 0, err
	}

	topics := make(map[string]*topicAccumulator)
	var order []string
	for _, row := range rows {
		for _, tag := range row.Hashtags {
			acc, ok := topics[tag]
			if !ok {
				acc = &topicAccumulator{authors: make(map[string]struct{})}
				topics[tag] = acc
				order = append(order, tag)
			}
			acc.mentions++
			acc.authors[row.AuthorPubkey] = struct{}{}
			acc.zapSats += row.ZapTotalSats
			if len(acc.samples) < a.cfg.SampleSize {
				acc.samples = append(acc.samples, row.EventID)
			}
		}
	}

	inserted := 0
	for _, tag := range order {
		acc := topics[tag]
		if acc.mentions < a.cfg.MinMentions {
			continue
		}

		topic := &storage.TrendingTopic{
			Hashtag:        tag,
			MentionCount:   acc.mentions,
			UniqueAuthors:  len(acc.authors),
			TotalZaps:      acc.zapSats,
			WindowStart:    since,
			WindowEnd:      now.Unix(),
			TrendScore:     scoring.Trend(acc.mentions, window.Hours(), len(acc.authors), acc.zapSats),
			SampleEventIDs: storage.StringList(acc.samples),
			CreatedAt:      now.Unix(),
		}
		if err := tx.InsertTrendingTopic(ctx, topic); err != nil {
			return 0, err
		}
		inserted++
	}

	return inserted, nil
}

// networkPass inserts exactly one network snapshot
func (a *Aggregator) networkPass(ctx context.Context, tx *storage.AggregationTx, now time.Time) (*storage.NetworkStats, error) {
	stats, err := tx.CollectNetworkStats(ctx, now)
	if err != nil {
		return nil, err
	}

	if a.relays != nil {
		stats.ActiveRelays, stats.AvgRelayLatencyMs = a.relays.RelaySummary()
		stats.AvgRelayLatencyMs = scoring.Round(stats.AvgRelayLatencyMs, 2)
	}

	if err := tx.InsertNetworkStats(ctx, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Start runs the aggregator every interval until ctx is done. Failed runs are retried on the next tick.
func (a *Aggregator) Start(ctx context.Context) {
	interval := a.cfg.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("aggregator started", "interval_seconds", interval.Seconds())

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("aggregator stopped")
			return
		case <-ticker.C:
			if _, err := a.Run(ctx); errors.Is(err, ErrRunInProgress) {
				a.logger.Debug("skipping tick, previous run still active")
			}
		}
	}
}
