package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// inChunk bounds the number of bound parameters per IN query
const inChunk = 500

// ZapTotal is the zap count and sum for one target event
type ZapTotal struct {
	Count int64
	Sats  int64
}

// RefCount holds the replies, reposts and reactions pointing at one event
type RefCount struct {
	Replies   int64
	Reposts   int64
	Reactions int64
}

// AggregationTx is the single transaction an aggregation run works in
type AggregationTx struct {
	tx *sqlx.Tx
}

// BeginAggregation opens the transaction for one aggregation run
func (s *Storage) BeginAggregation(ctx context.Context) (*AggregationTx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin aggregation: %w", err)
	}
	return &AggregationTx{tx: tx}, nil
}

func (a *AggregationTx) Commit() error {
	return a.tx.Commit()
}

// Rollback aborts the run. Calling it after Commit is harmless.
func (a *AggregationTx) Rollback() error {
	return a.tx.Rollback()
}

// NotesBetween returns kind-1 raw events created in [from, to]
func (a *AggregationTx) NotesBetween(ctx context.Context, from, to int64) ([]RawEvent, error) {
	var notes []RawEvent
	err := a.tx.SelectContext(ctx, &notes, `
		SELECT id, pubkey, kind, created_at, content, sig, tags, relay_url, received_at, processed
		FROM raw_events
		WHERE kind = 1 AND created_at >= ? AND created_at <= ?
		ORDER BY created_at`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load notes: %w", err)
	}
	return notes, nil
}

// ZapTotals sums zaps per target event for the given ids
func (a *AggregationTx) ZapTotals(ctx context.Context, ids []string) (map[string]ZapTotal, error) {
	totals := make(map[string]ZapTotal, len(ids))

	for _, chunk := range chunks(ids, inChunk) {
		query, args, err := sqlx.In(`
			SELECT target_event_id, COUNT(*) AS cnt, COALESCE(SUM(amount_sats), 0) AS sats
			FROM zaps
			WHERE target_event_id IN (?)
			GROUP BY target_event_id`, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to build zap query: %w", err)
		}

		var rows []struct {
			TargetEventID string `db:"target_event_id"`
			Count         int64  `db:"cnt"`
			Sats          int64  `db:"sats"`
		}
		if err := a.tx.SelectContext(ctx, &rows, a.tx.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("failed to load zap totals: %w", err)
		}
		for _, r := range rows {
			totals[r.TargetEventID] = ZapTotal{Count: r.Count, Sats: r.Sats}
		}
	}

	return totals, nil
}

// RefCounts counts kind 1, 6 and 7 events referencing each of the given ids
func (a *AggregationTx) RefCounts(ctx context.Context, ids []string) (map[string]RefCount, error) {
	counts := make(map[string]RefCount, len(ids))

	for _, chunk := range chunks(ids, inChunk) {
		query, args, err := sqlx.In(`
			SELECT ref_id, kind, COUNT(*) AS cnt
			FROM event_refs
			WHERE ref_id IN (?) AND kind IN (1, 6, 7)
			GROUP BY ref_id, kind`, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to build ref query: %w", err)
		}

		var rows []struct {
			RefID string `db:"ref_id"`
			Kind  int    `db:"kind"`
			Count int64  `db:"cnt"`
		}
		if err := a.tx.SelectContext(ctx, &rows, a.tx.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("failed to load ref counts: %w", err)
		}
		for _, r := range rows {
			c := counts[r.RefID]
			switch r.Kind {
			case 1:
				c.Replies = r.Count
			case 6:
				c.Reposts = r.Count
			case 7:
				c.Reactions = r.Count
			}
			counts[r.RefID] = c
		}
	}

	return counts, nil
}

// UpsertContentMetrics replaces the metrics of a note, keeping its first_seen
func (a *AggregationTx) UpsertContentMetrics(ctx context.Context, m *ContentMetrics) error {
	_, err := a.tx.NamedExecContext(ctx, `
		INSERT INTO content_metrics (event_id, author_pubkey, kind, created_at, zap_count, zap_total_sats,
			reply_count, repost_count, reaction_count, content_length, hashtag_count, hashtags,
			mentioned_pubkeys, has_media, media_urls, language, virality_score, quality_score, is_spam,
			first_seen, last_updated)
		VALUES (:event_id, :author_pubkey, :kind, :created_at, :zap_count, :zap_total_sats,
			:reply_count, :repost_count, :reaction_count, :content_length, :hashtag_count, :hashtags,
			:mentioned_pubkeys, :has_media, :media_urls, :language, :virality_score, :quality_score, :is_spam,
			:first_seen, :last_updated)
		ON CONFLICT(event_id) DO UPDATE SET
			zap_count = excluded.zap_count,
			zap_total_sats = excluded.zap_total_sats,
			reply_count = excluded.reply_count,
			repost_count = excluded.repost_count,
			reaction_count = excluded.reaction_count,
			content_length = excluded.content_length,
			hashtag_count = excluded.hashtag_count,
			hashtags = excluded.hashtags,
			mentioned_pubkeys = excluded.mentioned_pubkeys,
			has_media = excluded.has_media,
			media_urls = excluded.media_urls,
			language = excluded.language,
			virality_score = excluded.virality_score,
			quality_score = excluded.quality_score,
			is_spam = excluded.is_spam,
			last_updated = excluded.last_updated`,
		m,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert content metrics for %s: %w", m.EventID, err)
	}
	return nil
}

// ContentMetricsSince returns hashtag-bearing metrics rows created at or after since, oldest first
func (a *AggregationTx) ContentMetricsSince(ctx context.Context, since int64) ([]ContentMetrics, error) {
	var rows []ContentMetrics
	err := a.tx.SelectContext(ctx, &rows, `
		SELECT * FROM content_metrics
		WHERE created_at >= ? AND hashtags != '[]'
		ORDER BY created_at, event_id`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load content metrics: %w", err)
	}
	return rows, nil
}

func (a *AggregationTx) InsertTrendingTopic(ctx context.Context, t *TrendingTopic) error {
	_, err := a.tx.NamedExecContext(ctx, `
		INSERT INTO trending_topics (hashtag, mention_count, unique_authors, total_zaps, window_start,
			window_end, trend_score, sample_event_ids, created_at)
		VALUES (:hashtag, :mention_count, :unique_authors, :total_zaps, :window_start,
			:window_end, :trend_score, :sample_event_ids, :created_at)`,
		t,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trending topic %s: %w", t.Hashtag, err)
	}
	return nil
}

// CollectNetworkStats computes the network-wide counters as of now.
// Relay fields are left zero for the caller to fill.
func (a *AggregationTx) CollectNetworkStats(ctx context.Context, now time.Time) (*NetworkStats, error) {
	ts := now.Unix()
	hourAgo := now.Add(-time.Hour).Unix()
	dayAgo := now.Add(-24 * time.Hour).Unix()

	stats := &NetworkStats{Timestamp: ts}
	err := a.tx.GetContext(ctx, stats, `
		SELECT
			? AS timestamp,
			(SELECT COUNT(DISTINCT pubkey) FROM raw_events) AS total_users,
			(SELECT COUNT(DISTINCT pubkey) FROM raw_events WHERE created_at >= ?) AS active_users_1h,
			(SELECT COUNT(DISTINCT pubkey) FROM raw_events WHERE created_at >= ?) AS active_users_24h,
			(SELECT COUNT(*) FROM (
				SELECT pubkey FROM raw_events GROUP BY pubkey HAVING MIN(received_at) >= ?
			)) AS new_users_24h,
			(SELECT COUNT(*) FROM raw_events) AS total_events,
			(SELECT COUNT(*) FROM raw_events WHERE created_at >= ?) AS events_1h,
			(SELECT COUNT(*) FROM raw_events WHERE created_at >= ?) AS events_24h,
			(SELECT COUNT(*) FROM raw_events WHERE kind = 1 AND created_at >= ?) AS notes_24h,
			(SELECT COUNT(*) FROM zaps) AS total_zaps,
			(SELECT COUNT(*) FROM zaps WHERE created_at >= ?) AS zaps_24h,
			(SELECT COALESCE(SUM(amount_sats), 0) FROM zaps) AS total_sats_zapped,
			(SELECT COALESCE(SUM(amount_sats), 0) FROM zaps WHERE created_at >= ?) AS sats_zapped_24h`,
		ts, hourAgo, dayAgo, dayAgo, hourAgo, dayAgo, dayAgo, dayAgo, dayAgo,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to collect network stats: %w", err)
	}

	var top []struct {
		EventID string `db:"event_id"`
		Sats    int64  `db:"zap_total_sats"`
	}
	err = a.tx.SelectContext(ctx, &top, `
		SELECT event_id, zap_total_sats FROM content_metrics
		WHERE created_at >= ? AND zap_total_sats > 0
		ORDER BY zap_total_sats DESC, event_id
		LIMIT 1`,
		dayAgo,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find top event: %w", err)
	}
	if len(top) == 1 {
		stats.TopEventID = &top[0].EventID
		stats.TopEventZaps = top[0].Sats
	}

	return stats, nil
}

// InsertNetworkStats writes the snapshot, replacing any row with the same timestamp
func (a *AggregationTx) InsertNetworkStats(ctx context.Context, st *NetworkStats) error {
	_, err := a.tx.NamedExecContext(ctx, `
		INSERT INTO network_stats (timestamp, total_users, active_users_1h, active_users_24h, new_users_24h,
			total_events, events_1h, events_24h, notes_24h, total_zaps, zaps_24h, total_sats_zapped,
			sats_zapped_24h, active_relays, avg_relay_latency_ms, top_event_id, top_event_zaps)
		VALUES (:timestamp, :total_users, :active_users_1h, :active_users_24h, :new_users_24h,
			:total_events, :events_1h, :events_24h, :notes_24h, :total_zaps, :zaps_24h, :total_sats_zapped,
			:sats_zapped_24h, :active_relays, :avg_relay_latency_ms, :top_event_id, :top_event_zaps)
		ON CONFLICT(timestamp) DO UPDATE SET
			total_users = excluded.total_users,
			active_users_1h = excluded.active_users_1h,
			active_users_24h = excluded.active_users_24h,
			new_users_24h = excluded.new_users_24h,
			total_events = excluded.total_events,
			events_1h = excluded.events_1h,
			events_24h = excluded.events_24h,
			notes_24h = excluded.notes_24h,
			total_zaps = excluded.total_zaps,
			zaps_24h = excluded.zaps_24h,
			total_sats_zapped = excluded.total_sats_zapped,
			sats_zapped_24h = excluded.sats_zapped_24h,
			active_relays = excluded.active_relays,
			avg_relay_latency_ms = excluded.avg_relay_latency_ms,
			top_event_id = excluded.top_event_id,
			top_event_zaps = excluded.top_event_zaps`,
		st,
	)
	if err != nil {
		return fmt.Errorf("failed to insert network stats: %w", err)
	}
	return nil
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
