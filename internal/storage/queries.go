package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ActivityBucket counts events of one time bucket by class
type ActivityBucket struct {
	Bucket    int64 `db:"bucket" json:"bucket"`
	Notes     int64 `db:"notes" json:"notes"`
	Reactions int64 `db:"reactions" json:"reactions"`
	Zaps      int64 `db:"zaps" json:"zaps"`
	Other     int64 `db:"other" json:"other"`
}

// UserActivity summarizes what one pubkey did and received
type UserActivity struct {
	Pubkey            string `db:"pubkey" json:"pubkey"`
	Notes             int64  `db:"notes" json:"notes"`
	ReactionsGiven    int64  `db:"reactions_given" json:"reactions_given"`
	ZapsReceived      int64  `db:"zaps_received" json:"zaps_received"`
	SatsReceived      int64  `db:"sats_received" json:"sats_received"`
	ZapsSent          int64  `db:"zaps_sent" json:"zaps_sent"`
	SatsSent          int64  `db:"sats_sent" json:"sats_sent"`
	RepliesReceived   int64  `db:"replies_received" json:"replies_received"`
	RepostsReceived   int64  `db:"reposts_received" json:"reposts_received"`
	ReactionsReceived int64  `db:"reactions_received" json:"reactions_received"`
	Engagers          int64  `db:"engagers" json:"engagers"`
	FirstSeen         int64  `db:"first_seen" json:"first_seen"`
	LastSeen          int64  `db:"last_seen" json:"last_seen"`
}

const rawEventColumns = `id, pubkey, kind, created_at, content, sig, tags, relay_url, received_at, processed`

// GetRawEvent looks up a persisted event by id
func (s *Storage) GetRawEvent(ctx context.Context, id string) (*RawEvent, error) {
	var ev RawEvent
	err := s.db.GetContext(ctx, &ev, `SELECT `+rawEventColumns+` FROM raw_events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &ev, nil
}

// GetProfile returns the stored profile of pubkey
func (s *Storage) GetProfile(ctx context.Context, pubkey string) (*UserProfile, error) {
	var p UserProfile
	err := s.db.GetContext(ctx, &p, `SELECT * FROM user_profiles WHERE pubkey = ?`, pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

// GetZap returns a stored zap receipt by its event id
func (s *Storage) GetZap(ctx context.Context, id string) (*Zap, error) {
	var z Zap
	err := s.db.GetContext(ctx, &z, `SELECT * FROM zaps WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get zap: %w", err)
	}
	return &z, nil
}

// GetContentMetrics returns the metrics row of a note
func (s *Storage) GetContentMetrics(ctx context.Context, eventID string) (*ContentMetrics, error) {
	var m ContentMetrics
	err := s.db.GetContext(ctx, &m, `SELECT * FROM content_metrics WHERE event_id = ?`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content metrics: %w", err)
	}
	return &m, nil
}

// LatestNetworkStats returns the most recent network snapshot
func (s *Storage) LatestNetworkStats(ctx context.Context) (*NetworkStats, error) {
	var st NetworkStats
	err := s.db.GetContext(ctx, &st, `SELECT * FROM network_stats ORDER BY timestamp DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get network stats: %w", err)
	}
	return &st, nil
}

// NetworkStatsBefore returns the newest network snapshot taken at or before ts
func (s *Storage) NetworkStatsBefore(ctx context.Context, ts int64) (*NetworkStats, error) {
	var st NetworkStats
	err := s.db.GetContext(ctx, &st, `SELECT * FROM network_stats WHERE timestamp <= ? ORDER BY timestamp DESC LIMIT 1`, ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get network stats: %w", err)
	}
	return &st, nil
}

// TopContent returns notes created since the cutoff ordered by zapped sats
func (s *Storage) TopContent(ctx context.Context, since int64, limit int) ([]ContentMetrics, error) {
	var rows []ContentMetrics
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM content_metrics
		WHERE created_at >= ?
		ORDER BY zap_total_sats DESC, virality_score DESC
		LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query top content: %w", err)
	}
	return rows, nil
}

// TopViral returns non-spam notes created since the cutoff ordered by virality
func (s *Storage) TopViral(ctx context.Context, since int64, limit int) ([]ContentMetrics, error) {
	var rows []ContentMetrics
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM content_metrics
		WHERE created_at >= ? AND is_spam = 0
		ORDER BY virality_score DESC
		LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query viral content: %w", err)
	}
	return rows, nil
}

// TopContentByAuthor returns the notes of one author ordered by virality
func (s *Storage) TopContentByAuthor(ctx context.Context, pubkey string, limit int) ([]ContentMetrics, error) {
	var rows []ContentMetrics
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM content_metrics
		WHERE author_pubkey = ?
		ORDER BY virality_score DESC, zap_total_sats DESC
		LIMIT ?`,
		pubkey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query author content: %w", err)
	}
	return rows, nil
}

// TrendingTopics returns the latest row per hashtag among rows written since the cutoff
func (s *Storage) TrendingTopics(ctx context.Context, since int64, limit int) ([]TrendingTopic, error) {
	var rows []TrendingTopic
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM trending_topics
		WHERE id IN (
			SELECT MAX(id) FROM trending_topics WHERE created_at >= ? GROUP BY hashtag
		)
		ORDER BY trend_score DESC
		LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trending topics: %w", err)
	}
	return rows, nil
}

// InsertRelayMetrics appends one relay observation
func (s *Storage) InsertRelayMetrics(ctx context.Context, m *RelayMetrics) error {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO relay_metrics (relay_url, timestamp, is_connected, connection_latency_ms,
			last_successful_connection, events_received, events_per_second, kind_distribution,
			error_count, last_error, last_error_at, total_bytes_received, avg_event_size_bytes,
			uptime_percentage, health_score)
		VALUES (:relay_url, :timestamp, :is_connected, :connection_latency_ms,
			:last_successful_connection, :events_received, :events_per_second, :kind_distribution,
			:error_count, :last_error, :last_error_at, :total_bytes_received, :avg_event_size_bytes,
			:uptime_percentage, :health_score)`,
		m,
	)
	if err != nil {
		return fmt.Errorf("failed to insert relay metrics: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

// LatestRelayMetrics returns the newest observation of every relay
func (s *Storage) LatestRelayMetrics(ctx context.Context) ([]RelayMetrics, error) {
	var rows []RelayMetrics
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM relay_metrics
		WHERE id IN (SELECT MAX(id) FROM relay_metrics GROUP BY relay_url)
		ORDER BY health_score DESC, relay_url`)
	if err != nil {
		return nil, fmt.Errorf("failed to query relay metrics: %w", err)
	}
	return rows, nil
}

// RelayUptime counts connected and total observations of a relay since the cutoff
func (s *Storage) RelayUptime(ctx context.Context, relayURL string, since int64) (connected, total int64, err error) {
	var row struct {
		Connected int64 `db:"connected"`
		Total     int64 `db:"total"`
	}
	err = s.db.GetContext(ctx, &row, `
		SELECT COALESCE(SUM(is_connected), 0) AS connected, COUNT(*) AS total
		FROM relay_metrics
		WHERE relay_url = ? AND timestamp >= ?`,
		relayURL, since,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query relay uptime: %w", err)
	}
	return row.Connected, row.Total, nil
}

// ZapAmountsSince returns the sat amounts of zaps created since the cutoff
func (s *Storage) ZapAmountsSince(ctx context.Context, since int64) ([]int64, error) {
	var amounts []int64
	err := s.db.SelectContext(ctx, &amounts, `SELECT amount_sats FROM zaps WHERE created_at >= ?`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query zap amounts: %w", err)
	}
	return amounts, nil
}

// NoteTimestamps returns the creation times of notes created since the cutoff.
// An empty pubkey matches every author.
func (s *Storage) NoteTimestamps(ctx context.Context, pubkey string, since int64) ([]int64, error) {
	var ts []int64
	err := s.db.SelectContext(ctx, &ts, `
		SELECT created_at FROM raw_events
		WHERE kind = 1 AND created_at >= ? AND (? = '' OR pubkey = ?)`,
		since, pubkey, pubkey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query note times: %w", err)
	}
	return ts, nil
}

// ActivityBuckets groups raw events created since the cutoff into fixed-width buckets
func (s *Storage) ActivityBuckets(ctx context.Context, since int64, bucketSeconds int64) ([]ActivityBucket, error) {
	if bucketSeconds <= 0 {
		return nil, fmt.Errorf("bucket width must be positive")
	}

	var rows []ActivityBucket
	err := s.db.SelectContext(ctx, &rows, `
		SELECT
			(created_at / ?) * ? AS bucket,
			SUM(CASE WHEN kind = 1 THEN 1 ELSE 0 END) AS notes,
			SUM(CASE WHEN kind = 7 THEN 1 ELSE 0 END) AS reactions,
			SUM(CASE WHEN kind = 9735 THEN 1 ELSE 0 END) AS zaps,
			SUM(CASE WHEN kind NOT IN (1, 7, 9735) THEN 1 ELSE 0 END) AS other
		FROM raw_events
		WHERE created_at >= ?
		GROUP BY bucket
		ORDER BY bucket`,
		bucketSeconds, bucketSeconds, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	return rows, nil
}

// UserStats summarizes the activity of one pubkey
func (s *Storage) UserStats(ctx context.Context, pubkey string) (*UserActivity, error) {
	var ua UserActivity
	err := s.db.GetContext(ctx, &ua, `
		SELECT
			? AS pubkey,
			(SELECT COUNT(*) FROM raw_events WHERE pubkey = ? AND kind = 1) AS notes,
			(SELECT COUNT(*) FROM raw_events WHERE pubkey = ? AND kind = 7) AS reactions_given,
			(SELECT COUNT(*) FROM zaps WHERE target_pubkey = ?) AS zaps_received,
			(SELECT COALESCE(SUM(amount_sats), 0) FROM zaps WHERE target_pubkey = ?) AS sats_received,
			(SELECT COUNT(*) FROM zaps WHERE sender_pubkey = ?) AS zaps_sent,
			(SELECT COALESCE(SUM(amount_sats), 0) FROM zaps WHERE sender_pubkey = ?) AS sats_sent,
			(SELECT COUNT(*) FROM event_refs r JOIN raw_events n ON n.id = r.ref_id
				WHERE n.pubkey = ? AND r.kind = 1) AS replies_received,
			(SELECT COUNT(*) FROM event_refs r JOIN raw_events n ON n.id = r.ref_id
				WHERE n.pubkey = ? AND r.kind = 6) AS reposts_received,
			(SELECT COUNT(*) FROM event_refs r JOIN raw_events n ON n.id = r.ref_id
				WHERE n.pubkey = ? AND r.kind = 7) AS reactions_received,
			(SELECT COUNT(DISTINCT e.pubkey) FROM event_refs r
				JOIN raw_events n ON n.id = r.ref_id
				JOIN raw_events e ON e.id = r.event_id
				WHERE n.pubkey = ? AND e.pubkey != ?) AS engagers,
			(SELECT COALESCE(MIN(created_at), 0) FROM raw_events WHERE pubkey = ?) AS first_seen,
			(SELECT COALESCE(MAX(created_at), 0) FROM raw_events WHERE pubkey = ?) AS last_seen`,
		pubkey, pubkey, pubkey, pubkey, pubkey, pubkey, pubkey,
		pubkey, pubkey, pubkey, pubkey, pubkey, pubkey, pubkey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query user stats: %w", err)
	}
	return &ua, nil
}

// SearchEvents finds events whose content contains query, case-insensitively.
// A negative kind matches every kind.
func (s *Storage) SearchEvents(ctx context.Context, query string, kind int, limit int) ([]RawEvent, error) {
	var rows []RawEvent
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+rawEventColumns+` FROM raw_events
		WHERE instr(lower(content), lower(?)) > 0 AND (? < 0 OR kind = ?)
		ORDER BY created_at DESC
		LIMIT ?`,
		query, kind, kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	return rows, nil
}

// CountRawEvents returns the number of persisted events
func (s *Storage) CountRawEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM raw_events`); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// EventTimeRange returns the oldest and newest created_at, zero when empty
func (s *Storage) EventTimeRange(ctx context.Context) (oldest, newest int64, err error) {
	var row struct {
		Oldest int64 `db:"oldest"`
		Newest int64 `db:"newest"`
	}
	err = s.db.GetContext(ctx, &row, `
		SELECT COALESCE(MIN(created_at), 0) AS oldest, COALESCE(MAX(created_at), 0) AS newest
		FROM raw_events`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query event range: %w", err)
	}
	return row.Oldest, row.Newest, nil
}

// CountEventsByKind returns the number of persisted events per kind
func (s *Storage) CountEventsByKind(ctx context.Context) (map[int]int64, error) {
	var rows []struct {
		Kind  int   `db:"kind"`
		Count int64 `db:"cnt"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT kind, COUNT(*) AS cnt FROM raw_events GROUP BY kind`); err != nil {
		return nil, fmt.Errorf("failed to count events by kind: %w", err)
	}

	counts := make(map[int]int64, len(rows))
	for _, r := range rows {
		counts[r.Kind] = r.Count
	}
	return counts, nil
}

// CountContentMetrics returns the number of scored notes
func (s *Storage) CountContentMetrics(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM content_metrics`); err != nil {
		return 0, fmt.Errorf("failed to count content metrics: %w", err)
	}
	return n, nil
}

// DatabaseSize returns the size of the main database file in bytes
func (s *Storage) DatabaseSize(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.GetContext(ctx, &size, `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`)
	if err != nil {
		return 0, fmt.Errorf("failed to read database size: %w", err)
	}
	return size, nil
}
