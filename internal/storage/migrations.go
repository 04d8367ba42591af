package storage

import (
	"context"
	"fmt"
)

// migrations create the pipeline tables next to the event store tables.
// Statements are idempotent and run in order on every start.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS raw_events (
		id TEXT PRIMARY KEY,
		pubkey TEXT NOT NULL,
		kind INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		sig TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		relay_url TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_events_kind_created ON raw_events(kind, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_events_created ON raw_events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_events_pubkey ON raw_events(pubkey, received_at)`,

	`CREATE TABLE IF NOT EXISTS event_refs (
		event_id TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		kind INTEGER NOT NULL,
		marker TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (event_id, ref_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_refs_ref ON event_refs(ref_id, kind)`,
	`CREATE INDEX IF NOT EXISTS idx_event_refs_created ON event_refs(created_at)`,

	`CREATE TABLE IF NOT EXISTS user_profiles (
		pubkey TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		about TEXT NOT NULL DEFAULT '',
		picture TEXT NOT NULL DEFAULT '',
		nip05 TEXT NOT NULL DEFAULT '',
		lud06 TEXT NOT NULL DEFAULT '',
		lud16 TEXT NOT NULL DEFAULT '',
		banner TEXT NOT NULL DEFAULT '',
		website TEXT NOT NULL DEFAULT '',
		raw_metadata TEXT NOT NULL DEFAULT '{}',
		profile_created_at INTEGER NOT NULL,
		first_seen INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		event_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_profiles_updated ON user_profiles(last_updated)`,

	`CREATE TABLE IF NOT EXISTS zaps (
		id TEXT PRIMARY KEY,
		target_event_id TEXT,
		target_pubkey TEXT NOT NULL DEFAULT '',
		sender_pubkey TEXT,
		amount_msats INTEGER NOT NULL,
		amount_sats INTEGER NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		bolt11 TEXT NOT NULL DEFAULT '',
		preimage TEXT NOT NULL DEFAULT '',
		relay_url TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_zaps_target_event ON zaps(target_event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_zaps_target_pubkey ON zaps(target_pubkey)`,
	`CREATE INDEX IF NOT EXISTS idx_zaps_sender ON zaps(sender_pubkey)`,
	`CREATE INDEX IF NOT EXISTS idx_zaps_created ON zaps(created_at)`,

	`CREATE TABLE IF NOT EXISTS content_metrics (
		event_id TEXT PRIMARY KEY,
		author_pubkey TEXT NOT NULL,
		kind INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		zap_count INTEGER NOT NULL DEFAULT 0,
		zap_total_sats INTEGER NOT NULL DEFAULT 0,
		reply_count INTEGER NOT NULL DEFAULT 0,
		repost_count INTEGER NOT NULL DEFAULT 0,
		reaction_count INTEGER NOT NULL DEFAULT 0,
		content_length INTEGER NOT NULL DEFAULT 0,
		hashtag_count INTEGER NOT NULL DEFAULT 0,
		hashtags TEXT NOT NULL DEFAULT '[]',
		mentioned_pubkeys TEXT NOT NULL DEFAULT '[]',
		has_media INTEGER NOT NULL DEFAULT 0,
		media_urls TEXT NOT NULL DEFAULT '[]',
		language TEXT NOT NULL DEFAULT '',
		virality_score REAL NOT NULL DEFAULT 0,
		quality_score REAL NOT NULL DEFAULT 0,
		is_spam INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_updated INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_content_metrics_created ON content_metrics(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_content_metrics_author ON content_metrics(author_pubkey)`,

	`CREATE TABLE IF NOT EXISTS trending_topics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hashtag TEXT NOT NULL,
		mention_count INTEGER NOT NULL,
		unique_authors INTEGER NOT NULL,
		total_zaps INTEGER NOT NULL DEFAULT 0,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		trend_score REAL NOT NULL,
		sample_event_ids TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trending_topics_created ON trending_topics(created_at, hashtag)`,

	`CREATE TABLE IF NOT EXISTS relay_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		relay_url TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		is_connected INTEGER NOT NULL,
		connection_latency_ms INTEGER NOT NULL DEFAULT 0,
		last_successful_connection INTEGER,
		events_received INTEGER NOT NULL DEFAULT 0,
		events_per_second REAL NOT NULL DEFAULT 0,
		kind_distribution TEXT NOT NULL DEFAULT '{}',
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_error_at INTEGER,
		total_bytes_received INTEGER NOT NULL DEFAULT 0,
		avg_event_size_bytes REAL NOT NULL DEFAULT 0,
		uptime_percentage REAL NOT NULL DEFAULT 0,
		health_score REAL NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relay_metrics_relay ON relay_metrics(relay_url, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_relay_metrics_timestamp ON relay_metrics(timestamp)`,

	`CREATE TABLE IF NOT EXISTS network_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL UNIQUE,
		total_users INTEGER NOT NULL DEFAULT 0,
		active_users_1h INTEGER NOT NULL DEFAULT 0,
		active_users_24h INTEGER NOT NULL DEFAULT 0,
		new_users_24h INTEGER NOT NULL DEFAULT 0,
		total_events INTEGER NOT NULL DEFAULT 0,
		events_1h INTEGER NOT NULL DEFAULT 0,
		events_24h INTEGER NOT NULL DEFAULT 0,
		notes_24h INTEGER NOT NULL DEFAULT 0,
		total_zaps INTEGER NOT NULL DEFAULT 0,
		zaps_24h INTEGER NOT NULL DEFAULT 0,
		total_sats_zapped INTEGER NOT NULL DEFAULT 0,
		sats_zapped_24h INTEGER NOT NULL DEFAULT 0,
		active_relays INTEGER NOT NULL DEFAULT 0,
		avg_relay_latency_ms REAL NOT NULL DEFAULT 0,
		top_event_id TEXT,
		top_event_zaps INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		relay_url TEXT PRIMARY KEY,
		since INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// runMigrations creates the custom tables
func (s *Storage) runMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
