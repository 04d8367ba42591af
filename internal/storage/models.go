package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// RawEvent is a row of raw_events
type RawEvent struct {
	ID         string    `db:"id" json:"id"`
	PubKey     string    `db:"pubkey" json:"pubkey"`
	Kind       int       `db:"kind" json:"kind"`
	CreatedAt  int64     `db:"created_at" json:"created_at"`
	Content    string    `db:"content" json:"content"`
	Sig        string    `db:"sig" json:"sig"`
	Tags       EventTags `db:"tags" json:"tags"`
	RelayURL   string    `db:"relay_url" json:"relay_url"`
	ReceivedAt int64     `db:"received_at" json:"received_at"`
	Processed  bool      `db:"processed" json:"processed"`
}

// UserProfile is a row of user_profiles
type UserProfile struct {
	Pubkey           string `db:"pubkey" json:"pubkey"`
	Name             string `db:"name" json:"name"`
	DisplayName      string `db:"display_name" json:"display_name"`
	About            string `db:"about" json:"about"`
	Picture          string `db:"picture" json:"picture"`
	NIP05            string `db:"nip05" json:"nip05"`
	LUD06            string `db:"lud06" json:"lud06"`
	LUD16            string `db:"lud16" json:"lud16"`
	Banner           string `db:"banner" json:"banner"`
	Website          string `db:"website" json:"website"`
	RawMetadata      string `db:"raw_metadata" json:"raw_metadata"`
	ProfileCreatedAt int64  `db:"profile_created_at" json:"profile_created_at"`
	FirstSeen        int64  `db:"first_seen" json:"first_seen"`
	LastUpdated      int64  `db:"last_updated" json:"last_updated"`
	EventCount       int64  `db:"event_count" json:"event_count"`
}

// Zap is a row of zaps
type Zap struct {
	ID            string  `db:"id" json:"id"`
	TargetEventID *string `db:"target_event_id" json:"target_event_id,omitempty"`
	TargetPubkey  string  `db:"target_pubkey" json:"target_pubkey"`
	SenderPubkey  *string `db:"sender_pubkey" json:"sender_pubkey,omitempty"`
	AmountMsats   int64   `db:"amount_msats" json:"amount_msats"`
	AmountSats    int64   `db:"amount_sats" json:"amount_sats"`
	Comment       string  `db:"comment" json:"comment"`
	CreatedAt     int64   `db:"created_at" json:"created_at"`
	Bolt11        string  `db:"bolt11" json:"bolt11"`
	Preimage      string  `db:"preimage" json:"preimage"`
	RelayURL      string  `db:"relay_url" json:"relay_url"`
	ReceivedAt    int64   `db:"received_at" json:"received_at"`
}

// ContentMetrics is a row of content_metrics
type ContentMetrics struct {
	EventID          string     `db:"event_id" json:"event_id"`
	AuthorPubkey     string     `db:"author_pubkey" json:"author_pubkey"`
	Kind             int        `db:"kind" json:"kind"`
	CreatedAt        int64      `db:"created_at" json:"created_at"`
	ZapCount         int64      `db:"zap_count" json:"zap_count"`
	ZapTotalSats     int64      `db:"zap_total_sats" json:"zap_total_sats"`
	ReplyCount       int64      `db:"reply_count" json:"reply_count"`
	RepostCount      int64      `db:"repost_count" json:"repost_count"`
	ReactionCount    int64      `db:"reaction_count" json:"reaction_count"`
	ContentLength    int        `db:"content_length" json:"content_length"`
	HashtagCount     int        `db:"hashtag_count" json:"hashtag_count"`
	Hashtags         StringList `db:"hashtags" json:"hashtags"`
	MentionedPubkeys StringList `db:"mentioned_pubkeys" json:"mentioned_pubkeys"`
	HasMedia         bool       `db:"has_media" json:"has_media"`
	MediaURLs        StringList `db:"media_urls" json:"media_urls"`
	Language         string     `db:"language" json:"language"`
	ViralityScore    float64    `db:"virality_score" json:"virality_score"`
	QualityScore     float64    `db:"quality_score" json:"quality_score"`
	IsSpam           bool       `db:"is_spam" json:"is_spam"`
	FirstSeen        int64      `db:"first_seen" json:"first_seen"`
	LastUpdated      int64      `db:"last_updated" json:"last_updated"`
}

// TrendingTopic is a row of trending_topics
type TrendingTopic struct {
	ID             int64      `db:"id" json:"id"`
	Hashtag        string     `db:"hashtag" json:"hashtag"`
	MentionCount   int        `db:"mention_count" json:"mention_count"`
	UniqueAuthors  int        `db:"unique_authors" json:"unique_authors"`
	TotalZaps      int64      `db:"total_zaps" json:"total_zaps"`
	WindowStart    int64      `db:"window_start" json:"window_start"`
	WindowEnd      int64      `db:"window_end" json:"window_end"`
	TrendScore     float64    `db:"trend_score" json:"trend_score"`
	SampleEventIDs StringList `db:"sample_event_ids" json:"sample_event_ids"`
	CreatedAt      int64      `db:"created_at" json:"created_at"`
}

// RelayMetrics is a row of relay_metrics, one observation of one relay
type RelayMetrics struct {
	ID                       int64      `db:"id" json:"id"`
	RelayURL                 string     `db:"relay_url" json:"relay_url"`
	Timestamp                int64      `db:"timestamp" json:"timestamp"`
	IsConnected              bool       `db:"is_connected" json:"is_connected"`
	ConnectionLatencyMs      int64      `db:"connection_latency_ms" json:"connection_latency_ms"`
	LastSuccessfulConnection *int64     `db:"last_successful_connection" json:"last_successful_connection,omitempty"`
	EventsReceived           int64      `db:"events_received" json:"events_received"`
	EventsPerSecond          float64    `db:"events_per_second" json:"events_per_second"`
	KindDistribution         KindCounts `db:"kind_distribution" json:"kind_distribution"`
	ErrorCount               int64      `db:"error_count" json:"error_count"`
	LastError                string     `db:"last_error" json:"last_error"`
	LastErrorAt              *int64     `db:"last_error_at" json:"last_error_at,omitempty"`
	TotalBytesReceived       int64      `db:"total_bytes_received" json:"total_bytes_received"`
	AvgEventSizeBytes        float64    `db:"avg_event_size_bytes" json:"avg_event_size_bytes"`
	UptimePercentage         float64    `db:"uptime_percentage" json:"uptime_percentage"`
	HealthScore              float64    `db:"health_score" json:"health_score"`
}

// NetworkStats is a row of network_stats
type NetworkStats struct {
	ID                int64   `db:"id" json:"id"`
	Timestamp         int64   `db:"timestamp" json:"timestamp"`
	TotalUsers        int64   `db:"total_users" json:"total_users"`
	ActiveUsers1h     int64   `db:"active_users_1h" json:"active_users_1h"`
	ActiveUsers24h    int64   `db:"active_users_24h" json:"active_users_24h"`
	NewUsers24h       int64   `db:"new_users_24h" json:"new_users_24h"`
	TotalEvents       int64   `db:"total_events" json:"total_events"`
	Events1h          int64   `db:"events_1h" json:"events_1h"`
	Events24h         int64   `db:"events_24h" json:"events_24h"`
	Notes24h          int64   `db:"notes_24h" json:"notes_24h"`
	TotalZaps         int64   `db:"total_zaps" json:"total_zaps"`
	Zaps24h           int64   `db:"zaps_24h" json:"zaps_24h"`
	TotalSatsZapped   int64   `db:"total_sats_zapped" json:"total_sats_zapped"`
	SatsZapped24h     int64   `db:"sats_zapped_24h" json:"sats_zapped_24h"`
	ActiveRelays      int64   `db:"active_relays" json:"active_relays"`
	AvgRelayLatencyMs float64 `db:"avg_relay_latency_ms" json:"avg_relay_latency_ms"`
	TopEventID        *string `db:"top_event_id" json:"top_event_id,omitempty"`
	TopEventZaps      int64   `db:"top_event_zaps" json:"top_event_zaps"`
}

// SyncState is the resume cursor of one relay
type SyncState struct {
	RelayURL  string `db:"relay_url" json:"relay_url"`
	Since     int64  `db:"since" json:"since"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// StringList is a []string stored as a JSON array
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(src any) error {
	data, err := jsonBytes(src)
	if err != nil || data == nil {
		*l = StringList{}
		return err
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// EventTags is nostr.Tags stored as a JSON array of string arrays
type EventTags nostr.Tags

func (t EventTags) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	tags := make([][]string, len(t))
	for i, tag := range t {
		tags[i] = tag
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (t *EventTags) Scan(src any) error {
	data, err := jsonBytes(src)
	if err != nil || data == nil {
		*t = EventTags{}
		return err
	}
	var tags [][]string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	out := make(EventTags, len(tags))
	for i, tag := range tags {
		out[i] = nostr.Tag(tag)
	}
	*t = out
	return nil
}

// KindCounts maps event kind to count, stored as a JSON object
type KindCounts map[int]int64

func (k KindCounts) Value() (driver.Value, error) {
	if k == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[int]int64(k))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (k *KindCounts) Scan(src any) error {
	data, err := jsonBytes(src)
	if err != nil || data == nil {
		*k = KindCounts{}
		return err
	}
	return json.Unmarshal(data, (*map[int]int64)(k))
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported json column type %T", src)
	}
}
