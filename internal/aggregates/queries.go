package aggregates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/sandwichfarm/pulsr/internal/cache"
	"github.com/sandwichfarm/pulsr/internal/ops"
	"github.com/sandwichfarm/pulsr/internal/scoring"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

const (
	cachePrefix = "pulsr:query:"

	userTopContent = 5
)

// UserSummary is the activity of one pubkey with its profile, when known
type UserSummary struct {
	*storage.UserActivity
	Npub           string                   `json:"npub"`
	Profile        *storage.UserProfile     `json:"profile,omitempty"`
	EngagementRate float64                  `json:"engagement_rate"`
	Influence      float64                  `json:"influence_score"`
	ActiveHours    [24]int64                `json:"active_hours"`
	PeakHour       int                      `json:"peak_hour"`
	TopContent     []storage.ContentMetrics `json:"top_content"`
}

// NetworkGrowth is the newest snapshot with its growth against the snapshot a day earlier
type NetworkGrowth struct {
	scoring.Growth
	Timestamp   int64 `json:"timestamp"`
	TotalUsers  int64 `json:"total_users"`
	NewUsers24h int64 `json:"new_users_24h"`
	// PreviousNewUsers is zero when no snapshot is a day old yet
	PreviousNewUsers int64 `json:"previous_new_users_24h"`
}

// QueryHelper serves the read-only views over the derived tables, cached per query shape
type QueryHelper struct {
	storage *storage.Storage
	cache   cache.Cache
	ttl     time.Duration
	now     func() time.Time
}

// NewQueryHelper creates a new query helper. c may be nil to disable caching.
func NewQueryHelper(st *storage.Storage, c cache.Cache, ttl time.Duration, logger *ops.Logger) *QueryHelper {
	if c == nil {
		c = cache.Noop{}
	} else {
		c = loggedCache{Cache: c, logger: logger.WithComponent("query_cache")}
	}
	return &QueryHelper{
		storage: st,
		cache:   c,
		ttl:     ttl,
		now:     time.Now,
	}
}

// loggedCache reports hits and misses at debug level
type loggedCache struct {
	cache.Cache
	logger *ops.Logger
}

func (c loggedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, ok, err := c.Cache.Get(ctx, key)
	c.logger.LogCacheOperation("get", key, ok)
	return data, ok, err
}

func (qh *QueryHelper) since(hours int) int64 {
	return qh.now().Add(-time.Duration(hours) * time.Hour).Unix()
}

func key(parts ...any) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = fmt.Sprint(p)
	}
	return cachePrefix + strings.Join(s, ":")
}

// LatestNetworkStats returns the newest network snapshot
func (qh *QueryHelper) LatestNetworkStats(ctx context.Context) (*storage.NetworkStats, error) {
	return cache.Fetch(ctx, qh.cache, key("network"), qh.ttl, func() (*storage.NetworkStats, error) {
		return qh.storage.LatestNetworkStats(ctx)
	})
}

// NetworkGrowth compares the newest snapshot with the newest one taken a day before it
func (qh *QueryHelper) NetworkGrowth(ctx context.Context) (*NetworkGrowth, error) {
	return cache.Fetch(ctx, qh.cache, key("growth"), qh.ttl, func() (*NetworkGrowth, error) {
		latest, err := qh.storage.LatestNetworkStats(ctx)
		if err != nil {
			return nil, err
		}

		g := &NetworkGrowth{
			Timestamp:   latest.Timestamp,
			TotalUsers:  latest.TotalUsers,
			NewUsers24h: latest.NewUsers24h,
		}

		prev, err := qh.storage.NetworkStatsBefore(ctx, latest.Timestamp-int64((24*time.Hour).Seconds()))
		switch {
		case err == nil:
			g.PreviousNewUsers = prev.NewUsers24h
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}

		g.Growth = scoring.GrowthRate(g.NewUsers24h, g.TotalUsers, g.PreviousNewUsers)
		return g, nil
	})
}

// HourlyActivity counts notes of the last hours by UTC hour of day
func (qh *QueryHelper) HourlyActivity(ctx context.Context, hours int) ([24]int64, error) {
	return cache.Fetch(ctx, qh.cache, key("hourly", hours), qh.ttl, func() ([24]int64, error) {
		ts, err := qh.storage.NoteTimestamps(ctx, "", qh.since(hours))
		if err != nil {
			return [24]int64{}, err
		}
		return scoring.HourlyDistribution(ts), nil
	})
}

// TopContent returns the most zapped notes of the last hours
func (qh *QueryHelper) TopContent(ctx context.Context, hours, limit int) ([]storage.ContentMetrics, error) {
	return cache.Fetch(ctx, qh.cache, key("top", hours, limit), qh.ttl, func() ([]storage.ContentMetrics, error) {
		return qh.storage.TopContent(ctx, qh.since(hours), limit)
	})
}

// TopViral returns the highest virality non-spam notes of the last hours
func (qh *QueryHelper) TopViral(ctx context.Context, hours, limit int) ([]storage.ContentMetrics, error) {
	return cache.Fetch(ctx, qh.cache, key("viral", hours, limit), qh.ttl, func() ([]storage.ContentMetrics, error) {
		return qh.storage.TopViral(ctx, qh.since(hours), limit)
	})
}

// TrendingHashtags returns the latest score of each hashtag computed in the last hours
func (qh *QueryHelper) TrendingHashtags(ctx context.Context, hours, limit int) ([]storage.TrendingTopic, error) {
	return cache.Fetch(ctx, qh.cache, key("trending", hours, limit), qh.ttl, func() ([]storage.TrendingTopic, error) {
		return qh.storage.TrendingTopics(ctx, qh.since(hours), limit)
	})
}

// RelayHealth returns the latest observation of every relay, healthiest first
func (qh *QueryHelper) RelayHealth(ctx context.Context) ([]storage.RelayMetrics, error) {
	return cache.Fetch(ctx, qh.cache, key("relays"), qh.ttl, func() ([]storage.RelayMetrics, error) {
		return qh.storage.LatestRelayMetrics(ctx)
	})
}

// ZapDistribution summarizes zap amounts of the last hours
func (qh *QueryHelper) ZapDistribution(ctx context.Context, hours int) (scoring.ZapSummary, error) {
	return cache.Fetch(ctx, qh.cache, key("zaps", hours), qh.ttl, func() (scoring.ZapSummary, error) {
		amounts, err := qh.storage.ZapAmountsSince(ctx, qh.since(hours))
		if err != nil {
			return scoring.ZapSummary{}, err
		}
		return scoring.ZapStats(amounts), nil
	})
}

// ActivityTimeline buckets events of the last hours into intervals of intervalMinutes
func (qh *QueryHelper) ActivityTimeline(ctx context.Context, hours, intervalMinutes int) ([]storage.ActivityBucket, error) {
	if intervalMinutes <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %d", intervalMinutes)
	}
	return cache.Fetch(ctx, qh.cache, key("timeline", hours, intervalMinutes), qh.ttl, func() ([]storage.ActivityBucket, error) {
		return qh.storage.ActivityBuckets(ctx, qh.since(hours), int64(intervalMinutes)*60)
	})
}

// UserStats summarizes a pubkey, given as hex or npub
func (qh *QueryHelper) UserStats(ctx context.Context, pubkey string) (*UserSummary, error) {
	hex, err := decodePubkey(pubkey)
	if err != nil {
		return nil, err
	}

	return cache.Fetch(ctx, qh.cache, key("user", hex), qh.ttl, func() (*UserSummary, error) {
		activity, err := qh.storage.UserStats(ctx, hex)
		if err != nil {
			return nil, err
		}

		summary := &UserSummary{UserActivity: activity}
		if npub, err := nip19.EncodePublicKey(hex); err == nil {
			summary.Npub = npub
		}

		profile, err := qh.storage.GetProfile(ctx, hex)
		switch {
		case err == nil:
			summary.Profile = profile
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}

		// Distinct engagers stand in for followers, which are not tracked
		engagements := activity.ReactionsReceived + activity.RepliesReceived + activity.RepostsReceived + activity.ZapsReceived
		summary.EngagementRate = scoring.EngagementRate(engagements, activity.Engagers, activity.Notes)

		var ageDays float64
		if activity.FirstSeen > 0 {
			ageDays = qh.now().Sub(time.Unix(activity.FirstSeen, 0)).Hours() / 24
		}
		summary.Influence = scoring.Influence(scoring.InfluenceInput{
			Followers:    activity.Engagers,
			ZapsReceived: activity.ZapsReceived,
			Notes:        activity.Notes,
			AgeDays:      ageDays,
		})

		noteTimes, err := qh.storage.NoteTimestamps(ctx, hex, 0)
		if err != nil {
			return nil, err
		}
		summary.ActiveHours = scoring.HourlyDistribution(noteTimes)
		summary.PeakHour = scoring.PeakHour(summary.ActiveHours)

		summary.TopContent, err = qh.storage.TopContentByAuthor(ctx, hex, userTopContent)
		if err != nil {
			return nil, err
		}
		return summary, nil
	})
}

// SearchEvents finds events containing query. A negative kind matches any kind. Results are not cached.
func (qh *QueryHelper) SearchEvents(ctx context.Context, query string, kind, limit int) ([]storage.RawEvent, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty search query")
	}
	return qh.storage.SearchEvents(ctx, query, kind, limit)
}

func decodePubkey(s string) (string, error) {
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("invalid npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("expected npub, got %s", prefix)
		}
		return value.(string), nil
	}
	hex := strings.ToLower(s)
	if !nostr.IsValid32ByteHex(hex) {
		return "", fmt.Errorf("invalid pubkey %q", s)
	}
	return hex, nil
}
