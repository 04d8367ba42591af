package nostr

import (
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/pulsr/internal/config"
)

// BuildFilter creates the live subscription filter. A positive since bounds it.
func BuildFilter(sub *config.Subscription, since int64) (nostr.Filter, error) {
	filter := nostr.Filter{
		Kinds: sub.Kinds,
	}

	if len(sub.Authors) > 0 {
		authors, err := sub.AuthorHexes()
		if err != nil {
			return nostr.Filter{}, fmt.Errorf("invalid subscription authors: %w", err)
		}
		filter.Authors = authors
	}

	if since > 0 {
		ts := nostr.Timestamp(since)
		filter.Since = &ts
	}

	return filter, nil
}

// LookbackSince returns the since derived from the configured lookback, or 0 when unset
func LookbackSince(sub *config.Subscription, now time.Time) int64 {
	if sub.LookbackSeconds <= 0 {
		return 0
	}
	return now.Add(-time.Duration(sub.LookbackSeconds) * time.Second).Unix()
}
