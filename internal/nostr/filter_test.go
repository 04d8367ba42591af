package nostr

import (
	"testing"
	"time"

	"github.com/sandwichfarm/pulsr/internal/config"
)

const testPubkey = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name      string
		sub       config.Subscription
		since     int64
		wantSince bool
		wantErr   bool
	}{
		{
			name:  "kinds only",
			sub:   config.Subscription{Kinds: []int{0, 1, 7}},
			since: 0,
		},
		{
			name:      "with since",
			sub:       config.Subscription{Kinds: []int{1}},
			since:     1700000000,
			wantSince: true,
		},
		{
			name: "hex author",
			sub:  config.Subscription{Kinds: []int{1}, Authors: []string{testPubkey}},
		},
		{
			name:    "bad author",
			sub:     config.Subscription{Kinds: []int{1}, Authors: []string{"not-a-key"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := BuildFilter(&tt.sub, tt.since)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildFilter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if len(filter.Kinds) != len(tt.sub.Kinds) {
				t.Errorf("Expected %d kinds, got %d", len(tt.sub.Kinds), len(filter.Kinds))
			}
			if len(filter.Authors) != len(tt.sub.Authors) {
				t.Errorf("Expected %d authors, got %d", len(tt.sub.Authors), len(filter.Authors))
			}
			if tt.wantSince {
				if filter.Since == nil || int64(*filter.Since) != tt.since {
					t.Errorf("Expected since %d, got %v", tt.since, filter.Since)
				}
			} else if filter.Since != nil {
				t.Errorf("Expected no since, got %d", *filter.Since)
			}
		})
	}
}

func TestLookbackSince(t *testing.T) {
	now := time.Unix(1700000000, 0)

	if got := LookbackSince(&config.Subscription{}, now); got != 0 {
		t.Errorf("Expected 0 without lookback, got %d", got)
	}
	if got := LookbackSince(&config.Subscription{LookbackSeconds: 3600}, now); got != 1700000000-3600 {
		t.Errorf("Expected one hour back, got %d", got)
	}
}
