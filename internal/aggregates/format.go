package aggregates

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatSats formats satoshis for display
func FormatSats(sats int64) string {
	if sats == 0 {
		return "0 sats"
	}

	if sats < 1000 {
		return fmt.Sprintf("%d sats", sats)
	}

	if sats < 1000000 {
		return fmt.Sprintf("%.1fK sats", float64(sats)/1000)
	}

	return fmt.Sprintf("%.2fM sats", float64(sats)/1000000)
}

// ShortID abbreviates a hex id for tables
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:8] + "…" + id[len(id)-4:]
}

// FormatAge renders how long ago a unix timestamp was, relative to now
func FormatAge(ts int64, now time.Time) string {
	return humanize.RelTime(time.Unix(ts, 0), now, "ago", "from now")
}
