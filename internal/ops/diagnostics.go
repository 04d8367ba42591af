package ops

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sandwichfarm/pulsr/internal/storage"
)

// SystemStats contains process statistics
type SystemStats struct {
	Version       string  `json:"version"`
	Commit        string  `json:"commit"`
	GoVersion     string  `json:"go_version"`
	NumGoroutines int     `json:"goroutines"`
	MemAllocMB    float64 `json:"mem_alloc_mb"`
	MemSysMB      float64 `json:"mem_sys_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// StorageStats contains storage-related statistics
type StorageStats struct {
	TotalEvents     int64         `json:"total_events"`
	EventsByKind    map[int]int64 `json:"events_by_kind"`
	DatabaseSizeMB  float64       `json:"database_size_mb"`
	OldestEventTime *time.Time    `json:"oldest_event,omitempty"`
	NewestEventTime *time.Time    `json:"newest_event,omitempty"`
}

// CursorInfo is the resume position of one relay
type CursorInfo struct {
	Relay    string    `json:"relay"`
	Position time.Time `json:"position"`
	Updated  time.Time `json:"updated"`
}

// AggregateStats describes the state of the derived tables
type AggregateStats struct {
	ScoredNotes  int64      `json:"scored_notes"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	TotalUsers   int64      `json:"total_users"`
	ActiveUsers  int64      `json:"active_users_24h"`
	SatsZapped24 int64      `json:"sats_zapped_24h"`
}

// Diagnostics contains all diagnostic information
type Diagnostics struct {
	CollectedAt time.Time              `json:"collected_at"`
	System      *SystemStats           `json:"system"`
	Storage     *StorageStats          `json:"storage"`
	Cursors     []CursorInfo           `json:"cursors"`
	Relays      []storage.RelayMetrics `json:"relays"`
	Aggregates  *AggregateStats        `json:"aggregates"`
	Retention   *RetentionStats        `json:"retention,omitempty"`
}

// DiagnosticsCollector collects diagnostics from persisted state
type DiagnosticsCollector struct {
	version      string
	commit       string
	storage      *storage.Storage
	retentionMgr *RetentionManager
}

// NewDiagnosticsCollector creates a new diagnostics collector
func NewDiagnosticsCollector(version, commit string, st *storage.Storage) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version: version,
		commit:  commit,
		storage: st,
	}
}

// SetRetentionManager adds retention stats to the collected diagnostics
func (d *DiagnosticsCollector) SetRetentionManager(rm *RetentionManager) {
	d.retentionMgr = rm
}

// CollectSystemStats collects process statistics
func (d *DiagnosticsCollector) CollectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:       d.version,
		Commit:        d.commit,
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAllocMB:    float64(m.Alloc) / 1024 / 1024,
		MemSysMB:      float64(m.Sys) / 1024 / 1024,
		NumGC:         m.NumGC,
	}
}

// CollectStorageStats collects storage-related statistics
func (d *DiagnosticsCollector) CollectStorageStats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{}

	total, err := d.storage.CountRawEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	stats.TotalEvents = total

	byKind, err := d.storage.CountEventsByKind(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by kind: %w", err)
	}
	stats.EventsByKind = byKind

	if size, err := d.storage.DatabaseSize(ctx); err == nil {
		stats.DatabaseSizeMB = float64(size) / 1024 / 1024
	}

	if total > 0 {
		oldest, newest, err := d.storage.EventTimeRange(ctx)
		if err == nil {
			o, n := time.Unix(oldest, 0), time.Unix(newest, 0)
			stats.OldestEventTime = &o
			stats.NewestEventTime = &n
		}
	}

	return stats, nil
}

// CollectCursors lists the stored resume cursors
func (d *DiagnosticsCollector) CollectCursors(ctx context.Context) ([]CursorInfo, error) {
	states, err := d.storage.GetAllSyncStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync states: %w", err)
	}

	cursors := make([]CursorInfo, 0, len(states))
	for _, st := range states {
		cursors = append(cursors, CursorInfo{
			Relay:    st.RelayURL,
			Position: time.Unix(st.Since, 0),
			Updated:  time.Unix(st.UpdatedAt, 0),
		})
	}
	return cursors, nil
}

// CollectAggregateStats reads the latest aggregation output
func (d *DiagnosticsCollector) CollectAggregateStats(ctx context.Context) (*AggregateStats, error) {
	stats := &AggregateStats{}

	scored, err := d.storage.CountContentMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count content metrics: %w", err)
	}
	stats.ScoredNotes = scored

	latest, err := d.storage.LatestNetworkStats(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to get network stats: %w", err)
	default:
		last := time.Unix(latest.Timestamp, 0)
		stats.LastRun = &last
		stats.TotalUsers = latest.TotalUsers
		stats.ActiveUsers = latest.ActiveUsers24h
		stats.SatsZapped24 = latest.SatsZapped24h
	}

	return stats, nil
}

// CollectAll collects all diagnostic information
func (d *DiagnosticsCollector) CollectAll(ctx context.Context) (*Diagnostics, error) {
	diag := &Diagnostics{
		CollectedAt: time.Now(),
		System:      d.CollectSystemStats(),
	}

	storageStats, err := d.CollectStorageStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect storage stats: %w", err)
	}
	diag.Storage = storageStats

	cursors, err := d.CollectCursors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect cursors: %w", err)
	}
	diag.Cursors = cursors

	relays, err := d.storage.LatestRelayMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect relay health: %w", err)
	}
	diag.Relays = relays

	aggStats, err := d.CollectAggregateStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect aggregate stats: %w", err)
	}
	diag.Aggregates = aggStats

	if d.retentionMgr != nil {
		retStats, err := d.retentionMgr.GetRetentionStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to collect retention stats: %w", err)
		}
		diag.Retention = retStats
	}

	return diag, nil
}

// FormatAsText formats diagnostics as plain text
func (d *Diagnostics) FormatAsText() string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== pulsr Diagnostics ===\n")
	fmt.Fprintf(&b, "Collected: %s\n\n", d.CollectedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "--- System ---\n")
	fmt.Fprintf(&b, "Version: %s (%s)\n", d.System.Version, d.System.Commit)
	fmt.Fprintf(&b, "Go Version: %s\n", d.System.GoVersion)
	fmt.Fprintf(&b, "Memory: %.2f MB allocated, %.2f MB system\n\n", d.System.MemAllocMB, d.System.MemSysMB)

	fmt.Fprintf(&b, "--- Storage ---\n")
	fmt.Fprintf(&b, "Total Events: %d\n", d.Storage.TotalEvents)
	fmt.Fprintf(&b, "Database Size: %.2f MB\n", d.Storage.DatabaseSizeMB)
	if d.Storage.OldestEventTime != nil {
		fmt.Fprintf(&b, "Oldest Event: %s\n", d.Storage.OldestEventTime.Format(time.RFC3339))
	}
	if d.Storage.NewestEventTime != nil {
		fmt.Fprintf(&b, "Newest Event: %s\n", d.Storage.NewestEventTime.Format(time.RFC3339))
	}
	if len(d.Storage.EventsByKind) > 0 {
		kinds := make([]int, 0, len(d.Storage.EventsByKind))
		for kind := range d.Storage.EventsByKind {
			kinds = append(kinds, kind)
		}
		sort.Ints(kinds)

		fmt.Fprintf(&b, "\nEvents by Kind:\n")
		for _, kind := range kinds {
			fmt.Fprintf(&b, "  Kind %d: %d events\n", kind, d.Storage.EventsByKind[kind])
		}
	}
	b.WriteString("\n")

	if len(d.Cursors) > 0 {
		fmt.Fprintf(&b, "--- Cursors ---\n")
		for _, c := range d.Cursors {
			fmt.Fprintf(&b, "%s: %s\n", c.Relay, c.Position.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}

	if len(d.Relays) > 0 {
		fmt.Fprintf(&b, "--- Relay Health ---\n")
		for _, relay := range d.Relays {
			status := "disconnected"
			if relay.IsConnected {
				status = "connected"
			}
			fmt.Fprintf(&b, "%s: %s (health %.1f, uptime %.1f%%)\n", relay.RelayURL, status, relay.HealthScore, relay.UptimePercentage)
			if relay.LastError != "" {
				fmt.Fprintf(&b, "  Last Error: %s\n", relay.LastError)
			}
			fmt.Fprintf(&b, "  Events Received: %d\n", relay.EventsReceived)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "--- Aggregates ---\n")
	fmt.Fprintf(&b, "Scored Notes: %d\n", d.Aggregates.ScoredNotes)
	if d.Aggregates.LastRun != nil {
		fmt.Fprintf(&b, "Last Run: %s\n", d.Aggregates.LastRun.Format(time.RFC3339))
		fmt.Fprintf(&b, "Users: %d total, %d active in 24h\n", d.Aggregates.TotalUsers, d.Aggregates.ActiveUsers)
		fmt.Fprintf(&b, "Sats Zapped (24h): %d\n", d.Aggregates.SatsZapped24)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "--- Retention ---\n")
	if d.Retention != nil {
		fmt.Fprintf(&b, "Keep Days: %d\n", d.Retention.KeepDays)
		fmt.Fprintf(&b, "Cutoff Date: %s\n", d.Retention.Cutoff.Format(time.RFC3339))
		fmt.Fprintf(&b, "Prunable: %v\n", d.Retention.Prunable)
	} else {
		fmt.Fprintf(&b, "Not configured\n")
	}

	return b.String()
}
