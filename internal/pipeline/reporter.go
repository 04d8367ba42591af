package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sandwichfarm/pulsr/internal/ingest"
	"github.com/sandwichfarm/pulsr/internal/metrics"
	internalnostr "github.com/sandwichfarm/pulsr/internal/nostr"
	"github.com/sandwichfarm/pulsr/internal/ops"
	"github.com/sandwichfarm/pulsr/internal/scoring"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

// uptimeWindow bounds the observations used for uptime_percentage
const uptimeWindow = 24 * time.Hour

// RelayMetricsStore persists relay observations
type RelayMetricsStore interface {
	InsertRelayMetrics(ctx context.Context, m *storage.RelayMetrics) error
	RelayUptime(ctx context.Context, relayURL string, since int64) (connected, total int64, err error)
}

// PoolStatsSource reports per-relay connection stats
type PoolStatsSource interface {
	Stats() internalnostr.PoolStats
}

// LoopStatsSource reports ingestion counters
type LoopStatsSource interface {
	Stats() ingest.Stats
}

type peerSample struct {
	at     time.Time
	events int64
	errors int64
}

// Reporter logs pipeline stats and records one RelayMetrics row per relay per tick
type Reporter struct {
	store   RelayMetricsStore
	pool    PoolStatsSource
	loop    LoopStatsSource
	metrics *metrics.Metrics
	logger  *ops.Logger
	now     func() time.Time

	// previous tick per relay, for rates
	last map[string]peerSample
}

// NewReporter creates a reporter. m may be nil.
func NewReporter(store RelayMetricsStore, pool PoolStatsSource, loop LoopStatsSource, m *metrics.Metrics, logger *ops.Logger) *Reporter {
	return &Reporter{
		store:   store,
		pool:    pool,
		loop:    loop,
		metrics: m,
		logger:  logger.WithComponent("reporter"),
		now:     time.Now,
		last:    make(map[string]peerSample),
	}
}

// Report takes one snapshot. It is not safe for concurrent use.
func (r *Reporter) Report(ctx context.Context) error {
	now := r.now()

	loopStats := r.loop.Stats()
	r.metrics.SetQueueDepth(loopStats.QueueDepth)

	poolStats := r.pool.Stats()
	r.logger.Info("pipeline stats",
		"relays", poolStats.Relays,
		"connected", poolStats.Connected,
		"received", loopStats.Received,
		"persisted", loopStats.Persisted,
		"duplicates", loopStats.Duplicates,
		"dropped", loopStats.Dropped,
		"process_errors", loopStats.ProcessErrors,
		"persist_errors", loopStats.PersistErrors,
		"queue_depth", loopStats.QueueDepth)

	var errs []error
	for _, ps := range poolStats.Peers {
		r.metrics.SetRelay(ps.URL, ps.Connected, ps.EventCount, ps.ErrorCount, ps.LatencyMs)

		m, err := r.relayMetrics(ctx, ps, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.store.InsertRelayMetrics(ctx, m); err != nil {
			errs = append(errs, err)
			continue
		}
		r.last[ps.URL] = peerSample{at: now, events: ps.EventCount, errors: ps.ErrorCount}
	}

	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("failed to record relay metrics", "error", err)
		return err
	}
	return nil
}

func (r *Reporter) relayMetrics(ctx context.Context, ps internalnostr.PeerStats, now time.Time) (*storage.RelayMetrics, error) {
	connected, total, err := r.store.RelayUptime(ctx, ps.URL, now.Add(-uptimeWindow).Unix())
	if err != nil {
		return nil, err
	}
	// the observation being written counts toward its own uptime
	total++
	if ps.Connected {
		connected++
	}
	uptime := float64(connected) / float64(total) * 100

	var eventsPerSec, errorRate float64
	prev, seen := r.last[ps.URL]
	if seen {
		if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 {
			eventsPerSec = float64(ps.EventCount-prev.events) / elapsed
		}
		newEvents := ps.EventCount - prev.events
		newErrors := ps.ErrorCount - prev.errors
		if newEvents+newErrors > 0 {
			errorRate = float64(newErrors) / float64(newEvents+newErrors)
		}
	} else if ps.EventCount+ps.ErrorCount > 0 {
		errorRate = float64(ps.ErrorCount) / float64(ps.EventCount+ps.ErrorCount)
	}
	if eventsPerSec < 0 {
		// peer counters restart when the pool is rebuilt
		eventsPerSec = 0
	}

	m := &storage.RelayMetrics{
		RelayURL:            ps.URL,
		Timestamp:           now.Unix(),
		IsConnected:         ps.Connected,
		ConnectionLatencyMs: ps.LatencyMs,
		EventsReceived:      ps.EventCount,
		EventsPerSecond:     scoring.Round(eventsPerSec, 2),
		KindDistribution:    storage.KindCounts(ps.KindCounts),
		ErrorCount:          ps.ErrorCount,
		LastError:           ps.LastError,
		TotalBytesReceived:  ps.BytesReceived,
		UptimePercentage:    scoring.Round(uptime, 2),
		HealthScore:         scoring.RelayHealth(uptime, float64(ps.LatencyMs), eventsPerSec, errorRate),
	}
	if ps.EventCount > 0 {
		m.AvgEventSizeBytes = scoring.Round(float64(ps.BytesReceived)/float64(ps.EventCount), 2)
	}
	if !ps.LastConnectedAt.IsZero() {
		ts := ps.LastConnectedAt.Unix()
		m.LastSuccessfulConnection = &ts
	}
	if !ps.LastErrorAt.IsZero() {
		ts := ps.LastErrorAt.Unix()
		m.LastErrorAt = &ts
	}
	return m, nil
}

// Start reports every interval until ctx is done
func (r *Reporter) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Report(ctx)
		}
	}
}
