// Package ingest batches events from every relay into storage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/events"
	"github.com/sandwichfarm/pulsr/internal/metrics"
	"github.com/sandwichfarm/pulsr/internal/ops"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

var (
	// ErrQueueFull is returned when the inbound queue stayed full for the enqueue timeout
	ErrQueueFull = errors.New("ingest queue full")
	// ErrLoopStopped is returned by Enqueue and Run once the loop has shut down
	ErrLoopStopped = errors.New("ingest loop stopped")
	// ErrAlreadyRunning is returned by a second concurrent Run
	ErrAlreadyRunning = errors.New("ingest loop already running")
)

const finalFlushTimeout = 10 * time.Second

// Store is the storage surface the loop writes to
type Store interface {
	CursorStore
	WriteBatch(ctx context.Context, records []*events.Record) (*storage.BatchResult, error)
	MirrorEvents(ctx context.Context, evts []*nostr.Event) error
}

// Incoming is one event as read from a relay
type Incoming struct {
	Event      *nostr.Event
	Relay      string
	ReceivedAt time.Time
}

// Stats is a snapshot of the loop counters
type Stats struct {
	Received      int64     `json:"received"`
	Processed     int64     `json:"processed"`
	Persisted     int64     `json:"persisted"`
	Duplicates    int64     `json:"duplicates"`
	Dropped       int64     `json:"dropped"`
	ProcessErrors int64     `json:"process_errors"`
	PersistErrors int64     `json:"persist_errors"`
	Batches       int64     `json:"batches"`
	QueueDepth    int       `json:"queue_depth"`
	LastFlushAt   time.Time `json:"last_flush_at"`
}

// Loop is the single consumer of the inbound queue
type Loop struct {
	cfg       *config.Ingest
	store     Store
	processor *events.Processor
	cursors   *CursorManager
	metrics   *metrics.Metrics
	logger    *ops.Logger
	now       func() time.Time
	mirror    bool

	queue   chan Incoming
	recent  *lru.Cache[string, struct{}]
	running atomic.Bool

	// Enqueue holds sendMu for reading; shutdown takes it for writing before the final drain
	sendMu   sync.RWMutex
	stopOnce sync.Once
	stopped  chan struct{}

	received      *xsync.Counter
	dropped       *xsync.Counter
	processed     atomic.Int64
	persisted     atomic.Int64
	duplicates    atomic.Int64
	processErrors atomic.Int64
	persistErrors atomic.Int64
	batches       atomic.Int64
	lastFlushAt   atomic.Int64
}

// NewLoop creates the ingestion loop. m may be nil.
func NewLoop(cfg *config.Ingest, store Store, m *metrics.Metrics, logger *ops.Logger) (*Loop, error) {
	recent, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	return &Loop{
		cfg:       cfg,
		store:     store,
		processor: events.NewProcessor(),
		cursors:   NewCursorManager(store),
		metrics:   m,
		logger:    logger.WithComponent("ingest"),
		now:       time.Now,
		queue:     make(chan Incoming, cfg.QueueCapacity),
		recent:    recent,
		stopped:   make(chan struct{}),
		received:  xsync.NewCounter(),
		dropped:   xsync.NewCounter(),
	}, nil
}

// EnableMirror copies every committed batch into the relay mirror
func (l *Loop) EnableMirror() {
	l.mirror = true
}

// Cursors returns the cursor manager fed by this loop
func (l *Loop) Cursors() *CursorManager {
	return l.cursors
}

// Enqueue hands an event to the loop, waiting at most the enqueue timeout for room.
// Only the calling relay's goroutine is stalled while the queue is full.
func (l *Loop) Enqueue(ctx context.Context, ev *nostr.Event, relay string) error {
	if ev == nil {
		return errors.New("nil event")
	}

	l.sendMu.RLock()
	defer l.sendMu.RUnlock()

	select {
	case <-l.stopped:
		return ErrLoopStopped
	default:
	}

	msg := Incoming{Event: ev, Relay: relay, ReceivedAt: l.now()}
	l.cursors.Hold(relay, int64(ev.CreatedAt))

	select {
	case l.queue <- msg:
		l.accepted()
		return nil
	default:
	}

	timer := time.NewTimer(l.cfg.EnqueueTimeout())
	defer timer.Stop()

	select {
	case l.queue <- msg:
		l.accepted()
		return nil
	case <-timer.C:
		l.rejected(msg, true)
		return ErrQueueFull
	case <-l.stopped:
		l.rejected(msg, false)
		return ErrLoopStopped
	case <-ctx.Done():
		l.rejected(msg, true)
		return ctx.Err()
	}
}

func (l *Loop) accepted() {
	l.received.Inc()
	l.metrics.IngestEvents(metrics.OutcomeReceived, 1)
}

func (l *Loop) rejected(msg Incoming, dropped bool) {
	l.cursors.Release(msg.Relay, int64(msg.Event.CreatedAt))
	if dropped {
		l.dropped.Inc()
		l.metrics.IngestEvents(metrics.OutcomeDropped, 1)
	}
}

// Handler returns a relay event callback that enqueues under ctx and logs drops
func (l *Loop) Handler(ctx context.Context) func(ev *nostr.Event, relay string) {
	return func(ev *nostr.Event, relay string) {
		err := l.Enqueue(ctx, ev, relay)
		switch {
		case err == nil, errors.Is(err, ErrLoopStopped), ctx.Err() != nil:
		case errors.Is(err, ErrQueueFull):
			l.logger.Warn("queue full, event dropped", "relay", relay, "event_id", ev.ID)
		default:
			l.logger.Warn("enqueue failed", "relay", relay, "event_id", ev.ID, "error", err)
		}
	}
}

// Run consumes the queue until ctx is cancelled. It then refuses new events, flushes
// everything already accepted and returns.
func (l *Loop) Run(ctx context.Context) error {
	select {
	case <-l.stopped:
		return ErrLoopStopped
	default:
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	batchSize := l.cfg.BatchSize
	flushInterval := l.cfg.FlushInterval()

	ticker := time.NewTicker(l.cfg.PollTimeout())
	defer ticker.Stop()

	batch := make([]Incoming, 0, batchSize)
	lastFlush := l.now()

	l.logger.Info("ingestion loop started", "batch_size", batchSize, "flush_interval_ms", flushInterval.Milliseconds())

	for {
		select {
		case <-ctx.Done():
			l.drain(ctx, batch)
			l.logger.Info("ingestion loop stopped")
			return nil

		case msg := <-l.queue:
			batch = append(batch, msg)

		case <-ticker.C:
			l.metrics.SetQueueDepth(len(l.queue))
		}

		if len(batch) >= batchSize || (len(batch) > 0 && l.now().Sub(lastFlush) >= flushInterval) {
			l.flush(ctx, batch)
			batch = make([]Incoming, 0, batchSize)
			lastFlush = l.now()
		}
	}
}

// flush runs dedup, processing, the batch write and the post-commit steps
// drain stops intake and flushes the batch in hand plus whatever is still queued,
// in batch-sized chunks, within finalFlushTimeout
func (l *Loop) drain(ctx context.Context, batch []Incoming) {
	l.stopOnce.Do(func() { close(l.stopped) })

	// wait out any Enqueue that got past the stopped check
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if left := len(l.queue); left > 0 {
		l.logger.Info("flushing queued events on shutdown", "count", left+len(batch))
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()

	for {
		select {
		case msg := <-l.queue:
			batch = append(batch, msg)
			if len(batch) < l.cfg.BatchSize {
				continue
			}
		default:
		}

		if len(batch) == 0 {
			return
		}
		l.flush(drainCtx, batch)
		batch = make([]Incoming, 0, l.cfg.BatchSize)
	}
}

// flush persists one batch. The write runs detached from ctx cancellation so a
// shutdown never aborts a batch mid-transaction.
func (l *Loop) flush(parent context.Context, batch []Incoming) {
	if len(batch) == 0 {
		return
	}
	start := l.now()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalFlushTimeout)
	defer cancel()
	if deadline, ok := parent.Deadline(); ok {
		var stop context.CancelFunc
		ctx, stop = context.WithDeadline(ctx, deadline)
		defer stop()
	}

	seen := make(map[string]struct{}, len(batch))
	unique := make([]Incoming, 0, len(batch))
	for _, msg := range batch {
		if msg.Event == nil {
			continue
		}
		if _, dup := seen[msg.Event.ID]; dup {
			continue
		}
		seen[msg.Event.ID] = struct{}{}
		if l.recent.Contains(msg.Event.ID) {
			continue
		}
		unique = append(unique, msg)
	}
	duplicates := len(batch) - len(unique)
	l.duplicates.Add(int64(duplicates))
	l.metrics.IngestEvents(metrics.OutcomeDuplicate, duplicates)

	records := make([]*events.Record, 0, len(unique))
	for _, msg := range unique {
		rec, err := l.processor.Process(msg.Event, msg.Relay, msg.ReceivedAt)
		if err != nil {
			l.processErrors.Add(1)
			l.metrics.IngestEvents(metrics.OutcomeProcessError, 1)
			l.logger.Error("failed to process event", "event_id", msg.Event.ID, "relay", msg.Relay, "kind", msg.Event.Kind, "error", err)
			continue
		}
		records = append(records, rec)
	}
	l.processed.Add(int64(len(records)))

	if len(records) == 0 {
		l.advance(ctx, nil, batch)
		l.markFlushed(start)
		return
	}

	result, err := l.store.WriteBatch(ctx, records)
	if storage.IsBusy(err) {
		l.logger.Warn("database busy, retrying batch", "events", len(records))
		result, err = l.store.WriteBatch(ctx, records)
	}
	if err != nil {
		l.persistErrors.Add(int64(len(records)))
		l.metrics.IngestEvents(metrics.OutcomePersistError, len(records))

		// the batch's events stay held so no cursor moves past them
		unwritten := make(map[string]struct{}, len(records))
		for _, rec := range records {
			unwritten[rec.Envelope.ID] = struct{}{}
		}
		settled := make([]Incoming, 0, len(batch)-len(records))
		for _, msg := range batch {
			if msg.Event == nil {
				continue
			}
			if _, ok := unwritten[msg.Event.ID]; ok {
				delete(unwritten, msg.Event.ID)
				continue
			}
			settled = append(settled, msg)
		}
		l.advance(ctx, nil, settled)

		l.markFlushed(start)
		l.logger.LogBatchFlush(len(records), 0, len(records), l.now().Sub(start), err)
		return
	}

	for _, failed := range result.Failed {
		l.logger.Error("failed to persist event", "event_id", failed.EventID, "error", failed.Err)
	}
	l.persistErrors.Add(int64(len(result.Failed)))
	l.metrics.IngestEvents(metrics.OutcomePersistError, len(result.Failed))

	committed := make(map[string]struct{}, len(result.Persisted))
	for _, id := range result.Persisted {
		committed[id] = struct{}{}
		l.recent.Add(id, struct{}{})
	}
	l.persisted.Add(int64(len(result.Persisted)))
	l.metrics.IngestEvents(metrics.OutcomePersisted, len(result.Persisted))

	persisted := make([]*events.Record, 0, len(committed))
	for _, rec := range records {
		if _, ok := committed[rec.Envelope.ID]; ok {
			persisted = append(persisted, rec)
		}
	}

	if l.mirror && len(persisted) > 0 {
		evts := make([]*nostr.Event, len(persisted))
		for i, rec := range persisted {
			evts[i] = rec.Envelope.Event()
		}
		if err := l.store.MirrorEvents(ctx, evts); err != nil {
			l.logger.Warn("failed to mirror batch", "error", err)
		}
	}

	l.advance(ctx, persisted, batch)

	l.markFlushed(start)
	l.logger.LogBatchFlush(len(records), len(result.Persisted), len(result.Failed), l.now().Sub(start), nil)
}

func (l *Loop) advance(ctx context.Context, committed []*events.Record, settled []Incoming) {
	if err := l.cursors.Advance(ctx, committed, settled); err != nil {
		l.logger.Warn("failed to advance cursors", "error", err)
	}
}

func (l *Loop) markFlushed(start time.Time) {
	l.batches.Add(1)
	l.lastFlushAt.Store(l.now().UnixNano())
	l.metrics.ObserveBatch(l.now().Sub(start))
	l.metrics.SetQueueDepth(len(l.queue))
}

// Stats returns a snapshot of the loop counters
func (l *Loop) Stats() Stats {
	stats := Stats{
		Received:      l.received.Value(),
		Processed:     l.processed.Load(),
		Persisted:     l.persisted.Load(),
		Duplicates:    l.duplicates.Load(),
		Dropped:       l.dropped.Value(),
		ProcessErrors: l.processErrors.Load(),
		PersistErrors: l.persistErrors.Load(),
		Batches:       l.batches.Load(),
		QueueDepth:    len(l.queue),
	}
	if ts := l.lastFlushAt.Load(); ts > 0 {
		stats.LastFlushAt = time.Unix(0, ts)
	}
	return stats
}
