// Package pipeline wires the relay pool, ingestion, aggregation and reporting into one service.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/pulsr/internal/aggregates"
	"github.com/sandwichfarm/pulsr/internal/cache"
	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/ingest"
	"github.com/sandwichfarm/pulsr/internal/metrics"
	internalnostr "github.com/sandwichfarm/pulsr/internal/nostr"
	"github.com/sandwichfarm/pulsr/internal/ops"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

// ErrNoRelays is returned by Start when no relay accepted a connection
var ErrNoRelays = errors.New("no relay could be connected")

// Options carries the optional collaborators of a pipeline
type Options struct {
	Cache   cache.Cache          // nil disables query caching
	Metrics *metrics.Metrics     // nil disables prometheus metrics
	Dialer  internalnostr.Dialer // nil dials websockets
}

// Pipeline owns every long-lived component of a running pulsr instance
type Pipeline struct {
	config  *config.Config
	storage *storage.Storage
	metrics *metrics.Metrics
	logger  *ops.Logger

	pool       *internalnostr.Pool
	loop       *ingest.Loop
	aggregator *aggregates.Aggregator
	reporter   *Reporter
	retention  *ops.RetentionManager
	queries    *aggregates.QueryHelper

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	pruning bool
	stopErr error
}

// New builds a pipeline over an open storage. Nothing is dialed until Start.
func New(cfg *config.Config, st *storage.Storage, opts Options, logger *ops.Logger) (*Pipeline, error) {
	ctx, cancel := context.WithCancel(context.Background())

	loop, err := ingest.NewLoop(&cfg.Ingest, st, opts.Metrics, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ingestion loop: %w", err)
	}
	if cfg.Mirror.Enabled {
		st.ConfigureMirror(&cfg.Mirror)
		loop.EnableMirror()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &internalnostr.WebsocketDialer{
			PingInterval: cfg.Relays.Policy.PingInterval(),
			PingTimeout:  cfg.Relays.Policy.PingTimeout(),
			CloseTimeout: cfg.Relays.Policy.CloseTimeout(),
		}
	}
	pool := internalnostr.NewPool(&cfg.Relays, dialer, loop.Handler(ctx), logger)

	aggregator := aggregates.NewAggregator(st, &cfg.Aggregation, opts.Metrics, logger)
	aggregator.SetRelayStats(pool)

	return &Pipeline{
		config:     cfg,
		storage:    st,
		metrics:    opts.Metrics,
		logger:     logger.WithComponent("pipeline"),
		pool:       pool,
		loop:       loop,
		aggregator: aggregator,
		reporter:   NewReporter(st, pool, loop, opts.Metrics, logger),
		retention:  ops.NewRetentionManager(st, &cfg.Retention, logger),
		queries:    aggregates.NewQueryHelper(st, opts.Cache, cfg.Caching.TTL(), logger),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Pool returns the relay pool
func (p *Pipeline) Pool() *internalnostr.Pool { return p.pool }

// Loop returns the ingestion loop
func (p *Pipeline) Loop() *ingest.Loop { return p.loop }

// Aggregator returns the metrics aggregator
func (p *Pipeline) Aggregator() *aggregates.Aggregator { return p.aggregator }

// Queries returns the cached read-only query helper
func (p *Pipeline) Queries() *aggregates.QueryHelper { return p.queries }

// Start connects the relays, opens the live subscription and starts every background worker.
// ctx bounds the connect and subscribe phase only; workers run until Stop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pipeline already started")
	}
	if p.stopped {
		return errors.New("pipeline stopped")
	}

	if p.retention.ShouldPruneOnStart() {
		if _, err := p.retention.PruneOldData(ctx); err != nil {
			p.logger.Warn("startup pruning failed", "error", err)
		}
	}

	// the loop must be draining before any relay can deliver
	p.goWorker("ingest", func() {
		if err := p.loop.Run(p.ctx); err != nil {
			p.logger.Error("ingestion loop exited", "error", err)
		}
	})

	if err := p.pool.ConnectAll(ctx); err != nil {
		p.abort()
		return fmt.Errorf("failed to connect relays: %w", err)
	}
	if p.pool.Stats().Connected == 0 {
		p.abort()
		return ErrNoRelays
	}

	filter, err := p.subscriptionFilter(ctx)
	if err != nil {
		p.abort()
		return err
	}

	subID := p.config.Relays.Subscription.ID
	for relay, err := range p.pool.SubscribeAll(ctx, subID, filter) {
		if err != nil {
			p.logger.Warn("subscribe failed", "relay", relay, "error", err)
		}
	}
	p.pool.StartListening(p.ctx)

	p.goWorker("aggregator", func() { p.aggregator.Start(p.ctx) })
	p.goWorker("reporter", func() { p.reporter.Start(p.ctx, p.config.Ingest.StatsInterval()) })

	if hours := p.config.Retention.PruneIntervalHours; hours > 0 {
		p.retention.StartPruningScheduler(p.ctx, time.Duration(hours)*time.Hour)
		p.pruning = true
	}

	if p.config.Mirror.Enabled {
		srv := &http.Server{
			Addr:              p.config.Mirror.Listen,
			Handler:           p.storage.Relay(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		p.goWorker("mirror", func() {
			if err := serveHTTP(p.ctx, srv); err != nil {
				p.logger.Error("mirror relay failed", "listen", srv.Addr, "error", err)
			}
		})
		p.logger.Info("relay mirror listening", "listen", srv.Addr)
	}

	if p.metrics != nil && p.config.Metrics.Enabled {
		addr := p.config.Metrics.Listen
		p.goWorker("metrics", func() {
			if err := p.metrics.Serve(p.ctx, addr); err != nil {
				p.logger.Error("metrics endpoint failed", "listen", addr, "error", err)
			}
		})
		p.logger.Info("metrics endpoint listening", "listen", addr)
	}

	var since int64
	if filter.Since != nil {
		since = int64(*filter.Since)
	}

	p.started = true
	p.logger.Info("pipeline started",
		"relays", len(p.config.Relays.URLs),
		"connected", p.pool.Stats().Connected,
		"since", since)
	return nil
}

// subscriptionFilter resumes from the stored cursors when configured, else looks back from now
func (p *Pipeline) subscriptionFilter(ctx context.Context) (nostr.Filter, error) {
	sub := &p.config.Relays.Subscription
	since := internalnostr.LookbackSince(sub, time.Now())

	if sub.ResumeFromCursor {
		resumed, err := p.loop.Cursors().ResumeSince(ctx, p.config.Relays.URLs, since)
		if err != nil {
			return nostr.Filter{}, fmt.Errorf("failed to read cursors: %w", err)
		}
		since = resumed
	}

	filter, err := internalnostr.BuildFilter(sub, since)
	if err != nil {
		return nostr.Filter{}, fmt.Errorf("invalid subscription: %w", err)
	}
	return filter, nil
}

func (p *Pipeline) goWorker(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.WithFields("worker", name).LogPanic(r, string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// abort unwinds a failed Start
func (p *Pipeline) abort() {
	_ = p.pool.DisconnectAll(context.Background())
	p.cancel()
	p.wg.Wait()
	p.stopped = true
}

// Stop disconnects the relays within the shutdown timeout, lets the loop flush and waits for every worker.
// The caller closes storage and the cache afterwards. Calling Stop again returns the first result.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return p.stopErr
	}
	p.stopped = true

	ctx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout())
	defer cancel()

	err := p.pool.DisconnectAll(ctx)
	if err != nil {
		p.logger.Warn("relay disconnect incomplete", "error", err)
	}

	p.cancel()
	if p.pruning {
		p.retention.Stop()
	}
	p.wg.Wait()

	stats := p.loop.Stats()
	p.logger.Info("pipeline stopped",
		"received", stats.Received,
		"persisted", stats.Persisted,
		"dropped", stats.Dropped)

	p.stopErr = err
	return err
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
