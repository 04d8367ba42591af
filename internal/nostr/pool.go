package nostr

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/ops"
	"golang.org/x/sync/errgroup"
)

// PoolStats aggregates the stats of every peer
type PoolStats struct {
	Relays       int         `json:"relays"`
	Connected    int         `json:"connected"`
	Events       int64       `json:"events"`
	Errors       int64       `json:"errors"`
	AvgLatencyMs float64     `json:"avg_latency_ms"`
	Peers        []PeerStats `json:"peers"`
}

// Pool owns one Peer per configured relay
type Pool struct {
	urls    []string
	dialer  Dialer
	policy  *config.RelayPolicy
	handler EventHandler
	logger  *ops.Logger

	mu    sync.RWMutex
	peers map[string]*Peer

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// NewPool creates a pool for the configured relays. Nothing is dialed until ConnectAll.
func NewPool(cfg *config.Relays, dialer Dialer, handler EventHandler, logger *ops.Logger) *Pool {
	return &Pool{
		urls:    cfg.URLs,
		dialer:  dialer,
		policy:  &cfg.Policy,
		handler: handler,
		logger:  logger.WithComponent("pool"),
		peers:   make(map[string]*Peer),
	}
}

func (p *Pool) limit() int {
	if p.policy.MaxConnections > 0 {
		return p.policy.MaxConnections
	}
	return -1
}

// ConnectAll connects every relay concurrently and waits for all attempts to settle.
// Individual failures are recorded on the peers, not returned.
func (p *Pool) ConnectAll(ctx context.Context) error {
	if len(p.urls) == 0 {
		return errors.New("no relays configured")
	}

	p.mu.Lock()
	for _, url := range p.urls {
		if _, ok := p.peers[url]; !ok {
			p.peers[url] = NewPeer(url, p.dialer, p.policy, p.handler, p.logger)
		}
	}
	peers := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	p.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(p.limit())
	for _, peer := range peers {
		g.Go(func() error {
			_ = peer.Connect(ctx)
			return nil
		})
	}
	_ = g.Wait()

	stats := p.Stats()
	p.logger.Info("relay connections settled", "connected", stats.Connected, "relays", stats.Relays)
	return nil
}

// Peers returns every peer, sorted by url
func (p *Pool) Peers() []*Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	peers := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].url < peers[j].url })
	return peers
}

func (p *Pool) connectedPeers() []*Peer {
	all := p.Peers()
	connected := all[:0]
	for _, peer := range all {
		if peer.IsConnected() {
			connected = append(connected, peer)
		}
	}
	return connected
}

// fanOut runs fn on every connected peer concurrently; a nil entry means success
func (p *Pool) fanOut(ctx context.Context, fn func(context.Context, *Peer) error) map[string]error {
	peers := p.connectedPeers()
	results := make(map[string]error, len(peers))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(p.limit())
	for _, peer := range peers {
		g.Go(func() error {
			err := fn(ctx, peer)
			mu.Lock()
			results[peer.URL()] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// SubscribeAll opens subID with filter on every connected peer
func (p *Pool) SubscribeAll(ctx context.Context, subID string, filter nostr.Filter) map[string]error {
	return p.fanOut(ctx, func(ctx context.Context, peer *Peer) error {
		return peer.Subscribe(ctx, subID, filter)
	})
}

// UnsubscribeAll closes subID on every connected peer
func (p *Pool) UnsubscribeAll(ctx context.Context, subID string) map[string]error {
	return p.fanOut(ctx, func(ctx context.Context, peer *Peer) error {
		return peer.Unsubscribe(ctx, subID)
	})
}

// PublishToAll sends event to every connected peer
func (p *Pool) PublishToAll(ctx context.Context, event *nostr.Event) map[string]error {
	return p.fanOut(ctx, func(ctx context.Context, peer *Peer) error {
		return peer.Publish(ctx, event)
	})
}

// StartListening starts one reconnecting listener per peer connected right now.
// Supervisors run until DisconnectAll or until ctx is cancelled.
func (p *Pool) StartListening(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.runCancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.runCancel = cancel

	peers := p.connectedPeers()
	for _, peer := range peers {
		p.runWG.Add(1)
		go func() {
			defer p.runWG.Done()
			peer.RunWithReconnect(runCtx)
		}()
	}

	p.logger.Info("listening", "relays", len(peers))
}

// DisconnectAll stops the supervisors and closes every peer, bounded by ctx.
// Calling it again is a no-op.
func (p *Pool) DisconnectAll(ctx context.Context) error {
	p.runMu.Lock()
	cancel := p.runCancel
	p.runCancel = nil
	p.runMu.Unlock()

	if cancel != nil {
		cancel()
	}

	peers := p.Peers()
	if len(peers) == 0 {
		return nil
	}

	closed := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, peer := range peers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := peer.Disconnect(); err != nil {
					p.logger.Warn("disconnect failed", "relay", peer.URL(), "error", err)
				}
			}()
		}
		wg.Wait()
		p.runWG.Wait()
		close(closed)
	}()

	var err error
	select {
	case <-closed:
	case <-ctx.Done():
		err = ctx.Err()
		p.logger.Warn("disconnect timed out, abandoning stragglers", "error", err)
	}

	p.mu.Lock()
	p.peers = make(map[string]*Peer)
	p.mu.Unlock()

	return err
}

// Stats returns a snapshot across all peers
func (p *Pool) Stats() PoolStats {
	peers := p.Peers()
	stats := PoolStats{
		Relays: len(peers),
		Peers:  make([]PeerStats, 0, len(peers)),
	}

	var latencyTotal int64
	for _, peer := range peers {
		ps := peer.Stats()
		stats.Peers = append(stats.Peers, ps)
		stats.Events += ps.EventCount
		stats.Errors += ps.ErrorCount
		if ps.Connected {
			stats.Connected++
			latencyTotal += ps.LatencyMs
		}
	}
	if stats.Connected > 0 {
		stats.AvgLatencyMs = float64(latencyTotal) / float64(stats.Connected)
	}

	return stats
}

// RelaySummary reports the connected relay count and their mean connect latency
func (p *Pool) RelaySummary() (active int64, avgLatencyMs float64) {
	stats := p.Stats()
	return int64(stats.Connected), stats.AvgLatencyMs
}
