// Package nostr maintains persistent subscriptions to many relays.
package nostr

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/ops"
)

// ErrNotConnected is returned when an operation needs an open connection
var ErrNotConnected = errors.New("relay not connected")

// State is the connection state of a peer
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateListening
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventHandler receives every EVENT frame a peer reads. It runs on the peer's listen goroutine.
type EventHandler func(ev *nostr.Event, relay string)

// PeerStats is a point-in-time snapshot of a peer
type PeerStats struct {
	URL             string        `json:"url"`
	State           string        `json:"state"`
	Connected       bool          `json:"connected"`
	EventCount      int64         `json:"event_count"`
	ErrorCount      int64         `json:"error_count"`
	LatencyMs       int64         `json:"latency_ms"`
	LastEventAt     time.Time     `json:"last_event_at"`
	LastError       string        `json:"last_error,omitempty"`
	LastErrorAt     time.Time     `json:"last_error_at"`
	LastConnectedAt time.Time     `json:"last_connected_at"`
	KindCounts      map[int]int64 `json:"kind_counts"`
	BytesReceived   int64         `json:"bytes_received"`
}

// BackoffDelay returns min(floor * 2^n, ceiling)
func BackoffDelay(floor, ceiling time.Duration, n int) time.Duration {
	if floor <= 0 {
		return 0
	}
	delay := floor
	for i := 0; i < n; i++ {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// Peer is one persistent connection to one relay
type Peer struct {
	url     string
	dialer  Dialer
	policy  *config.RelayPolicy
	handler EventHandler
	logger  *ops.Logger
	now     func() time.Time

	mu              sync.Mutex
	state           State
	transport       Transport
	subs            map[string]nostr.Filter
	failures        int
	eventCount      int64
	errorCount      int64
	latencyMs       int64
	lastEventAt     time.Time
	lastError       string
	lastErrorAt     time.Time
	lastConnectedAt time.Time
	kindCounts      map[int]int64
	bytesReceived   int64
}

// NewPeer creates a disconnected peer for url
func NewPeer(url string, dialer Dialer, policy *config.RelayPolicy, handler EventHandler, logger *ops.Logger) *Peer {
	return &Peer{
		url:        url,
		dialer:     dialer,
		policy:     policy,
		handler:    handler,
		logger:     logger.WithComponent("relay").WithFields("relay", url),
		now:        time.Now,
		subs:       make(map[string]nostr.Filter),
		kindCounts: make(map[int]int64),
	}
}

// URL returns the relay url
func (p *Peer) URL() string {
	return p.url
}

// State returns the current connection state
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsConnected reports whether the peer has an open transport
func (p *Peer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectedLocked()
}

func (p *Peer) connectedLocked() bool {
	return p.transport != nil && (p.state == StateConnected || p.state == StateListening)
}

// Connect dials the relay with the configured connect timeout
func (p *Peer) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateDisconnected {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnecting
	p.mu.Unlock()

	dialCtx := ctx
	if timeout := p.policy.ConnectTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := p.now()
	tr, err := p.dialer.Dial(dialCtx, p.url)
	latency := p.now().Sub(start)

	p.mu.Lock()
	if err != nil {
		p.state = StateDisconnected
		p.failures++
		p.recordErrorLocked(err)
		p.mu.Unlock()

		p.logger.LogRelayConnection(p.url, false, err)
		return fmt.Errorf("failed to connect to %s: %w", p.url, err)
	}

	p.transport = tr
	p.state = StateConnected
	p.failures = 0
	p.latencyMs = latency.Milliseconds()
	p.lastConnectedAt = p.now()
	p.mu.Unlock()

	p.logger.LogRelayConnection(p.url, true, nil)
	return nil
}

// Subscribe sends a REQ and remembers the filter for replay after reconnect.
// When not connected the filter is only stored and ErrNotConnected is returned.
func (p *Peer) Subscribe(ctx context.Context, subID string, filter nostr.Filter) error {
	p.mu.Lock()
	p.subs[subID] = filter
	tr := p.transport
	connected := p.connectedLocked()
	p.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	env := &nostr.ReqEnvelope{SubscriptionID: subID, Filters: nostr.Filters{filter}}
	if err := p.send(ctx, tr, env); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", subID, err)
	}
	return nil
}

// Unsubscribe sends CLOSE and forgets the stored filter
func (p *Peer) Unsubscribe(ctx context.Context, subID string) error {
	p.mu.Lock()
	delete(p.subs, subID)
	tr := p.transport
	connected := p.connectedLocked()
	p.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	env := nostr.CloseEnvelope(subID)
	if err := p.send(ctx, tr, &env); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", subID, err)
	}
	return nil
}

// Publish sends an EVENT frame. Failures are counted but leave the connection alone.
func (p *Peer) Publish(ctx context.Context, event *nostr.Event) error {
	p.mu.Lock()
	tr := p.transport
	connected := p.connectedLocked()
	p.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	if err := p.send(ctx, tr, &nostr.EventEnvelope{Event: *event}); err != nil {
		p.recordError(err)
		return fmt.Errorf("failed to publish %s: %w", event.ID, err)
	}
	return nil
}

func (p *Peer) send(ctx context.Context, tr Transport, env nostr.Envelope) error {
	data, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Label(), err)
	}
	return tr.Send(ctx, data)
}

// Listen reads frames until the transport fails or ctx is done
func (p *Peer) Listen(ctx context.Context) error {
	p.mu.Lock()
	if !p.connectedLocked() {
		p.mu.Unlock()
		return ErrNotConnected
	}
	p.state = StateListening
	tr := p.transport
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		tr.Close()
	})
	defer stop()

	defer func() {
		p.mu.Lock()
		if p.transport == tr {
			p.transport = nil
			p.state = StateDisconnected
		}
		p.mu.Unlock()
		tr.Close()
	}()

	for {
		data, err := tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			p.mu.Lock()
			deliberate := p.transport != tr
			if !deliberate {
				p.recordErrorLocked(err)
			}
			p.mu.Unlock()

			if deliberate {
				return nil
			}
			p.logger.Warn("relay connection lost", "error", err)
			return fmt.Errorf("read from %s: %w", p.url, err)
		}

		p.dispatch(data)
	}
}

func (p *Peer) dispatch(data []byte) {
	switch env := nostr.ParseMessage(data).(type) {
	case *nostr.EventEnvelope:
		p.mu.Lock()
		p.eventCount++
		p.kindCounts[env.Kind]++
		p.bytesReceived += int64(len(data))
		p.lastEventAt = p.now()
		p.mu.Unlock()

		p.invokeHandler(&env.Event)
	case *nostr.EOSEEnvelope:
		p.logger.Debug("end of stored events", "subscription", string(*env))
	case *nostr.OKEnvelope:
		p.logger.Debug("publish acknowledged", "event_id", env.EventID, "ok", env.OK, "reason", env.Reason)
	case *nostr.ClosedEnvelope:
		p.logger.Info("subscription closed by relay", "subscription", env.SubscriptionID, "reason", env.Reason)
	case *nostr.NoticeEnvelope:
		p.logger.Warn("relay notice", "notice", string(*env))
	default:
		p.recordError(fmt.Errorf("unrecognized frame"))
		if p.logger.IsDebugEnabled() {
			p.logger.Debug("unrecognized frame", "frame", truncate(string(data), 200))
		}
	}
}

func (p *Peer) invokeHandler(ev *nostr.Event) {
	if p.handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.recordError(fmt.Errorf("event handler panic: %v", r))
			p.logger.LogPanic(r, string(debug.Stack()))
		}
	}()

	p.handler(ev, p.url)
}

// RunWithReconnect keeps the peer connected and listening until ctx is cancelled
func (p *Peer) RunWithReconnect(ctx context.Context) {
	floor, ceiling := p.policy.BackoffFloor(), p.policy.BackoffCeiling()

	for ctx.Err() == nil {
		if !p.IsConnected() {
			if err := p.Connect(ctx); err != nil {
				p.mu.Lock()
				failures := p.failures
				p.mu.Unlock()

				delay := BackoffDelay(floor, ceiling, failures)
				p.logger.Debug("reconnect scheduled", "delay_ms", delay.Milliseconds(), "failures", failures)
				if !sleepCtx(ctx, delay) {
					return
				}
				continue
			}
		}

		p.replaySubscriptions(ctx)

		if err := p.Listen(ctx); err != nil && ctx.Err() == nil {
			p.logger.Debug("listen ended", "error", err)
		}

		if !sleepCtx(ctx, BackoffDelay(floor, ceiling, 0)) {
			return
		}
	}
}

func (p *Peer) replaySubscriptions(ctx context.Context) {
	p.mu.Lock()
	subs := make(map[string]nostr.Filter, len(p.subs))
	for id, f := range p.subs {
		subs[id] = f
	}
	p.mu.Unlock()

	for id, filter := range subs {
		if err := p.Subscribe(ctx, id, filter); err != nil {
			p.logger.Warn("failed to replay subscription", "subscription", id, "error", err)
		}
	}
}

// Disconnect closes the connection. Safe to call when already disconnected.
func (p *Peer) Disconnect() error {
	p.mu.Lock()
	tr := p.transport
	if tr == nil {
		p.state = StateDisconnected
		p.mu.Unlock()
		return nil
	}
	p.state = StateClosing
	p.transport = nil
	p.mu.Unlock()

	err := tr.Close()

	p.mu.Lock()
	p.state = StateDisconnected
	p.mu.Unlock()

	p.logger.LogRelayConnection(p.url, false, nil)
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", p.url, err)
	}
	return nil
}

// Stats returns a snapshot of the peer counters
func (p *Peer) Stats() PeerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	kinds := make(map[int]int64, len(p.kindCounts))
	for k, v := range p.kindCounts {
		kinds[k] = v
	}

	return PeerStats{
		URL:             p.url,
		State:           p.state.String(),
		Connected:       p.connectedLocked(),
		EventCount:      p.eventCount,
		ErrorCount:      p.errorCount,
		LatencyMs:       p.latencyMs,
		LastEventAt:     p.lastEventAt,
		LastError:       p.lastError,
		LastErrorAt:     p.lastErrorAt,
		LastConnectedAt: p.lastConnectedAt,
		KindCounts:      kinds,
		BytesReceived:   p.bytesReceived,
	}
}

func (p *Peer) recordError(err error) {
	p.mu.Lock()
	p.recordErrorLocked(err)
	p.mu.Unlock()
}

func (p *Peer) recordErrorLocked(err error) {
	p.errorCount++
	p.lastError = err.Error()
	p.lastErrorAt = p.now()
}

// sleepCtx waits for d and reports false when ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
