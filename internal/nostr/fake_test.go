package nostr

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sandwichfarm/pulsr/internal/config"
	"github.com/sandwichfarm/pulsr/internal/ops"
)

type fakeTransport struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	fail       map[string]bool
	transports map[string][]*fakeTransport
}

func newFakeDialer(failing ...string) *fakeDialer {
	d := &fakeDialer{
		fail:       make(map[string]bool),
		transports: make(map[string][]*fakeTransport),
	}
	for _, url := range failing {
		d.fail[url] = true
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[url] {
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	d.transports[url] = append(d.transports[url], t)
	return t, nil
}

func (d *fakeDialer) setFail(url string, fail bool) {
	d.mu.Lock()
	d.fail[url] = fail
	d.mu.Unlock()
}

func (d *fakeDialer) last(url string) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := d.transports[url]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

func (d *fakeDialer) dials(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports[url])
}

func testPolicy() *config.RelayPolicy {
	return &config.RelayPolicy{
		ConnectTimeoutMs: 1000,
		BackoffFloorMs:   5,
		BackoffCeilingMs: 20,
		MaxConnections:   4,
	}
}

func testLogger() *ops.Logger {
	return ops.Discard()
}

// waitFor polls cond until it holds or the timeout passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
