package nostr

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// defaultWriteTimeout bounds writes when neither ctx nor the dialer sets one
const defaultWriteTimeout = 10 * time.Second

// Transport is one open wire connection to a relay
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens transports
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials relays over gorilla websockets with ping/pong keepalive
type WebsocketDialer struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	CloseTimeout time.Duration
	Header       http.Header
}

// Dial opens a websocket to url. The dial is bounded by ctx.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	t := &wsTransport{
		conn:         conn,
		pingInterval: d.PingInterval,
		pingTimeout:  d.PingTimeout,
		closeTimeout: d.CloseTimeout,
		done:         make(chan struct{}),
	}

	if t.pingInterval > 0 {
		t.extendReadDeadline()
		conn.SetPongHandler(func(string) error {
			t.extendReadDeadline()
			return nil
		})
		go t.keepalive()
	}

	return t, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	pingInterval time.Duration
	pingTimeout  time.Duration
	closeTimeout time.Duration

	// gorilla allows one concurrent data writer; control frames may interleave
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func (t *wsTransport) extendReadDeadline() {
	t.conn.SetReadDeadline(time.Now().Add(t.pingInterval + t.pingTimeout))
}

func (t *wsTransport) keepalive() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.pingTimeout)
			err := t.Ping(ctx)
			cancel()
			if err != nil {
				// the read side sees the dead connection through its deadline
				return
			}
		}
	}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(t.writeDeadline(ctx)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if t.pingInterval > 0 {
		t.extendReadDeadline()
	}
	return data, nil
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, t.writeDeadline(ctx))
}

// writeDeadline is the ctx deadline, or the ping timeout from now when ctx has none
func (t *wsTransport) writeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	timeout := t.pingTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return time.Now().Add(timeout)
}

// Close sends a close frame bounded by the close timeout, then closes the socket.
// Safe to call more than once.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.closeTimeout))

		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
