package nostr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// newRelayServer answers every REQ with one stored event and an EOSE
func newRelayServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, ok := nostr.ParseMessage(data).(*nostr.ReqEnvelope)
			if !ok {
				continue
			}

			ev := nostr.Event{
				ID:        "e1",
				PubKey:    "pk",
				CreatedAt: 1700000000,
				Kind:      1,
				Tags:      nostr.Tags{},
				Content:   "hello from relay",
			}
			out, _ := (&nostr.EventEnvelope{SubscriptionID: &req.SubscriptionID, Event: ev}).MarshalJSON()
			conn.WriteMessage(websocket.TextMessage, out)

			eose := nostr.EOSEEnvelope(req.SubscriptionID)
			out, _ = eose.MarshalJSON()
			conn.WriteMessage(websocket.TextMessage, out)
		}
	}))
	t.Cleanup(server.Close)

	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebsocketTransport(t *testing.T) {
	_, url := newRelayServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dialer := &WebsocketDialer{
		PingInterval: 50 * time.Millisecond,
		PingTimeout:  time.Second,
		CloseTimeout: time.Second,
	}
	tr, err := dialer.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(ctx, []byte(`["REQ","sub",{"kinds":[1]}]`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	first, err := tr.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if _, ok := nostr.ParseMessage(first).(*nostr.EventEnvelope); !ok {
		t.Errorf("Expected EVENT frame, got %s", first)
	}

	second, err := tr.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if _, ok := nostr.ParseMessage(second).(*nostr.EOSEEnvelope); !ok {
		t.Errorf("Expected EOSE frame, got %s", second)
	}

	if err := tr.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	tr.Close()
	if err := tr.Close(); err != nil && !strings.Contains(err.Error(), "closed") {
		t.Errorf("Expected repeated Close to be harmless, got %v", err)
	}
	if _, err := tr.Receive(ctx); err == nil {
		t.Error("Expected Receive to fail after Close")
	}
}

func TestWriteDeadline(t *testing.T) {
	tr := &wsTransport{pingTimeout: 5 * time.Second}

	before := time.Now()
	dl := tr.writeDeadline(context.Background())
	if dl.Before(before.Add(5*time.Second)) || dl.After(time.Now().Add(5*time.Second)) {
		t.Errorf("Expected deadline 5s from now, got %v", dl.Sub(before))
	}

	want := time.Now().Add(time.Hour)
	ctx, cancel := context.WithDeadline(context.Background(), want)
	defer cancel()
	if got := tr.writeDeadline(ctx); !got.Equal(want) {
		t.Errorf("Expected ctx deadline %v, got %v", want, got)
	}

	if dl := (&wsTransport{}).writeDeadline(context.Background()); dl.IsZero() || dl.Before(before.Add(defaultWriteTimeout)) {
		t.Errorf("Expected default write timeout without a ping timeout, got %v", dl)
	}
}

func TestSendWithoutDeadlineToStalledPeer(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// never read so the client's socket buffers fill up
		<-release
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	dialer := &WebsocketDialer{PingTimeout: 200 * time.Millisecond, CloseTimeout: 100 * time.Millisecond}
	tr, err := dialer.Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer tr.Close()

	payload := []byte(strings.Repeat("x", 1<<20))
	errCh := make(chan error, 1)
	go func() {
		for i := 0; i < 256; i++ {
			if err := tr.Send(context.Background(), payload); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Expected a write timeout once the peer stopped reading")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Send blocked without a write deadline")
	}
}

func TestWebsocketDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	dialer := &WebsocketDialer{}
	_, err := dialer.Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	if err == nil {
		t.Fatal("Expected handshake failure")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("Expected status in error, got %v", err)
	}
}

func TestPeerOverWebsocket(t *testing.T) {
	_, url := newRelayServer(t)

	received := make(chan *nostr.Event, 1)
	handler := func(ev *nostr.Event, relay string) {
		received <- ev
	}

	peer := NewPeer(url, &WebsocketDialer{CloseTimeout: time.Second}, testPolicy(), handler, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := peer.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := peer.Subscribe(ctx, "live", nostr.Filter{Kinds: []int{1}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- peer.Listen(ctx) }()

	select {
	case ev := <-received:
		if ev.Content != "hello from relay" {
			t.Errorf("Expected relay content, got %q", ev.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}

	if err := peer.Disconnect(); err != nil {
		t.Errorf("Disconnect failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected deliberate close to end Listen cleanly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after Disconnect")
	}
	if peer.Stats().ErrorCount != 0 {
		t.Errorf("Expected no errors, got %d", peer.Stats().ErrorCount)
	}
}
