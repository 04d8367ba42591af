package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIngestCounters(t *testing.T) {
	m := New()

	m.IngestEvents(OutcomePersisted, 3)
	m.IngestEvents(OutcomePersisted, 2)
	m.IngestEvents(OutcomeDuplicate, 1)
	m.IngestEvents(OutcomeDropped, 0)

	if got := testutil.ToFloat64(m.ingestEvents.WithLabelValues(OutcomePersisted)); got != 5 {
		t.Errorf("expected 5 persisted, got %v", got)
	}
	if got := testutil.ToFloat64(m.ingestEvents.WithLabelValues(OutcomeDuplicate)); got != 1 {
		t.Errorf("expected 1 duplicate, got %v", got)
	}

	m.ObserveBatch(10 * time.Millisecond)
	if got := testutil.ToFloat64(m.batches); got != 1 {
		t.Errorf("expected 1 batch, got %v", got)
	}

	m.SetQueueDepth(42)
	if got := testutil.ToFloat64(m.queueDepth); got != 42 {
		t.Errorf("expected queue depth 42, got %v", got)
	}
}

func TestRelayGauges(t *testing.T) {
	m := New()

	m.SetRelay("wss://a.test", true, 100, 2, 35)
	m.SetRelay("wss://b.test", false, 0, 7, 0)

	if got := testutil.ToFloat64(m.relayConnected.WithLabelValues("wss://a.test")); got != 1 {
		t.Errorf("expected relay a connected, got %v", got)
	}
	if got := testutil.ToFloat64(m.relayErrors.WithLabelValues("wss://b.test")); got != 7 {
		t.Errorf("expected 7 errors on relay b, got %v", got)
	}
	if got := testutil.CollectAndCount(m.relayConnected); got != 2 {
		t.Errorf("expected 2 relay series, got %d", got)
	}
}

func TestAggregationRuns(t *testing.T) {
	m := New()

	m.ObserveAggregation(time.Second, nil)
	m.ObserveAggregation(time.Second, errors.New("boom"))
	m.ObserveAggregation(time.Second, nil)

	if got := testutil.ToFloat64(m.aggRuns.WithLabelValues("ok")); got != 2 {
		t.Errorf("expected 2 ok runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.aggRuns.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed run, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IngestEvents(OutcomeReceived, 1)
	m.ObserveBatch(time.Millisecond)
	m.SetQueueDepth(1)
	m.SetRelay("wss://a.test", true, 1, 1, 1)
	m.ObserveAggregation(time.Millisecond, nil)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.IngestEvents(OutcomeReceived, 1)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `pulsr_ingest_events_total{outcome="received"} 1`) {
		t.Errorf("expected ingest counter in exposition, got:\n%s", body)
	}
}
