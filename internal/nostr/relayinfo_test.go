package nostr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchRelayInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/nostr+json" {
			http.Error(w, "want nostr+json", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/nostr+json")
		json.NewEncoder(w).Encode(map[string]any{
			"name":           "test relay",
			"software":       "git+https://example.com/relay",
			"supported_nips": []int{1, 11, 65},
		})
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	info, err := FetchRelayInfo(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("FetchRelayInfo failed: %v", err)
	}
	if info.Name != "test relay" {
		t.Errorf("Expected name 'test relay', got %q", info.Name)
	}
	if len(info.SupportedNIPs) != 3 {
		t.Errorf("Expected 3 supported NIPs, got %d", len(info.SupportedNIPs))
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	if _, err := FetchRelayInfo(context.Background(), "ws"+strings.TrimPrefix(broken.URL, "http")); err == nil {
		t.Error("Expected error for non-200 response")
	}
}
