package entities

import (
	"context"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

type fakeStore struct {
	profiles map[string]*storage.UserProfile
	events   map[string]*storage.RawEvent
}

func (f *fakeStore) GetProfile(ctx context.Context, pubkey string) (*storage.UserProfile, error) {
	if p, ok := f.profiles[pubkey]; ok {
		return p, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) GetRawEvent(ctx context.Context, id string) (*storage.RawEvent, error) {
	if ev, ok := f.events[id]; ok {
		return ev, nil
	}
	return nil, storage.ErrNotFound
}

var (
	alice   = fmt.Sprintf("%064x", 0xa11ce)
	unknown = fmt.Sprintf("%064x", 0xdead)
	noteID  = fmt.Sprintf("%064x", 1)
)

func newTestResolver() *Resolver {
	return NewResolver(&fakeStore{
		profiles: map[string]*storage.UserProfile{
			alice: {Pubkey: alice, Name: "alice", DisplayName: "Alice"},
		},
		events: map[string]*storage.RawEvent{
			noteID: {ID: noteID, Kind: 1, Content: "first line\nsecond line"},
		},
	})
}

func mustEncode(t *testing.T, s string, err error) string {
	t.Helper()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return s
}

func TestResolveEntity(t *testing.T) {
	r := newTestResolver()
	ctx := context.Background()

	aliceNpub := mustEncode(t, nip19.EncodePublicKey(alice))
	unknownNpub := mustEncode(t, nip19.EncodePublicKey(unknown))
	aliceProfile := mustEncode(t, nip19.EncodeProfile(alice, []string{"wss://relay.test"}))
	note := mustEncode(t, nip19.EncodeNote(noteID))
	missingNote := mustEncode(t, nip19.EncodeNote(unknown))

	tests := []struct {
		name       string
		code       string
		wantType   string
		wantTarget string
		wantName   string
	}{
		{"known npub", aliceNpub, "npub", alice, "@Alice"},
		{"unknown npub", unknownNpub, "npub", unknown, "@00000000…"},
		{"nprofile", aliceProfile, "nprofile", alice, "@Alice"},
		{"stored note", note, "note", noteID, `"first line"`},
		{"missing note", missingNote, "note", unknown, "note:00000000…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entity, err := r.ResolveEntity(ctx, tt.code)
			if err != nil {
				t.Fatalf("ResolveEntity() error = %v", err)
			}
			if entity.Type != tt.wantType {
				t.Errorf("Expected type %s, got %s", tt.wantType, entity.Type)
			}
			if entity.Target != tt.wantTarget {
				t.Errorf("Expected target %s, got %s", tt.wantTarget, entity.Target)
			}
			if entity.DisplayName != tt.wantName {
				t.Errorf("Expected display name %q, got %q", tt.wantName, entity.DisplayName)
			}
		})
	}

	if _, err := r.ResolveEntity(ctx, "npub1garbage"); err == nil {
		t.Error("Expected error for invalid entity")
	}
}

func TestReplaceEntities(t *testing.T) {
	r := newTestResolver()
	aliceNpub := mustEncode(t, nip19.EncodePublicKey(alice))

	text := "gm nostr:" + aliceNpub + " and nostr:npub1garbage"
	got := r.ReplaceEntities(context.Background(), text)

	want := "gm @Alice and nostr:npub1garbage"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestFindEntities(t *testing.T) {
	aliceNpub := mustEncode(t, nip19.EncodePublicKey(alice))

	found := FindEntities("hi nostr:" + aliceNpub + " plain npub1xyz")
	if len(found) != 1 || found[0] != aliceNpub {
		t.Errorf("Expected only the nostr: reference, got %v", found)
	}
}
