// Package entities renders NIP-19 references in note content as readable names.
package entities

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/sandwichfarm/pulsr/internal/storage"
)

// Store is the subset of storage the resolver reads
type Store interface {
	GetProfile(ctx context.Context, pubkey string) (*storage.UserProfile, error)
	GetRawEvent(ctx context.Context, id string) (*storage.RawEvent, error)
}

// Entity is one resolved nostr: reference
type Entity struct {
	Type         string // npub, nprofile, note, nevent or naddr
	Target       string // hex pubkey or event id; empty for naddr
	DisplayName  string
	OriginalText string
}

// Resolver resolves references against stored profiles and events
type Resolver struct {
	store Store
}

// NewResolver creates a new entity resolver
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

var nostrEntityRegex = regexp.MustCompile(`nostr:(npub1[a-z0-9]+|nprofile1[a-z0-9]+|note1[a-z0-9]+|nevent1[a-z0-9]+|naddr1[a-z0-9]+)`)

// FindEntities returns the bech32 part of every nostr: reference in text
func FindEntities(text string) []string {
	matches := nostrEntityRegex.FindAllStringSubmatch(text, -1)
	found := make([]string, len(matches))
	for i, m := range matches {
		found[i] = m[1]
	}
	return found
}

// ResolveEntity decodes one bech32 entity and looks up a display name for it
func (r *Resolver) ResolveEntity(ctx context.Context, code string) (*Entity, error) {
	prefix, decoded, err := nip19.Decode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to decode NIP-19: %w", err)
	}

	entity := &Entity{
		Type:         prefix,
		OriginalText: "nostr:" + code,
	}

	switch v := decoded.(type) {
	case string:
		entity.Target = v
	case nostr.ProfilePointer:
		entity.Target = v.PublicKey
	case nostr.EventPointer:
		entity.Target = v.ID
	case nostr.EntityPointer:
		entity.DisplayName = fmt.Sprintf("%d:%s", v.Kind, v.Identifier)
		return entity, nil
	default:
		return nil, fmt.Errorf("unsupported NIP-19 type: %s", prefix)
	}

	switch prefix {
	case "npub", "nprofile":
		entity.DisplayName = "@" + r.pubkeyName(ctx, entity.Target)
	case "note", "nevent":
		entity.DisplayName = r.notePreview(ctx, entity.Target)
	}

	return entity, nil
}

// ReplaceEntities rewrites every resolvable nostr: reference in text with its display name
func (r *Resolver) ReplaceEntities(ctx context.Context, text string) string {
	return nostrEntityRegex.ReplaceAllStringFunc(text, func(match string) string {
		entity, err := r.ResolveEntity(ctx, strings.TrimPrefix(match, "nostr:"))
		if err != nil {
			return match
		}
		return entity.DisplayName
	})
}

func (r *Resolver) pubkeyName(ctx context.Context, pubkey string) string {
	profile, err := r.store.GetProfile(ctx, pubkey)
	if err != nil {
		return truncate(pubkey, 8)
	}

	// display_name > name > nip05
	switch {
	case profile.DisplayName != "":
		return profile.DisplayName
	case profile.Name != "":
		return profile.Name
	case profile.NIP05 != "":
		return profile.NIP05
	}
	return truncate(pubkey, 8)
}

func (r *Resolver) notePreview(ctx context.Context, id string) string {
	ev, err := r.store.GetRawEvent(ctx, id)
	if err != nil {
		return "note:" + truncate(id, 8)
	}

	line, _, _ := strings.Cut(ev.Content, "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "note:" + truncate(id, 8)
	}
	return fmt.Sprintf("%q", truncate(line, 40))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
