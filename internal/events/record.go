// Package events turns raw Nostr events into typed records.
package events

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds the pipeline understands
const (
	KindProfile  = 0
	KindNote     = 1
	KindRepost   = 6
	KindReaction = 7
	KindZap      = 9735
)

// Envelope carries the fields every record has regardless of kind
type Envelope struct {
	ID         string
	PubKey     string
	CreatedAt  nostr.Timestamp
	Kind       int
	Content    string
	Sig        string
	Tags       nostr.Tags
	Relay      string
	ReceivedAt time.Time
}

// Event rebuilds the wire event from the envelope
func (e *Envelope) Event() *nostr.Event {
	return &nostr.Event{
		ID:        e.ID,
		PubKey:    e.PubKey,
		CreatedAt: e.CreatedAt,
		Kind:      e.Kind,
		Tags:      e.Tags,
		Content:   e.Content,
		Sig:       e.Sig,
	}
}

// Record is a processed event: the envelope plus an optional kind-specific payload.
// Payload is nil for kinds without extraction rules and for unparseable profiles.
type Record struct {
	Envelope Envelope
	Payload  Payload
}

// Payload is implemented only by the payload types in this package
type Payload interface {
	payload()
}

// ProfilePayload is the metadata of a kind 0 event
type ProfilePayload struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
	NIP05       string `json:"nip05"`
	LUD06       string `json:"lud06"`
	LUD16       string `json:"lud16"`
	Banner      string `json:"banner"`
	Website     string `json:"website"`
	Raw         string `json:"-"`
}

// NotePayload holds what was extracted from a kind 1 text note
type NotePayload struct {
	Hashtags      []string
	URLs          []string
	MediaURLs     []string
	HasMedia      bool
	Mentions      []string
	ReplyTo       string
	RootID        string
	IsReply       bool
	ContentLength int
	Language      string
}

// RepostPayload points at the reposted event
type RepostPayload struct {
	TargetEventID string
	TargetPubkey  string
}

// ReactionPayload points at the event reacted to
type ReactionPayload struct {
	TargetEventID string
	TargetPubkey  string
	Content       string
	IsLike        bool
}

// ZapPayload is a parsed kind 9735 zap receipt
type ZapPayload struct {
	TargetEventID string
	TargetPubkey  string
	SenderPubkey  string
	Comment       string
	Bolt11        string
	Preimage      string
	AmountMsats   int64
	AmountSats    int64
	AmountKnown   bool
}

func (*ProfilePayload) payload()  {}
func (*NotePayload) payload()     {}
func (*RepostPayload) payload()   {}
func (*ReactionPayload) payload() {}
func (*ZapPayload) payload()      {}
