package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// likeReactions are the reaction contents counted as a like
var likeReactions = map[string]bool{
	"+":  true,
	"👍":  true,
	"❤️": true,
	"🤙":  true,
}

// Processor converts raw events into records. It holds no state and is safe for concurrent use.
type Processor struct{}

// NewProcessor creates a new message processor
func NewProcessor() *Processor {
	return &Processor{}
}

// Process builds the record for ev. A panic inside a kind handler is returned as an error.
func (p *Processor) Process(ev *nostr.Event, relay string, receivedAt time.Time) (rec *Record, err error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}

	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = fmt.Errorf("panic processing event %s: %v", ev.ID, r)
		}
	}()

	rec = &Record{
		Envelope: Envelope{
			ID:         ev.ID,
			PubKey:     ev.PubKey,
			CreatedAt:  ev.CreatedAt,
			Kind:       ev.Kind,
			Content:    ev.Content,
			Sig:        ev.Sig,
			Tags:       ev.Tags,
			Relay:      relay,
			ReceivedAt: receivedAt,
		},
	}

	switch ev.Kind {
	case KindProfile:
		if profile := parseProfile(ev.Content); profile != nil {
			rec.Payload = profile
		}
	case KindNote:
		rec.Payload = ExtractNote(ev.Content, ev.Tags)
	case KindRepost:
		rec.Payload = &RepostPayload{
			TargetEventID: lastTagValue(ev.Tags, "e"),
			TargetPubkey:  lastTagValue(ev.Tags, "p"),
		}
	case KindReaction:
		rec.Payload = &ReactionPayload{
			TargetEventID: lastTagValue(ev.Tags, "e"),
			TargetPubkey:  lastTagValue(ev.Tags, "p"),
			Content:       ev.Content,
			IsLike:        likeReactions[ev.Content],
		}
	case KindZap:
		rec.Payload = ParseZap(ev.Tags)
	}

	return rec, nil
}

// parseProfile decodes kind 0 metadata, returning nil when the content is not a JSON object
func parseProfile(content string) *ProfilePayload {
	var profile ProfilePayload
	if err := json.Unmarshal([]byte(content), &profile); err != nil {
		return nil
	}
	profile.Raw = content
	return &profile
}

// lastTagValue returns the value of the last tag with the given name
func lastTagValue(tags nostr.Tags, name string) string {
	value := ""
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			value = tag[1]
		}
	}
	return value
}
