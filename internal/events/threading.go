package events

import (
	"github.com/nbd-wtf/go-nostr"
)

// ThreadInfo contains thread relationship information extracted from e tags
type ThreadInfo struct {
	RootEventID  string   // The root event of the thread
	ReplyToID    string   // The direct parent event being replied to
	MentionedIDs []string // e tags marked "mention"
	hasRefs      bool
}

// ParseThread reads NIP-10 e tags. The "reply" marker wins for the parent and the
// "root" marker for the root; without markers the last e tag is the parent and the
// first e tag is the root.
func ParseThread(tags nostr.Tags) *ThreadInfo {
	info := &ThreadInfo{
		MentionedIDs: make([]string, 0),
	}

	var first, last string
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		eventID := tag[1]
		if first == "" {
			first = eventID
		}
		last = eventID
		info.hasRefs = true

		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}
		switch marker {
		case "root":
			if info.RootEventID == "" {
				info.RootEventID = eventID
			}
		case "reply":
			if info.ReplyToID == "" {
				info.ReplyToID = eventID
			}
		case "mention":
			info.MentionedIDs = append(info.MentionedIDs, eventID)
		}
	}

	if !info.hasRefs {
		return info
	}
	if info.ReplyToID == "" {
		info.ReplyToID = last
	}
	if info.RootEventID == "" {
		info.RootEventID = first
	}

	return info
}

// IsReply returns true if the event references any other event
func (ti *ThreadInfo) IsReply() bool {
	return ti.hasRefs
}

// GetRootOrSelf returns the root event ID, or the event itself if it's a root
func (ti *ThreadInfo) GetRootOrSelf(eventID string) string {
	if ti.RootEventID != "" {
		return ti.RootEventID
	}
	return eventID
}

// ExtractMentionedPubkeys extracts pubkeys from p tags
func ExtractMentionedPubkeys(tags nostr.Tags) []string {
	pubkeys := make([]string, 0)
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == "p" {
			pubkeys = append(pubkeys, tag[1])
		}
	}
	return pubkeys
}

// EventRef is one e tag reference from an event to another
type EventRef struct {
	RefID  string
	Marker string
}

// ExtractEventRefs returns every distinct e tag target with its marker
func ExtractEventRefs(tags nostr.Tags) []EventRef {
	seen := make(map[string]bool)
	refs := make([]EventRef, 0)
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "e" || tag[1] == "" || seen[tag[1]] {
			continue
		}
		seen[tag[1]] = true
		ref := EventRef{RefID: tag[1]}
		if len(tag) >= 4 {
			ref.Marker = tag[3]
		}
		refs = append(refs, ref)
	}
	return refs
}
