package events

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nbd-wtf/go-nostr"
)

var (
	hashtagPattern = regexp.MustCompile(`#(\w+)`)
	urlPattern     = regexp.MustCompile(`https?://[^\s]+`)
)

var mediaExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".mp4", ".mov", ".webm"}

// ExtractNote derives hashtags, links, media, mentions and thread position from a note.
// The aggregator calls it again on stored notes, so it depends only on content and tags.
func ExtractNote(content string, tags nostr.Tags) *NotePayload {
	urls := ExtractURLs(content)
	media := MediaURLs(urls)
	thread := ParseThread(tags)

	return &NotePayload{
		Hashtags:      ExtractHashtags(content, tags),
		URLs:          urls,
		MediaURLs:     media,
		HasMedia:      len(media) > 0,
		Mentions:      ExtractMentionedPubkeys(tags),
		ReplyTo:       thread.ReplyToID,
		RootID:        thread.RootEventID,
		IsReply:       thread.IsReply(),
		ContentLength: utf8.RuneCountInString(content),
		Language:      DetectLanguage(content),
	}
}

// ExtractHashtags returns the lowercased union of inline #tags and t tags in first-seen order
func ExtractHashtags(content string, tags nostr.Tags) []string {
	seen := make(map[string]bool)
	hashtags := make([]string, 0)

	add := func(tag string) {
		tag = strings.ToLower(tag)
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		hashtags = append(hashtags, tag)
	}

	for _, match := range hashtagPattern.FindAllStringSubmatch(content, -1) {
		add(match[1])
	}
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == "t" {
			add(tag[1])
		}
	}

	return hashtags
}

// ExtractURLs returns every http(s) URL in the content
func ExtractURLs(content string) []string {
	urls := urlPattern.FindAllString(content, -1)
	if urls == nil {
		return []string{}
	}
	return urls
}

// MediaURLs keeps the URLs whose path ends in a known image or video extension
func MediaURLs(urls []string) []string {
	media := make([]string, 0)
	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		path := strings.ToLower(parsed.Path)
		for _, ext := range mediaExtensions {
			if strings.HasSuffix(path, ext) {
				media = append(media, raw)
				break
			}
		}
	}
	return media
}

// DetectLanguage makes a coarse guess from the scripts present in the content
func DetectLanguage(content string) string {
	var han, kana, hangul, latin bool
	for _, r := range content {
		switch {
		case unicode.Is(unicode.Han, r):
			han = true
		case unicode.In(r, unicode.Hiragana, unicode.Katakana):
			kana = true
		case unicode.Is(unicode.Hangul, r):
			hangul = true
		case unicode.Is(unicode.Latin, r):
			latin = true
		}
	}

	switch {
	case han:
		return "zh"
	case kana:
		return "ja"
	case hangul:
		return "ko"
	case latin:
		return "en"
	default:
		return ""
	}
}
