package events

import (
	"reflect"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestExtractHashtags(t *testing.T) {
	tests := []struct {
		name    string
		content string
		tags    nostr.Tags
		want    []string
	}{
		{
			name:    "content and t tags",
			content: "Hello #test #Other world",
			tags:    nostr.Tags{{"t", "tagged"}},
			want:    []string{"test", "other", "tagged"},
		},
		{
			name:    "duplicates collapse",
			content: "#Nostr #nostr #NOSTR",
			tags:    nostr.Tags{{"t", "nostr"}},
			want:    []string{"nostr"},
		},
		{
			name:    "none",
			content: "plain text",
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractHashtags(tt.content, tt.tags)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMediaURLs(t *testing.T) {
	content := "look https://example.com/photo.JPG and https://example.com/page.html " +
		"then https://cdn.example.com/clip.mp4?x=1 end"

	urls := ExtractURLs(content)
	if len(urls) != 3 {
		t.Fatalf("expected 3 urls, got %v", urls)
	}

	media := MediaURLs(urls)
	want := []string{"https://example.com/photo.JPG", "https://cdn.example.com/clip.mp4?x=1"}
	if !reflect.DeepEqual(media, want) {
		t.Errorf("expected %v, got %v", want, media)
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"hello world", "en"},
		{"你好世界", "zh"},
		{"こんにちは", "ja"},
		{"안녕하세요", "ko"},
		{"12345 !!!", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			if got := DetectLanguage(tt.content); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestExtractNoteContentLength(t *testing.T) {
	note := ExtractNote("héllo", nil)
	if note.ContentLength != 5 {
		t.Errorf("expected 5 runes, got %d", note.ContentLength)
	}
	if note.IsReply {
		t.Error("expected note without e tags not to be a reply")
	}
}
