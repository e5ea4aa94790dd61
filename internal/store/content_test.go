package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewContent(t *testing.T) {
	tests := []struct {
		name     string
		ct       ContentType
		text     string
		mediaRef string
		fileName string
		want     Content
		wantErr  bool
	}{
		{"text", ContentText, " hi ", "", "", Text{Body: "hi"}, false},
		{"empty text", ContentText, "  ", "", "", nil, true},
		{"text with media", ContentText, "hi", "m1", "", nil, true},
		{"image with caption", ContentImage, "look", "m1", "", Image{Ref: "m1", Caption: "look"}, false},
		{"image without ref", ContentImage, "look", "", "", nil, true},
		{"audio", ContentAudio, "", "a1", "", Audio{Ref: "a1"}, false},
		{"audio with text", ContentAudio, "words", "a1", "", nil, true},
		{"video", ContentVideo, "", "v1", "", Video{Ref: "v1"}, false},
		{"document", ContentDocument, "", "d1", "cv.pdf", Document{Ref: "d1", FileName: "cv.pdf"}, false},
		{"file name on image", ContentImage, "", "m1", "x.png", nil, true},
		{"unknown type", ContentType("sticker"), "", "s1", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewContent(tt.ct, tt.text, tt.mediaRef, tt.fileName)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewContent() = %#v, want error", got)
				}
				if !IsContentError(err) {
					t.Errorf("IsContentError(%v) = false", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewContent() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("NewContent() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestMessageContentRoundTrip(t *testing.T) {
	var m Message
	m.SetContent(Document{Ref: "d1", FileName: "a.pdf", Caption: "contract"})
	if m.ContentType != ContentDocument || m.MediaRef != "d1" || m.Text != "contract" {
		t.Fatalf("SetContent wrote %+v", m)
	}
	c, err := m.Content()
	if err != nil {
		t.Fatal(err)
	}
	if c != (Document{Ref: "d1", FileName: "a.pdf", Caption: "contract"}) {
		t.Errorf("Content() = %#v", c)
	}
}

func TestCursor(t *testing.T) {
	c := Cursor{CreatedAt: time.UnixMilli(1700000000123).UTC(), ID: uuid.Must(uuid.NewV7())}
	got, err := DecodeCursor(EncodeCursor(c))
	if err != nil {
		t.Fatal(err)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) || got.ID != c.ID {
		t.Errorf("DecodeCursor() = %+v, want %+v", got, c)
	}

	for _, bad := range []string{"", "!!!", "bm9zZXA"} {
		if _, err := DecodeCursor(bad); err == nil {
			t.Errorf("DecodeCursor(%q) expected error", bad)
		}
	}
}

func TestNormalizeHistoryLimit(t *testing.T) {
	tests := []struct {
		opts HistoryOpts
		want int
	}{
		{HistoryOpts{}, DefaultHistoryLimit},
		{HistoryOpts{Before: "x"}, DefaultHistoryPageLimit},
		{HistoryOpts{Limit: 5}, 5},
		{HistoryOpts{Limit: 1000}, MaxHistoryLimit},
	}
	for _, tt := range tests {
		if got := NormalizeHistoryLimit(tt.opts); got != tt.want {
			t.Errorf("NormalizeHistoryLimit(%+v) = %d, want %d", tt.opts, got, tt.want)
		}
	}
}
