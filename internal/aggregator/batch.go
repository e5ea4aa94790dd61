package aggregator

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/store"
)

// CloseReason records why a window closed.
type CloseReason string

const (
	CloseIdle        CloseReason = "idle"         // debounce window elapsed with no new message
	CloseMaxWindow   CloseReason = "max_window"   // hard cap since window open reached
	CloseMaxMessages CloseReason = "max_messages" // batch size limit reached
	CloseShutdown    CloseReason = "shutdown"
)

// Batch is the ordered content of one closed window.
type Batch struct {
	Key      string
	Messages []store.Message
	OpenedAt time.Time
	ClosedAt time.Time
	Reason   CloseReason
}

// ConversationID returns the conversation the batch belongs to.
func (b Batch) ConversationID() uuid.UUID {
	if len(b.Messages) == 0 {
		return uuid.Nil
	}
	return b.Messages[0].ConversationID
}

// Last returns the newest message of the batch.
func (b Batch) Last() store.Message {
	return b.Messages[len(b.Messages)-1]
}

// Text renders the batch as one block of text, one line per message.
// Media messages are tagged with their kind so a reader knows what was sent.
func (b Batch) Text() string {
	lines := make([]string, 0, len(b.Messages))
	for _, m := range b.Messages {
		if line := describe(m); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func describe(m store.Message) string {
	text := strings.TrimSpace(m.Text)
	var tag string
	switch m.ContentType {
	case store.ContentText, "":
		return text
	case store.ContentImage:
		tag = "[Image]"
	case store.ContentAudio:
		tag = "[Audio]"
	case store.ContentVideo:
		tag = "[Video]"
	case store.ContentDocument:
		tag = "[Document]"
		if m.FileName != "" {
			tag = "[Document " + m.FileName + "]"
		}
	default:
		tag = "[" + string(m.ContentType) + "]"
	}
	if text == "" {
		return tag
	}
	return tag + ": " + text
}
