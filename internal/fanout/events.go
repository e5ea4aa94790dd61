package fanout

import (
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/pkg/protocol"
)

// PreviewPayload is the body of a conversation.preview event.
type PreviewPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Preview        string    `json:"preview"`
	Direction      string    `json:"direction"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// MessageEvents returns the message.new and conversation.preview events for a
// newly stored message.
func MessageEvents(conv *store.Conversation, msg *store.Message) []Event {
	scope := Event{
		TenantID:       conv.TenantID,
		ConnectionID:   conv.ConnectionID,
		ConversationID: conv.ID.String(),
		At:             msg.CreatedAt,
	}
	created, preview := scope, scope
	created.Name, created.Payload = protocol.EventMessageNew, msg
	preview.Name = protocol.EventConversationPreview
	preview.Payload = PreviewPayload{
		ConversationID: conv.ID,
		Preview:        msg.Preview(),
		Direction:      string(msg.Direction),
		LastActivityAt: msg.CreatedAt,
	}
	return []Event{created, preview}
}
