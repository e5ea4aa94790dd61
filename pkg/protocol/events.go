package protocol

// WebSocket event names pushed from server to client.
const (
	EventHealth   = "health"
	EventShutdown = "shutdown"

	// Message lifecycle events, scoped to a tenant/connection/conversation.
	EventMessageNew          = "message.new"
	EventMessageAck          = "message.ack"
	EventConversationPreview = "conversation.preview"
)

// Ack levels as they appear in message.ack payloads.
const (
	AckFailed = -1
	AckQueued = 0
	AckSent   = 1
	AckServer = 2
	AckDevice = 3
	AckRead   = 4
)
