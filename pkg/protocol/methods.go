package protocol

// WebSocket RPC method names (client -> server).
const (
	MethodConnect     = "connect"
	MethodHealth      = "health"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodSend        = "send"
	MethodHistory     = "messages.history"
)
