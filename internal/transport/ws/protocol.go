package ws

// Message types from client to server
const (
	TypeHello = "hello"
	TypeChat  = "chat"
)

// Message types from server to client
const (
	TypeHelloAck     = "hello_ack"
	TypeSession      = "session"
	TypeDelta        = "delta"
	TypeDone         = "done"
	TypeError        = "error"
	TypeMessageSaved = "message_saved"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// HelloMessage binds the connection to an existing session, or to none.
type HelloMessage struct {
	BaseMessage
}

// HelloAckMessage is sent after a successful hello.
type HelloAckMessage struct {
	BaseMessage
}

// ChatMessage submits one turn.
type ChatMessage struct {
	BaseMessage
	Content     string `json:"content"`
	Model       string `json:"model,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// SessionMessage announces the session a turn was resolved to.
type SessionMessage struct {
	BaseMessage
}

// DeltaMessage carries one reply fragment.
type DeltaMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// DoneMessage ends a turn.
type DoneMessage struct {
	BaseMessage
	MessageID string `json:"message_id,omitempty"`
}

// MessageSavedMessage tells other connections on a session that it changed.
type MessageSavedMessage struct {
	BaseMessage
	MessageID string `json:"message_id,omitempty"`
}

// ErrorMessage is sent when a request fails.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage      = "invalid_message"
	ErrorCodeSessionRequired     = "session_required"
	ErrorCodeSessionNotFound     = "session_not_found"
	ErrorCodeRejected            = "rejected"
	ErrorCodeInvalidAttachment   = "invalid_attachment"
	ErrorCodeUpstreamUnavailable = "upstream_unavailable"
	ErrorCodeInternalError       = "internal_error"
	ErrorCodeShuttingDown        = "shutting_down"
)
