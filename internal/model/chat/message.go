package chat

import "encoding/json"

// Outbound event names.
const (
	EventInit    = "init"
	EventMessage = "message"
	EventError   = "error"
)

// Inbound event names.
const (
	EventSendMessage = "send_message"
)

// MessageType tags who a message event is attributed to.
type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeBot    MessageType = "bot"
	MessageTypeSystem MessageType = "system"
)

// Attachment is the normalized attachment shape sent to the browser. Every
// field is always serialized; absent values are null.
type Attachment struct {
	ContentType *string         `json:"contentType"`
	Name        *string         `json:"name"`
	Content     json.RawMessage `json:"content"`
	ContentURL  *string         `json:"contentUrl"`
}

// InitEvent is emitted once when a connection becomes active.
type InitEvent struct {
	Greeting    *string      `json:"greeting"`
	Username    string       `json:"username"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// MessageEvent carries user echoes, bot replies and system notices.
type MessageEvent struct {
	Text        *string      `json:"text"`
	Type        MessageType  `json:"type"`
	Suggestions []string     `json:"suggestions,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	End         bool         `json:"end,omitempty"`
}

// ErrorEvent reports a failed operation on the connection.
type ErrorEvent struct {
	Message string `json:"message"`
}

// SendMessage is the payload of an inbound send_message event.
type SendMessage struct {
	Message string `json:"message"`
}

// Envelope frames every event on the real-time channel.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// InboundEnvelope is an Envelope as read from the browser.
type InboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}
