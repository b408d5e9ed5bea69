package chat

import "time"

// Session binds one real-time connection to its backend conversation.
//
// ConversationID and User are fixed once the session is registered. Client is
// only touched by the owning connection's read loop.
type Session struct {
	ConnID         string      `json:"connId"`
	User           string      `json:"user"`
	ConversationID string      `json:"conversationId"`
	Client         AgentClient `json:"-"`
	CreatedAt      time.Time   `json:"createdAt"`
}
