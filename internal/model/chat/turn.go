package chat

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino/schema"
)

// TurnKind classifies one unit of streamed backend output.
type TurnKind string

const (
	TurnMessage           TurnKind = "message"
	TurnTyping            TurnKind = "typing"
	TurnEvent             TurnKind = "event"
	TurnEndOfConversation TurnKind = "endOfConversation"
)

// Turn is one activity streamed back by the agent backend.
type Turn struct {
	Kind           TurnKind
	Text           string
	Suggestions    []SuggestedAction
	Attachments    []TurnAttachment
	ConversationID string
}

// SuggestedAction is a follow-up the backend offers the user.
type SuggestedAction struct {
	Type  string `json:"type,omitempty"`
	Title string `json:"title"`
	Value any    `json:"value,omitempty"`
}

// TurnAttachment is an attachment as the backend sent it. Empty strings and
// empty content mean the backend omitted the field.
type TurnAttachment struct {
	ContentType string          `json:"contentType,omitempty"`
	Name        string          `json:"name,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	ContentURL  string          `json:"contentUrl,omitempty"`
}

// AgentClient is a handle bound to one backend agent and one access token.
type AgentClient interface {
	// StartConversation opens a new backend conversation and streams its
	// initial turns.
	StartConversation(ctx context.Context) (*schema.StreamReader[*Turn], error)

	// AskQuestion forwards a user query and streams the reply turns.
	AskQuestion(ctx context.Context, question, conversationID string) (*schema.StreamReader[*Turn], error)
}

// AgentFactory builds a fresh AgentClient for an access token.
type AgentFactory interface {
	NewClient(accessToken string) (AgentClient, error)
}
