package chat

import (
	"strings"

	"github.com/zhouzirui/copilot-relay/backend/internal/model/chat"
)

const (
	processingText      = "processing"
	endOfConversation   = "End of conversation."
	noResponseText      = "No response received from the agent. Please try again."
	defaultIdentityName = "there"
)

// IsProcessing reports whether text is the backend's liveness indicator
// rather than content.
func IsProcessing(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), processingText)
}

// NormalizeAttachment maps a backend attachment to the outbound shape. Omitted
// fields become null.
func NormalizeAttachment(a chat.TurnAttachment) chat.Attachment {
	out := chat.Attachment{
		ContentType: optional(a.ContentType),
		Name:        optional(a.Name),
		ContentURL:  optional(a.ContentURL),
	}
	if len(a.Content) > 0 {
		out.Content = append(out.Content, a.Content...)
	}
	return out
}

// NormalizeAttachments normalizes in order. It returns nil for no attachments.
func NormalizeAttachments(in []chat.TurnAttachment) []chat.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]chat.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, NormalizeAttachment(a))
	}
	return out
}

// SuggestionLabels returns the display titles of actions in backend order.
func SuggestionLabels(actions []chat.SuggestedAction) []string {
	if len(actions) == 0 {
		return nil
	}
	labels := make([]string, 0, len(actions))
	for _, action := range actions {
		labels = append(labels, action.Title)
	}
	return labels
}

// FirstName returns the part of an identity label before any "@".
func FirstName(user string) string {
	if user == "" {
		return defaultIdentityName
	}
	name, _, _ := strings.Cut(user, "@")
	return name
}

// Greeting accumulates the initial turns of a new conversation.
type Greeting struct {
	texts          []string
	attachments    []chat.Attachment
	conversationID string
}

// Add folds one initial turn into the greeting.
func (g *Greeting) Add(turn *chat.Turn) {
	if turn == nil {
		return
	}
	if g.conversationID == "" && turn.ConversationID != "" {
		g.conversationID = turn.ConversationID
	}
	if turn.Text != "" && !IsProcessing(turn.Text) {
		g.texts = append(g.texts, turn.Text)
	}
	g.attachments = append(g.attachments, NormalizeAttachments(turn.Attachments)...)
}

// ConversationID is the first backend conversation id seen, if any.
func (g *Greeting) ConversationID() string {
	return g.conversationID
}

// Event builds the init event for user. Attachments suppress the text
// greeting; with neither, a "Hello, <first-name>" greeting is synthesized.
func (g *Greeting) Event(user string) chat.InitEvent {
	firstName := FirstName(user)
	ev := chat.InitEvent{Username: firstName}

	switch {
	case len(g.attachments) > 0:
		ev.Attachments = g.attachments
	case len(g.texts) > 0:
		ev.Greeting = optional(strings.Join(g.texts, "\n"))
	default:
		ev.Greeting = optional("Hello, " + firstName)
	}
	return ev
}

// TranslateReply maps one reply turn to at most one message event. end is true
// when the turn closes the conversation and no later turns should be read.
func TranslateReply(turn *chat.Turn) (ev *chat.MessageEvent, end bool) {
	if turn == nil {
		return nil, false
	}

	switch turn.Kind {
	case chat.TurnEndOfConversation:
		return &chat.MessageEvent{
			Text: optional(endOfConversation),
			Type: chat.MessageTypeSystem,
			End:  true,
		}, true
	case chat.TurnMessage:
		if IsProcessing(turn.Text) {
			return nil, false
		}
		return &chat.MessageEvent{
			Text:        optional(turn.Text),
			Type:        chat.MessageTypeBot,
			Suggestions: SuggestionLabels(turn.Suggestions),
			Attachments: NormalizeAttachments(turn.Attachments),
		}, false
	default:
		return nil, false
	}
}

// UserEcho is the message event echoing a user's own query.
func UserEcho(text string) chat.MessageEvent {
	return chat.MessageEvent{Text: optional(text), Type: chat.MessageTypeUser}
}

// FallbackReply is sent when a query produced no reply at all.
func FallbackReply() chat.MessageEvent {
	return chat.MessageEvent{Text: optional(noResponseText), Type: chat.MessageTypeBot}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
