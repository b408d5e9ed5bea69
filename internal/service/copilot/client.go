// Package copilot is a client for the Copilot Studio direct-to-engine
// conversation API.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/tmaxmax/go-sse"

	"github.com/zhouzirui/copilot-relay/backend/internal/model/chat"
)

const (
	// conversationIDHeader is set by the backend on the start-conversation response.
	conversationIDHeader = "x-ms-conversationid"

	sseActivityEvent = "activity"
	turnBufferSize   = 8
	maxErrorBody     = 4 << 10

	// maxEventSize bounds one event-stream frame. Adaptive card payloads
	// outgrow the decoder's 64KB default.
	maxEventSize = 4 << 20
)

var ErrMissingToken = errors.New("access token is required")

// APIError is a non-200 response from the agent backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("error sending request: %d", e.StatusCode)
	}
	return fmt.Sprintf("error sending request: %d: %s", e.StatusCode, e.Body)
}

// Factory builds agent clients bound to one configured agent.
type Factory struct {
	settings   Settings
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFactory creates a factory for settings. httpClient may be nil.
func NewFactory(settings Settings, httpClient *http.Client, logger *slog.Logger) *Factory {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{settings: settings, httpClient: httpClient, logger: logger}
}

// NewClient binds the configured agent to accessToken. It performs no I/O and
// never reuses a client across tokens.
func (f *Factory) NewClient(accessToken string) (chat.AgentClient, error) {
	if accessToken == "" {
		return nil, ErrMissingToken
	}
	if err := f.settings.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		settings:   f.settings,
		token:      accessToken,
		httpClient: f.httpClient,
		logger:     f.logger,
	}, nil
}

var _ chat.AgentFactory = (*Factory)(nil)

// Client talks to one agent on behalf of one user.
type Client struct {
	settings   Settings
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	mu             sync.Mutex
	conversationID string
}

var _ chat.AgentClient = (*Client)(nil)

type activity struct {
	Type             string                `json:"type"`
	Text             string                `json:"text,omitempty"`
	SuggestedActions *suggestedActions     `json:"suggestedActions,omitempty"`
	Attachments      []chat.TurnAttachment `json:"attachments,omitempty"`
	Conversation     *conversationAccount  `json:"conversation,omitempty"`
}

type suggestedActions struct {
	Actions []chat.SuggestedAction `json:"actions"`
}

type conversationAccount struct {
	ID string `json:"id"`
}

// StartConversation opens a conversation and streams the agent's greeting turns.
func (c *Client) StartConversation(ctx context.Context) (*schema.StreamReader[*chat.Turn], error) {
	endpoint, err := c.settings.ConversationURL("")
	if err != nil {
		return nil, err
	}
	return c.post(ctx, endpoint, map[string]any{"emitStartConversationEvent": true})
}

// AskQuestion sends question to conversationID, or to the last conversation
// this client observed when conversationID is empty.
func (c *Client) AskQuestion(ctx context.Context, question, conversationID string) (*schema.StreamReader[*chat.Turn], error) {
	if conversationID == "" {
		conversationID = c.currentConversation()
	}

	endpoint, err := c.settings.ConversationURL(conversationID)
	if err != nil {
		return nil, err
	}

	req := activity{
		Type: string(chat.TurnMessage),
		Text: question,
	}
	if conversationID != "" {
		req.Conversation = &conversationAccount{ID: conversationID}
	}
	return c.post(ctx, endpoint, map[string]any{"activity": req})
}

func (c *Client) currentConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *Client) observeConversation(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) (*schema.StreamReader[*chat.Turn], error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}

	c.observeConversation(resp.Header.Get(conversationIDHeader))

	sr, sw := schema.Pipe[*chat.Turn](turnBufferSize)
	go c.pump(resp.Body, sw)
	return sr, nil
}

// pump decodes activity frames from body into sw until the body ends or the
// reader side is closed.
func (c *Client) pump(body io.ReadCloser, sw *schema.StreamWriter[*chat.Turn]) {
	defer sw.Close()
	defer body.Close()

	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		if err != nil {
			sw.Send(nil, fmt.Errorf("read activity stream: %w", err))
			return
		}
		if ev.Type != sseActivityEvent || ev.Data == "" {
			continue
		}

		var act activity
		if err := json.Unmarshal([]byte(ev.Data), &act); err != nil {
			sw.Send(nil, fmt.Errorf("decode activity: %w", err))
			return
		}

		turn := toTurn(act)
		c.observeConversation(turn.ConversationID)
		c.logger.Debug("agent activity received", "type", turn.Kind, "conversation_id", turn.ConversationID)

		if closed := sw.Send(turn, nil); closed {
			return
		}
	}
}

func toTurn(act activity) *chat.Turn {
	turn := &chat.Turn{
		Kind:        chat.TurnKind(act.Type),
		Text:        act.Text,
		Attachments: act.Attachments,
	}
	if act.SuggestedActions != nil {
		turn.Suggestions = act.SuggestedActions.Actions
	}
	if act.Conversation != nil {
		turn.ConversationID = act.Conversation.ID
	}
	return turn
}
