package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	authmodel "github.com/zhouzirui/copilot-relay/backend/internal/model/auth"
	"github.com/zhouzirui/copilot-relay/backend/internal/model/chat"
	"github.com/zhouzirui/copilot-relay/backend/internal/service/copilot"
)

var (
	ErrConnectionRejected = errors.New("connection rejected: not authenticated")
	ErrNoConversation     = errors.New("no active conversation")
	ErrTokenExpired       = errors.New("access token expired")
	ErrTransport          = errors.New("agent transport error")
)

// User-facing error texts.
const (
	msgNotAuthenticated = "Not authenticated. Please refresh the page to login."
	msgNoConversation   = "No active conversation. Please refresh the page."
	msgSessionExpired   = "Authentication failed. Your session has expired. Please refresh the page to login again."
)

// Emitter delivers one outbound event to a connection.
type Emitter interface {
	Emit(event string, payload any) error
}

// RelayConfig tunes a Relay.
type RelayConfig struct {
	// StreamTimeout bounds each backend exchange. Zero leaves it unbounded.
	StreamTimeout time.Duration
	Logger        *slog.Logger
}

// Relay sequences connect, message and disconnect handling for connections and
// drives the backend exchange for each. Calls for one connection must not
// overlap; calls for different connections may run concurrently.
type Relay struct {
	sessions      *Service
	agents        chat.AgentFactory
	streamTimeout time.Duration
	logger        *slog.Logger
}

// NewRelay creates a relay that registers sessions in sessions and builds
// clients with agents.
func NewRelay(sessions *Service, agents chat.AgentFactory, cfg RelayConfig) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		sessions:      sessions,
		agents:        agents,
		streamTimeout: cfg.StreamTimeout,
		logger:        logger,
	}
}

// Connect opens a backend conversation for connID and emits the init event.
// A non-nil error means the connection must be closed; an error event has
// already been emitted.
func (r *Relay) Connect(ctx context.Context, connID string, cred *authmodel.Credential, out Emitter) error {
	if cred == nil || cred.AccessToken == "" {
		r.logger.Warn("connection rejected - no access token", "conn_id", connID)
		r.emit(out, connID, chat.EventError, chat.ErrorEvent{Message: msgNotAuthenticated})
		return ErrConnectionRejected
	}

	client, err := r.agents.NewClient(cred.AccessToken)
	if err != nil {
		return r.fail(out, "connect", connID, cred.User, err)
	}

	ctx, cancel := r.exchangeContext(ctx)
	defer cancel()

	stream, err := client.StartConversation(ctx)
	if err != nil {
		return r.fail(out, "connect", connID, cred.User, err)
	}

	var greeting Greeting
	if err := drainTurns(stream, func(turn *chat.Turn) bool {
		greeting.Add(turn)
		return true
	}); err != nil {
		return r.fail(out, "connect", connID, cred.User, err)
	}

	session := &chat.Session{
		ConnID:         connID,
		User:           cred.User,
		ConversationID: greeting.ConversationID(),
		Client:         client,
	}
	if err := r.sessions.Register(ctx, session); err != nil {
		return r.fail(out, "connect", connID, cred.User, err)
	}

	r.emit(out, connID, chat.EventInit, greeting.Event(cred.User))
	r.logger.Info("user connected", "conn_id", connID, "user", cred.User, "conversation_id", session.ConversationID)
	return nil
}

// HandleMessage relays one user query and emits the replies in arrival order.
// Failures are reported as error events and leave the session in place.
func (r *Relay) HandleMessage(ctx context.Context, connID, message string, out Emitter) error {
	query := strings.TrimSpace(message)
	if query == "" {
		return nil
	}

	session, err := r.sessions.GetSession(ctx, connID)
	if err != nil {
		r.logger.Warn("message without active conversation", "conn_id", connID)
		r.emit(out, connID, chat.EventError, chat.ErrorEvent{Message: msgNoConversation})
		return ErrNoConversation
	}

	r.logger.Info("user query", "conn_id", connID, "user", session.User, "length", len(query))
	r.emit(out, connID, chat.EventMessage, UserEcho(query))

	ctx, cancel := r.exchangeContext(ctx)
	defer cancel()

	stream, err := session.Client.AskQuestion(ctx, query, session.ConversationID)
	if err != nil {
		return r.fail(out, "send_message", connID, session.User, err)
	}

	replies := 0
	err = drainTurns(stream, func(turn *chat.Turn) bool {
		ev, end := TranslateReply(turn)
		if ev != nil {
			r.emit(out, connID, chat.EventMessage, *ev)
			replies++
		}
		return !end
	})
	if err != nil {
		return r.fail(out, "send_message", connID, session.User, err)
	}

	if replies == 0 {
		r.logger.Warn("no replies received from agent", "conn_id", connID, "user", session.User)
		r.emit(out, connID, chat.EventMessage, FallbackReply())
		return nil
	}

	r.logger.Info("response sent", "conn_id", connID, "user", session.User, "replies", replies)
	return nil
}

// Disconnect drops the session bound to connID, if any.
func (r *Relay) Disconnect(ctx context.Context, connID string) {
	session, ok := r.sessions.Remove(ctx, connID)
	if !ok {
		return
	}
	r.logger.Info("client disconnected", "conn_id", connID, "user", session.User)
}

func (r *Relay) exchangeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.streamTimeout > 0 {
		return context.WithTimeout(ctx, r.streamTimeout)
	}
	return context.WithCancel(ctx)
}

// fail classifies err, reports it to the connection and returns the
// classified error.
func (r *Relay) fail(out Emitter, op, connID, user string, err error) error {
	classified := Classify(err)
	r.logger.Error("agent exchange failed", "op", op, "conn_id", connID, "user", user, "error", err)

	msg := msgSessionExpired
	if !errors.Is(classified, ErrTokenExpired) {
		if op == "connect" {
			msg = "Connection error: " + err.Error()
		} else {
			msg = "Error: " + err.Error()
		}
	}
	r.emit(out, connID, chat.EventError, chat.ErrorEvent{Message: msg})
	return classified
}

func (r *Relay) emit(out Emitter, connID, event string, payload any) {
	if err := out.Emit(event, payload); err != nil {
		r.logger.Warn("failed to emit event", "conn_id", connID, "event", event, "error", err)
	}
}

// Classify wraps err in ErrTokenExpired when the backend rejected the access
// token, and in ErrTransport otherwise.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *copilot.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	// Errors without a status code only carry the code in their text.
	if strings.Contains(err.Error(), "401") {
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// drainTurns reads stream to the end, handing each turn to fn until fn
// returns false. The stream is always closed.
func drainTurns(stream *schema.StreamReader[*chat.Turn], fn func(*chat.Turn) bool) error {
	defer stream.Close()
	for {
		turn, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if turn == nil {
			continue
		}
		if !fn(turn) {
			return nil
		}
	}
}
