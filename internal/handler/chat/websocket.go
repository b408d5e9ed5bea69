// Package chat serves the real-time relay channel over a websocket.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/copilot-relay/backend/internal/middleware"
	authmodel "github.com/zhouzirui/copilot-relay/backend/internal/model/auth"
	"github.com/zhouzirui/copilot-relay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/copilot-relay/backend/internal/service/chat"
)

const (
	defaultReadTimeout = 60 * time.Second
	writeTimeout       = 10 * time.Second
	pingInterval       = 54 * time.Second
)

// CredentialSource looks up the credential of a browser session.
type CredentialSource interface {
	Credential(sessionID string) (*authmodel.Credential, bool)
}

// Handler upgrades /ws requests and feeds their events to the relay.
type Handler struct {
	relay       *chatservice.Relay
	creds       CredentialSource
	upgrader    websocket.Upgrader
	readTimeout time.Duration
	logger      *slog.Logger
}

// New creates a websocket handler. Upgrades are accepted from allowedOrigins
// and from the serving host itself.
func New(relay *chatservice.Relay, creds CredentialSource, allowedOrigins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		relay:       relay,
		creds:       creds,
		readTimeout: defaultReadTimeout,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || middleware.OriginAllowed(allowedOrigins, origin) {
					return true
				}
				return sameHost(r, origin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes registers the websocket route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	cred, _ := h.creds.Credential(middleware.SessionID(r.Context()))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	out := &connEmitter{conn: conn, logger: h.logger}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		return nil
	})

	go pingLoop(ctx, conn)

	// The greeting drain has no deadline of its own; the idle clock starts
	// once the conversation is active.
	if err := h.relay.Connect(ctx, connID, cred, out); err != nil {
		out.close(websocket.ClosePolicyViolation, "connection rejected")
		return
	}
	defer h.relay.Disconnect(context.Background(), connID)

	conn.SetReadDeadline(time.Now().Add(h.readTimeout))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "conn_id", connID, "error", err)
			}
			return
		}

		h.dispatch(ctx, connID, raw, out)
		conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	}
}

func (h *Handler) dispatch(ctx context.Context, connID string, raw []byte, out *connEmitter) {
	var msg chat.InboundEnvelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(connID, out, "invalid message format")
		return
	}

	switch msg.Type {
	case chat.EventSendMessage:
		var payload chat.SendMessage
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				h.sendError(connID, out, "invalid send_message payload")
				return
			}
		}
		// Failures were already reported to the browser.
		if err := h.relay.HandleMessage(ctx, connID, payload.Message, out); err != nil {
			h.logger.Debug("send_message failed", "conn_id", connID, "error", err)
		}
	default:
		h.sendError(connID, out, "unknown message type: "+msg.Type)
	}
}

func (h *Handler) sendError(connID string, out *connEmitter, message string) {
	if err := out.Emit(chat.EventError, chat.ErrorEvent{Message: message}); err != nil {
		h.logger.Warn("failed to write error event", "conn_id", connID, "error", err)
	}
}

// connEmitter serializes writes of enveloped events to one connection.
type connEmitter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger *slog.Logger
}

func (e *connEmitter) Emit(event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return e.conn.WriteJSON(chat.Envelope{
		Type:      event,
		Data:      payload,
		Timestamp: time.Now().Unix(),
	})
}

func (e *connEmitter) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		e.logger.Debug("failed to write close frame", "error", err)
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func sameHost(r *http.Request, origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
