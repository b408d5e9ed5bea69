// Package auth serves the login, callback, logout and chat page routes.
package auth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/copilot-relay/backend/internal/middleware"
	authmodel "github.com/zhouzirui/copilot-relay/backend/internal/model/auth"
	authservice "github.com/zhouzirui/copilot-relay/backend/internal/service/auth"
	"github.com/zhouzirui/copilot-relay/backend/pkg/utils"
	"github.com/zhouzirui/copilot-relay/backend/web"
)

const callbackPath = "/auth/callback"

// LoginService is the login flow the routes drive.
type LoginService interface {
	BeginLogin(sessionID, redirectURI string) (string, error)
	CompleteLogin(ctx context.Context, sessionID string, cb authservice.Callback) (*authmodel.Credential, error)
	Credential(sessionID string) (*authmodel.Credential, bool)
	Logout(sessionID string)
}

// Handler serves the browser-facing pages.
type Handler struct {
	login        LoginService
	sessions     *middleware.Sessions
	showFeedback bool
	logger       *slog.Logger
}

// New creates the page handler.
func New(login LoginService, sessions *middleware.Sessions, showFeedback bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		login:        login,
		sessions:     sessions,
		showFeedback: showFeedback,
		logger:       logger,
	}
}

// RegisterRoutes registers page routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Get("/login", h.handleLogin)
	r.Get(callbackPath, h.handleCallback)
	r.Get("/logout", h.handleLogout)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.login.Credential(middleware.SessionID(r.Context())); !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	var buf bytes.Buffer
	if err := web.RenderIndex(&buf, web.PageData{ShowFeedback: h.showFeedback}); err != nil {
		h.logger.Error("failed to render chat page", "error", err)
		utils.RespondText(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Warn("failed to write chat page", "error", err)
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	target, err := h.login.BeginLogin(middleware.SessionID(r.Context()), authservice.CallbackURL(r, callbackPath))
	if err != nil {
		h.logger.Error("failed to start login", "error", err)
		utils.RespondText(w, http.StatusInternalServerError, "internal server error")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cb := authservice.Callback{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		HasError:         q.Has("error"),
		RedirectURI:      authservice.CallbackURL(r, callbackPath),
	}

	if _, err := h.login.CompleteLogin(r.Context(), middleware.SessionID(r.Context()), cb); err != nil {
		h.logger.Warn("login callback rejected", "error", err)
		utils.RespondText(w, http.StatusBadRequest, CallbackMessage(err))
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.login.Logout(middleware.SessionID(r.Context()))
	if _, _, err := h.sessions.Rotate(w, r); err != nil {
		h.logger.Warn("failed to rotate browser session", "error", err)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// CallbackMessage is the plain-text body returned for a rejected callback.
func CallbackMessage(err error) string {
	var pe *authservice.ProviderError
	switch {
	case errors.Is(err, authservice.ErrStateMismatch):
		return "Invalid state parameter"
	case errors.As(err, &pe) && pe.Stage == authservice.StageAuthorize:
		return "Authentication error: " + pe.Detail()
	case errors.Is(err, authservice.ErrMissingCode):
		return "No authorization code received"
	case errors.As(err, &pe):
		return "Failed to acquire token: " + pe.Detail()
	default:
		return "Authentication failed"
	}
}
