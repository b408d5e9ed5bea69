package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/copilot-relay/backend/internal/handler/auth"
	"github.com/zhouzirui/copilot-relay/backend/internal/handler/chat"
	middlewarePkg "github.com/zhouzirui/copilot-relay/backend/internal/middleware"
	authService "github.com/zhouzirui/copilot-relay/backend/internal/service/auth"
	chatService "github.com/zhouzirui/copilot-relay/backend/internal/service/chat"
)

// Deps are the services the router wires to routes.
type Deps struct {
	Login          *authService.Service
	Relay          *chatService.Relay
	Sessions       *middlewarePkg.Sessions
	AllowedOrigins []string
	ShowFeedback   bool
	Logger         *slog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))
	r.Use(deps.Sessions.Middleware)

	pageHandler := auth.New(deps.Login, deps.Sessions, deps.ShowFeedback, deps.Logger)
	pageHandler.RegisterRoutes(r)

	chatHandler := chat.New(deps.Relay, deps.Login, deps.AllowedOrigins, deps.Logger)
	chatHandler.RegisterRoutes(r)

	return r
}
