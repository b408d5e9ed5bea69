// Package auth implements the browser login flow and the per-session
// credential store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	authmodel "github.com/zhouzirui/copilot-relay/backend/internal/model/auth"
)

const (
	defaultUserLabel  = "User"
	defaultPendingTTL = 10 * time.Minute
)

var (
	ErrSessionRequired = errors.New("browser session id is required")
	ErrStateMismatch   = errors.New("state mismatch")
	ErrMissingCode     = errors.New("no authorization code received")
	ErrProvider        = errors.New("authorization provider error")
)

// Provider error stages.
const (
	StageAuthorize = "authorize"
	StageToken     = "token"
)

// ProviderError is an error reported by the authorization service, either on
// the callback or during the code exchange.
type ProviderError struct {
	Stage       string
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrProvider, e.Stage, e.Detail())
}

func (e *ProviderError) Unwrap() error { return ErrProvider }

// Detail is the description when present, the error code otherwise.
func (e *ProviderError) Detail() string {
	if e.Description != "" {
		return e.Description
	}
	return e.Code
}

// Callback carries the query parameters of an authorization redirect.
type Callback struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
	// HasError is set when the error parameter was present at all.
	HasError bool
	// RedirectURI is the callback address computed for the current request,
	// used when no address was stored at login.
	RedirectURI string
}

// Options tunes a Service.
type Options struct {
	PendingTTL time.Duration
	Logger     *slog.Logger
}

// Service drives the login handshake and owns the credential store.
type Service struct {
	provider   Provider
	store      *Store
	pendingTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a login service backed by provider and store.
func NewService(provider Provider, store *Store, opts Options) *Service {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = defaultPendingTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		provider:   provider,
		store:      store,
		pendingTTL: opts.PendingTTL,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

// BeginLogin issues a fresh single-use state for sessionID and returns the
// authorization URL to redirect to.
func (s *Service) BeginLogin(sessionID, redirectURI string) (string, error) {
	if sessionID == "" {
		return "", ErrSessionRequired
	}

	pending := &authmodel.PendingLogin{
		State:       uuid.NewString(),
		RedirectURI: redirectURI,
		CreatedAt:   s.now(),
	}
	s.store.PutPending(sessionID, pending)

	s.logger.Info("login started", "redirect_uri", redirectURI)
	return s.provider.AuthCodeURL(pending.State, redirectURI), nil
}

// CompleteLogin validates the callback against the pending login and stores
// the resulting credential. The state check happens before any exchange.
func (s *Service) CompleteLogin(ctx context.Context, sessionID string, cb Callback) (*authmodel.Credential, error) {
	pending, ok := s.store.TakePending(sessionID)
	if !ok || cb.State == "" || cb.State != pending.State || s.now().Sub(pending.CreatedAt) > s.pendingTTL {
		return nil, ErrStateMismatch
	}

	if cb.HasError || cb.Error != "" {
		return nil, &ProviderError{Stage: StageAuthorize, Code: cb.Error, Description: cb.ErrorDescription}
	}

	if cb.Code == "" {
		return nil, ErrMissingCode
	}

	redirectURI := pending.RedirectURI
	if redirectURI == "" {
		redirectURI = cb.RedirectURI
	}

	tok, err := s.provider.Exchange(ctx, cb.Code, redirectURI)
	if err != nil {
		s.logger.Error("token acquisition failed", "error", err)
		return nil, exchangeError(err)
	}
	if tok.AccessToken == "" {
		return nil, &ProviderError{Stage: StageToken, Code: "missing_access_token", Description: "no access token returned"}
	}

	cred := &authmodel.Credential{
		AccessToken: tok.AccessToken,
		User:        IdentityFromIDToken(tok.IDToken),
		ExpiresAt:   tok.Expiry,
		IssuedAt:    s.now(),
	}
	s.store.PutCredential(sessionID, cred)

	s.logger.Info("user authenticated", "user", cred.User)
	return cred, nil
}

// Credential returns the stored credential for sessionID.
func (s *Service) Credential(sessionID string) (*authmodel.Credential, bool) {
	if sessionID == "" {
		return nil, false
	}
	return s.store.Credential(sessionID)
}

// Logout clears the credential and any pending login of sessionID.
func (s *Service) Logout(sessionID string) {
	if sessionID == "" {
		return
	}
	s.store.Clear(sessionID)
}

// RunJanitor prunes browser sessions idle for longer than maxAge every
// interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.store.Prune(s.now().Add(-maxAge)); n > 0 {
				s.logger.Debug("pruned idle browser sessions", "count", n)
			}
		}
	}
}

func exchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.ErrorCode
		if code == "" && retrieveErr.Response != nil {
			code = http.StatusText(retrieveErr.Response.StatusCode)
		}
		return &ProviderError{Stage: StageToken, Code: code, Description: retrieveErr.ErrorDescription}
	}
	return &ProviderError{Stage: StageToken, Code: "exchange_failed", Description: err.Error()}
}

// IdentityFromIDToken reads preferred_username from an id_token without
// verifying its signature. Anything unreadable yields the generic label.
func IdentityFromIDToken(idToken string) string {
	if idToken == "" {
		return defaultUserLabel
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return defaultUserLabel
	}

	name, _ := claims["preferred_username"].(string)
	if name = strings.TrimSpace(name); name == "" {
		return defaultUserLabel
	}
	return name
}

// CallbackURL computes the callback address for r, honoring
// X-Forwarded-Proto and X-Forwarded-Host.
func CallbackURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	}

	host := r.Host
	if fwd := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + path
}

func firstHeaderValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}
