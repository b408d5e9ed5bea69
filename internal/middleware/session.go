package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionCookieName is the browser session cookie.
const SessionCookieName = "copilot_relay_session"

var (
	ErrInvalidSession = errors.New("invalid session cookie")
	ErrExpiredSession = errors.New("session cookie expired")
)

type sessionKey struct{}

// Sessions issues and verifies the signed browser session cookie. The cookie
// only carries an opaque session id; credentials stay server side.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	secure bool
}

// NewSessions creates a cookie manager signing with secret.
func NewSessions(secret []byte, ttl time.Duration, secure bool) *Sessions {
	return &Sessions{secret: secret, ttl: ttl, secure: secure}
}

// Middleware attaches the browser session id to the request context, issuing
// a new cookie when none is present or the existing one is invalid.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.sessionFromRequest(r)
		if err != nil {
			if !errors.Is(err, http.ErrNoCookie) {
				slog.Debug("replacing browser session", "error", err)
			}
			id = uuid.NewString()
			if err := s.issue(w, id); err != nil {
				slog.Error("failed to issue session cookie", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), id)))
	})
}

// Rotate replaces the browser session id with a fresh one and returns it.
func (s *Sessions) Rotate(w http.ResponseWriter, r *http.Request) (*http.Request, string, error) {
	id := uuid.NewString()
	if err := s.issue(w, id); err != nil {
		return r, "", err
	}
	return r.WithContext(WithSessionID(r.Context(), id)), id, nil
}

func (s *Sessions) sessionFromRequest(r *http.Request) (string, error) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return "", err
	}
	return s.Verify(c.Value)
}

func (s *Sessions) issue(w http.ResponseWriter, id string) error {
	value, err := s.Sign(id)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Sign returns a signed cookie value for session id.
func (s *Sessions) Sign(id string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify validates a cookie value and returns its session id.
func (s *Sessions) Verify(value string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredSession
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}

// WithSessionID returns ctx carrying the browser session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the browser session id from ctx, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
