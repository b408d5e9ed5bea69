package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhouzirui/copilot-relay/backend/internal/model/chat"
)

var (
	ErrConnIDRequired  = errors.New("connection id is required")
	ErrSessionExists   = errors.New("session already registered")
	ErrSessionNotFound = errors.New("session not found")
)

// Service is the registry of live conversation sessions, keyed by connection id.
// No I/O happens while its lock is held.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*chat.Session
}

// NewService creates an empty in-memory registry.
func NewService() *Service {
	return &Service{
		sessions: make(map[string]*chat.Session),
	}
}

// Register stores session under its connection id. A connection holds at most
// one session.
func (s *Service) Register(_ context.Context, session *chat.Session) error {
	if session == nil || session.ConnID == "" {
		return ErrConnIDRequired
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ConnID]; ok {
		return ErrSessionExists
	}
	s.sessions[session.ConnID] = session
	return nil
}

// GetSession retrieves the session bound to connID.
func (s *Service) GetSession(_ context.Context, connID string) (*chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[connID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Remove deletes and returns the session bound to connID.
func (s *Service) Remove(_ context.Context, connID string) (*chat.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[connID]
	if ok {
		delete(s.sessions, connID)
	}
	return session, ok
}

// Count returns the number of live sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
