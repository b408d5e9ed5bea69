package auth

import (
	"sync"
	"time"

	authmodel "github.com/zhouzirui/copilot-relay/backend/internal/model/auth"
)

type entry struct {
	credential *authmodel.Credential
	pending    *authmodel.PendingLogin
	touched    time.Time
}

// Store keeps credentials and pending logins per browser session.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry), now: time.Now}
}

func (s *Store) get(sessionID string) *entry {
	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{}
		s.entries[sessionID] = e
	}
	e.touched = s.now()
	return e
}

// PutPending replaces the pending login of a browser session.
func (s *Store) PutPending(sessionID string, pending *authmodel.PendingLogin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(sessionID).pending = pending
}

// TakePending removes and returns the pending login of a browser session.
func (s *Store) TakePending(sessionID string) (*authmodel.PendingLogin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok || e.pending == nil {
		return nil, false
	}
	pending := e.pending
	e.pending = nil
	s.dropIfEmpty(sessionID, e)
	return pending, true
}

// PutCredential replaces the credential of a browser session.
func (s *Store) PutCredential(sessionID string, cred *authmodel.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(sessionID).credential = cred
}

// Credential returns the credential of a browser session. A hit counts as
// activity, so Prune keeps sessions that are still in use.
func (s *Store) Credential(sessionID string) (*authmodel.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok || e.credential == nil {
		return nil, false
	}
	e.touched = s.now()
	return e.credential, true
}

// Clear forgets everything stored for a browser session.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

// Prune drops sessions untouched since before cutoff and returns how many
// were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.touched.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked browser sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) dropIfEmpty(sessionID string, e *entry) {
	if e.credential == nil && e.pending == nil {
		delete(s.entries, sessionID)
	}
}
