package server

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCode is returned when a share code maps to no session.
	ErrInvalidCode = errors.New("server: invalid session code")

	// ErrNotEditor is returned when a viewer code is used to join as editor.
	ErrNotEditor = errors.New("server: not authorized as editor")
)

// Session is one sharing context: two share codes, the users in each role
// and the authoritative flattened snapshot of the document. The snapshot is
// last-writer-wins — the server relays CRDT operations but never merges
// them; it only caches whole-text updates for late joiners.
type Session struct {
	EditorCode string
	ViewerCode string

	mu      sync.Mutex
	editors map[string]struct{}
	viewers map[string]struct{}
	content string
}

// IsEditor reports whether userID may send mutating operations.
func (s *Session) IsEditor(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.editors[userID]
	return ok
}

// Members returns every user currently in the session, editors first.
func (s *Session) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.editors)+len(s.viewers))
	for id := range s.editors {
		users = append(users, id)
	}
	for id := range s.viewers {
		users = append(users, id)
	}
	return users
}

// SetContent overwrites the snapshot wholesale.
func (s *Session) SetContent(content string) {
	s.mu.Lock()
	s.content = content
	s.mu.Unlock()
}

// Content returns the current snapshot.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

// ContentLength returns the snapshot's length in characters, the value
// clients must echo back in sync confirmations.
func (s *Session) ContentLength() int {
	return len([]rune(s.Content()))
}

func (s *Session) add(userID string, asEditor bool) {
	s.mu.Lock()
	if asEditor {
		s.editors[userID] = struct{}{}
	} else {
		s.viewers[userID] = struct{}{}
	}
	s.mu.Unlock()
}

// remove drops userID from both role sets and reports whether the session
// is now empty. Removing an absent user is a no-op.
func (s *Session) remove(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.editors, userID)
	delete(s.viewers, userID)
	return len(s.editors)+len(s.viewers) == 0
}

// Registry maps share codes to live sessions. It is owned by the broker and
// safe for concurrent use from its connection handlers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // both codes of a session map to it
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// CreateSession registers a fresh session under two distinct unpredictable
// codes and adds the creator to its editor set, so a session is never
// observable empty.
func (r *Registry) CreateSession(creatorID string) *Session {
	s := &Session{
		EditorCode: newShareCode(),
		ViewerCode: newShareCode(),
		editors:    map[string]struct{}{creatorID: {}},
		viewers:    make(map[string]struct{}),
	}
	r.mu.Lock()
	r.sessions[s.EditorCode] = s
	r.sessions[s.ViewerCode] = s
	r.mu.Unlock()
	return s
}

// JoinSession resolves a share code and adds the user in the requested
// role. Joining as editor requires the editor-specific code.
func (r *Registry) JoinSession(code, userID string, asEditor bool) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[code]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCode
	}
	if asEditor && code != s.EditorCode {
		return nil, ErrNotEditor
	}
	s.add(userID, asEditor)
	return s, nil
}

// RemoveParticipant drops the user from both role sets and garbage-collects
// the session's code mappings once it is empty. Safe to call more than once
// for the same user.
func (r *Registry) RemoveParticipant(s *Session, userID string) {
	if s == nil {
		return
	}
	if empty := s.remove(userID); empty {
		r.mu.Lock()
		delete(r.sessions, s.EditorCode)
		delete(r.sessions, s.ViewerCode)
		r.mu.Unlock()
	}
}

// Lookup resolves a share code without joining.
func (r *Registry) Lookup(code string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[code]
	r.mu.RUnlock()
	return s, ok
}

// newShareCode returns a short unpredictable code suitable for sharing out
// of band.
func newShareCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
