// Package memory provides an in-memory SessionStore, used by default and
// as the reference implementation for the store contract in tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentbrowser/toolgen/internal/orchestrator"
)

var (
	errSessionNil     = errors.New("session cannot be nil")
	errSessionIDEmpty = errors.New("session ID cannot be empty")
)

// SessionStore implements orchestrator.SessionStore using in-memory maps.
// All mutation happens under one mutex, which makes status+timestamp
// updates atomic with respect to readers.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*orchestrator.Session
	byJobID  map[string]string // jobID -> sessionID
	now      func() time.Time
}

// NewSessionStore creates an empty in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*orchestrator.Session),
		byJobID:  make(map[string]string),
		now:      time.Now,
	}
}

// CreateSession stores a copy of the session.
func (s *SessionStore) CreateSession(ctx context.Context, session *orchestrator.Session) error {
	if session == nil {
		return errSessionNil
	}
	if session.ID == "" {
		return errSessionIDEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return orchestrator.ErrSessionExists
	}

	stored := session.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	stored.UpdatedAt = stored.CreatedAt

	s.sessions[stored.ID] = stored
	if stored.JobID != "" {
		s.byJobID[stored.JobID] = stored.ID
	}
	return nil
}

// GetSession returns a copy of the session.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*orchestrator.Session, error) {
	if sessionID == "" {
		return nil, errSessionIDEmpty
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, orchestrator.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// GetSessionByJobID returns a copy of the session owning the job ID.
func (s *SessionStore) GetSessionByJobID(ctx context.Context, jobID string) (*orchestrator.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.byJobID[jobID]
	if !exists {
		return nil, orchestrator.ErrSessionNotFound
	}
	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, orchestrator.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// UpdateStatus moves the session to the given status. Status and UpdatedAt
// change in the same critical section; repeating the current status is a
// harmless timestamp refresh; leaving a terminal state or moving backwards
// in the lifecycle is rejected.
func (s *SessionStore) UpdateStatus(
	ctx context.Context,
	sessionID string,
	status orchestrator.SessionStatus,
	errorMessage string,
) error {
	if !status.Valid() {
		return errors.New("invalid session status: " + string(status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return orchestrator.ErrSessionNotFound
	}
	if session.Status.Terminal() && session.Status != status {
		return orchestrator.ErrTerminalState
	}
	if status.Rank() < session.Status.Rank() {
		return orchestrator.ErrStatusRegression
	}

	session.Status = status
	if status == orchestrator.StatusFailed && errorMessage != "" {
		session.ErrorMessage = errorMessage
	} else if status != orchestrator.StatusFailed {
		session.ErrorMessage = ""
	}
	session.UpdatedAt = s.now().UTC()
	return nil
}

// AppendGeneratedTool appends one artifact, enforcing per-session name
// uniqueness.
func (s *SessionStore) AppendGeneratedTool(
	ctx context.Context,
	sessionID string,
	tool orchestrator.GeneratedTool,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return orchestrator.ErrSessionNotFound
	}
	for _, existing := range session.GeneratedTools {
		if existing.Name == tool.Name {
			return orchestrator.ErrDuplicateTool
		}
	}
	session.GeneratedTools = append(session.GeneratedTools, tool)
	session.UpdatedAt = s.now().UTC()
	return nil
}

// SetToolRegistration records the registration endpoint for a tool.
func (s *SessionStore) SetToolRegistration(
	ctx context.Context,
	sessionID, toolName, endpoint string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return orchestrator.ErrSessionNotFound
	}
	for i := range session.GeneratedTools {
		if session.GeneratedTools[i].Name == toolName {
			session.GeneratedTools[i].Registered = true
			session.GeneratedTools[i].Endpoint = endpoint
			session.UpdatedAt = s.now().UTC()
			return nil
		}
	}
	return orchestrator.ErrToolNotFound
}

// ListSessionsByUser returns the user's sessions, newest first.
func (s *SessionStore) ListSessionsByUser(
	ctx context.Context,
	userID string,
	limit int,
) ([]*orchestrator.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*orchestrator.Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			result = append(result, session.Clone())
		}
	}
	sortNewestFirst(result)
	return truncate(result, limit), nil
}

// ListActiveSessions returns sessions not yet in a terminal state.
func (s *SessionStore) ListActiveSessions(
	ctx context.Context,
	limit int,
) ([]*orchestrator.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*orchestrator.Session
	for _, session := range s.sessions {
		if !session.Status.Terminal() {
			result = append(result, session.Clone())
		}
	}
	sortNewestFirst(result)
	return truncate(result, limit), nil
}

func sortNewestFirst(sessions []*orchestrator.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

func truncate(sessions []*orchestrator.Session, limit int) []*orchestrator.Session {
	if limit > 0 && len(sessions) > limit {
		return sessions[:limit]
	}
	return sessions
}
