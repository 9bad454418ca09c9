package orchestrator

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned by store operations targeting an
	// unknown session or job ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session whose ID is
	// already present.
	ErrSessionExists = errors.New("session already exists")

	// ErrTerminalState is returned on an attempt to move a session out
	// of a terminal state. This indicates an orchestrator logic fault.
	ErrTerminalState = errors.New("session is in a terminal state")

	// ErrStatusRegression is returned on an attempt to move a session
	// backwards in its lifecycle, e.g. implementing back to pending.
	ErrStatusRegression = errors.New("status transition would move session backwards")

	// ErrDuplicateTool is returned when appending a generated tool whose
	// name already exists in the session's result list.
	ErrDuplicateTool = errors.New("generated tool name already exists in session")

	// ErrToolNotFound is returned when updating registration state for a
	// tool that is not in the session's result list.
	ErrToolNotFound = errors.New("generated tool not found in session")
)

// SessionStore is the narrow persistence contract the orchestrator uses.
// This interface is defined here rather than in the storage packages to
// avoid import cycles; implementations live under internal/storage.
//
// Implementations must make UpdateStatus atomic with respect to concurrent
// reads: a reader never observes a status without its matching UpdatedAt.
// UpdateStatus must also be idempotent for a repeated identical target
// status, since the orchestrator may retry a transition after a crash.
type SessionStore interface {
	// CreateSession persists a new session. ErrSessionExists on ID reuse.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by ID. ErrSessionNotFound if absent.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// GetSessionByJobID retrieves a session by its caller-visible job ID.
	GetSessionByJobID(ctx context.Context, jobID string) (*Session, error)

	// UpdateStatus moves a session to the given status and stamps
	// UpdatedAt in the same write. The error message is stored when
	// status is failed and cleared otherwise. Transitions only move
	// forward: leaving a terminal state yields ErrTerminalState, any
	// other backwards move yields ErrStatusRegression, and a repeat of
	// the current status succeeds.
	UpdateStatus(ctx context.Context, sessionID string, status SessionStatus, errorMessage string) error

	// AppendGeneratedTool appends one artifact to the session's result
	// list. Tool names are unique per session (ErrDuplicateTool).
	AppendGeneratedTool(ctx context.Context, sessionID string, tool GeneratedTool) error

	// SetToolRegistration records the registration endpoint for a
	// previously appended tool. This is the only in-place tool mutation.
	SetToolRegistration(ctx context.Context, sessionID, toolName, endpoint string) error

	// ListSessionsByUser returns a user's sessions, newest first.
	ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*Session, error)

	// ListActiveSessions returns sessions not yet in a terminal state.
	ListActiveSessions(ctx context.Context, limit int) ([]*Session, error)
}
