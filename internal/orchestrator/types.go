// Package orchestrator owns the session workflow state machine: it
// creates a cancellable background task per tool-generation request,
// drives the generation backend, persists every transition, and fans
// progress out through the event bus.
package orchestrator

import (
	"time"
)

// SessionStatus is the workflow state of a session.
type SessionStatus string

const (
	StatusPending      SessionStatus = "pending"
	StatusPlanning     SessionStatus = "planning"
	StatusSearching    SessionStatus = "searching"
	StatusImplementing SessionStatus = "implementing"
	StatusExecuting    SessionStatus = "executing"
	StatusCompleted    SessionStatus = "completed"
	StatusFailed       SessionStatus = "failed"
)

// statusRank orders statuses along the workflow. Transitions may only
// move forward; terminal states never regress.
var statusRank = map[SessionStatus]int{
	StatusPending:      0,
	StatusPlanning:     1,
	StatusSearching:    2,
	StatusImplementing: 3,
	StatusExecuting:    4,
	StatusCompleted:    5,
	StatusFailed:       5,
}

// Rank returns the position of the status along the workflow ordering.
func (s SessionStatus) Rank() int { return statusRank[s] }

// Terminal reports whether the status is an end state.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is one of the defined workflow states.
func (s SessionStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// OperationType distinguishes fresh generation from an update of a prior job.
type OperationType string

const (
	OperationGenerate OperationType = "generate"
	OperationUpdate   OperationType = "update"
)

// ToolRequirement is one caller-supplied tool specification in natural
// language.
type ToolRequirement struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// GeneratedTool is one artifact produced during a session. Entries are
// appended, never removed; the registration fields are the only permitted
// in-place mutation.
type GeneratedTool struct {
	Name        string `json:"name"`
	FileName    string `json:"file_name"`
	Description string `json:"description"`
	Code        string `json:"code"`
	Endpoint    string `json:"endpoint,omitempty"`
	Registered  bool   `json:"registered"`
}

// Session is the persisted record of one tool-generation or tool-update
// request and its outcome. It is mutated exclusively by the orchestrator.
type Session struct {
	ID        string        `json:"id" bson:"_id"`
	JobID     string        `json:"job_id" bson:"job_id"`
	UserID    string        `json:"user_id" bson:"user_id"`
	Operation OperationType `json:"operation" bson:"operation"`
	// BaseJobID references the prior job an update operation builds on.
	BaseJobID      string            `json:"base_job_id,omitempty" bson:"base_job_id,omitempty"`
	Requirements   []ToolRequirement `json:"requirements" bson:"requirements"`
	GeneratedTools []GeneratedTool   `json:"generated_tools" bson:"generated_tools"`
	Status         SessionStatus     `json:"status" bson:"status"`
	ErrorMessage   string            `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" bson:"updated_at"`
}

// Clone returns a deep copy so stored sessions cannot be mutated through
// returned pointers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	if s.Requirements != nil {
		dup.Requirements = make([]ToolRequirement, len(s.Requirements))
		copy(dup.Requirements, s.Requirements)
	}
	if s.GeneratedTools != nil {
		dup.GeneratedTools = make([]GeneratedTool, len(s.GeneratedTools))
		copy(dup.GeneratedTools, s.GeneratedTools)
	}
	return &dup
}

// cancelledMessage is the exact failure message recorded when a workflow
// is cancelled mid-flight.
const cancelledMessage = "Workflow cancelled"
