package orchestrator

import "context"

// BackendPhase is the coarse lifecycle of a generation run as seen by the
// workflow poll loop.
type BackendPhase string

const (
	BackendPending   BackendPhase = "pending"
	BackendCompleted BackendPhase = "completed"
	BackendFailed    BackendPhase = "failed"
)

// BackendStatus is a point-in-time snapshot of a generation run.
type BackendStatus struct {
	Phase    BackendPhase
	Progress string
	Tools    []GeneratedTool
	Err      error
}

// BackendHandle identifies one in-flight generation run.
type BackendHandle interface {
	RunID() string
}

// GenerationBackend produces tool artifacts from a natural-language prompt.
// Submit starts the run and returns immediately; the workflow polls until the
// phase turns terminal. The interface lives here so backend implementations
// can depend on this package without creating a cycle.
type GenerationBackend interface {
	Submit(ctx context.Context, sessionID, prompt string) (BackendHandle, error)
	Poll(handle BackendHandle) (BackendStatus, error)
}
