package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrTaskExists is returned when a session already has a running task.
	ErrTaskExists = errors.New("session already has an active task")

	// ErrTaskNotFound is returned when no active task exists for a session.
	ErrTaskNotFound = errors.New("no active task for session")
)

// TaskOutcome is how a finished task ended.
type TaskOutcome string

const (
	OutcomeCompleted TaskOutcome = "completed"
	OutcomeFailed    TaskOutcome = "failed"
	OutcomeCancelled TaskOutcome = "cancelled"
)

// TaskStatus reports the registry's view of a session's task.
type TaskStatus struct {
	Running    bool
	Outcome    TaskOutcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// taskHandle tracks one running workflow goroutine.
type taskHandle struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// TaskRegistry enforces one active task per session and guarantees handle
// cleanup no matter how the task ends. Finished outcomes stay queryable
// until ReapFinished drops them.
type TaskRegistry struct {
	mu       sync.Mutex
	active   map[string]*taskHandle
	finished map[string]TaskStatus
	logger   *slog.Logger
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry(logger *slog.Logger) *TaskRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRegistry{
		active:   make(map[string]*taskHandle),
		finished: make(map[string]TaskStatus),
		logger:   logger,
	}
}

// Start launches run in its own goroutine under a child context of parent.
// The handle is removed when run returns, panics, or is cancelled; a panic
// is recorded as a failed outcome rather than taking the process down.
func (tr *TaskRegistry) Start(parent context.Context, sessionID string, run func(ctx context.Context) error) error {
	if sessionID == "" {
		return errors.New("session ID cannot be empty")
	}

	ctx, cancel := context.WithCancel(parent)
	handle := &taskHandle{
		sessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	tr.mu.Lock()
	if _, exists := tr.active[sessionID]; exists {
		tr.mu.Unlock()
		cancel()
		return ErrTaskExists
	}
	tr.active[sessionID] = handle
	delete(tr.finished, sessionID)
	tr.mu.Unlock()

	go func() {
		var runErr error
		defer func() {
			if r := recover(); r != nil {
				tr.logger.Error("workflow task panicked",
					"session_id", sessionID,
					"panic", r)
				runErr = fmt.Errorf("workflow panic: %v", r)
			}
			ctxErr := ctx.Err()
			cancel()
			close(handle.done)
			tr.remove(handle, runErr, ctxErr)
		}()
		runErr = run(ctx)
	}()

	return nil
}

// Cancel requests cancellation of the session's task and waits for it to
// finish.
func (tr *TaskRegistry) Cancel(sessionID string) error {
	tr.mu.Lock()
	handle, exists := tr.active[sessionID]
	tr.mu.Unlock()
	if !exists {
		return ErrTaskNotFound
	}

	handle.cancel()
	<-handle.done
	return nil
}

// StatusOf reports the task state for a session. Sessions never seen by the
// registry report a zero TaskStatus.
func (tr *TaskRegistry) StatusOf(sessionID string) TaskStatus {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if handle, exists := tr.active[sessionID]; exists {
		return TaskStatus{Running: true, StartedAt: handle.startedAt}
	}
	return tr.finished[sessionID]
}

// ActiveCount returns the number of running tasks.
func (tr *TaskRegistry) ActiveCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.active)
}

// ReapFinished drops retained outcomes of finished tasks and returns the
// session IDs that were removed, so callers can release per-session
// resources held elsewhere.
func (tr *TaskRegistry) ReapFinished() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if len(tr.finished) == 0 {
		return nil
	}
	reaped := make([]string, 0, len(tr.finished))
	for sessionID := range tr.finished {
		reaped = append(reaped, sessionID)
	}
	tr.finished = make(map[string]TaskStatus)
	return reaped
}

func (tr *TaskRegistry) remove(handle *taskHandle, runErr, ctxErr error) {
	outcome := OutcomeCompleted
	switch {
	case errors.Is(ctxErr, context.Canceled):
		outcome = OutcomeCancelled
	case runErr != nil:
		outcome = OutcomeFailed
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	// Only remove the handle we own. A replacement could already be
	// registered if the reaper raced a resubmit.
	if current, exists := tr.active[handle.sessionID]; exists && current == handle {
		delete(tr.active, handle.sessionID)
	}
	tr.finished[handle.sessionID] = TaskStatus{
		Outcome:    outcome,
		StartedAt:  handle.startedAt,
		FinishedAt: time.Now(),
	}
}
