package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentbrowser/toolgen/internal/events"
	"github.com/agentbrowser/toolgen/internal/orchestrator/config"
	"github.com/agentbrowser/toolgen/internal/toolsvc"
)

// ErrNoRequirements is returned when a job is submitted without any tool
// requirements.
var ErrNoRequirements = errors.New("job has no tool requirements")

// ToolExecutor is the slice of the tool execution service the orchestrator
// needs. *toolsvc.Client satisfies it; tests substitute a stub.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, toolName string, inputs map[string]interface{}) (*toolsvc.ExecutionResult, error)
	LoadToolFile(ctx context.Context, filePath string) error
	ToolEndpoint(toolName string) string
}

// Orchestrator coordinates the full lifecycle of tool-generation jobs:
// session creation, the background workflow per session, cancellation, and
// tool execution against the hosting service.
type Orchestrator struct {
	store    SessionStore
	bus      *events.Bus
	backend  GenerationBackend
	executor ToolExecutor
	registry *TaskRegistry
	cfg      config.Config
	logger   *slog.Logger

	// rootCtx parents every workflow context so Close cancels all
	// in-flight work.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	// onSessionCreated runs after a session is persisted and before its
	// workflow starts.
	onSessionCreated func(sessionID string)
}

// New creates an Orchestrator. The executor may be nil when no tool
// execution service is configured; ExecuteTool and RegisterTool then fail.
func New(
	store SessionStore,
	bus *events.Bus,
	backend GenerationBackend,
	executor ToolExecutor,
	cfg config.Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      store,
		bus:        bus,
		backend:    backend,
		executor:   executor,
		registry:   NewTaskRegistry(logger),
		cfg:        cfg,
		logger:     logger,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// Registry exposes the task registry, mainly for the serving layer and
// periodic reaping.
func (o *Orchestrator) Registry() *TaskRegistry { return o.registry }

// OnSessionCreated registers fn to run after each new session is persisted
// and before its workflow starts. The serving layer uses it to attach event
// observers so even the first status transition is captured. Call it before
// submitting jobs; it is not synchronized against in-flight submits.
func (o *Orchestrator) OnSessionCreated(fn func(sessionID string)) {
	o.onSessionCreated = fn
}

// Close cancels all in-flight workflows. Their terminal transitions still
// persist because transitions use independent store contexts.
func (o *Orchestrator) Close() {
	o.rootCancel()
}

// newJobID mints a caller-visible job identifier.
func newJobID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// SubmitGenerateJob creates a pending session for the requirements and
// starts its workflow in the background.
func (o *Orchestrator) SubmitGenerateJob(ctx context.Context, userID string, reqs []ToolRequirement) (*JobResponse, error) {
	return o.submit(ctx, userID, OperationGenerate, "", reqs)
}

// SubmitUpdateJob creates a session that revises the tools of a prior job.
// The base job must exist.
func (o *Orchestrator) SubmitUpdateJob(ctx context.Context, userID, baseJobID string, reqs []ToolRequirement) (*JobResponse, error) {
	if _, err := o.store.GetSessionByJobID(ctx, baseJobID); err != nil {
		return nil, fmt.Errorf("looking up base job %s: %w", baseJobID, err)
	}
	return o.submit(ctx, userID, OperationUpdate, baseJobID, reqs)
}

func (o *Orchestrator) submit(ctx context.Context, userID string, op OperationType, baseJobID string, reqs []ToolRequirement) (*JobResponse, error) {
	if len(reqs) == 0 {
		return nil, ErrNoRequirements
	}

	session := &Session{
		ID:           uuid.NewString(),
		JobID:        newJobID(),
		UserID:       userID,
		Operation:    op,
		BaseJobID:    baseJobID,
		Requirements: reqs,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}

	if err := o.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	// Observers attach here so the workflow's first transition cannot
	// outrun them.
	if o.onSessionCreated != nil {
		o.onSessionCreated(session.ID)
	}

	if err := o.registry.Start(o.rootCtx, session.ID, func(taskCtx context.Context) error {
		return o.runWorkflow(taskCtx, session.Clone())
	}); err != nil {
		// The session exists but its workflow never started. Record the
		// failure so the job does not hang in pending forever.
		o.transition(session.ID, StatusFailed, fmt.Sprintf("failed to start workflow: %v", err))
		return nil, fmt.Errorf("starting workflow: %w", err)
	}

	o.logger.Info("job submitted",
		"job_id", session.JobID,
		"session_id", session.ID,
		"user_id", userID,
		"operation", op,
		"requirements", len(reqs))

	return jobResponseFromSession(session), nil
}

// GetSession returns a session by ID.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return o.store.GetSession(ctx, sessionID)
}

// GetJob returns the job view for a job ID.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*JobResponse, error) {
	session, err := o.store.GetSessionByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return jobResponseFromSession(session), nil
}

// ListSessionsByUser returns a user's sessions, newest first.
func (o *Orchestrator) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*Session, error) {
	return o.store.ListSessionsByUser(ctx, userID, limit)
}

// RecoverStaleSessions fails every non-terminal session that has no running
// task. Sessions persist across restarts but their workflow goroutines do
// not, so a crashed or restarted process calls this once on startup to keep
// orphaned jobs from sitting in an active state forever. Returns the number
// of sessions failed.
func (o *Orchestrator) RecoverStaleSessions(ctx context.Context) (int, error) {
	sessions, err := o.store.ListActiveSessions(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}

	recovered := 0
	for _, session := range sessions {
		if o.registry.StatusOf(session.ID).Running {
			continue
		}
		if err := o.transition(session.ID, StatusFailed, "workflow interrupted by service restart"); err != nil {
			return recovered, err
		}
		o.logger.Warn("stale session failed on recovery",
			"session_id", session.ID,
			"job_id", session.JobID,
			"last_status", session.Status)
		recovered++
	}
	return recovered, nil
}

// CancelSession cancels the session's running workflow and waits for its
// terminal transition. The reason is caller-facing context carried on the
// cancellation event; the session's recorded failure message stays the
// canonical one. Cancelling a session with no active task is an error the
// caller can surface.
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID, reason string) error {
	if err := o.registry.Cancel(sessionID); err != nil {
		return err
	}

	ev := events.Event{
		Type:      events.TypeSessionCancelled,
		SessionID: sessionID,
	}
	if reason != "" {
		ev.Payload = map[string]any{"reason": reason}
	}
	o.bus.Publish(sessionID, ev)

	o.logger.Info("session cancelled", "session_id", sessionID, "reason", reason)
	return nil
}

// ExecuteTool invokes a generated tool on the execution service and
// publishes the outcome to the session's subscribers.
func (o *Orchestrator) ExecuteTool(ctx context.Context, sessionID, toolName string, inputs map[string]interface{}) (*toolsvc.ExecutionResult, error) {
	if o.executor == nil {
		return nil, errors.New("no tool execution service configured")
	}
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	result, err := o.executor.ExecuteTool(ctx, toolName, inputs)
	if err != nil {
		return nil, err
	}

	o.bus.Publish(sessionID, events.Event{
		Type:      events.TypeToolExecuted,
		SessionID: sessionID,
		Payload: map[string]any{
			"tool_name":         toolName,
			"success":           result.Status == "success",
			"execution_time_ms": result.ExecutionTimeMs,
		},
	})
	return result, nil
}

// RegisterTool loads a generated tool file into the execution service,
// records its endpoint on the session, and returns that endpoint.
func (o *Orchestrator) RegisterTool(ctx context.Context, sessionID, toolName string) (string, error) {
	if o.executor == nil {
		return "", errors.New("no tool execution service configured")
	}

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	var tool *GeneratedTool
	for i := range session.GeneratedTools {
		if session.GeneratedTools[i].Name == toolName {
			tool = &session.GeneratedTools[i]
			break
		}
	}
	if tool == nil {
		return "", ErrToolNotFound
	}

	if err := o.executor.LoadToolFile(ctx, tool.FileName); err != nil {
		return "", err
	}

	endpoint := o.executor.ToolEndpoint(toolName)
	if err := o.store.SetToolRegistration(ctx, sessionID, toolName, endpoint); err != nil {
		return "", err
	}

	o.logger.Info("tool registered",
		"session_id", sessionID,
		"tool", toolName,
		"endpoint", endpoint)
	return endpoint, nil
}

// transition persists a status change and then publishes it. Persist comes
// first so no subscriber ever sees a status the store does not. The store
// context is independent of any workflow context, so terminal transitions
// survive cancellation. Persistence failures are returned so the workflow
// can abort rather than run on top of an uncommitted state; updates for
// unknown sessions are dropped.
func (o *Orchestrator) transition(sessionID string, status SessionStatus, errorMessage string) error {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultStoreOpTimeout)
	defer cancel()

	if err := o.store.UpdateStatus(ctx, sessionID, status, errorMessage); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			o.logger.Warn("status update for unknown session dropped",
				"session_id", sessionID,
				"status", status)
			return nil
		}
		o.logger.Error("failed to persist status transition",
			"session_id", sessionID,
			"status", status,
			"error", err)
		return fmt.Errorf("persisting %s transition: %w", status, err)
	}

	o.bus.Publish(sessionID, events.Event{
		Type:      events.TypeStatusUpdate,
		SessionID: sessionID,
		Status:    string(status),
		Error:     errorMessage,
	})
	return nil
}
