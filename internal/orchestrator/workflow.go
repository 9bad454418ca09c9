package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentbrowser/toolgen/internal/events"
	"github.com/agentbrowser/toolgen/internal/orchestrator/config"
)

// runWorkflow drives one session from pending to a terminal state. Every
// exit path records a terminal status; cancellation is recorded as failed
// with the canonical cancellation message.
func (o *Orchestrator) runWorkflow(ctx context.Context, session *Session) error {
	o.logger.Info("workflow started",
		"session_id", session.ID,
		"job_id", session.JobID)

	if err := o.transition(session.ID, StatusImplementing, ""); err != nil {
		return o.fail(ctx, session, err)
	}

	handle, err := o.backend.Submit(ctx, session.ID, BuildPrompt(session))
	if err != nil {
		return o.fail(ctx, session, fmt.Errorf("submitting to generation backend: %w", err))
	}
	// Backends that track per-run state get to release it once the
	// workflow no longer polls the handle.
	if releaser, ok := o.backend.(interface{ Forget(BackendHandle) }); ok {
		defer releaser.Forget(handle)
	}

	status, err := o.awaitBackend(ctx, session, handle)
	if err != nil {
		return o.fail(ctx, session, err)
	}
	if status.Err != nil {
		return o.fail(ctx, session, status.Err)
	}

	// Persist artifacts before the terminal transition so a completed
	// session always carries its tools.
	for _, tool := range status.Tools {
		if err := o.appendTool(session.ID, tool); err != nil {
			return o.fail(ctx, session, fmt.Errorf("recording generated tool %s: %w", tool.Name, err))
		}
	}

	if err := o.transition(session.ID, StatusCompleted, ""); err != nil {
		return o.fail(ctx, session, err)
	}

	o.bus.Publish(session.ID, events.Event{
		Type:      events.TypeToolsGenerated,
		SessionID: session.ID,
		Payload: map[string]any{
			"job_id":     session.JobID,
			"tool_count": len(status.Tools),
		},
	})

	o.logger.Info("workflow completed",
		"session_id", session.ID,
		"job_id", session.JobID,
		"tools", len(status.Tools))
	return nil
}

// awaitBackend polls the generation backend until it reaches a terminal
// phase, the context ends, or the poll ceiling passes. Progress changes are
// republished to the session's subscribers.
func (o *Orchestrator) awaitBackend(ctx context.Context, session *Session, handle BackendHandle) (BackendStatus, error) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(o.cfg.PollCeiling)
	defer deadline.Stop()

	var lastProgress string
	for {
		select {
		case <-ctx.Done():
			return BackendStatus{}, ctx.Err()
		case <-deadline.C:
			return BackendStatus{}, fmt.Errorf("generation backend did not finish within %s", o.cfg.PollCeiling)
		case <-ticker.C:
		}

		status, err := o.backend.Poll(handle)
		if err != nil {
			return BackendStatus{}, fmt.Errorf("polling generation backend: %w", err)
		}

		if status.Progress != "" && status.Progress != lastProgress {
			lastProgress = status.Progress
			o.bus.Publish(session.ID, events.Event{
				Type:      events.TypeAgentProgress,
				SessionID: session.ID,
				Payload:   map[string]any{"message": status.Progress},
			})
		}

		if status.Phase == BackendCompleted || status.Phase == BackendFailed {
			return status, nil
		}
	}
}

// fail records the terminal failed status. A context cancellation maps to
// the canonical cancellation message; everything else keeps the cause.
// A persist failure of the terminal transition itself is log-only, since
// there is nothing left to abort.
func (o *Orchestrator) fail(ctx context.Context, session *Session, cause error) error {
	message := cause.Error()
	if errors.Is(cause, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		message = cancelledMessage
	}

	o.logger.Warn("workflow failed",
		"session_id", session.ID,
		"job_id", session.JobID,
		"error", message)

	if err := o.transition(session.ID, StatusFailed, message); err != nil {
		o.logger.Error("terminal transition not persisted",
			"session_id", session.ID,
			"error", err)
	}
	return cause
}

// appendTool persists one artifact outside the workflow context so it
// cannot be lost to a late cancellation.
func (o *Orchestrator) appendTool(sessionID string, tool GeneratedTool) error {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultStoreOpTimeout)
	defer cancel()
	return o.store.AppendGeneratedTool(ctx, sessionID, tool)
}
