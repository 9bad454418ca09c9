package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentbrowser/toolgen/internal/codegen"
	"github.com/agentbrowser/toolgen/internal/orchestrator"
	"github.com/agentbrowser/toolgen/internal/retry"
)

const planningInstructions = `You are a tool generator assistant. Turn the user's requirements into a
single implementation plan for one Python tool.

Respond with ONLY a JSON object, no prose and no code fences, shaped as:
{
  "tool_name": "snake_case_tool_name",
  "functions": [
    {
      "name": "function_name",
      "description": "what the function does",
      "params": [
        {"name": "param", "type": "str", "description": "what it is"}
      ],
      "returns": {"type": "Dict[str, Any]", "description": "what comes back"}
    }
  ]
}

Every function the user asks for must appear in "functions".`

// toolPlan is the structured output the LLM produces during planning.
type toolPlan struct {
	ToolName  string                 `json:"tool_name"`
	Functions []codegen.FunctionSpec `json:"functions"`
}

// Run is one in-flight generation run. It implements
// orchestrator.BackendHandle and carries mutex-guarded state the poll side
// snapshots.
type Run struct {
	id        string
	sessionID string

	mu       sync.Mutex
	phase    orchestrator.BackendPhase
	progress string
	tools    []orchestrator.GeneratedTool
	err      error
}

// RunID implements orchestrator.BackendHandle.
func (r *Run) RunID() string { return r.id }

func (r *Run) setProgress(msg string) {
	r.mu.Lock()
	r.progress = msg
	r.mu.Unlock()
}

func (r *Run) finish(tools []orchestrator.GeneratedTool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.phase = orchestrator.BackendFailed
		r.err = err
		return
	}
	r.phase = orchestrator.BackendCompleted
	r.tools = tools
}

func (r *Run) snapshot() orchestrator.BackendStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	tools := make([]orchestrator.GeneratedTool, len(r.tools))
	copy(tools, r.tools)
	return orchestrator.BackendStatus{
		Phase:    r.phase,
		Progress: r.progress,
		Tools:    tools,
		Err:      r.err,
	}
}

// Manager implements orchestrator.GenerationBackend. It is constructed
// explicitly and injected; there is no package-level instance.
type Manager struct {
	client    ChatClient
	generator *codegen.Generator
	logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// NewManager creates a Manager. A nil logger falls back to slog.Default.
func NewManager(client ChatClient, generator *codegen.Generator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:    client,
		generator: generator,
		logger:    logger,
		runs:      make(map[string]*Run),
	}
}

// Submit starts a generation run for the session and returns its handle. The
// run stops early when ctx is cancelled.
func (m *Manager) Submit(ctx context.Context, sessionID, prompt string) (orchestrator.BackendHandle, error) {
	if prompt == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}

	run := &Run{
		id:        uuid.NewString(),
		sessionID: sessionID,
		phase:     orchestrator.BackendPending,
		progress:  "planning tool implementation",
	}

	m.mu.Lock()
	m.runs[run.id] = run
	m.mu.Unlock()

	go m.execute(ctx, run, prompt)
	return run, nil
}

// Poll returns a snapshot of the run's state.
func (m *Manager) Poll(handle orchestrator.BackendHandle) (orchestrator.BackendStatus, error) {
	m.mu.Lock()
	run, exists := m.runs[handle.RunID()]
	m.mu.Unlock()
	if !exists {
		return orchestrator.BackendStatus{}, fmt.Errorf("unknown generation run %s", handle.RunID())
	}
	return run.snapshot(), nil
}

// Forget drops the bookkeeping for a finished run.
func (m *Manager) Forget(handle orchestrator.BackendHandle) {
	m.mu.Lock()
	delete(m.runs, handle.RunID())
	m.mu.Unlock()
}

func (m *Manager) execute(ctx context.Context, run *Run, prompt string) {
	plan, err := m.plan(ctx, prompt)
	if err != nil {
		m.logger.Error("tool planning failed",
			"session_id", run.sessionID,
			"run_id", run.id,
			"error", err)
		run.finish(nil, err)
		return
	}

	m.logger.Info("tool plan ready",
		"session_id", run.sessionID,
		"tool", plan.ToolName,
		"functions", len(plan.Functions))
	run.setProgress(fmt.Sprintf("generating code for %s", plan.ToolName))

	result, err := m.generator.Generate(ctx, plan.ToolName, plan.Functions)
	if err != nil {
		run.finish(nil, err)
		return
	}

	run.finish([]orchestrator.GeneratedTool{{
		Name:        result.ToolName,
		FileName:    result.OutputFile,
		Description: describePlan(plan),
		Code:        result.Code,
	}}, nil)
}

// plan asks the chat model for a structured implementation plan. Transient
// model errors (rate limits, timeouts) are retried with backoff.
func (m *Manager) plan(ctx context.Context, prompt string) (*toolPlan, error) {
	var raw string
	err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
		var callErr error
		raw, callErr = m.client.GetChatCompletion(ctx, planningInstructions, prompt)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("planning tool: %w", err)
	}

	plan, err := parsePlan(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing tool plan: %w", err)
	}
	return plan, nil
}

// parsePlan decodes the LLM's plan, tolerating code fences around the JSON.
func parsePlan(raw string) (*toolPlan, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var plan toolPlan
	if err := json.Unmarshal([]byte(trimmed), &plan); err != nil {
		return nil, err
	}
	if plan.ToolName == "" {
		return nil, fmt.Errorf("plan is missing tool_name")
	}
	if len(plan.Functions) == 0 {
		return nil, fmt.Errorf("plan has no functions")
	}
	return &plan, nil
}

func describePlan(plan *toolPlan) string {
	names := make([]string, len(plan.Functions))
	for i, fn := range plan.Functions {
		names[i] = fn.Name
	}
	return fmt.Sprintf("tool %s with functions: %s", plan.ToolName, strings.Join(names, ", "))
}
