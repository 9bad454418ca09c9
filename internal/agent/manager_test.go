package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentbrowser/toolgen/internal/codegen"
	"github.com/agentbrowser/toolgen/internal/orchestrator"
	"github.com/agentbrowser/toolgen/internal/procrun"
)

// stubChatClient returns a canned completion or error.
type stubChatClient struct {
	completion string
	err        error
	lastUser   string
}

func (s *stubChatClient) GetChatCompletion(ctx context.Context, system, user string) (string, error) {
	s.lastUser = user
	if s.err != nil {
		return "", s.err
	}
	return s.completion, nil
}

const validPlanJSON = `{
  "tool_name": "mol_weight",
  "functions": [
    {
      "name": "calculate",
      "description": "calculate molecular weight",
      "params": [{"name": "smiles", "type": "str", "description": "input molecule"}],
      "returns": {"type": "Dict[str, Any]", "description": "the weight"}
    }
  ]
}`

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "bare JSON", raw: validPlanJSON},
		{name: "fenced JSON", raw: "```json\n" + validPlanJSON + "\n```"},
		{name: "plain fence", raw: "```\n" + validPlanJSON + "\n```"},
		{name: "not JSON", raw: "here is your plan!", wantErr: true},
		{name: "missing tool name", raw: `{"functions":[{"name":"f"}]}`, wantErr: true},
		{name: "no functions", raw: `{"tool_name":"t","functions":[]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := parsePlan(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePlan() error = %v", err)
			}
			if plan.ToolName != "mol_weight" {
				t.Errorf("ToolName = %q", plan.ToolName)
			}
			if len(plan.Functions) != 1 || plan.Functions[0].Name != "calculate" {
				t.Errorf("Functions = %+v", plan.Functions)
			}
		})
	}
}

func newTestGenerator(t *testing.T, cliBody string) *codegen.Generator {
	t.Helper()
	dir := t.TempDir()
	cli := filepath.Join(dir, "fake-codex")
	if err := os.WriteFile(cli, []byte("#!/bin/sh\n"+cliBody+"\n"), 0o755); err != nil {
		t.Fatalf("writing fake CLI: %v", err)
	}
	return codegen.NewGenerator(codegen.Config{
		Command:        cli,
		Model:          "gpt-5",
		ToolServiceDir: filepath.Join(dir, "svc"),
		ToolsDir:       "tools",
		Timeout:        10 * time.Second,
	}, procrun.NewRunner(nil), nil)
}

func pollUntilTerminal(t *testing.T, m *Manager, handle orchestrator.BackendHandle) orchestrator.BackendStatus {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		status, err := m.Poll(handle)
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if status.Phase != orchestrator.BackendPending {
			return status
		}
		select {
		case <-deadline:
			t.Fatal("run never reached a terminal phase")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManagerSubmitProducesTool(t *testing.T) {
	client := &stubChatClient{completion: validPlanJSON}
	gen := newTestGenerator(t,
		`mkdir -p "$(dirname "$0")/svc/tools" && printf 'def calculate(): pass\n' > "$(dirname "$0")/svc/tools/mol_weight.py"`)
	m := NewManager(client, gen, nil)

	handle, err := m.Submit(context.Background(), "s1", "I need a molecular weight calculator")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	status := pollUntilTerminal(t, m, handle)
	if status.Phase != orchestrator.BackendCompleted {
		t.Fatalf("Phase = %s (err=%v), want completed", status.Phase, status.Err)
	}
	if len(status.Tools) != 1 {
		t.Fatalf("Tools = %d, want 1", len(status.Tools))
	}
	tool := status.Tools[0]
	if tool.Name != "mol_weight" {
		t.Errorf("tool Name = %q", tool.Name)
	}
	if !strings.Contains(tool.Code, "def calculate()") {
		t.Errorf("tool Code = %q", tool.Code)
	}
	if !strings.Contains(client.lastUser, "molecular weight calculator") {
		t.Errorf("planner prompt = %q, want the user requirement", client.lastUser)
	}
}

func TestManagerPlanningFailure(t *testing.T) {
	client := &stubChatClient{err: errors.New("quota exceeded")}
	gen := newTestGenerator(t, "exit 0")
	m := NewManager(client, gen, nil)

	handle, err := m.Submit(context.Background(), "s1", "a tool")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	status := pollUntilTerminal(t, m, handle)
	if status.Phase != orchestrator.BackendFailed {
		t.Fatalf("Phase = %s, want failed", status.Phase)
	}
	if status.Err == nil || !strings.Contains(status.Err.Error(), "quota exceeded") {
		t.Errorf("Err = %v, want planning cause", status.Err)
	}
	if len(status.Tools) != 0 {
		t.Errorf("failed run has %d tools, want none", len(status.Tools))
	}
}

func TestManagerGenerationFailure(t *testing.T) {
	client := &stubChatClient{completion: validPlanJSON}
	gen := newTestGenerator(t, "exit 0") // clean exit, no file written
	m := NewManager(client, gen, nil)

	handle, err := m.Submit(context.Background(), "s1", "a tool")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	status := pollUntilTerminal(t, m, handle)
	if status.Phase != orchestrator.BackendFailed {
		t.Fatalf("Phase = %s, want failed", status.Phase)
	}
	var notFound *codegen.OutputNotFoundError
	if !errors.As(status.Err, &notFound) {
		t.Errorf("Err = %v, want *codegen.OutputNotFoundError", status.Err)
	}
}

func TestManagerSubmitRejectsEmptyPrompt(t *testing.T) {
	m := NewManager(&stubChatClient{}, newTestGenerator(t, "exit 0"), nil)
	if _, err := m.Submit(context.Background(), "s1", ""); err == nil {
		t.Error("expected error for empty prompt")
	}
}

func TestManagerPollUnknownRun(t *testing.T) {
	m := NewManager(&stubChatClient{}, newTestGenerator(t, "exit 0"), nil)
	if _, err := m.Poll(fakeHandle("nope")); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestManagerForget(t *testing.T) {
	client := &stubChatClient{completion: validPlanJSON}
	gen := newTestGenerator(t, "exit 1")
	m := NewManager(client, gen, nil)

	handle, err := m.Submit(context.Background(), "s1", "a tool")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	pollUntilTerminal(t, m, handle)

	m.Forget(handle)
	if _, err := m.Poll(handle); err == nil {
		t.Error("Poll after Forget should fail")
	}
}

type fakeHandle string

func (h fakeHandle) RunID() string { return string(h) }
