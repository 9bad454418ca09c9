package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentbrowser/toolgen/internal/events"
	"github.com/agentbrowser/toolgen/internal/orchestrator"
	"github.com/agentbrowser/toolgen/internal/orchestrator/config"
	"github.com/agentbrowser/toolgen/internal/storage/memory"
)

// fakeBackend is a GenerationBackend whose terminal state the test controls.
type fakeBackend struct {
	mu        sync.Mutex
	status    orchestrator.BackendStatus
	submitted chan string
	submitErr error
}

type fakeHandle string

func (h fakeHandle) RunID() string { return string(h) }

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		status:    orchestrator.BackendStatus{Phase: orchestrator.BackendPending},
		submitted: make(chan string, 1),
	}
}

func (b *fakeBackend) Submit(ctx context.Context, sessionID, prompt string) (orchestrator.BackendHandle, error) {
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	select {
	case b.submitted <- prompt:
	default:
	}
	return fakeHandle(sessionID), nil
}

func (b *fakeBackend) Poll(handle orchestrator.BackendHandle) (orchestrator.BackendStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, nil
}

func (b *fakeBackend) finish(status orchestrator.BackendStatus) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollCeiling = 2 * time.Second
	return cfg
}

func newTestOrchestrator(t *testing.T, backend orchestrator.GenerationBackend, cfg config.Config) (*orchestrator.Orchestrator, *memory.SessionStore, *events.Bus) {
	t.Helper()
	store := memory.NewSessionStore()
	bus := events.NewBus(nil)
	orch := orchestrator.New(store, bus, backend, nil, cfg, nil)
	t.Cleanup(orch.Close)
	return orch, store, bus
}

func waitForStatus(t *testing.T, store *memory.SessionStore, sessionID string, want orchestrator.SessionStatus) *orchestrator.Session {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		session, err := store.GetSession(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if session.Status == want {
			return session
		}
		select {
		case <-deadline:
			t.Fatalf("session %s stuck at %s, want %s (error=%q)",
				sessionID, session.Status, want, session.ErrorMessage)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

var testRequirements = []orchestrator.ToolRequirement{
	{Description: "calculate molecular weight", Input: "smiles string", Output: "weight in g/mol"},
}

func TestSubmitGenerateJobHappyPath(t *testing.T) {
	backend := newFakeBackend()
	orch, store, bus := newTestOrchestrator(t, backend, testConfig())

	resp, err := orch.SubmitGenerateJob(context.Background(), "user1", testRequirements)
	if err != nil {
		t.Fatalf("SubmitGenerateJob() error = %v", err)
	}
	if !strings.HasPrefix(resp.JobID, "job_") || len(resp.JobID) != len("job_")+8 {
		t.Errorf("JobID = %q, want job_ prefix and 8 hex chars", resp.JobID)
	}
	if resp.Status != orchestrator.StatusPending {
		t.Errorf("initial Status = %s, want pending", resp.Status)
	}

	// Subscribe before the backend finishes so terminal events are seen.
	sink := events.NewChannelSink(16)
	bus.Subscribe(resp.SessionID, sink)

	waitForStatus(t, store, resp.SessionID, orchestrator.StatusImplementing)

	prompt := <-backend.submitted
	if !strings.Contains(prompt, "calculate molecular weight") {
		t.Errorf("backend prompt missing requirement text:\n%s", prompt)
	}

	backend.finish(orchestrator.BackendStatus{
		Phase: orchestrator.BackendCompleted,
		Tools: []orchestrator.GeneratedTool{
			{Name: "mol_weight", FileName: "tools/mol_weight.py", Code: "def mol_weight(): pass"},
		},
	})

	session := waitForStatus(t, store, resp.SessionID, orchestrator.StatusCompleted)
	if len(session.GeneratedTools) != 1 {
		t.Fatalf("GeneratedTools = %d, want 1", len(session.GeneratedTools))
	}
	if session.GeneratedTools[0].Name != "mol_weight" {
		t.Errorf("tool name = %q", session.GeneratedTools[0].Name)
	}
	if session.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want empty on success", session.ErrorMessage)
	}

	// The terminal status-update must arrive, and only after persistence.
	assertEventual(t, sink, func(ev events.Event) bool {
		if ev.Type != events.TypeStatusUpdate || ev.Status != string(orchestrator.StatusCompleted) {
			return false
		}
		stored, err := store.GetSession(context.Background(), resp.SessionID)
		if err != nil || stored.Status != orchestrator.StatusCompleted {
			t.Errorf("status event published before persistence: store=%v err=%v", stored, err)
		}
		return true
	})

	job, err := orch.GetJob(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Summary == nil || job.Summary.Successful != 1 {
		t.Errorf("job Summary = %+v, want 1 successful", job.Summary)
	}
}

func TestWorkflowBackendFailureLeavesNoPartialTools(t *testing.T) {
	backend := newFakeBackend()
	orch, store, _ := newTestOrchestrator(t, backend, testConfig())

	resp, err := orch.SubmitGenerateJob(context.Background(), "user1", testRequirements)
	if err != nil {
		t.Fatalf("SubmitGenerateJob() error = %v", err)
	}

	backend.finish(orchestrator.BackendStatus{
		Phase: orchestrator.BackendFailed,
		Err:   errors.New("command codex timed out after 5m0s"),
	})

	session := waitForStatus(t, store, resp.SessionID, orchestrator.StatusFailed)
	if !strings.Contains(session.ErrorMessage, "timed out") {
		t.Errorf("ErrorMessage = %q, want timeout cause preserved", session.ErrorMessage)
	}
	if len(session.GeneratedTools) != 0 {
		t.Errorf("failed session has %d tools, want none", len(session.GeneratedTools))
	}
}

func TestWorkflowPollCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.PollCeiling = 30 * time.Millisecond

	backend := newFakeBackend() // never finishes
	orch, store, _ := newTestOrchestrator(t, backend, cfg)

	resp, err := orch.SubmitGenerateJob(context.Background(), "user1", testRequirements)
	if err != nil {
		t.Fatalf("SubmitGenerateJob() error = %v", err)
	}

	session := waitForStatus(t, store, resp.SessionID, orchestrator.StatusFailed)
	if !strings.Contains(session.ErrorMessage, "did not finish within") {
		t.Errorf("ErrorMessage = %q, want poll ceiling message", session.ErrorMessage)
	}
}

func TestCancelSessionRecordsCanonicalMessage(t *testing.T) {
	backend := newFakeBackend() // stays pending until cancelled
	orch, store, bus := newTestOrchestrator(t, backend, testConfig())

	resp, err := orch.SubmitGenerateJob(context.Background(), "user1", testRequirements)
	if err != nil {
		t.Fatalf("SubmitGenerateJob() error = %v", err)
	}

	sink := events.NewChannelSink(16)
	bus.Subscribe(resp.SessionID, sink)

	waitForStatus(t, store, resp.SessionID, orchestrator.StatusImplementing)

	if err := orch.CancelSession(context.Background(), resp.SessionID, "user requested"); err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}

	// Cancel waits for the workflow, so the terminal state is already
	// persisted when it returns.
	session, err := store.GetSession(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.Status != orchestrator.StatusFailed {
		t.Fatalf("Status = %s, want failed", session.Status)
	}
	if session.ErrorMessage != "Workflow cancelled" {
		t.Errorf("ErrorMessage = %q, want %q", session.ErrorMessage, "Workflow cancelled")
	}

	assertEventual(t, sink, func(ev events.Event) bool {
		return ev.Type == events.TypeSessionCancelled
	})
}

func TestCancelSessionWithoutActiveTask(t *testing.T) {
	backend := newFakeBackend()
	orch, store, _ := newTestOrchestrator(t, backend, testConfig())

	resp, err := orch.SubmitGenerateJob(context.Background(), "user1", testRequirements)
	if err != nil {
		t.Fatalf("SubmitGenerateJob() error = %v", err)
	}

	backend.finish(orchestrator.BackendStatus{Phase: orchestrator.BackendCompleted})
	waitForStatus(t, store, resp.SessionID, orchestrator.StatusCompleted)

	err = orch.CancelSession(context.Background(), resp.SessionID, "")
	if !errors.Is(err, orchestrator.ErrTaskNotFound) {
		t.Errorf("CancelSession after completion = %v, want ErrTaskNotFound", err)
	}

	// The completed state must be untouched.
	session, _ := store.GetSession(context.Background(), resp.SessionID)
	if session.Status != orchestrator.StatusCompleted {
		t.Errorf("Status = %s, want completed to stand", session.Status)
	}
}

// failingStore wraps the memory store and fails a configured number of
// UpdateStatus calls targeting one status.
type failingStore struct {
	*memory.SessionStore
	mu       sync.Mutex
	failOn   orchestrator.SessionStatus
	failures int
}

func (s *failingStore) UpdateStatus(ctx context.Context, sessionID string, status orchestrator.SessionStatus, errorMessage string) error {
	s.mu.Lock()
	if status == s.failOn && s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("write conflict")
	}
	s.mu.Unlock()
	return s.SessionStore.UpdateStatus(ctx, sessionID, status, errorMessage)
}

func TestWorkflowAbortsWhenTransitionPersistFails(t *testing.T) {
	store := &failingStore{
		SessionStore: memory.NewSessionStore(),
		failOn:       orchestrator.StatusImplementing,
		failures:     1,
	}
	backend := newFakeBackend()
	bus := events.NewBus(nil)
	orch := orchestrator.New(store, bus, backend, nil, testConfig(), nil)
	t.Cleanup(orch.Close)

	resp, err := orch.SubmitGenerateJob(context.Background(), "user1", testRequirements)
	if err != nil {
		t.Fatalf("SubmitGenerateJob() error = %v", err)
	}

	// The workflow must not keep running on top of the uncommitted
	// transition: it ends failed without ever reaching the backend.
	session := waitForStatus(t, store.SessionStore, resp.SessionID, orchestrator.StatusFailed)
	if !strings.Contains(session.ErrorMessage, "implementing") {
		t.Errorf("ErrorMessage = %q, want the failed transition named", session.ErrorMessage)
	}

	select {
	case prompt := <-backend.submitted:
		t.Errorf("backend was submitted to after persist failure: %q", prompt)
	default:
	}
	if len(session.GeneratedTools) != 0 {
		t.Errorf("failed session has %d tools, want none", len(session.GeneratedTools))
	}
}

func TestRecoverStaleSessionsFailsOrphans(t *testing.T) {
	store := memory.NewSessionStore()
	// A session left behind by a previous process: persisted mid-workflow
	// with no task in this process's registry.
	orphan := &orchestrator.Session{
		ID:           "orphan",
		JobID:        "job_deadbeef",
		UserID:       "user1",
		Operation:    orchestrator.OperationGenerate,
		Requirements: testRequirements,
		Status:       orchestrator.StatusPending,
	}
	if err := store.CreateSession(context.Background(), orphan); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := store.UpdateStatus(context.Background(), "orphan", orchestrator.StatusImplementing, ""); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	backend := newFakeBackend()
	bus := events.NewBus(nil)
	orch := orchestrator.New(store, bus, backend, nil, testConfig(), nil)
	t.Cleanup(orch.Close)

	// A live session with a running task must be left alone.
	live, err := orch.SubmitGenerateJob(context.Background(), "user1", testRequirements)
	if err != nil {
		t.Fatalf("SubmitGenerateJob() error = %v", err)
	}
	waitForStatus(t, store, live.SessionID, orchestrator.StatusImplementing)

	recovered, err := orch.RecoverStaleSessions(context.Background())
	if err != nil {
		t.Fatalf("RecoverStaleSessions() error = %v", err)
	}
	if recovered != 1 {
		t.Errorf("recovered = %d, want 1", recovered)
	}

	failed, _ := store.GetSession(context.Background(), "orphan")
	if failed.Status != orchestrator.StatusFailed {
		t.Errorf("orphan Status = %s, want failed", failed.Status)
	}
	if !strings.Contains(failed.ErrorMessage, "restart") {
		t.Errorf("orphan ErrorMessage = %q, want restart cause", failed.ErrorMessage)
	}

	running, _ := store.GetSession(context.Background(), live.SessionID)
	if running.Status != orchestrator.StatusImplementing {
		t.Errorf("live session Status = %s, want implementing untouched", running.Status)
	}
}

func TestSubmitJobWithoutRequirements(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, newFakeBackend(), testConfig())

	_, err := orch.SubmitGenerateJob(context.Background(), "user1", nil)
	if !errors.Is(err, orchestrator.ErrNoRequirements) {
		t.Errorf("error = %v, want ErrNoRequirements", err)
	}
}

func TestSubmitUpdateJobRequiresBaseJob(t *testing.T) {
	backend := newFakeBackend()
	orch, store, _ := newTestOrchestrator(t, backend, testConfig())

	_, err := orch.SubmitUpdateJob(context.Background(), "user1", "job_missing1", testRequirements)
	if !errors.Is(err, orchestrator.ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}

	base, err := orch.SubmitGenerateJob(context.Background(), "user1", testRequirements)
	if err != nil {
		t.Fatalf("SubmitGenerateJob() error = %v", err)
	}
	backend.finish(orchestrator.BackendStatus{Phase: orchestrator.BackendCompleted})
	waitForStatus(t, store, base.SessionID, orchestrator.StatusCompleted)

	update, err := orch.SubmitUpdateJob(context.Background(), "user1", base.JobID, testRequirements)
	if err != nil {
		t.Fatalf("SubmitUpdateJob() error = %v", err)
	}
	session, err := store.GetSession(context.Background(), update.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.Operation != orchestrator.OperationUpdate {
		t.Errorf("Operation = %s, want update", session.Operation)
	}
	if session.BaseJobID != base.JobID {
		t.Errorf("BaseJobID = %q, want %q", session.BaseJobID, base.JobID)
	}
}

func TestWorkflowPublishesAgentProgress(t *testing.T) {
	backend := newFakeBackend()
	orch, store, bus := newTestOrchestrator(t, backend, testConfig())

	resp, err := orch.SubmitGenerateJob(context.Background(), "user1", testRequirements)
	if err != nil {
		t.Fatalf("SubmitGenerateJob() error = %v", err)
	}
	sink := events.NewChannelSink(16)
	bus.Subscribe(resp.SessionID, sink)

	backend.finish(orchestrator.BackendStatus{
		Phase:    orchestrator.BackendPending,
		Progress: "generating code for mol_weight",
	})

	assertEventual(t, sink, func(ev events.Event) bool {
		return ev.Type == events.TypeAgentProgress &&
			fmt.Sprint(ev.Payload["message"]) == "generating code for mol_weight"
	})

	backend.finish(orchestrator.BackendStatus{Phase: orchestrator.BackendCompleted})
	waitForStatus(t, store, resp.SessionID, orchestrator.StatusCompleted)
}

// assertEventual reads events from the sink until pred matches or a deadline
// passes.
func assertEventual(t *testing.T, sink *events.ChannelSink, pred func(events.Event) bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sink.Events():
			if pred(ev) {
				return
			}
		case <-deadline:
			t.Fatal("expected event never arrived")
		}
	}
}
