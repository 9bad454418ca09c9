package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTaskRegistryStartAndFinish(t *testing.T) {
	tr := NewTaskRegistry(nil)
	done := make(chan struct{})

	err := tr.Start(context.Background(), "s1", func(ctx context.Context) error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	<-done
	waitNotRunning(t, tr, "s1")

	status := tr.StatusOf("s1")
	if status.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %s, want completed", status.Outcome)
	}
}

func TestTaskRegistryOneTaskPerSession(t *testing.T) {
	tr := NewTaskRegistry(nil)
	release := make(chan struct{})

	err := tr.Start(context.Background(), "s1", func(ctx context.Context) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err = tr.Start(context.Background(), "s1", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrTaskExists) {
		t.Errorf("second Start error = %v, want ErrTaskExists", err)
	}

	// A different session is unaffected.
	if err := tr.Start(context.Background(), "s2", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("Start(s2) error = %v", err)
	}

	close(release)
	waitNotRunning(t, tr, "s1")

	// After the first task finishes the session is free again.
	if err := tr.Start(context.Background(), "s1", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("Start after finish error = %v", err)
	}
}

func TestTaskRegistryCancel(t *testing.T) {
	tr := NewTaskRegistry(nil)
	started := make(chan struct{})

	err := tr.Start(context.Background(), "s1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	if err := tr.Cancel("s1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	status := tr.StatusOf("s1")
	if status.Running {
		t.Error("task still running after Cancel returned")
	}
	if status.Outcome != OutcomeCancelled {
		t.Errorf("Outcome = %s, want cancelled", status.Outcome)
	}
}

func TestTaskRegistryCancelUnknownSession(t *testing.T) {
	tr := NewTaskRegistry(nil)
	if err := tr.Cancel("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Cancel() error = %v, want ErrTaskNotFound", err)
	}
}

func TestTaskRegistryPanicRecordedAsFailed(t *testing.T) {
	tr := NewTaskRegistry(nil)

	err := tr.Start(context.Background(), "s1", func(ctx context.Context) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitNotRunning(t, tr, "s1")
	status := tr.StatusOf("s1")
	if status.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %s, want failed after panic", status.Outcome)
	}
	if tr.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", tr.ActiveCount())
	}
}

func TestTaskRegistryReapFinished(t *testing.T) {
	tr := NewTaskRegistry(nil)

	if err := tr.Start(context.Background(), "s1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitNotRunning(t, tr, "s1")

	reaped := tr.ReapFinished()
	if len(reaped) != 1 || reaped[0] != "s1" {
		t.Errorf("ReapFinished() = %v, want [s1]", reaped)
	}
	status := tr.StatusOf("s1")
	if status.Running || status.Outcome != "" {
		t.Errorf("StatusOf after reap = %+v, want zero value", status)
	}

	if reaped := tr.ReapFinished(); reaped != nil {
		t.Errorf("second ReapFinished() = %v, want nil", reaped)
	}
}

func waitNotRunning(t *testing.T, tr *TaskRegistry, sessionID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if !tr.StatusOf(sessionID).Running {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task for %s never finished", sessionID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
