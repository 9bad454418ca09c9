// Package procrun runs external commands with an enforced timeout and
// distinct failure kinds so callers can tell a missing executable from a
// command that ran out of time.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// DefaultTimeout applies when a Spec does not set one.
const DefaultTimeout = 2 * time.Minute

// Spec describes one external command invocation.
type Spec struct {
	Command string
	Args    []string
	Dir     string        // working directory, empty for inherited
	Env     []string      // extra environment entries appended to os.Environ
	Timeout time.Duration // zero means DefaultTimeout
}

// Result holds the captured output of a finished command.
// Stdout and stderr are always captured in full, including on failure.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// LaunchError indicates the executable could not be located or started.
// Retrying without remediation is pointless.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TimeoutError indicates the command exceeded its timeout. The process
// group has been terminated and reaped before this error is returned.
type TimeoutError struct {
	Command string
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s timed out after %s", e.Command, e.Timeout)
}

// ExitError indicates the command ran to completion with a non-zero exit
// code. The full captured output is retained for diagnostics.
type ExitError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %s failed with exit code %d", e.Command, e.ExitCode)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsLaunchFailure reports whether err is a LaunchError.
func IsLaunchFailure(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// Runner executes external commands. The zero value is not usable; use
// NewRunner.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a runner that logs command lifecycle events.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Run executes the command described by spec and waits for it to finish.
// Exit code 0 is the only success condition. On timeout the process group
// is killed and awaited so no orphan remains; the caller gets a
// TimeoutError. A command that cannot be found or started yields a
// LaunchError. Context cancellation also terminates the process and
// returns the context error.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureCommandProcess(cmd)

	start := time.Now()
	r.logger.Debug("starting command",
		"command", spec.Command,
		"args", spec.Args,
		"timeout", timeout,
	)

	if startErr := cmd.Start(); startErr != nil {
		return nil, &LaunchError{Command: spec.Command, Err: startErr}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case <-runCtx.Done():
		terminateCommandProcess(cmd)
		<-waitCh // reap the process so nothing is orphaned
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			r.logger.Warn("command timed out",
				"command", spec.Command,
				"timeout", timeout,
			)
			return nil, &TimeoutError{
				Command: spec.Command,
				Timeout: timeout,
				Stdout:  stdout.String(),
				Stderr:  stderr.String(),
			}
		}
		return nil, ctx.Err()

	case waitErr := <-waitCh:
		result := &Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
				return result, &ExitError{
					Command:  spec.Command,
					ExitCode: result.ExitCode,
					Stdout:   result.Stdout,
					Stderr:   result.Stderr,
				}
			}
			return nil, &LaunchError{Command: spec.Command, Err: waitErr}
		}
		r.logger.Debug("command completed",
			"command", spec.Command,
			"duration_ms", result.Duration.Milliseconds(),
		)
		return result, nil
	}
}
