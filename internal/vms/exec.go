package vms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/cobalt/internal/log"
)

const (
	// maxStderrBytes caps the amount of stderr kept on an ExecutionError.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	defaultExecTimeout = 10 * time.Minute
)

// Executor runs a vmsctl argv and returns its stdout lines.
type Executor interface {
	Run(ctx context.Context, tokens []string) ([]string, error)
}

// ProcessExecutor runs vmsctl as a child process. Each Run is independent;
// callers wanting parallelism call Run from several goroutines.
type ProcessExecutor struct {
	// Binary replaces tokens[0] when set, e.g. an absolute path to vmsctl.
	Binary  string
	Timeout time.Duration
	logger  *slog.Logger
}

// NewProcessExecutor returns an executor with the given binary override and
// per-call timeout. A zero timeout uses ten minutes.
func NewProcessExecutor(binary string, timeout time.Duration) *ProcessExecutor {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return &ProcessExecutor{
		Binary:  binary,
		Timeout: timeout,
		logger:  log.WithComponent("vms.exec"),
	}
}

// Run starts the process and waits for it. The process gets SIGTERM when the
// timeout expires or ctx is cancelled, then SIGKILL after a grace period.
func (e *ProcessExecutor) Run(ctx context.Context, tokens []string) ([]string, error) {
	if len(tokens) == 0 {
		return nil, configErrorf("empty command")
	}
	program := tokens[0]
	if e.Binary != "" {
		program = e.Binary
	}

	cmd := exec.Command(program, tokens[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{Program: program, ExitCode: -1, Err: fmt.Errorf("start process: %w", err)}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timer := time.NewTimer(e.Timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		e.terminate(cmd, waitErr)
		return nil, &ExecutionError{
			Program:  program,
			ExitCode: -1,
			Stderr:   truncateStderr(stderr.String()),
			Err:      fmt.Errorf("timed out after %v: %w", e.Timeout, context.DeadlineExceeded),
		}

	case <-ctx.Done():
		e.terminate(cmd, waitErr)
		return nil, &ExecutionError{
			Program:  program,
			ExitCode: -1,
			Stderr:   truncateStderr(stderr.String()),
			Err:      ctx.Err(),
		}

	case err := <-waitErr:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, &ExecutionError{
					Program:  program,
					ExitCode: exitErr.ExitCode(),
					Stderr:   truncateStderr(stderr.String()),
					Err:      err,
				}
			}
			return nil, &ExecutionError{Program: program, ExitCode: -1, Stderr: truncateStderr(stderr.String()), Err: err}
		}
		return splitLines(stdout.String()), nil
	}
}

func (e *ProcessExecutor) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process == nil {
		return
	}
	e.logger.Warn("vmsctl did not finish in time, sending SIGTERM", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		e.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
	case <-grace.C:
		e.logger.Warn("vmsctl did not exit after SIGTERM, sending SIGKILL", "pid", cmd.Process.Pid)
		if err := cmd.Process.Kill(); err != nil {
			e.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\r\n")
	if s == "" {
		return []string{}
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
