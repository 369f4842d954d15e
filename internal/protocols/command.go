package protocols

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

const defaultCommandTimeout = 30 * time.Second

// Executor runs command lines on the collector host through the system shell.
type Executor struct {
	logger zerolog.Logger
}

// NewCommandRunner creates a new local command executor
func NewCommandRunner(logger zerolog.Logger) *Executor {
	return &Executor{
		logger: logger.With().Str("component", "command_executor").Logger(),
	}
}

// Run executes commandLine and returns its standard output.
func (e *Executor) Run(ctx context.Context, commandLine string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(execCtx, "cmd.exe", "/C", commandLine)
	} else {
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", commandLine)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug().Str("command", commandLine).Msg("Executing local command")

	err := cmd.Run()

	// Check for timeout
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("command timed out after %v", timeout)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stdout.Len() > 0 {
			return stdout.String(), nil
		}
		e.logger.Warn().
			Str("command", commandLine).
			Err(err).
			Str("stderr", stderr.String()).
			Msg("Local command execution failed")
		return "", fmt.Errorf("command execution failed: %w", err)
	}
	return stdout.String(), nil
}
