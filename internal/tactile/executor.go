package tactile

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"ratchet/internal/logging"
)

// ShellCommand is a minimal command request used by callers that don't need
// the full Command/ResourceLimits shape (preflight hooks, git plumbing).
type ShellCommand struct {
	Binary           string
	Arguments        []string
	WorkingDirectory string
	TimeoutSeconds   int
	EnvironmentVars  []string
}

// SafeExecutor runs subprocesses with a binary denylist and a timeout.
// It is the only thing in this module allowed to call os/exec.
type SafeExecutor struct {
	AllowedBinaries map[string]bool
}

// NewSafeExecutor returns an executor with the default allow/deny set.
// rm is explicitly denied: nothing in this engine should ever delete files
// by shelling out, only through the checkpoint manager's own file ops.
func NewSafeExecutor() *SafeExecutor {
	return &SafeExecutor{
		AllowedBinaries: map[string]bool{
			"go":         true,
			"git":        true,
			"grep":       true,
			"ls":         true,
			"mkdir":      true,
			"rm":         false,
			"bash":       true,
			"sh":         true,
			"make":       true,
			"npm":        true,
			"pytest":     true,
			"cargo":      true,
			"golangci-lint": true,
		},
	}
}

// Execute runs cmd and returns its combined stdout+stderr. When the command
// fails, whatever output it produced is returned alongside the error.
func (e *SafeExecutor) Execute(ctx context.Context, cmd ShellCommand) (string, error) {
	timer := logging.StartTimer(logging.CategoryTactile, "subprocess execution")
	defer timer.Stop()

	logging.Tactile("executing: %s %v", cmd.Binary, cmd.Arguments)
	logging.TactileDebug("cwd=%s timeout=%ds", cmd.WorkingDirectory, cmd.TimeoutSeconds)

	if allowed, exists := e.AllowedBinaries[cmd.Binary]; exists && !allowed {
		logging.TactileError("binary denied: %s", cmd.Binary)
		return "", fmt.Errorf("binary not allowed: %s", cmd.Binary)
	}

	timeout := time.Duration(cmd.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Binary, cmd.Arguments...)
	c.Dir = cmd.WorkingDirectory
	c.Env = cmd.EnvironmentVars

	output, err := c.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			logging.TactileWarn("command timed out after %s: %s", timeout, cmd.Binary)
		} else {
			logging.TactileError("command failed: %s - %v", cmd.Binary, err)
		}
		return string(output), fmt.Errorf("command failed: %w, output: %s", err, string(output))
	}

	logging.TactileDebug("command completed: %s (output=%d bytes)", cmd.Binary, len(output))
	return string(output), nil
}

// ExecuteCommand runs cmd using the richer Command/ExecutionResult shape.
// Preflight hooks, git plumbing and the test/lint runs all call Execute.
func (e *SafeExecutor) ExecuteCommand(ctx context.Context, cmd Command) *ExecutionResult {
	legacy := ShellCommand{
		Binary:           cmd.Binary,
		Arguments:        cmd.Arguments,
		WorkingDirectory: cmd.WorkingDirectory,
		EnvironmentVars:  cmd.Environment,
	}
	if cmd.Limits != nil && cmd.Limits.TimeoutMs > 0 {
		legacy.TimeoutSeconds = int(cmd.Limits.TimeoutMs / 1000)
	}

	started := time.Now()
	output, err := e.Execute(ctx, legacy)
	result := &ExecutionResult{
		StartedAt: started,
		Duration:  time.Since(started),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			// The command ran and exited non-zero: the infrastructure succeeded.
			result.Success = true
			result.ExitCode = exitErr.ExitCode()
			result.Combined = output
			return result
		}
		result.Success = false
		result.ExitCode = -1
		result.Error = err.Error()
		result.Killed = ctx.Err() == context.DeadlineExceeded
		result.Combined = output
		return result
	}

	result.Success = true
	result.ExitCode = 0
	result.Combined = output
	return result
}
