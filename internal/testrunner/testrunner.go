// Package testrunner executes the project's test suite and lints for the
// Preflight Runner's baseline-green check and the Verification Engine's
// feature-test and regression-scan steps. Project-type detection follows
// the teacher's detectTestCommand sniffing (internal/campaign/checkpoint.go,
// codenerd), generalized from a pass/fail count into per-test ids, since
// the baseline and verification data model need individual test identity
// rather than a tally.
package testrunner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ratchet/internal/logging"
	"ratchet/internal/tactile"
)

// Runner shells out to the project's own test tooling via tactile, never
// linking a test framework directly.
type Runner struct {
	Workspace string
	Executor  *tactile.SafeExecutor
	Timeout   int // seconds; 0 = tactile's default
}

// New returns a Runner rooted at workspace.
func New(workspace string) *Runner {
	return &Runner{Workspace: workspace, Executor: tactile.NewSafeExecutor(), Timeout: 300}
}

// goTestEvent mirrors the subset of `go test -json`'s TestEvent struct this
// package reads: https://pkg.go.dev/cmd/test2json.
type goTestEvent struct {
	Action  string `json:"Action"`
	Package string `json:"Package"`
	Test    string `json:"Test"`
}

func (e goTestEvent) id() string {
	if e.Test == "" {
		return ""
	}
	return e.Package + "." + e.Test
}

// isGoProject reports whether workspace looks like a Go module, the only
// project type this package actually executes; any other workspace
// (npm, cargo, pytest, ...) is surfaced as ErrUnsupportedProjectType rather
// than guessed at, since this engine ships no JSON test-event parser for
// those toolchains.
func (r *Runner) isGoProject() bool {
	_, err := os.Stat(filepath.Join(r.Workspace, "go.mod"))
	return err == nil
}

// ErrUnsupportedProjectType is returned when the workspace isn't a
// recognized Go module.
var ErrUnsupportedProjectType = fmt.Errorf("testrunner: only go.mod projects are supported")

func (r *Runner) runGoTestJSON(ctx context.Context, pattern string) ([]goTestEvent, error) {
	if !r.isGoProject() {
		return nil, ErrUnsupportedProjectType
	}
	args := []string{"test", "-json"}
	if pattern != "" {
		args = append(args, "-run", pattern)
	}
	args = append(args, "./...")

	output, err := r.Executor.Execute(ctx, tactile.ShellCommand{
		Binary:           "go",
		Arguments:        args,
		WorkingDirectory: r.Workspace,
		TimeoutSeconds:   r.Timeout,
	})
	// `go test` exits non-zero when any test fails; that is expected input
	// here, not a tool failure, so only a genuinely empty output (the
	// binary never ran) is treated as an error.
	if err != nil && output == "" {
		return nil, fmt.Errorf("testrunner: go test: %w", err)
	}

	var events []goTestEvent
	scanner := bufio.NewScanner(bytes.NewBufferString(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // non-JSON line (go build noise); skip rather than abort
		}
		events = append(events, ev)
	}
	return events, nil
}

// RunSuite executes the full test suite and returns every test id that
// passed, feeding the Preflight baseline-green check and the Verification
// Engine's regression scan.
func (r *Runner) RunSuite(ctx context.Context) ([]string, error) {
	events, err := r.runGoTestJSON(ctx, "")
	if err != nil {
		return nil, err
	}
	return passingIDs(events), nil
}

// RunTest executes a single test by name and reports whether it passed.
// testRef is matched as an exact `go test -run` anchor.
func (r *Runner) RunTest(ctx context.Context, testRef string) (bool, error) {
	if testRef == "" {
		return false, fmt.Errorf("testrunner: empty test ref")
	}
	events, err := r.runGoTestJSON(ctx, "^"+testRef+"$")
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.Action == "pass" && strings.HasSuffix(ev.id(), "."+testRef) {
			return true, nil
		}
	}
	return false, nil
}

func passingIDs(events []goTestEvent) []string {
	passed := make(map[string]bool)
	failed := make(map[string]bool)
	for _, ev := range events {
		id := ev.id()
		if id == "" {
			continue
		}
		switch ev.Action {
		case "pass":
			passed[id] = true
		case "fail":
			failed[id] = true
		}
	}
	ids := make([]string, 0, len(passed))
	for id := range passed {
		if !failed[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// RunLint runs golangci-lint in JSON mode and counts findings. A missing
// golangci-lint binary is reported as zero findings with a warning log
// rather than a hard failure, since lint is advisory input to the
// Verification Engine's accept decision, not a gate on its own.
func (r *Runner) RunLint(ctx context.Context) (int, error) {
	output, err := r.Executor.Execute(ctx, tactile.ShellCommand{
		Binary:           "golangci-lint",
		Arguments:        []string{"run", "--out-format", "json"},
		WorkingDirectory: r.Workspace,
		TimeoutSeconds:   r.Timeout,
	})
	if err != nil && output == "" {
		logging.VerifyWarn("golangci-lint unavailable or produced no output: %v", err)
		return 0, nil
	}

	var report struct {
		Issues []json.RawMessage `json:"Issues"`
	}
	if jsonErr := json.Unmarshal([]byte(output), &report); jsonErr != nil {
		logging.VerifyWarn("could not parse golangci-lint output: %v", jsonErr)
		return 0, nil
	}
	return len(report.Issues), nil
}
