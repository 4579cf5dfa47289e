package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ratchet/internal/logging"
	"ratchet/internal/tactile"
)

// SubprocessSession launches an external coding-agent binary and reads
// back its result from conventional files under the workspace's state
// directory, rather than speaking any particular vendor's wire protocol.
// The binary receives the prompt as a JSON file and is expected to leave
// a proposed catalog and, optionally, a transcript behind before exiting.
type SubprocessSession struct {
	Binary    string
	Arguments []string
	Workspace string
	StateDir  string
	Timeout   time.Duration
	Executor  *tactile.SafeExecutor
}

// NewSubprocessSession returns a Session that drives binary as the agent.
func NewSubprocessSession(binary, workspace, stateDir string, timeout time.Duration, args ...string) *SubprocessSession {
	return &SubprocessSession{
		Binary:    binary,
		Arguments: args,
		Workspace: workspace,
		StateDir:  stateDir,
		Timeout:   timeout,
		Executor:  tactile.NewSafeExecutor(),
	}
}

type promptFile struct {
	Kind      string `json:"kind"`
	FeatureID *int   `json:"feature_id,omitempty"`
	Narrative string `json:"narrative"`
}

type transcriptFile struct {
	Invocations []struct {
		Tool      string            `json:"tool"`
		Arguments map[string]string `json:"arguments"`
		Succeeded bool              `json:"succeeded"`
	} `json:"invocations"`
}

func (s *SubprocessSession) outDir() string {
	return filepath.Join(s.StateDir, "agent_out")
}

// Run writes prompt to a JSON scratch file, invokes the agent binary, and
// reads back whatever catalog diff and transcript it left in agent_out/.
// A missing catalog diff is not an error: it means the agent made no
// claim this turn, and the Verification Engine resolves that as no_op.
func (s *SubprocessSession) Run(ctx context.Context, prompt Prompt) (RunResult, error) {
	if err := os.MkdirAll(s.outDir(), 0755); err != nil {
		return RunResult{}, fmt.Errorf("agent: mkdir agent_out: %w", err)
	}
	for _, name := range []string{"catalog.proposed.yaml", "transcript.json"} {
		os.Remove(filepath.Join(s.outDir(), name))
	}

	promptPath := filepath.Join(s.outDir(), "prompt.json")
	data, err := json.MarshalIndent(promptFile{
		Kind:      string(prompt.Kind),
		FeatureID: prompt.FeatureID,
		Narrative: prompt.Narrative,
	}, "", "  ")
	if err != nil {
		return RunResult{}, fmt.Errorf("agent: marshal prompt: %w", err)
	}
	if err := os.WriteFile(promptPath, data, 0644); err != nil {
		return RunResult{}, fmt.Errorf("agent: write prompt: %w", err)
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	_, runErr := s.Executor.Execute(ctx, tactile.ShellCommand{
		Binary:           s.Binary,
		Arguments:        append(append([]string{}, s.Arguments...), "--prompt-file", promptPath, "--out-dir", s.outDir()),
		WorkingDirectory: s.Workspace,
		TimeoutSeconds:   int(timeout.Seconds()),
	})

	outcome := OutcomeCompleted
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		outcome = OutcomeTerminated
	case runErr != nil:
		logging.OrchestratorWarn("agent subprocess exited with error: %v", runErr)
		outcome = OutcomeQuiesced
	}

	result := RunResult{Outcome: outcome}

	if diff, err := os.ReadFile(filepath.Join(s.outDir(), "catalog.proposed.yaml")); err == nil {
		result.ProposedCatalog = diff
	}

	if raw, err := os.ReadFile(filepath.Join(s.outDir(), "transcript.json")); err == nil {
		var tf transcriptFile
		if err := json.Unmarshal(raw, &tf); err == nil {
			for _, inv := range tf.Invocations {
				result.Transcript.Invocations = append(result.Transcript.Invocations, ToolInvocation{
					Tool:      inv.Tool,
					Arguments: inv.Arguments,
					Succeeded: inv.Succeeded,
				})
			}
		}
	}

	return result, nil
}
