// Package agent defines the narrow, observational contract between the
// orchestrator and whatever external coding agent it launches. The core
// never trusts the agent's free-text claims; it only reads what the
// agent left on disk and, optionally, a structured record of the tool
// calls it made.
package agent

import (
	"context"

	"ratchet/internal/types"
)

// ToolInvocation is one entry in an agent's structured transcript: a
// single tool call it made during the session.
type ToolInvocation struct {
	Tool      string
	Arguments map[string]string
	Succeeded bool
}

// Transcript is the optional structured record a Session may return
// alongside its RunResult. Its absence is never fatal; the Verification
// Engine treats a missing or empty transcript as "no evidence" and
// proceeds to re-derive everything independently.
type Transcript struct {
	Invocations []ToolInvocation
}

// RanFeatureTest reports whether the transcript records the agent itself
// invoking testRef and observing success. Used by the Verification
// Engine's evidence-check step, a non-fatal quality signal only.
func (t Transcript) RanFeatureTest(testRef string) bool {
	for _, inv := range t.Invocations {
		if inv.Tool == "run_test" && inv.Arguments["ref"] == testRef && inv.Succeeded {
			return true
		}
	}
	return false
}

// RunOutcome says how the agent's turn ended.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "/completed" // agent declared the feature done
	OutcomeQuiesced  RunOutcome = "/quiesced"   // agent stopped responding meaningfully
	OutcomeTerminated RunOutcome = "/terminated" // monitor forced termination
)

// RunResult is everything the orchestrator learns when a Session's Run
// returns, independent of whatever the agent claims in prose.
type RunResult struct {
	Outcome         RunOutcome
	ProposedCatalog []byte // raw bytes of catalog.yaml as the agent left it; nil if untouched
	Transcript      Transcript
}

// Session is the inbound half of the agent contract: the orchestrator
// calls Run once per attempted feature and receives control back either
// when the agent finishes on its own or when ctx is cancelled by the
// Progress Monitor's forced termination.
type Session interface {
	// Run launches the agent against the given feature description and
	// blocks until it completes, quiesces, or ctx is cancelled.
	Run(ctx context.Context, prompt Prompt) (RunResult, error)
}

// Prompt describes what kind of session opening the orchestrator wants
// and which feature (if any) it is assigning.
type Prompt struct {
	Kind      types.PromptKind
	FeatureID *int
	Narrative string // accumulated narrative.md content handed to the agent for context
}
