// Package verify is the Verification Engine, the core's seat of
// authority: given a feature id the agent claims complete and the on-disk
// state it left behind, it produces a verdict independent of the agent's
// self-report. No step trusts the agent's transcript as proof; every
// accept is re-derived from re-running real commands.
package verify

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"ratchet/internal/baseline"
	"ratchet/internal/logging"
	"ratchet/internal/registry"
	"ratchet/internal/types"
)

// RevertPolicy controls what happens to the agent's file edits when step 3
// (feature test re-run) rejects the claim. spec.md §9 leaves this an open
// question and names RevertBitOnly as its chosen default.
type RevertPolicy int

const (
	// RevertBitOnly reverts only the catalog's passing bit, leaving the
	// agent's tree edits in place so the next session's continuation
	// prompt can see the work in progress.
	RevertBitOnly RevertPolicy = iota
	// RevertBitAndTree additionally discards the agent's tree edits.
	RevertBitAndTree
)

// FeatureTestRunner executes a single feature's declared test artifact in
// a fresh invocation.
type FeatureTestRunner func(ctx context.Context, testRef string) (passed bool, err error)

// FullSuiteRunner executes the entire test suite and returns the set of
// test ids that passed.
type FullSuiteRunner func(ctx context.Context) (passingTestIDs []string, err error)

// LintRunner runs the configured lint pass and returns a finding count.
type LintRunner func(ctx context.Context) (findings int, err error)

// TreeReverter discards the agent's uncommitted tree edits. Used only
// under RevertBitAndTree.
type TreeReverter func(ctx context.Context) error

// ChecklistTaker returns and consumes a hybrid feature's pending
// operator answer, if one has been recorded. answered is false when no
// operator has responded yet.
type ChecklistTaker func(featureID int) (approved bool, answered bool, err error)

// Collaborators wires every external dependency the engine needs to
// re-derive truth on its own.
type Collaborators struct {
	Registry     *registry.Registry
	Baseline     *baseline.Store
	RunFeature   FeatureTestRunner
	RunFullSuite FullSuiteRunner
	RunLint      LintRunner
	RevertTree   TreeReverter
	Policy       RevertPolicy
	Checklist    ChecklistTaker
}

// Input describes one verification pass: the feature the agent claims
// complete, the catalog bytes it left proposing that claim, and whether
// the agent's transcript recorded it running the test itself.
type Input struct {
	FeatureID       int
	ProposedCatalog []byte // empty means the agent made no claim at all
	EvidencePresent bool
}

// Engine runs the six-step ordered decision procedure.
type Engine struct {
	c Collaborators
}

// NewEngine returns an Engine wired to c.
func NewEngine(c Collaborators) *Engine {
	return &Engine{c: c}
}

// Verify runs steps 1-6 of the decision procedure in order, stopping and
// returning the first non-accept verdict it reaches.
func (e *Engine) Verify(ctx context.Context, in Input) (types.VerificationResult, error) {
	if len(in.ProposedCatalog) == 0 {
		logging.Verify("no catalog change proposed: verdict no_op")
		return types.VerificationResult{FeatureID: in.FeatureID, Verdict: types.VerdictNoOp}, nil
	}

	// Step 1: catalog-diff validation.
	proposed, err := e.c.Registry.ValidateDiff(in.FeatureID, in.ProposedCatalog)
	if err != nil {
		logging.VerifyWarn("catalog diff rejected: %v", err)
		var protoErr *registry.ProtocolError
		verdict := types.VerdictProtocolViolation
		if errors.As(err, &protoErr) && isMultipleClaims(protoErr) {
			verdict = types.VerdictMultipleClaims
		}
		return types.VerificationResult{FeatureID: in.FeatureID, Verdict: verdict}, nil
	}
	_ = proposed // validated; committed only at step 6 on accept

	result := types.VerificationResult{FeatureID: in.FeatureID, EvidencePresent: in.EvidencePresent}
	if !in.EvidencePresent {
		logging.VerifyWarn("feature %d: no evidence in transcript that the agent ran its own test", in.FeatureID)
	}

	// Step 3: feature test re-run.
	feature, ok := e.c.Registry.Catalog().ByID(in.FeatureID)
	if !ok {
		return types.VerificationResult{}, fmt.Errorf("verify: feature %d not in catalog", in.FeatureID)
	}

	if feature.RequiresTest() {
		passed, err := e.c.RunFeature(ctx, feature.TestRef)
		if err != nil {
			return types.VerificationResult{}, fmt.Errorf("verify: run feature test: %w", err)
		}
		if !passed {
			logging.Verify("feature %d test failed on independent re-run: reject_claim", in.FeatureID)
			if e.c.Policy == RevertBitAndTree && e.c.RevertTree != nil {
				if err := e.c.RevertTree(ctx); err != nil {
					return types.VerificationResult{}, fmt.Errorf("verify: revert tree: %w", err)
				}
			}
			result.Verdict = types.VerdictRejectClaim
			return result, nil
		}
	}

	// Steps 4 and 5 are independent re-runs; run them concurrently.
	var passingIDs []string
	var lintFindings int
	g, gctx := errgroup.WithContext(ctx)
	if e.c.RunFullSuite != nil {
		g.Go(func() error {
			ids, err := e.c.RunFullSuite(gctx)
			if err != nil {
				return fmt.Errorf("run full suite: %w", err)
			}
			passingIDs = ids
			return nil
		})
	}
	if e.c.RunLint != nil {
		g.Go(func() error {
			findings, err := e.c.RunLint(gctx)
			if err != nil {
				return fmt.Errorf("run lint: %w", err)
			}
			lintFindings = findings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.VerificationResult{}, fmt.Errorf("verify: %w", err)
	}

	result.Passed = passingIDs
	result.LintFindings = lintFindings

	if e.c.RunFullSuite != nil {
		diff := e.c.Baseline.DiffAgainst(passingIDs)
		result.NewlyFailing = diff.Regressions
		if diff.HasRegressions() {
			logging.VerifyError("feature %d: regression detected: %v", in.FeatureID, diff.Regressions)
			result.Verdict = types.VerdictRegression
			return result, nil
		}
	}

	if lintFindings > 0 {
		logging.VerifyWarn("feature %d: %d lint findings (non-blocking)", in.FeatureID, lintFindings)
	}

	// Hybrid features defer the final accept to a human-verification
	// checklist: every automated gate above has already passed, but the
	// operator still has the last word.
	if feature.Verification == types.VerificationHybrid {
		if e.c.Checklist == nil {
			logging.VerifyWarn("feature %d: hybrid verification but no checklist collaborator wired; holding pending", in.FeatureID)
			result.Verdict = types.VerdictPendingChecklist
			return result, nil
		}
		approved, answered, err := e.c.Checklist(in.FeatureID)
		if err != nil {
			return types.VerificationResult{}, fmt.Errorf("verify: checklist: %w", err)
		}
		if !answered {
			logging.Verify("feature %d: hybrid verification awaiting operator checklist", in.FeatureID)
			result.Verdict = types.VerdictPendingChecklist
			return result, nil
		}
		if !approved {
			logging.Verify("feature %d: operator rejected checklist", in.FeatureID)
			if e.c.Policy == RevertBitAndTree && e.c.RevertTree != nil {
				if err := e.c.RevertTree(ctx); err != nil {
					return types.VerificationResult{}, fmt.Errorf("verify: revert tree: %w", err)
				}
			}
			result.Verdict = types.VerdictChecklistRejected
			return result, nil
		}
	}

	// Step 6: accept. Commit is the caller's (orchestrator's)
	// responsibility once it also updates the baseline and VCS; the
	// engine only certifies the verdict.
	result.Verdict = types.VerdictAccept
	logging.Verify("feature %d: accept", in.FeatureID)
	return result, nil
}

// isMultipleClaims distinguishes the one ProtocolError variant that names a
// second concurrent claim from every other protocol violation (malformed
// diff, immutable-field tamper, backward flip), which all fall through to
// the generic protocol_violation verdict instead.
func isMultipleClaims(e *registry.ProtocolError) bool {
	return len(e.Msg) >= len("multiple_claims") && e.Msg[:len("multiple_claims")] == "multiple_claims"
}
