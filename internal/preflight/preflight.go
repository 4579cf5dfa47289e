// Package preflight is the Preflight Runner: the ordered gate that must
// pass before any agent is launched. Any failure short-circuits the
// remaining checks and the orchestrator refuses to launch.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ratchet/internal/baseline"
	"ratchet/internal/logging"
	"ratchet/internal/tactile"
	"ratchet/internal/vcs"
)

// CheckName identifies one of the seven ordered gate checks.
type CheckName string

const (
	CheckWorkdir       CheckName = "workdir"
	CheckArtifacts     CheckName = "artifacts"
	CheckVCSClean      CheckName = "vcs_clean"
	CheckEnvInit       CheckName = "env_init"
	CheckHealthProbe   CheckName = "health_probe"
	CheckBaselineGreen CheckName = "baseline_green"
	CheckBudget        CheckName = "budget"
)

// Result is the outcome of one Run.
type Result struct {
	Passed             bool
	FailedAt           CheckName
	Reason             string
	FailedTests        []string // set only by CheckBaselineGreen
	ExternalMutations  []string // paths the MutationWatcher saw change since the last Run
}

// HealthProbe checks the running environment is reachable.
type HealthProbe func(ctx context.Context) error

// BaselineRunner executes the baseline suite and returns the ids that
// currently pass.
type BaselineRunner func(ctx context.Context) (passingTestIDs []string, err error)

// BudgetCheck reports whether the projected session cost fits the
// remaining budget.
type BudgetCheck func() (fits bool, reason string)

// Config wires every collaborator the gate consults.
type Config struct {
	WorkspaceRoot     string
	RequiredArtifacts []string // absolute paths that must exist
	InitHook          string   // executable path, empty = skip
	ResetHook         string   // executable path, empty = skip
	ResetRetryCap     int
	HealthProbe       HealthProbe
	Baseline          *baseline.Store
	RunBaselineSuite  BaselineRunner
	Budget            BudgetCheck
	Repo              *vcs.Repo
	Watcher           *MutationWatcher // optional; observes externally-authored state-dir mutations between sessions
}

// Runner executes the seven ordered preflight checks.
type Runner struct {
	cfg      Config
	executor *tactile.SafeExecutor
}

// NewRunner returns a Runner for cfg.
func NewRunner(cfg Config) *Runner {
	if cfg.ResetRetryCap == 0 {
		cfg.ResetRetryCap = 2
	}
	return &Runner{cfg: cfg, executor: tactile.NewSafeExecutor()}
}

// Run executes all seven checks in order, stopping at the first failure.
// Before gating, it drains any pending MutationWatcher observations; an
// external mutation never fails the gate on its own but is surfaced on
// every Result so the caller can decide whether to treat it as suspicious.
func (r *Runner) Run(ctx context.Context) Result {
	var externalMutations []string
	if r.cfg.Watcher != nil {
		externalMutations = r.cfg.Watcher.Drain()
		if len(externalMutations) > 0 {
			logging.PreflightWarn("state dir mutated externally since last preflight: %v", externalMutations)
		}
	}

	res := r.runChecks(ctx)
	res.ExternalMutations = externalMutations
	return res
}

func (r *Runner) runChecks(ctx context.Context) Result {
	if res := r.checkWorkdir(); !res.Passed {
		return res
	}
	if res := r.checkArtifacts(); !res.Passed {
		return res
	}
	if res := r.checkVCSClean(ctx); !res.Passed {
		return res
	}
	if res := r.checkEnvInit(ctx); !res.Passed {
		return res
	}
	if res := r.checkHealthProbe(ctx); !res.Passed {
		return res
	}
	if res := r.checkBaselineGreen(ctx); !res.Passed {
		return res
	}
	if res := r.checkBudget(); !res.Passed {
		return res
	}

	logging.Preflight("all checks passed")
	return Result{Passed: true}
}

func fail(name CheckName, reason string) Result {
	logging.PreflightWarn("check %s failed: %s", name, reason)
	return Result{Passed: false, FailedAt: name, Reason: reason}
}

func (r *Runner) checkWorkdir() Result {
	info, err := os.Stat(r.cfg.WorkspaceRoot)
	if err != nil {
		return fail(CheckWorkdir, fmt.Sprintf("workspace root %s: %v", r.cfg.WorkspaceRoot, err))
	}
	if !info.IsDir() {
		return fail(CheckWorkdir, fmt.Sprintf("workspace root %s is not a directory", r.cfg.WorkspaceRoot))
	}
	return Result{Passed: true}
}

func (r *Runner) checkArtifacts() Result {
	for _, path := range r.cfg.RequiredArtifacts {
		if _, err := os.Stat(path); err != nil {
			return fail(CheckArtifacts, fmt.Sprintf("missing required artifact %s", path))
		}
	}
	return Result{Passed: true}
}

func (r *Runner) checkVCSClean(ctx context.Context) Result {
	if r.cfg.Repo == nil {
		return Result{Passed: true}
	}
	detached, err := r.cfg.Repo.IsDetached(ctx)
	if err != nil {
		return fail(CheckVCSClean, err.Error())
	}
	if detached {
		return fail(CheckVCSClean, "HEAD is detached")
	}
	clean, err := r.cfg.Repo.IsClean(ctx)
	if err != nil {
		return fail(CheckVCSClean, err.Error())
	}
	if !clean {
		return fail(CheckVCSClean, "working tree has uncommitted changes")
	}
	return Result{Passed: true}
}

func (r *Runner) runHook(ctx context.Context, hookPath string) error {
	if hookPath == "" {
		return nil
	}
	_, err := r.executor.Execute(ctx, tactile.ShellCommand{
		Binary:           hookPath,
		WorkingDirectory: r.cfg.WorkspaceRoot,
		TimeoutSeconds:   120,
	})
	return err
}

func (r *Runner) checkEnvInit(ctx context.Context) Result {
	if err := r.runHook(ctx, r.cfg.InitHook); err == nil {
		return Result{Passed: true}
	}

	for attempt := 1; attempt <= r.cfg.ResetRetryCap; attempt++ {
		logging.PreflightWarn("init hook failed, invoking reset hook (attempt %d/%d)", attempt, r.cfg.ResetRetryCap)
		if err := r.runHook(ctx, r.cfg.ResetHook); err != nil {
			continue
		}
		if err := r.runHook(ctx, r.cfg.InitHook); err == nil {
			return Result{Passed: true}
		}
	}

	return fail(CheckEnvInit, fmt.Sprintf("init hook failed after %d reset attempts", r.cfg.ResetRetryCap))
}

func (r *Runner) checkHealthProbe(ctx context.Context) Result {
	if r.cfg.HealthProbe == nil {
		return Result{Passed: true}
	}
	if err := r.cfg.HealthProbe(ctx); err != nil {
		return fail(CheckHealthProbe, err.Error())
	}
	return Result{Passed: true}
}

func (r *Runner) checkBaselineGreen(ctx context.Context) Result {
	if r.cfg.RunBaselineSuite == nil || r.cfg.Baseline == nil {
		return Result{Passed: true}
	}

	currentPassing, err := r.cfg.RunBaselineSuite(ctx)
	if err != nil {
		return fail(CheckBaselineGreen, fmt.Sprintf("baseline suite execution: %v", err))
	}

	diff := r.cfg.Baseline.DiffAgainst(currentPassing)
	if diff.HasRegressions() {
		res := fail(CheckBaselineGreen, fmt.Sprintf("%d baseline tests failing before agent launch: %v", len(diff.Regressions), diff.Regressions))
		res.FailedTests = diff.Regressions
		return res
	}
	return Result{Passed: true}
}

func (r *Runner) checkBudget() Result {
	if r.cfg.Budget == nil {
		return Result{Passed: true}
	}
	fits, reason := r.cfg.Budget()
	if !fits {
		return fail(CheckBudget, reason)
	}
	return Result{Passed: true}
}

// RequiredArtifactPaths returns the conventional set of required artifact
// paths for a workspace root, per spec.md §4.5 check 2.
func RequiredArtifactPaths(root string) []string {
	return []string{
		filepath.Join(root, "catalog.yaml"),
		filepath.Join(root, "narrative.md"),
		filepath.Join(root, ".ratchet"),
	}
}
