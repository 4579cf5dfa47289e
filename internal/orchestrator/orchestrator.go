// Package orchestrator is the Session Orchestrator: the state machine
// wiring the Content Hasher, Feature Registry, Baseline Store, Checkpoint
// Manager, Preflight Runner, Progress Monitor, and Verification Engine
// together to drive exactly one session from preflight through commit or
// rollback.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ratchet/internal/agent"
	"ratchet/internal/baseline"
	"ratchet/internal/checkpoint"
	"ratchet/internal/config"
	"ratchet/internal/eventlog"
	"ratchet/internal/hashstore"
	"ratchet/internal/logging"
	"ratchet/internal/monitor"
	"ratchet/internal/preflight"
	"ratchet/internal/registry"
	"ratchet/internal/types"
	"ratchet/internal/vcs"
	"ratchet/internal/verify"
)

// State names one point in the session lifecycle.
type State string

const (
	StateIdle         State = "/idle"
	StatePreflight    State = "/preflight"
	StateSelecting    State = "/selecting"
	StateSnapshotting State = "/snapshotting"
	StateRunning      State = "/running"
	StateVerifying    State = "/verifying"
	StateCommitting   State = "/committing"
	StateRolledBack   State = "/rolled_back"
	StateEscalated    State = "/escalated"
	StateAborted      State = "/aborted"
)

// ErrAlreadyRunning is returned by Run when another session already holds
// the exclusive state-directory lock.
var ErrAlreadyRunning = errors.New("already_running")

// Collaborators wires every component the orchestrator drives.
type Collaborators struct {
	Registry    *registry.Registry
	Baseline    *baseline.Store
	Checkpoints *checkpoint.Manager
	Preflight   *preflight.Runner
	Verify      *verify.Engine
	Monitor     *monitor.Monitor
	Repo        *vcs.Repo
	Events      *eventlog.Store
	Agent       agent.Session
	Config      *config.Config
}

// Paths names the artifacts the orchestrator itself reads or writes,
// distinct from the ones its collaborators own internally.
type Paths struct {
	StateDir         string // holds the lock file
	CatalogPath      string
	NarrativePath    string
	SessionStatePath string
}

// ActivityProvider returns the current activity snapshot for the
// in-flight agent session, used by the wall-clock tick source.
type ActivityProvider func() types.ActivitySnapshot

// Outcome is the full result of one Run call.
type Outcome struct {
	FinalState     State
	SessionStatus  types.SessionStatus
	NextPrompt     types.PromptKind
	FailureDetail  string
	EscalatedOn    *int
}

// Orchestrator drives one session at a time against Collaborators.
type Orchestrator struct {
	c     Collaborators
	paths Paths
}

// New returns an Orchestrator wired to c and rooted at paths.
func New(c Collaborators, paths Paths) *Orchestrator {
	return &Orchestrator{c: c, paths: paths}
}

func (o *Orchestrator) lockPath() string {
	return filepath.Join(o.paths.StateDir, "session.lock")
}

// acquireLock takes the exclusive state-directory lock via O_EXCL, the
// same opportunistic-file-lock technique the teacher's campaign
// orchestrator uses for its own run-guard. Returns a release function.
func (o *Orchestrator) acquireLock() (func(), error) {
	if err := os.MkdirAll(o.paths.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("orchestrator: mkdir state dir: %w", err)
	}
	f, err := os.OpenFile(o.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("orchestrator: acquire lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	return func() {
		if err := os.Remove(o.lockPath()); err != nil && !os.IsNotExist(err) {
			logging.OrchestratorWarn("failed to release lock %s: %v", o.lockPath(), err)
		}
	}, nil
}

func (o *Orchestrator) loadSessionState() (*types.SessionState, error) {
	data, err := hashstore.Read(o.paths.SessionStatePath)
	if err != nil {
		return &types.SessionState{
			SchemaVersion:   1,
			NextPrompt:      types.PromptInit,
			StuckCounters:   make(map[int]int),
			TimeoutCounters: make(map[int]int),
		}, nil
	}
	var s types.SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("orchestrator: parse session state: %w", err)
	}
	if s.StuckCounters == nil {
		s.StuckCounters = make(map[int]int)
	}
	if s.TimeoutCounters == nil {
		s.TimeoutCounters = make(map[int]int)
	}
	return &s, nil
}

func (o *Orchestrator) saveSessionState(s *types.SessionState) error {
	s.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal session state: %w", err)
	}
	return hashstore.Write(o.paths.SessionStatePath, data, 0644)
}

// pendingChecklistRecord preserves a hybrid feature's already-verified
// proposed catalog across sessions while its checklist sits unanswered,
// so the next run() re-verifies instead of invoking the agent again.
type pendingChecklistRecord struct {
	CheckpointID    string `json:"checkpoint_id"`
	ProposedCatalog []byte `json:"proposed_catalog"`
	EvidencePresent bool   `json:"evidence_present"`
}

func (o *Orchestrator) pendingChecklistPath(featureID int) string {
	return filepath.Join(o.paths.StateDir, "pending_checklist", fmt.Sprintf("%d.json", featureID))
}

func (o *Orchestrator) loadPendingChecklist(featureID int) (*pendingChecklistRecord, error) {
	data, err := os.ReadFile(o.pendingChecklistPath(featureID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pending checklist: %w", err)
	}
	var rec pendingChecklistRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse pending checklist: %w", err)
	}
	return &rec, nil
}

func (o *Orchestrator) savePendingChecklist(featureID int, rec pendingChecklistRecord) error {
	path := o.pendingChecklistPath(featureID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir pending checklist dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending checklist: %w", err)
	}
	return hashstore.Write(path, data, 0644)
}

func (o *Orchestrator) deletePendingChecklist(featureID int) error {
	if err := os.Remove(o.pendingChecklistPath(featureID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (o *Orchestrator) emit(session int, level eventlog.Level, kind string, feature *int, detail map[string]any) {
	if o.c.Events == nil {
		return
	}
	if err := o.c.Events.Record(10, eventlog.Event{
		Session: session,
		Level:   level,
		Kind:    kind,
		Feature: feature,
		Detail:  detail,
	}); err != nil {
		logging.OrchestratorWarn("failed to record event %s: %v", kind, err)
	}
}

// Run executes exactly one session: preflight, feature selection,
// snapshot, agent run under monitoring, verification, and commit or
// rollback. It refuses to start a second concurrent session against the
// same state directory.
func (o *Orchestrator) Run(ctx context.Context, activity ActivityProvider) (Outcome, error) {
	release, err := o.acquireLock()
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	state := o.loadSessionStateOrPanic()
	session := state.TotalSessions + 1
	logging.Orchestrator("session %d: starting from state %s", session, StateIdle)

	timer := logging.StartTimer(logging.CategoryOrchestrator, fmt.Sprintf("session-%d", session))
	defer timer.Stop()

	// --- Preflight ---
	o.emit(session, eventlog.LevelImportant, "state_transition", nil, map[string]any{"to": string(StatePreflight)})
	pfResult := o.c.Preflight.Run(ctx)
	if !pfResult.Passed {
		o.emit(session, eventlog.LevelCritical, "preflight_failed", nil, map[string]any{"check": string(pfResult.FailedAt), "reason": pfResult.Reason})
		return o.finish(state, session, StateAborted, types.StatusFailed, pfResult.Reason, nil)
	}

	// --- Selecting ---
	o.emit(session, eventlog.LevelImportant, "state_transition", nil, map[string]any{"to": string(StateSelecting)})
	feature, err := o.c.Registry.NextReady()
	if err != nil && !errors.Is(err, registry.ErrBlockedOnDependency) {
		return Outcome{}, fmt.Errorf("orchestrator: select next feature: %w", err)
	}
	if feature == nil {
		if errors.Is(err, registry.ErrBlockedOnDependency) {
			o.emit(session, eventlog.LevelImportant, "blocked_on_dependency", nil, nil)
		} else {
			o.emit(session, eventlog.LevelImportant, "all_done", nil, nil)
		}
		return o.finish(state, session, StateIdle, types.StatusComplete, "no ready feature", nil)
	}

	limit := o.c.Config.StuckSessionsLimit
	if limit <= 0 {
		limit = 3
	}
	if feature.StuckCounter >= limit {
		o.emit(session, eventlog.LevelCritical, "escalated", &feature.ID, map[string]any{"stuck_counter": feature.StuckCounter})
		return o.finish(state, session, StateEscalated, types.StatusFailed, "stuck counter reached limit", &feature.ID)
	}

	// A hybrid feature that is still awaiting an operator's checklist
	// answer from a prior session skips straight back to re-verifying
	// the catalog change it already proposed, rather than running the
	// agent again on work it already finished.
	pending, err := o.loadPendingChecklist(feature.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: load pending checklist: %w", err)
	}

	var cp types.Checkpoint
	var proposedCatalog []byte
	var evidencePresent bool
	result := agent.RunResult{Outcome: agent.OutcomeCompleted}

	if pending != nil {
		o.emit(session, eventlog.LevelImportant, "resuming_pending_checklist", &feature.ID, nil)
		cp = types.Checkpoint{ID: pending.CheckpointID}
		proposedCatalog = pending.ProposedCatalog
		evidencePresent = pending.EvidencePresent
	} else {
		// --- Snapshotting ---
		o.emit(session, eventlog.LevelImportant, "state_transition", &feature.ID, map[string]any{"to": string(StateSnapshotting)})
		cp, err = o.c.Checkpoints.Create(ctx, session, types.ReasonPreFeature, &feature.ID)
		if err != nil {
			return Outcome{}, fmt.Errorf("orchestrator: create checkpoint: %w", err)
		}

		// --- Running ---
		o.emit(session, eventlog.LevelImportant, "state_transition", &feature.ID, map[string]any{"to": string(StateRunning)})
		runCtx, cancelRun := context.WithCancel(ctx)
		var ticks *monitor.TickSource
		if activity != nil && o.c.Monitor != nil {
			interval := o.c.Config.MonitorTickInterval.AsDuration()
			if interval <= 0 {
				interval = 30 * time.Second
			}
			ticks = monitor.StartWallClockTicks(runCtx, interval, func() {
				decision := o.c.Monitor.Evaluate(activity())
				if decision.Response == monitor.ResponseHardStop {
					logging.OrchestratorWarn("session %d: monitor hard stop: %s", session, decision.Reason)
					cancelRun()
				}
			})
		}

		promptKind := state.NextPrompt
		if promptKind == "" {
			promptKind = types.PromptCoding
		}
		var runErr error
		result, runErr = o.c.Agent.Run(runCtx, agent.Prompt{
			Kind:      promptKind,
			FeatureID: &feature.ID,
		})
		if ticks != nil {
			ticks.Stop()
		}
		cancelRun()
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return Outcome{}, fmt.Errorf("orchestrator: agent run: %w", runErr)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			// Outer caller requested shutdown; preserve state as partial and exit.
			return o.finish(state, session, StateIdle, types.StatusPartial, "interrupted", &feature.ID)
		}
		proposedCatalog = result.ProposedCatalog
		evidencePresent = result.Transcript.RanFeatureTest(feature.TestRef)
	}

	// --- Verifying (always runs, regardless of how Running ended) ---
	o.emit(session, eventlog.LevelImportant, "state_transition", &feature.ID, map[string]any{"to": string(StateVerifying)})
	verdict, err := o.c.Verify.Verify(ctx, verify.Input{
		FeatureID:       feature.ID,
		ProposedCatalog: proposedCatalog,
		EvidencePresent: evidencePresent,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: verify: %w", err)
	}
	o.emit(session, eventlog.LevelCritical, "verdict", &feature.ID, map[string]any{"verdict": string(verdict.Verdict)})

	if verdict.Verdict != types.VerdictPendingChecklist {
		if err := o.deletePendingChecklist(feature.ID); err != nil {
			logging.OrchestratorWarn("failed to clear pending checklist for feature %d: %v", feature.ID, err)
		}
	}

	switch verdict.Verdict {
	case types.VerdictAccept:
		return o.commit(ctx, state, session, feature.ID, proposedCatalog, verdict)
	case types.VerdictRegression:
		if err := o.c.Checkpoints.Rollback(ctx, cp.ID); err != nil {
			var rbErr *checkpoint.RollbackError
			if errors.As(err, &rbErr) && rbErr.Fatal {
				o.emit(session, eventlog.LevelCritical, "rollback_fatal", &feature.ID, map[string]any{"error": err.Error()})
				return Outcome{}, fmt.Errorf("orchestrator: fatal rollback failure, halting: %w", err)
			}
			return Outcome{}, fmt.Errorf("orchestrator: rollback: %w", err)
		}
		o.emit(session, eventlog.LevelCritical, "rolled_back", &feature.ID, map[string]any{"checkpoint": cp.ID, "newly_failing": verdict.NewlyFailing})
		return o.finish(state, session, StateRolledBack, types.StatusFailed, "regression detected", &feature.ID)

	case types.VerdictRejectClaim, types.VerdictNoEvidence:
		if _, err := o.c.Registry.IncrementStuck(feature.ID); err != nil {
			logging.OrchestratorWarn("failed to increment stuck counter for feature %d: %v", feature.ID, err)
		}
		return o.finish(state, session, StateIdle, types.StatusFailed, "feature test failed on independent re-run", &feature.ID)

	case types.VerdictChecklistRejected:
		if _, err := o.c.Registry.IncrementStuck(feature.ID); err != nil {
			logging.OrchestratorWarn("failed to increment stuck counter for feature %d: %v", feature.ID, err)
		}
		return o.finish(state, session, StateIdle, types.StatusFailed, "operator rejected checklist", &feature.ID)

	case types.VerdictPendingChecklist:
		// Hold here: every automated gate passed, but the accept defers
		// to an operator who has not yet answered. No catalog revert, no
		// stuck increment, no commit — the next run() will re-verify once
		// an answer is recorded.
		if err := o.savePendingChecklist(feature.ID, pendingChecklistRecord{
			CheckpointID:    cp.ID,
			ProposedCatalog: proposedCatalog,
			EvidencePresent: evidencePresent,
		}); err != nil {
			return Outcome{}, fmt.Errorf("orchestrator: save pending checklist: %w", err)
		}
		o.emit(session, eventlog.LevelImportant, "pending_checklist", &feature.ID, nil)
		return o.finish(state, session, StateVerifying, types.StatusPaused, "awaiting operator checklist", &feature.ID)

	case types.VerdictMultipleClaims, types.VerdictProtocolViolation:
		// stuck counters unchanged: a catalog-diff violation implicates the
		// agent's claim, not any single feature.
		return o.finish(state, session, StateIdle, types.StatusFailed, string(verdict.Verdict), &feature.ID)

	default: // VerdictNoOp: agent made no claim, most often context/wall-clock exhaustion
		if _, err := o.c.Registry.IncrementStuck(feature.ID); err != nil {
			logging.OrchestratorWarn("failed to increment stuck counter for feature %d: %v", feature.ID, err)
		}
		status := types.StatusPartial
		if result.Outcome == agent.OutcomeTerminated {
			status = types.StatusTimedOut
		}
		return o.finish(state, session, StateIdle, status, "no catalog change proposed", &feature.ID)
	}
}

// commit performs the Committing state's work: apply the catalog change,
// commit the VCS tree, update the baseline, and return to Idle.
func (o *Orchestrator) commit(ctx context.Context, state *types.SessionState, session, featureID int, proposedCatalog []byte, verdict types.VerificationResult) (Outcome, error) {
	o.emit(session, eventlog.LevelImportant, "state_transition", &featureID, map[string]any{"to": string(StateCommitting)})

	if err := o.c.Registry.CommitPass(featureID, proposedCatalog); err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: commit catalog pass: %w", err)
	}
	if serialized, err := o.c.Registry.Serialize(); err == nil {
		if err := hashstore.Write(o.paths.CatalogPath, serialized, 0644); err != nil {
			return Outcome{}, fmt.Errorf("orchestrator: persist catalog: %w", err)
		}
	} else {
		return Outcome{}, fmt.Errorf("orchestrator: serialize catalog: %w", err)
	}

	ref, err := o.c.Repo.CommitAll(ctx, fmt.Sprintf("feature %d: verified pass", featureID))
	if err != nil {
		if pullErr := o.c.Repo.Pull(ctx); pullErr == nil {
			ref, err = o.c.Repo.CommitAll(ctx, fmt.Sprintf("feature %d: verified pass", featureID))
		}
		if err != nil {
			o.emit(session, eventlog.LevelCritical, "vcs_conflict", &featureID, map[string]any{"error": err.Error()})
			return o.finish(state, session, StateIdle, types.StatusPaused, "vcs conflict on commit", &featureID)
		}
	}

	if err := o.c.Baseline.ReplaceWith(session, verdict.Passed, o.c.Baseline.Baseline().PreExistingFailed); err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: update baseline: %w", err)
	}

	o.emit(session, eventlog.LevelCritical, "committed", &featureID, map[string]any{"vcs_ref": ref})
	return o.finish(state, session, StateIdle, types.StatusComplete, "", &featureID)
}

// finish persists session state, computes the next prompt kind, releases
// any in-flight resources, and returns the Outcome.
func (o *Orchestrator) finish(state *types.SessionState, session int, final State, status types.SessionStatus, detail string, featureID *int) (Outcome, error) {
	state.LastSession = session
	state.TotalSessions = session
	state.LastStatus = status
	state.CurrentFeature = featureID

	if status == types.StatusComplete {
		state.ConsecutiveWins++
	} else {
		state.ConsecutiveWins = 0
	}

	catalogViolation := detail == string(types.VerdictMultipleClaims) || detail == string(types.VerdictProtocolViolation)
	if featureID != nil && status == types.StatusFailed && !catalogViolation {
		state.StuckCounters[*featureID]++
	}
	if featureID != nil && (status == types.StatusTimedOut || status == types.StatusPartial) {
		state.TimeoutCounters[*featureID]++
	}

	cleanupInterval := o.c.Config.CleanupInterval
	nextPrompt := nextPromptKind(status, state.ConsecutiveWins, cleanupInterval)
	state.NextPrompt = nextPrompt

	if err := o.saveSessionState(state); err != nil {
		return Outcome{}, err
	}

	logging.Orchestrator("session %d: final state %s, status %s, next prompt %s", session, final, status, nextPrompt)
	return Outcome{
		FinalState:    final,
		SessionStatus: status,
		NextPrompt:    nextPrompt,
		FailureDetail: detail,
		EscalatedOn:   escalatedFeature(final, featureID),
	}, nil
}

func escalatedFeature(final State, featureID *int) *int {
	if final == StateEscalated {
		return featureID
	}
	return nil
}

// nextPromptKind implements spec.md §4.8's prompt-kind decision: a
// partial/timed-out/context-exhausted ending asks for a continuation;
// every cleanupInterval consecutive wins schedules one cleanup session;
// otherwise the next session opens fresh.
func nextPromptKind(status types.SessionStatus, consecutiveWins, cleanupInterval int) types.PromptKind {
	switch status {
	case types.StatusPartial, types.StatusTimedOut:
		return types.PromptContinuation
	}
	if cleanupInterval > 0 && consecutiveWins > 0 && consecutiveWins%cleanupInterval == 0 {
		return types.PromptCleanup
	}
	return types.PromptCoding
}

func (o *Orchestrator) loadSessionStateOrPanic() *types.SessionState {
	s, err := o.loadSessionState()
	if err != nil {
		// A corrupt session-state file is an operator problem, not a
		// recoverable runtime one; surface it loudly rather than silently
		// starting from a fresh counter that could replay a finished
		// feature.
		panic(fmt.Sprintf("orchestrator: cannot continue with corrupt session state: %v", err))
	}
	return s
}
