package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"ratchet/internal/agent"
	"ratchet/internal/baseline"
	"ratchet/internal/checklist"
	"ratchet/internal/checkpoint"
	"ratchet/internal/config"
	"ratchet/internal/eventlog"
	"ratchet/internal/monitor"
	"ratchet/internal/preflight"
	"ratchet/internal/registry"
	"ratchet/internal/types"
	"ratchet/internal/vcs"
	"ratchet/internal/verify"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

const testCatalog = `
meta:
  schema_version: 1
  project_id: demo
features:
  - id: 1
    description: parse config
    verification: /automated
    test_ref: TestParseConfig
    passing: false
    stuck_counter: 0
`

const multiFeatureCatalog = `
meta:
  schema_version: 1
  project_id: demo
features:
  - id: 1
    description: parse config
    verification: /automated
    test_ref: TestParseConfig
    passing: false
    stuck_counter: 0
  - id: 2
    description: load config
    verification: /automated
    test_ref: TestLoadConfig
    passing: false
    stuck_counter: 0
`

const hybridFeatureCatalog = `
meta:
  schema_version: 1
  project_id: demo
features:
  - id: 1
    description: deploy to staging
    verification: /hybrid
    test_ref: TestDeployStaging
    passing: false
    stuck_counter: 0
`

type fakeAgent struct {
	result agent.RunResult
	err    error
	calls  int
}

func (f *fakeAgent) Run(ctx context.Context, p agent.Prompt) (agent.RunResult, error) {
	f.calls++
	return f.result, f.err
}

func setup(t *testing.T) (*Orchestrator, string) {
	t.Helper()
	return setupWithCatalog(t, testCatalog)
}

func setupWithCatalog(t *testing.T, catalogYAML string) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "init", "--allow-empty")

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalogYAML), 0644))
	narrativePath := filepath.Join(dir, "narrative.md")
	require.NoError(t, os.WriteFile(narrativePath, []byte(""), 0644))
	stateDir := filepath.Join(dir, ".ratchet")
	require.NoError(t, os.MkdirAll(stateDir, 0755))
	sessionStatePath := filepath.Join(stateDir, "session_state.json")
	baselinePath := filepath.Join(stateDir, "baseline.json")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "seed artifacts")

	r, _, err := registry.Load([]byte(catalogYAML))
	require.NoError(t, err)

	b, err := baseline.Load(baselinePath)
	require.NoError(t, err)

	repo := vcs.Open(dir)
	cpMgr := checkpoint.NewManager(filepath.Join(stateDir, "checkpoints"), checkpoint.Paths{
		CatalogPath: catalogPath, NarrativePath: narrativePath,
		SessionStatePath: sessionStatePath, BaselinePath: baselinePath,
	}, repo)

	pf := preflight.NewRunner(preflight.Config{
		WorkspaceRoot:     dir,
		RequiredArtifacts: preflight.RequiredArtifactPaths(dir),
	})

	events, err := eventlog.Open(filepath.Join(stateDir, "events"))
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	cfg := config.Default()

	o := New(Collaborators{
		Registry:    r,
		Baseline:    b,
		Checkpoints: cpMgr,
		Preflight:   pf,
		Monitor:     monitor.NewMonitor(monitor.DefaultThresholds(), cfg.WallClockSessionTimeout.AsDuration(), 100000),
		Repo:        repo,
		Events:      events,
		Config:      cfg,
	}, Paths{
		StateDir:         stateDir,
		CatalogPath:      catalogPath,
		NarrativePath:    narrativePath,
		SessionStatePath: sessionStatePath,
	})
	return o, dir
}

func proposedCatalogBytes(t *testing.T, r *registry.Registry, featureID int) []byte {
	t.Helper()
	c := r.Catalog()
	for i := range c.Features {
		if c.Features[i].ID == featureID {
			c.Features[i].Passing = true
		}
	}
	out, err := yaml.Marshal(c)
	require.NoError(t, err)
	return out
}

func TestRunAcceptsAndCommits(t *testing.T) {
	o, _ := setup(t)
	diff := proposedCatalogBytes(t, o.c.Registry, 1)

	o.c.Agent = &fakeAgent{result: agent.RunResult{
		Outcome:         agent.OutcomeCompleted,
		ProposedCatalog: diff,
	}}
	o.c.Verify = verify.NewEngine(verify.Collaborators{
		Registry: o.c.Registry,
		Baseline: o.c.Baseline,
		RunFeature: func(ctx context.Context, testRef string) (bool, error) {
			return true, nil
		},
		RunFullSuite: func(ctx context.Context) ([]string, error) {
			return []string{"TestParseConfig"}, nil
		},
		RunLint: func(ctx context.Context) (int, error) {
			return 0, nil
		},
	})

	out, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, out.FinalState)
	assert.Equal(t, types.StatusComplete, out.SessionStatus)

	updated := o.c.Registry.Catalog()
	f, ok := updated.ByID(1)
	require.True(t, ok)
	assert.True(t, f.Passing)
}

func TestRunRejectsOnFailedFeatureTest(t *testing.T) {
	o, _ := setup(t)
	diff := proposedCatalogBytes(t, o.c.Registry, 1)

	o.c.Agent = &fakeAgent{result: agent.RunResult{
		Outcome:         agent.OutcomeCompleted,
		ProposedCatalog: diff,
	}}
	o.c.Verify = verify.NewEngine(verify.Collaborators{
		Registry: o.c.Registry,
		Baseline: o.c.Baseline,
		RunFeature: func(ctx context.Context, testRef string) (bool, error) {
			return false, nil
		},
	})

	out, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, out.FinalState)
	assert.Equal(t, types.StatusFailed, out.SessionStatus)

	updated := o.c.Registry.Catalog()
	f, ok := updated.ByID(1)
	require.True(t, ok)
	assert.False(t, f.Passing, "rejected claim must not commit the catalog diff")
	assert.Equal(t, 1, f.StuckCounter)
}

// TestRunRejectsMultipleClaimsWithoutIncrementingStuck mirrors spec.md §8
// scenario 2: a proposed catalog that flips more than one feature's passing
// bit is a protocol violation on the claim itself, not any single feature,
// so no feature's stuck counter moves.
func TestRunRejectsMultipleClaimsWithoutIncrementingStuck(t *testing.T) {
	o, _ := setupWithCatalog(t, multiFeatureCatalog)

	c := o.c.Registry.Catalog()
	for i := range c.Features {
		c.Features[i].Passing = true
	}
	diff, err := yaml.Marshal(c)
	require.NoError(t, err)

	o.c.Agent = &fakeAgent{result: agent.RunResult{
		Outcome:         agent.OutcomeCompleted,
		ProposedCatalog: diff,
	}}
	o.c.Verify = verify.NewEngine(verify.Collaborators{
		Registry: o.c.Registry,
		Baseline: o.c.Baseline,
	})

	out, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, out.FinalState)
	assert.Equal(t, types.StatusFailed, out.SessionStatus)

	updated := o.c.Registry.Catalog()
	for _, f := range updated.Features {
		assert.False(t, f.Passing, "multiple_claims must not commit any catalog diff")
		assert.Equal(t, 0, f.StuckCounter, "multiple_claims: no single feature at fault")
	}
}

func TestRunRefusesConcurrentSession(t *testing.T) {
	o, _ := setup(t)
	release, err := o.acquireLock()
	require.NoError(t, err)
	defer release()

	o.c.Agent = &fakeAgent{}
	_, err = o.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRunEscalatesOnStuckLimit(t *testing.T) {
	o, _ := setup(t)
	for i := 0; i < 3; i++ {
		_, err := o.c.Registry.IncrementStuck(1)
		require.NoError(t, err)
	}

	o.c.Agent = &fakeAgent{}
	out, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, out.FinalState)
	require.NotNil(t, out.EscalatedOn)
	assert.Equal(t, 1, *out.EscalatedOn)
}

// TestRunHoldsAtPendingChecklistThenResumesWithoutRerunningAgent mirrors
// spec.md §4.7's hybrid carve-out: every automated gate passes but the
// accept defers to an operator. The first session must pause rather than
// commit; once the operator answers, a second session must resume straight
// to verification and commit without invoking the agent again.
func TestRunHoldsAtPendingChecklistThenResumesWithoutRerunningAgent(t *testing.T) {
	o, dir := setupWithCatalog(t, hybridFeatureCatalog)
	diff := proposedCatalogBytes(t, o.c.Registry, 1)

	fa := &fakeAgent{result: agent.RunResult{
		Outcome:         agent.OutcomeCompleted,
		ProposedCatalog: diff,
	}}
	o.c.Agent = fa

	clStore, err := checklist.Load(filepath.Join(dir, ".ratchet", "checklist.json"))
	require.NoError(t, err)

	o.c.Verify = verify.NewEngine(verify.Collaborators{
		Registry: o.c.Registry,
		Baseline: o.c.Baseline,
		RunFeature: func(ctx context.Context, testRef string) (bool, error) {
			return true, nil
		},
		RunFullSuite: func(ctx context.Context) ([]string, error) {
			return []string{"TestDeployStaging"}, nil
		},
		RunLint: func(ctx context.Context) (int, error) {
			return 0, nil
		},
		Checklist: func(featureID int) (bool, bool, error) {
			a, ok, err := clStore.Take(featureID)
			if err != nil || !ok {
				return false, false, err
			}
			return a.Approved, true, nil
		},
	})

	out, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateVerifying, out.FinalState)
	assert.Equal(t, types.StatusPaused, out.SessionStatus)
	assert.Equal(t, 1, fa.calls)

	updated := o.c.Registry.Catalog()
	f, ok := updated.ByID(1)
	require.True(t, ok)
	assert.False(t, f.Passing, "pending checklist must not commit the catalog diff")

	require.NoError(t, clStore.Record(checklist.Answer{FeatureID: 1, Approved: true}))

	out, err = o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, out.FinalState)
	assert.Equal(t, types.StatusComplete, out.SessionStatus)
	assert.Equal(t, 1, fa.calls, "resumed session must not re-invoke the agent")

	updated = o.c.Registry.Catalog()
	f, ok = updated.ByID(1)
	require.True(t, ok)
	assert.True(t, f.Passing)
}
