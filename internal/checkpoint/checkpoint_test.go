package checkpoint

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ratchet/internal/types"
	"ratchet/internal/vcs"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0644))
	run("add", "-A")
	run("commit", "-m", "init", "--allow-empty")
	return dir
}

func testPaths(dir string) Paths {
	return Paths{
		CatalogPath:      filepath.Join(dir, "catalog.yaml"),
		NarrativePath:    filepath.Join(dir, "narrative.md"),
		SessionStatePath: filepath.Join(dir, ".ratchet", "session_state.json"),
		BaselinePath:     filepath.Join(dir, ".ratchet", "baseline.json"),
	}
}

func seedArtifacts(t *testing.T, dir string, paths Paths) {
	t.Helper()
	require.NoError(t, os.WriteFile(paths.CatalogPath, []byte("features: []"), 0644))
	require.NoError(t, os.WriteFile(paths.NarrativePath, []byte("narrative v1"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Dir(paths.SessionStatePath), 0755))
	require.NoError(t, os.WriteFile(paths.SessionStatePath, []byte(`{"last_session":1}`), 0644))
	require.NoError(t, os.WriteFile(paths.BaselinePath, []byte(`{"session":1,"passing":[]}`), 0644))
}

func TestCreateThenRollbackRestoresState(t *testing.T) {
	dir := initGitRepo(t)
	paths := testPaths(dir)
	seedArtifacts(t, dir, paths)

	repo := vcs.Open(dir)
	mgr := NewManager(filepath.Join(dir, ".ratchet", "checkpoints"), paths, repo)

	ctx := context.Background()
	cp, err := mgr.Create(ctx, 1, types.ReasonPreFeature, nil)
	require.NoError(t, err)

	// Mutate everything after the checkpoint, as an agent session would.
	require.NoError(t, os.WriteFile(paths.CatalogPath, []byte("features: [mutated]"), 0644))
	require.NoError(t, os.WriteFile(paths.SessionStatePath, []byte(`{"last_session":2}`), 0644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "agent changes")

	require.NoError(t, mgr.Rollback(ctx, cp.ID))

	ref, err := repo.CurrentRef(ctx)
	require.NoError(t, err)
	require.Equal(t, cp.VCSRef, ref)

	data, err := os.ReadFile(paths.CatalogPath)
	require.NoError(t, err)
	require.Equal(t, "features: []", string(data))
}

func TestPruneKeepsMostRecentPerFeature(t *testing.T) {
	dir := initGitRepo(t)
	paths := testPaths(dir)
	seedArtifacts(t, dir, paths)

	repo := vcs.Open(dir)
	mgr := NewManager(filepath.Join(dir, ".ratchet", "checkpoints"), paths, repo)
	ctx := context.Background()

	feature := 7
	var ids []string
	for i := 0; i < 5; i++ {
		cp, err := mgr.Create(ctx, i, types.ReasonPreFeature, &feature)
		require.NoError(t, err)
		ids = append(ids, cp.ID)
	}

	require.NoError(t, mgr.Prune(RetentionPolicy{KeepPerFeature: 2}))

	remaining, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}

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
