package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte("features: []"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "narrative.md"), []byte(""), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".ratchet"), 0755))
	return dir
}

func TestRunPassesAllChecksWithMinimalConfig(t *testing.T) {
	dir := seedWorkspace(t)
	r := NewRunner(Config{
		WorkspaceRoot:     dir,
		RequiredArtifacts: RequiredArtifactPaths(dir),
	})
	res := r.Run(context.Background())
	assert.True(t, res.Passed, res.Reason)
}

func TestRunFailsOnMissingWorkdir(t *testing.T) {
	r := NewRunner(Config{WorkspaceRoot: filepath.Join(t.TempDir(), "nonexistent")})
	res := r.Run(context.Background())
	assert.False(t, res.Passed)
	assert.Equal(t, CheckWorkdir, res.FailedAt)
}

func TestRunFailsOnMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(Config{
		WorkspaceRoot:     dir,
		RequiredArtifacts: RequiredArtifactPaths(dir),
	})
	res := r.Run(context.Background())
	assert.False(t, res.Passed)
	assert.Equal(t, CheckArtifacts, res.FailedAt)
}

func TestRunFailsOnHealthProbe(t *testing.T) {
	dir := seedWorkspace(t)
	r := NewRunner(Config{
		WorkspaceRoot:     dir,
		RequiredArtifacts: RequiredArtifactPaths(dir),
		HealthProbe:       func(ctx context.Context) error { return errors.New("service unreachable") },
	})
	res := r.Run(context.Background())
	assert.False(t, res.Passed)
	assert.Equal(t, CheckHealthProbe, res.FailedAt)
}

func TestRunFailsOnBudget(t *testing.T) {
	dir := seedWorkspace(t)
	r := NewRunner(Config{
		WorkspaceRoot:     dir,
		RequiredArtifacts: RequiredArtifactPaths(dir),
		Budget:            func() (bool, string) { return false, "projected cost exceeds remaining budget" },
	})
	res := r.Run(context.Background())
	assert.False(t, res.Passed)
	assert.Equal(t, CheckBudget, res.FailedAt)
}

func TestRunShortCircuitsOnFirstFailure(t *testing.T) {
	// Missing workdir should fail before ever invoking the budget check.
	called := false
	r := NewRunner(Config{
		WorkspaceRoot: filepath.Join(t.TempDir(), "missing"),
		Budget:        func() (bool, string) { called = true; return true, "" },
	})
	res := r.Run(context.Background())
	assert.False(t, res.Passed)
	assert.False(t, called, "budget check must not run after an earlier check fails")
}

func TestRunSurfacesExternalMutationsWithoutFailingTheGate(t *testing.T) {
	dir := seedWorkspace(t)
	watcher, err := WatchStateDir(dir)
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "narrative.md"), []byte("changed externally"), 0644))
	require.Eventually(t, func() bool { return len(watcher.Drain()) == 0 }, time.Second, 10*time.Millisecond,
		"drain once to flush the event that the next assertion expects Run itself to observe")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "narrative.md"), []byte("changed again"), 0644))
	time.Sleep(50 * time.Millisecond) // let fsnotify deliver before Run drains

	r := NewRunner(Config{
		WorkspaceRoot:     dir,
		RequiredArtifacts: RequiredArtifactPaths(dir),
		Watcher:           watcher,
	})
	res := r.Run(context.Background())
	assert.True(t, res.Passed)
	assert.NotEmpty(t, res.ExternalMutations)
}
