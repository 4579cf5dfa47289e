// Package vcs is the narrow git collaborator the Checkpoint Manager,
// Preflight Runner and Session Orchestrator depend on: capturing the
// current ref, resetting to
// a ref, checking for a clean working tree, and committing the current
// tree. It shells out to git via internal/tactile rather than linking a
// git-plumbing library, matching the teacher's own exec-based approach to
// VCS operations.
package vcs

import (
	"context"
	"fmt"
	"strings"

	"ratchet/internal/tactile"
)

// Repo wraps a working directory under git.
type Repo struct {
	dir      string
	executor *tactile.SafeExecutor
}

// Open returns a Repo rooted at dir. It does not itself verify dir is a
// git repository; callers needing that guarantee should call CurrentRef
// and check the error.
func Open(dir string) *Repo {
	return &Repo{dir: dir, executor: tactile.NewSafeExecutor()}
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	out, err := r.executor.Execute(ctx, tactile.ShellCommand{
		Binary:           "git",
		Arguments:        args,
		WorkingDirectory: r.dir,
		TimeoutSeconds:   30,
	})
	return strings.TrimSpace(out), err
}

// CurrentRef returns the full commit hash of HEAD.
func (r *Repo) CurrentRef(ctx context.Context) (string, error) {
	ref, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("vcs: rev-parse HEAD: %w", err)
	}
	return ref, nil
}

// IsClean reports whether the working tree has no uncommitted changes
// (porcelain status is empty). It does not look at HEAD; see IsDetached.
func (r *Repo) IsClean(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("vcs: status: %w", err)
	}
	return out == "", nil
}

// IsDetached reports whether HEAD is a detached ref (not on a named
// branch).
func (r *Repo) IsDetached(ctx context.Context) (bool, error) {
	_, err := r.run(ctx, "symbolic-ref", "-q", "HEAD")
	if err != nil {
		return true, nil
	}
	return false, nil
}

// ResetHard resets the working tree and index to ref, discarding all
// uncommitted changes. Used by rollback.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	if _, err := r.run(ctx, "reset", "--hard", ref); err != nil {
		return fmt.Errorf("vcs: reset --hard %s: %w", ref, err)
	}
	if _, err := r.run(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("vcs: clean -fd: %w", err)
	}
	return nil
}

// CommitAll stages every change in the tree and commits with message.
// Returns the new commit's hash.
func (r *Repo) CommitAll(ctx context.Context, message string) (string, error) {
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return "", fmt.Errorf("vcs: add -A: %w", err)
	}
	if _, err := r.run(ctx, "commit", "-m", message, "--allow-empty"); err != nil {
		return "", fmt.Errorf("vcs: commit: %w", err)
	}
	return r.CurrentRef(ctx)
}

// Pull attempts a fast-forward pull. Used on commit conflict before a
// single retry.
func (r *Repo) Pull(ctx context.Context) error {
	if _, err := r.run(ctx, "pull", "--ff-only"); err != nil {
		return fmt.Errorf("vcs: pull --ff-only: %w", err)
	}
	return nil
}
