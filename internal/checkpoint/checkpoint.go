// Package checkpoint is the Checkpoint Manager: it captures a known-good
// snapshot (VCS ref + state-file copies + content hashes) before any risky
// transition, and restores one on rollback, verifying post-restore hashes
// match what was recorded. A rollback hash mismatch is a fatal error that
// halts the engine.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"ratchet/internal/hashstore"
	"ratchet/internal/logging"
	"ratchet/internal/types"
	"ratchet/internal/vcs"
)

// RollbackError is returned when a rollback cannot be completed safely.
type RollbackError struct {
	CheckpointID string
	Msg          string
	Fatal        bool
}

func (e *RollbackError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("rollback %s: FATAL: %s", e.CheckpointID, e.Msg)
	}
	return fmt.Sprintf("rollback %s: %s", e.CheckpointID, e.Msg)
}

// Paths names the artifacts a checkpoint snapshots copies of, beyond the
// VCS ref itself.
type Paths struct {
	CatalogPath      string
	NarrativePath    string
	SessionStatePath string
	BaselinePath     string
}

// RetentionPolicy controls Prune. It is a supplemented feature: spec.md
// §4.4 names "keep the N most recent per feature and the last checkpoint
// of each successfully completed feature; prune by age" without giving the
// policy a concrete shape.
type RetentionPolicy struct {
	KeepPerFeature    int
	KeepLastOnSuccess bool
	MaxAge            time.Duration
}

// DefaultRetentionPolicy is a reasonable default for a single-developer
// project: keep the three most recent checkpoints per feature, keep each
// feature's newest checkpoint, and expire anything older than two weeks.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{KeepPerFeature: 3, KeepLastOnSuccess: true, MaxAge: 14 * 24 * time.Hour}
}

// Manager creates and restores checkpoints, one directory per checkpoint id
// directly under root.
type Manager struct {
	root  string // checkpoints base directory
	paths Paths
	repo  *vcs.Repo
}

// NewManager returns a Manager rooted at root, snapshotting the artifacts
// named by paths, using repo for VCS ref capture and reset.
func NewManager(root string, paths Paths, repo *vcs.Repo) *Manager {
	return &Manager{root: root, paths: paths, repo: repo}
}

type manifest struct {
	types.Checkpoint
	CatalogHash      string `json:"catalog_hash"`
	NarrativeHash    string `json:"narrative_hash"`
	SessionStateHash string `json:"session_state_hash"`
	BaselineHash     string `json:"baseline_hash"`
}

// Create captures the current VCS ref, hashes the catalog and narrative,
// copies session-state and baseline artifacts into a new snapshot
// directory, and writes a manifest.
func (m *Manager) Create(ctx context.Context, session int, reason types.CheckpointReason, feature *int) (types.Checkpoint, error) {
	ref, err := m.repo.CurrentRef(ctx)
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("checkpoint: capture vcs ref: %w", err)
	}

	catalogHash, err := hashstore.HashFile(m.paths.CatalogPath)
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("checkpoint: hash catalog: %w", err)
	}
	narrativeHash, err := hashstore.HashFile(m.paths.NarrativePath)
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("checkpoint: hash narrative: %w", err)
	}
	sessionStateHash, err := hashstore.HashFile(m.paths.SessionStatePath)
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("checkpoint: hash session state: %w", err)
	}
	baselineHash, err := hashstore.HashFile(m.paths.BaselinePath)
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("checkpoint: hash baseline: %w", err)
	}

	id := uuid.NewString()
	dir := filepath.Join(m.root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return types.Checkpoint{}, fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}

	if err := copyIfExists(m.paths.SessionStatePath, filepath.Join(dir, "session_state.json")); err != nil {
		return types.Checkpoint{}, err
	}
	if err := copyIfExists(m.paths.BaselinePath, filepath.Join(dir, "baseline.json")); err != nil {
		return types.Checkpoint{}, err
	}

	cp := types.Checkpoint{
		ID:            id,
		Timestamp:     time.Now(),
		Session:       session,
		VCSRef:        ref,
		CatalogHash:   catalogHash,
		NarrativeHash: narrativeHash,
		StateDir:      dir,
		Reason:        reason,
		Feature:       feature,
	}

	man := manifest{
		Checkpoint:       cp,
		CatalogHash:      catalogHash,
		NarrativeHash:    narrativeHash,
		SessionStateHash: sessionStateHash,
		BaselineHash:     baselineHash,
	}
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("checkpoint: marshal manifest: %w", err)
	}
	if err := hashstore.Write(filepath.Join(dir, "manifest.json"), data, 0644); err != nil {
		return types.Checkpoint{}, err
	}

	logging.Checkpoint("created checkpoint %s (session %d, reason %s, ref %s)", id, session, reason, ref)
	return cp, nil
}

func copyIfExists(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if err := hashstore.CopyFile(src, dst); err != nil {
		return fmt.Errorf("checkpoint: copy %s: %w", src, err)
	}
	return nil
}

func (m *Manager) loadManifest(checkpointID string) (manifest, error) {
	dir := filepath.Join(m.root, checkpointID)
	data, err := hashstore.Read(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return manifest{}, fmt.Errorf("checkpoint: read manifest %s: %w", checkpointID, err)
	}
	var man manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return manifest{}, fmt.Errorf("checkpoint: parse manifest %s: %w", checkpointID, err)
	}
	return man, nil
}

// Rollback resets the VCS to the checkpoint's recorded ref, copies the
// state files back, and verifies post-restore hashes equal the
// pre-captured hashes. A mismatch is a fatal RollbackError.
func (m *Manager) Rollback(ctx context.Context, checkpointID string) error {
	man, err := m.loadManifest(checkpointID)
	if err != nil {
		return &RollbackError{CheckpointID: checkpointID, Msg: err.Error()}
	}

	if err := m.repo.ResetHard(ctx, man.VCSRef); err != nil {
		return &RollbackError{CheckpointID: checkpointID, Msg: fmt.Sprintf("vcs reset: %v", err)}
	}

	dir := man.StateDir
	if err := restoreIfExists(filepath.Join(dir, "session_state.json"), m.paths.SessionStatePath); err != nil {
		return &RollbackError{CheckpointID: checkpointID, Msg: err.Error()}
	}
	if err := restoreIfExists(filepath.Join(dir, "baseline.json"), m.paths.BaselinePath); err != nil {
		return &RollbackError{CheckpointID: checkpointID, Msg: err.Error()}
	}

	// Catalog and narrative are restored by the VCS reset itself (they
	// live in the tracked tree); verify all four hashes now match what
	// was recorded at capture time.
	checks := []struct {
		name string
		path string
		want string
	}{
		{"catalog", m.paths.CatalogPath, man.CatalogHash},
		{"narrative", m.paths.NarrativePath, man.NarrativeHash},
		{"session_state", m.paths.SessionStatePath, man.SessionStateHash},
		{"baseline", m.paths.BaselinePath, man.BaselineHash},
	}
	for _, c := range checks {
		if err := hashstore.VerifyUnchanged(c.path, c.want); err != nil {
			logging.CheckpointError("rollback %s: post-restore hash mismatch on %s: %v", checkpointID, c.name, err)
			return &RollbackError{CheckpointID: checkpointID, Msg: fmt.Sprintf("%s hash mismatch after restore: %v", c.name, err), Fatal: true}
		}
	}

	ref, err := m.repo.CurrentRef(ctx)
	if err != nil || ref != man.VCSRef {
		return &RollbackError{CheckpointID: checkpointID, Msg: "vcs ref mismatch after reset", Fatal: true}
	}

	logging.Checkpoint("rolled back to checkpoint %s (ref %s)", checkpointID, man.VCSRef)
	return nil
}

func restoreIfExists(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if err := hashstore.CopyFile(src, dst); err != nil {
		return fmt.Errorf("restore %s -> %s: %w", src, dst, err)
	}
	return nil
}

// List returns every checkpoint manifest under root, most recent first.
func (m *Manager) List() ([]types.Checkpoint, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: list %s: %w", m.root, err)
	}

	var checkpoints []types.Checkpoint
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		man, err := m.loadManifest(e.Name())
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, man.Checkpoint)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Timestamp.After(checkpoints[j].Timestamp)
	})
	return checkpoints, nil
}

// Prune removes checkpoints that exceed policy's retention rules. A
// checkpoint is kept if it's within the per-feature keep count, is its
// feature's newest checkpoint (KeepLastOnSuccess), or is younger than
// MaxAge; everything else is removed. Prune does not know which features
// are passing: KeepLastOnSuccess keeps the newest checkpoint of every
// feature, completed or not.
func (m *Manager) Prune(policy RetentionPolicy) error {
	all, err := m.List()
	if err != nil {
		return err
	}

	byFeature := make(map[int][]types.Checkpoint)
	var unowned []types.Checkpoint
	for _, cp := range all {
		if cp.Feature == nil {
			unowned = append(unowned, cp)
			continue
		}
		byFeature[*cp.Feature] = append(byFeature[*cp.Feature], cp)
	}

	keep := make(map[string]bool)
	now := time.Now()

	for _, cps := range byFeature {
		sort.Slice(cps, func(i, j int) bool { return cps[i].Timestamp.After(cps[j].Timestamp) })
		for i, cp := range cps {
			if i < policy.KeepPerFeature {
				keep[cp.ID] = true
				continue
			}
			if policy.KeepLastOnSuccess && i == 0 {
				keep[cp.ID] = true
				continue
			}
			if policy.MaxAge > 0 && now.Sub(cp.Timestamp) < policy.MaxAge {
				keep[cp.ID] = true
			}
		}
	}
	for _, cp := range unowned {
		if policy.MaxAge <= 0 || now.Sub(cp.Timestamp) < policy.MaxAge {
			keep[cp.ID] = true
		}
	}

	var pruned int
	for _, cp := range all {
		if keep[cp.ID] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, cp.ID)); err != nil {
			return fmt.Errorf("checkpoint: prune %s: %w", cp.ID, err)
		}
		pruned++
	}
	if pruned > 0 {
		logging.Checkpoint("pruned %d checkpoints (%d remain)", pruned, len(all)-pruned)
	}
	return nil
}
