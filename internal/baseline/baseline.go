// Package baseline is the Baseline Store: the set of test identifiers
// known to pass at a known-good moment, plus the pre-existing-failures set
// excluded from regression accounting. It is content-addressed by a hash
// of its sorted passing set.
package baseline

import (
	"encoding/json"
	"fmt"
	"sort"

	"ratchet/internal/hashstore"
	"ratchet/internal/logging"
	"ratchet/internal/types"
)

// Store holds one baseline and mediates all reads/writes to its artifact.
type Store struct {
	path     string
	baseline types.Baseline
}

// Load reads the baseline artifact at path. A missing file is treated as
// an empty baseline (no tests recorded yet), matching a freshly adopted
// project.
func Load(path string) (*Store, error) {
	data, err := hashstore.Read(path)
	if err != nil {
		return &Store{path: path, baseline: types.Baseline{}}, nil
	}

	var b types.Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("baseline: parse %s: %w", path, err)
	}
	return &Store{path: path, baseline: b}, nil
}

// Baseline returns a copy of the current in-memory baseline.
func (s *Store) Baseline() types.Baseline {
	return s.baseline
}

// ReplaceWith replaces the passing set with testIDs, recomputes the
// content hash, and persists the artifact. Called only after a full
// successful session.
func (s *Store) ReplaceWith(session int, testIDs []string, preExistingFailed []string) error {
	sorted := append([]string(nil), testIDs...)
	sort.Strings(sorted)

	sortedFailed := append([]string(nil), preExistingFailed...)
	sort.Strings(sortedFailed)

	hashInput, err := json.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("baseline: marshal for hash: %w", err)
	}

	s.baseline = types.Baseline{
		Session:           session,
		Passing:           sorted,
		PreExistingFailed: sortedFailed,
		Hash:              hashstore.Hash(hashInput),
	}

	data, err := json.MarshalIndent(s.baseline, "", "  ")
	if err != nil {
		return fmt.Errorf("baseline: marshal: %w", err)
	}
	if err := hashstore.Write(s.path, data, 0644); err != nil {
		return err
	}
	logging.Baseline("replaced baseline at session %d: %d passing, %d pre-existing failures", session, len(sorted), len(sortedFailed))
	return nil
}

// DiffResult captures what changed between the baseline and a fresh
// current-passing set.
type DiffResult struct {
	// Regressions are tests that were in the baseline but are absent
	// from the current passing set and are NOT pre-existing failures.
	Regressions []string
	// Recoveries are pre-existing failures that now appear in the
	// current passing set.
	Recoveries []string
}

// DiffAgainst computes regressions and recoveries between the stored
// baseline and currentPassing, a freshly observed set of passing test ids.
func (s *Store) DiffAgainst(currentPassing []string) DiffResult {
	currentSet := make(map[string]bool, len(currentPassing))
	for _, id := range currentPassing {
		currentSet[id] = true
	}

	preExisting := make(map[string]bool, len(s.baseline.PreExistingFailed))
	for _, id := range s.baseline.PreExistingFailed {
		preExisting[id] = true
	}

	var result DiffResult
	for _, id := range s.baseline.Passing {
		if !currentSet[id] && !preExisting[id] {
			result.Regressions = append(result.Regressions, id)
		}
	}
	for _, id := range s.baseline.PreExistingFailed {
		if currentSet[id] {
			result.Recoveries = append(result.Recoveries, id)
		}
	}

	sort.Strings(result.Regressions)
	sort.Strings(result.Recoveries)

	if len(result.Regressions) > 0 {
		logging.BaselineWarn("diff found %d regressions: %v", len(result.Regressions), result.Regressions)
	}
	if len(result.Recoveries) > 0 {
		logging.Baseline("diff found %d recoveries: %v", len(result.Recoveries), result.Recoveries)
	}

	return result
}

// HasRegressions reports whether a DiffResult contains any regressions.
func (d DiffResult) HasRegressions() bool {
	return len(d.Regressions) > 0
}
