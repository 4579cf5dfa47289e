// Package registry is the Feature Registry: it loads and validates the
// feature catalog, maintains the dependency graph, selects the next
// feature ready to attempt, and is the only component allowed to flip a
// feature's passing bit, via commit_pass and mark_regressed.
package registry

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"ratchet/internal/logging"
	"ratchet/internal/types"
)

// Granularity advisory caps (spec.md §4.2: "GranularityWarning").
const (
	maxVerificationSteps = 7
	maxDeclaredFiles     = 5
)

// SchemaError is returned when the catalog bytes don't parse into the
// expected structure.
type SchemaError struct{ Err error }

func (e *SchemaError) Error() string { return fmt.Sprintf("schema error: %v", e.Err) }
func (e *SchemaError) Unwrap() error { return e.Err }

// DependencyError is returned for unresolved references or cycles.
type DependencyError struct{ Msg string }

func (e *DependencyError) Error() string { return "dependency error: " + e.Msg }

// GranularityWarning is non-fatal: a feature exceeds an advisory cap.
type GranularityWarning struct {
	FeatureID int
	Msg       string
}

func (w *GranularityWarning) Error() string {
	return fmt.Sprintf("granularity warning (feature %d): %s", w.FeatureID, w.Msg)
}

// ProtocolError is returned when a proposed catalog mutation violates the
// single-bit-flip invariant.
type ProtocolError struct{ Msg string }

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

// Registry holds one in-memory catalog and exposes the engine's only path
// to mutate it.
type Registry struct {
	catalog  types.Catalog
	warnings []error
}

// Load parses catalogBytes into a Registry, validating schema and the
// dependency graph. Returns the non-fatal GranularityWarnings alongside a
// nil error on success.
func Load(catalogBytes []byte) (*Registry, []error, error) {
	var c types.Catalog
	if err := yaml.Unmarshal(catalogBytes, &c); err != nil {
		return nil, nil, &SchemaError{Err: err}
	}

	if err := validateSchema(c); err != nil {
		return nil, nil, err
	}
	if err := detectCycles(c); err != nil {
		return nil, nil, err
	}

	warnings := granularityWarnings(c)
	logging.RegistryDebug("loaded catalog: %d features, %d warnings", len(c.Features), len(warnings))

	return &Registry{catalog: c}, warnings, nil
}

// Catalog returns a copy of the current in-memory catalog.
func (r *Registry) Catalog() types.Catalog {
	c := r.catalog
	c.Features = make([]types.Feature, len(r.catalog.Features))
	for i, f := range r.catalog.Features {
		f.DependsOn = append([]int(nil), f.DependsOn...)
		f.DeclaredFiles = append([]string(nil), f.DeclaredFiles...)
		c.Features[i] = f
	}
	return c
}

func validateSchema(c types.Catalog) error {
	seen := make(map[int]bool, len(c.Features))
	for _, f := range c.Features {
		if seen[f.ID] {
			return &SchemaError{Err: fmt.Errorf("duplicate feature id %d", f.ID)}
		}
		seen[f.ID] = true
		if f.RequiresTest() && f.TestRef == "" {
			return &SchemaError{Err: fmt.Errorf("feature %d: %s verification requires a test_ref", f.ID, f.Verification)}
		}
	}
	for _, f := range c.Features {
		for _, dep := range f.DependsOn {
			if !seen[dep] {
				return &DependencyError{Msg: fmt.Sprintf("feature %d depends on unresolved feature %d", f.ID, dep)}
			}
		}
	}
	return nil
}

// detectCycles runs a depth-first traversal with a recursion marker; the
// first back-edge encountered names the cycle in the error.
func detectCycles(c types.Catalog) error {
	byID := make(map[int]types.Feature, len(c.Features))
	for _, f := range c.Features {
		byID[f.ID] = f
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[int]int, len(c.Features))
	var path []int

	var visit func(id int) error
	visit = func(id int) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return &DependencyError{Msg: fmt.Sprintf("dependency_cycle: %v -> %d", append(append([]int{}, path...), id), id)}
		}
		state[id] = visiting
		path = append(path, id)
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, f := range c.Features {
		if state[f.ID] == unvisited {
			if err := visit(f.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func granularityWarnings(c types.Catalog) []error {
	var warnings []error
	for _, f := range c.Features {
		if f.VerificationSteps > maxVerificationSteps {
			warnings = append(warnings, &GranularityWarning{
				FeatureID: f.ID,
				Msg:       fmt.Sprintf("%d verification steps exceeds advisory cap %d", f.VerificationSteps, maxVerificationSteps),
			})
		}
		if len(f.DeclaredFiles) > maxDeclaredFiles {
			warnings = append(warnings, &GranularityWarning{
				FeatureID: f.ID,
				Msg:       fmt.Sprintf("%d declared files exceeds advisory cap %d", len(f.DeclaredFiles), maxDeclaredFiles),
			})
		}
	}
	return warnings
}

// ErrBlockedOnDependency is returned by NextReady when no feature is ready
// but at least one would be were a dependency satisfied.
var ErrBlockedOnDependency = fmt.Errorf("blocked_on_dependency")

// NextReady returns the feature to attempt next: among features with
// passing==false and all dependencies passing==true, the one with the
// highest priority, ties broken by lowest id. Returns (nil, nil) if the
// catalog has no incomplete features at all (all done), or
// (nil, ErrBlockedOnDependency) if incomplete features exist but none are
// ready.
func (r *Registry) NextReady() (*types.Feature, error) {
	passing := make(map[int]bool, len(r.catalog.Features))
	for _, f := range r.catalog.Features {
		passing[f.ID] = f.Passing
	}

	var candidates []types.Feature
	anyIncomplete := false
	for _, f := range r.catalog.Features {
		if f.Passing {
			continue
		}
		anyIncomplete = true
		ready := true
		for _, dep := range f.DependsOn {
			if !passing[dep] {
				ready = false
				break
			}
		}
		if ready {
			candidates = append(candidates, f)
		}
	}

	if len(candidates) == 0 {
		if anyIncomplete {
			return nil, ErrBlockedOnDependency
		}
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	return &chosen, nil
}

// CommitPass validates that newCatalogBytes differs from the current
// catalog by exactly one feature's passing flipping false->true, with every
// other feature field unchanged, then adopts it as the new in-memory
// catalog. Features are matched by id: the stuck counter, the catalog meta
// block and the order of features in the list are not compared.
func (r *Registry) CommitPass(featureID int, newCatalogBytes []byte) error {
	proposed, err := r.ValidateDiff(featureID, newCatalogBytes)
	if err != nil {
		return err
	}

	r.catalog = proposed
	logging.Registry("commit_pass: feature %d now passing", featureID)
	return nil
}

// ValidateDiff checks that newCatalogBytes is a well-formed single-bit-flip
// diff claiming featureID, without applying it. The Verification Engine
// calls this as its first decision step (spec.md §4.7 step 1); only once
// every later step also passes does it call CommitPass to apply the same
// diff.
func (r *Registry) ValidateDiff(featureID int, newCatalogBytes []byte) (types.Catalog, error) {
	var proposed types.Catalog
	if err := yaml.Unmarshal(newCatalogBytes, &proposed); err != nil {
		return types.Catalog{}, &SchemaError{Err: err}
	}

	flippedID, err := singleBitFlip(r.catalog, proposed)
	if err != nil {
		return types.Catalog{}, err
	}
	if flippedID != featureID {
		return types.Catalog{}, &ProtocolError{Msg: fmt.Sprintf("claimed feature %d but diff flips feature %d", featureID, flippedID)}
	}

	return proposed, nil
}

// singleBitFlip compares old and new, returning the id of the single
// feature whose passing flipped false->true, or a ProtocolError describing
// the violation.
func singleBitFlip(oldCat, newCat types.Catalog) (int, error) {
	if len(oldCat.Features) != len(newCat.Features) {
		return 0, &ProtocolError{Msg: "feature count changed"}
	}

	oldByID := make(map[int]types.Feature, len(oldCat.Features))
	for _, f := range oldCat.Features {
		oldByID[f.ID] = f
	}

	flipped := -1
	for _, nf := range newCat.Features {
		of, ok := oldByID[nf.ID]
		if !ok {
			return 0, &ProtocolError{Msg: fmt.Sprintf("feature %d did not exist previously", nf.ID)}
		}

		immutableCopy := nf
		immutableCopy.Passing = of.Passing
		immutableCopy.StuckCounter = of.StuckCounter
		if !featureEqualIgnoringMutableFields(of, immutableCopy) {
			return 0, &ProtocolError{Msg: fmt.Sprintf("feature %d: immutable fields changed", nf.ID)}
		}

		if of.Passing == nf.Passing {
			continue
		}
		if of.Passing && !nf.Passing {
			return 0, &ProtocolError{Msg: fmt.Sprintf("feature %d: passing flipped true->false, not allowed via commit_pass", nf.ID)}
		}
		if flipped != -1 {
			return 0, &ProtocolError{Msg: "multiple_claims: more than one feature flipped false->true"}
		}
		flipped = nf.ID
	}

	if flipped == -1 {
		return 0, &ProtocolError{Msg: "no feature flipped false->true"}
	}
	return flipped, nil
}

func featureEqualIgnoringMutableFields(a, b types.Feature) bool {
	if a.ID != b.ID || a.Description != b.Description || a.Verification != b.Verification ||
		a.TestRef != b.TestRef || a.Size != b.Size || a.Origin != b.Origin ||
		a.Priority != b.Priority || a.VerificationSteps != b.VerificationSteps {
		return false
	}
	if len(a.DeclaredFiles) != len(b.DeclaredFiles) {
		return false
	}
	for i := range a.DeclaredFiles {
		if a.DeclaredFiles[i] != b.DeclaredFiles[i] {
			return false
		}
	}
	if len(a.DependsOn) != len(b.DependsOn) {
		return false
	}
	for i := range a.DependsOn {
		if a.DependsOn[i] != b.DependsOn[i] {
			return false
		}
	}
	return true
}

// MarkRegressed flips featureID's passing bit true->false when
// verification evidence demands it, and cascades: any feature depending
// transitively on featureID becomes unready until it is re-proven (NextReady
// already enforces this by reading Passing directly, so no separate flag
// is needed on the dependents).
func (r *Registry) MarkRegressed(featureID int) error {
	for i := range r.catalog.Features {
		if r.catalog.Features[i].ID == featureID {
			if !r.catalog.Features[i].Passing {
				return fmt.Errorf("registry: feature %d already not passing", featureID)
			}
			r.catalog.Features[i].Passing = false
			logging.RegistryWarn("feature %d regressed: passing flipped true->false", featureID)
			return nil
		}
	}
	return fmt.Errorf("registry: feature %d not found", featureID)
}

// IncrementStuck bumps featureID's stuck counter and returns the new value.
func (r *Registry) IncrementStuck(featureID int) (int, error) {
	for i := range r.catalog.Features {
		if r.catalog.Features[i].ID == featureID {
			r.catalog.Features[i].StuckCounter++
			return r.catalog.Features[i].StuckCounter, nil
		}
	}
	return 0, fmt.Errorf("registry: feature %d not found", featureID)
}

// Serialize renders the current catalog back to YAML bytes.
func (r *Registry) Serialize() ([]byte, error) {
	return yaml.Marshal(r.catalog)
}
