// Package checklist is the human-verification checklist store for hybrid
// features: spec.md's carve-out that a hybrid feature's accept defers
// until an operator has answered a checklist, on top of whatever the
// automated test, regression scan, and lint pass already certified.
package checklist

import (
	"encoding/json"
	"fmt"
	"sort"

	"ratchet/internal/hashstore"
)

// Answer is one operator's response to a feature's checklist.
type Answer struct {
	FeatureID int    `json:"feature_id"`
	Approved  bool   `json:"approved"`
	Note      string `json:"note,omitempty"`
}

// Store persists pending checklist answers, keyed by feature id. An
// answer is consumed (removed) the moment the Verification Engine reads
// it for a session, so a stale answer can never apply to a later,
// unrelated claim on the same feature.
type Store struct {
	path    string
	answers map[int]Answer
}

// Load reads the checklist artifact at path. A missing file means no
// answers are pending yet.
func Load(path string) (*Store, error) {
	data, err := hashstore.Read(path)
	if err != nil {
		return &Store{path: path, answers: map[int]Answer{}}, nil
	}

	var list []Answer
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("checklist: parse %s: %w", path, err)
	}
	answers := make(map[int]Answer, len(list))
	for _, a := range list {
		answers[a.FeatureID] = a
	}
	return &Store{path: path, answers: answers}, nil
}

// Record stores an operator's answer for featureID, overwriting any prior
// unconsumed answer for that feature.
func (s *Store) Record(a Answer) error {
	s.answers[a.FeatureID] = a
	return s.persist()
}

// Take returns and removes the pending answer for featureID, if any. The
// second return value is false when no operator has answered yet.
func (s *Store) Take(featureID int) (Answer, bool, error) {
	a, ok := s.answers[featureID]
	if !ok {
		return Answer{}, false, nil
	}
	delete(s.answers, featureID)
	if err := s.persist(); err != nil {
		return Answer{}, false, err
	}
	return a, true, nil
}

// Pending reports whether featureID has an unconsumed answer waiting.
func (s *Store) Pending(featureID int) bool {
	_, ok := s.answers[featureID]
	return ok
}

func (s *Store) persist() error {
	ids := make([]int, 0, len(s.answers))
	for id := range s.answers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	list := make([]Answer, 0, len(ids))
	for _, id := range ids {
		list = append(list, s.answers[id])
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("checklist: marshal: %w", err)
	}
	return hashstore.Write(s.path, data, 0644)
}
