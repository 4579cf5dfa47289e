package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"ratchet/internal/baseline"
	"ratchet/internal/registry"
	"ratchet/internal/types"
)

const rawCatalog = `
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

const hybridCatalog = `
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

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, _, err := registry.Load([]byte(rawCatalog))
	require.NoError(t, err)
	return r
}

func newHybridRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, _, err := registry.Load([]byte(hybridCatalog))
	require.NoError(t, err)
	return r
}

func cleanHybridCollaborators(r *registry.Registry, b *baseline.Store, checklist ChecklistTaker) Collaborators {
	return Collaborators{
		Registry: r,
		Baseline: b,
		RunFeature: func(ctx context.Context, testRef string) (bool, error) {
			return true, nil
		},
		RunFullSuite: func(ctx context.Context) ([]string, error) {
			return []string{"TestDeployStaging"}, nil
		},
		RunLint: func(ctx context.Context) (int, error) {
			return 0, nil
		},
		Checklist: checklist,
	}
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

func emptyBaseline(t *testing.T) *baseline.Store {
	t.Helper()
	s, err := baseline.Load(t.TempDir() + "/baseline.json")
	require.NoError(t, err)
	return s
}

func TestVerifyNoOpWhenNoCatalogProposed(t *testing.T) {
	eng := NewEngine(Collaborators{Registry: newRegistry(t), Baseline: emptyBaseline(t)})
	res, err := eng.Verify(context.Background(), Input{FeatureID: 1})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictNoOp, res.Verdict)
}

func TestVerifyProtocolViolationOnMalformedDiff(t *testing.T) {
	eng := NewEngine(Collaborators{Registry: newRegistry(t), Baseline: emptyBaseline(t)})
	res, err := eng.Verify(context.Background(), Input{FeatureID: 1, ProposedCatalog: []byte("not: [valid")})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictProtocolViolation, res.Verdict)
}

func TestVerifyRejectClaimOnFailedFeatureTest(t *testing.T) {
	r := newRegistry(t)
	eng := NewEngine(Collaborators{
		Registry: r,
		Baseline: emptyBaseline(t),
		RunFeature: func(ctx context.Context, testRef string) (bool, error) {
			return false, nil
		},
	})
	res, err := eng.Verify(context.Background(), Input{
		FeatureID:       1,
		ProposedCatalog: proposedCatalogBytes(t, r, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejectClaim, res.Verdict)
}

func TestVerifyRegressionTriggersRollbackVerdict(t *testing.T) {
	r := newRegistry(t)
	b := emptyBaseline(t)
	require.NoError(t, b.ReplaceWith(1, []string{"TestA", "TestB"}, nil))

	eng := NewEngine(Collaborators{
		Registry: r,
		Baseline: b,
		RunFeature: func(ctx context.Context, testRef string) (bool, error) {
			return true, nil
		},
		RunFullSuite: func(ctx context.Context) ([]string, error) {
			return []string{"TestA", "TestParseConfig"}, nil // TestB went missing
		},
		RunLint: func(ctx context.Context) (int, error) {
			return 0, nil
		},
	})
	res, err := eng.Verify(context.Background(), Input{
		FeatureID:       1,
		ProposedCatalog: proposedCatalogBytes(t, r, 1),
		EvidencePresent: true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRegression, res.Verdict)
	assert.Contains(t, res.NewlyFailing, "TestB")
}

func TestVerifyAcceptsCleanPass(t *testing.T) {
	r := newRegistry(t)
	b := emptyBaseline(t)

	eng := NewEngine(Collaborators{
		Registry: r,
		Baseline: b,
		RunFeature: func(ctx context.Context, testRef string) (bool, error) {
			return true, nil
		},
		RunFullSuite: func(ctx context.Context) ([]string, error) {
			return []string{"TestParseConfig"}, nil
		},
		RunLint: func(ctx context.Context) (int, error) {
			return 2, nil
		},
	})
	res, err := eng.Verify(context.Background(), Input{
		FeatureID:       1,
		ProposedCatalog: proposedCatalogBytes(t, r, 1),
		EvidencePresent: true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccept, res.Verdict)
	assert.Equal(t, 2, res.LintFindings)
}

func TestVerifyMultipleClaimsRejected(t *testing.T) {
	r := newRegistry(t)
	c := r.Catalog()
	c.Features = append(c.Features, types.Feature{
		ID: 2, Description: "second feature", Verification: types.VerificationManual,
	})
	two, err := yaml.Marshal(c)
	require.NoError(t, err)
	r2, _, err := registry.Load(two)
	require.NoError(t, err)

	cc := r2.Catalog()
	for i := range cc.Features {
		cc.Features[i].Passing = true
	}
	badDiff, err := yaml.Marshal(cc)
	require.NoError(t, err)

	eng := NewEngine(Collaborators{Registry: r2, Baseline: emptyBaseline(t)})
	res, verr := eng.Verify(context.Background(), Input{FeatureID: 1, ProposedCatalog: badDiff})
	require.NoError(t, verr)
	assert.Equal(t, types.VerdictMultipleClaims, res.Verdict)
}

func TestVerifyHybridWithNoChecklistCollaboratorHoldsPending(t *testing.T) {
	r := newHybridRegistry(t)
	eng := NewEngine(cleanHybridCollaborators(r, emptyBaseline(t), nil))
	res, err := eng.Verify(context.Background(), Input{
		FeatureID:       1,
		ProposedCatalog: proposedCatalogBytes(t, r, 1),
		EvidencePresent: true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPendingChecklist, res.Verdict)
}

func TestVerifyHybridUnansweredChecklistHoldsPending(t *testing.T) {
	r := newHybridRegistry(t)
	checklist := func(featureID int) (bool, bool, error) {
		return false, false, nil
	}
	eng := NewEngine(cleanHybridCollaborators(r, emptyBaseline(t), checklist))
	res, err := eng.Verify(context.Background(), Input{
		FeatureID:       1,
		ProposedCatalog: proposedCatalogBytes(t, r, 1),
		EvidencePresent: true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPendingChecklist, res.Verdict)
}

func TestVerifyHybridApprovedChecklistAccepts(t *testing.T) {
	r := newHybridRegistry(t)
	checklist := func(featureID int) (bool, bool, error) {
		return true, true, nil
	}
	eng := NewEngine(cleanHybridCollaborators(r, emptyBaseline(t), checklist))
	res, err := eng.Verify(context.Background(), Input{
		FeatureID:       1,
		ProposedCatalog: proposedCatalogBytes(t, r, 1),
		EvidencePresent: true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccept, res.Verdict)
}

func TestVerifyHybridRejectedChecklistRevertsTreeUnderPolicy(t *testing.T) {
	r := newHybridRegistry(t)
	checklist := func(featureID int) (bool, bool, error) {
		return false, true, nil
	}
	c := cleanHybridCollaborators(r, emptyBaseline(t), checklist)
	reverted := false
	c.Policy = RevertBitAndTree
	c.RevertTree = func(ctx context.Context) error {
		reverted = true
		return nil
	}
	eng := NewEngine(c)
	res, err := eng.Verify(context.Background(), Input{
		FeatureID:       1,
		ProposedCatalog: proposedCatalogBytes(t, r, 1),
		EvidencePresent: true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictChecklistRejected, res.Verdict)
	assert.True(t, reverted, "rejected checklist must revert the tree under RevertBitAndTree")
}
