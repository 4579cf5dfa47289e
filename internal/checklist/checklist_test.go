package checklist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingIsEmptyStore(t *testing.T) {
	store, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, store.Pending(1))
}

func TestRecordThenTakeConsumesAnswer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checklist.json")
	store, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, store.Record(Answer{FeatureID: 7, Approved: true, Note: "looks good"}))
	assert.True(t, store.Pending(7))

	a, ok, err := store.Take(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, a.Approved)
	assert.Equal(t, "looks good", a.Note)
	assert.False(t, store.Pending(7), "Take must consume the answer")

	_, ok, err = store.Take(7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordPersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checklist.json")
	store, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(Answer{FeatureID: 3, Approved: false}))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Pending(3))

	a, ok, err := reloaded.Take(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, a.Approved)
}

func TestTakeConsumptionPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checklist.json")
	store, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(Answer{FeatureID: 9, Approved: true}))

	_, ok, err := store.Take(9)
	require.NoError(t, err)
	require.True(t, ok)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.False(t, reloaded.Pending(9), "consumed answer must not reappear after reload")
}

func TestRecordOverwritesPriorUnconsumedAnswer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checklist.json")
	store, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, store.Record(Answer{FeatureID: 5, Approved: false, Note: "first"}))
	require.NoError(t, store.Record(Answer{FeatureID: 5, Approved: true, Note: "second"}))

	a, ok, err := store.Take(5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, a.Approved)
	assert.Equal(t, "second", a.Note)
}
