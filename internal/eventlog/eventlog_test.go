package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQueryRoundTrip(t *testing.T) {
	s := newStore(t)
	feature := 3
	require.NoError(t, s.Record(0, Event{
		Session: 1,
		Level:   LevelCritical,
		Kind:    "verdict",
		Feature: &feature,
		Detail:  map[string]any{"verdict": "accept"},
	}))

	events, err := s.Query(LevelDebug, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "verdict", events[0].Kind)
	assert.Equal(t, 3, *events[0].Feature)
	assert.Equal(t, "accept", events[0].Detail["verdict"])
}

func TestQueryFiltersBySeverity(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Record(0, Event{Session: 1, Level: LevelCritical, Kind: "rollback"}))
	require.NoError(t, s.Record(0, Event{Session: 1, Level: LevelDebug, Kind: "tick"}))

	onlyCritical, err := s.Query(LevelCritical, 10)
	require.NoError(t, err)
	require.Len(t, onlyCritical, 1)
	assert.Equal(t, "rollback", onlyCritical[0].Kind)

	all, err := s.Query(LevelDebug, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRoutineEventsAreSampled(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Record(5, Event{Session: 1, Level: LevelRoutine, Kind: "tick"}))
	}
	events, err := s.Query(LevelRoutine, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, len(events), "one recorded in 5 calls, across 10 calls")
}

func TestPruneKeepsEventsWithinRetention(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Record(0, Event{Session: 1, Level: LevelCritical, Kind: "verdict"}))
	require.NoError(t, s.Record(0, Event{Session: 1, Level: LevelDebug, Kind: "tick"}))

	require.NoError(t, s.Prune())

	events, err := s.Query(LevelDebug, 10)
	require.NoError(t, err)
	// Fresh events are within every retention window, so nothing is pruned yet.
	assert.Len(t, events, 2)
}
