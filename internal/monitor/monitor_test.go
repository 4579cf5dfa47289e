package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"ratchet/internal/types"
)

func snap(tokens int64, files int, cmds, tests int, elapsed time.Duration) types.ActivitySnapshot {
	s := types.NewActivitySnapshot()
	s.Tokens = tokens
	s.CommandsIssued = cmds
	s.TestsRun = tests
	s.Elapsed = elapsed
	for i := 0; i < files; i++ {
		s.FilesModified[string(rune('a'+i))] = struct{}{}
	}
	return s
}

func TestEvaluateNoSignalOnFirstTick(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), time.Hour, 100000)
	d := m.Evaluate(snap(100, 1, 1, 0, time.Second))
	assert.Equal(t, ResponseNone, d.Response, "first tick has no prior snapshot to compare against")
}

func TestEvaluateNudgesOnSingleStagnantTick(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), time.Hour, 100000)
	m.Evaluate(snap(100, 1, 1, 1, time.Second))
	d := m.Evaluate(snap(101, 1, 1, 1, 2*time.Second))
	assert.Equal(t, ResponseNudge, d.Response)
}

func TestEvaluateHardStopsOnTwoConsecutiveStagnantTicks(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), time.Hour, 100000)
	m.Evaluate(snap(100, 1, 1, 1, time.Second))
	m.Evaluate(snap(101, 1, 1, 1, 2*time.Second))
	d := m.Evaluate(snap(102, 1, 1, 1, 3*time.Second))
	assert.Equal(t, ResponseHardStop, d.Response)
	assert.Equal(t, types.StatusStuck, d.TerminationStatus)
}

func TestEvaluateContextWarnThenForceThenHard(t *testing.T) {
	thresholds := DefaultThresholds()
	m := NewMonitor(thresholds, time.Hour, 1000)

	m.Evaluate(snap(0, 0, 0, 0, 0))
	dWarn := m.Evaluate(snap(750, 1, 1, 1, time.Second))
	assert.Equal(t, ResponseNudge, dWarn.Response)

	dForce := m.Evaluate(snap(900, 2, 2, 2, 2*time.Second))
	assert.Equal(t, ResponseForceWrapUp, dForce.Response)

	dHard := m.Evaluate(snap(1000, 3, 3, 3, 3*time.Second))
	assert.Equal(t, ResponseHardStop, dHard.Response)
	assert.Equal(t, types.StatusPartial, dHard.TerminationStatus)
}

func TestEvaluateWallClockHardStop(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), 10*time.Second, 100000)
	m.Evaluate(snap(0, 0, 0, 0, 0))
	d := m.Evaluate(snap(10, 1, 1, 1, 11*time.Second))
	assert.Equal(t, ResponseHardStop, d.Response)
	assert.Equal(t, types.StatusTimedOut, d.TerminationStatus)
}

func TestEvaluateRepeatedErrorForcesWrapUp(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), time.Hour, 100000)
	m.Evaluate(snap(0, 0, 0, 0, 0))

	s := snap(10, 1, 1, 1, time.Second)
	s.ErrorSignatures["panic: nil pointer"] = 3
	d := m.Evaluate(s)
	assert.Equal(t, ResponseForceWrapUp, d.Response)
}

func TestWallClockTicksStopCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	count := 0
	ts := StartWallClockTicks(ctx, 5*time.Millisecond, func() { count++ })
	time.Sleep(30 * time.Millisecond)
	ts.Stop()

	assert.Greater(t, count, 0)
}
