// Package monitor is the Progress Monitor: a single-threaded supervisor
// invoked at regular intervals during an agent's run. It detects
// stagnation, repeated errors, and context/wall-clock pressure, and
// produces graduated responses: a soft nudge, a forced wrap-up, or a hard
// stop.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ratchet/internal/logging"
	"ratchet/internal/types"
)

// Response is the graduated action the orchestrator should take after a
// tick.
type Response int

const (
	ResponseNone Response = iota
	ResponseNudge
	ResponseForceWrapUp
	ResponseHardStop
)

func (r Response) String() string {
	switch r {
	case ResponseNudge:
		return "nudge"
	case ResponseForceWrapUp:
		return "force_wrap_up"
	case ResponseHardStop:
		return "hard_stop"
	default:
		return "none"
	}
}

// Thresholds configures every signal the monitor computes. Proportions
// are in [0,1].
type Thresholds struct {
	StagnationFileDelta    int
	StagnationCommandDelta int
	StagnationTestDelta    int
	RepeatedErrorCap       int
	ContextWarn            float64
	ContextForce           float64
	ContextHard            float64
	WallClockWarn          float64
	WallClockHard          float64
}

// DefaultThresholds matches the proportions named in spec.md §4.6.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StagnationFileDelta:    1,
		StagnationCommandDelta: 1,
		StagnationTestDelta:    1,
		RepeatedErrorCap:       3,
		ContextWarn:            0.75,
		ContextForce:           0.90,
		ContextHard:            1.0,
		WallClockWarn:          0.80,
		WallClockHard:          1.0,
	}
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Response           Response
	Reason             string
	TerminationStatus  types.SessionStatus // set only when Response == ResponseHardStop
}

// Monitor accumulates a sliding window of activity snapshots and
// evaluates the four signals on each tick.
type Monitor struct {
	mu                  sync.Mutex
	thresholds          Thresholds
	sessionTimeout      time.Duration
	contextWindowTokens int64
	prev                *types.ActivitySnapshot
	consecutiveStagnant int
}

// NewMonitor returns a Monitor with the given thresholds, session
// wall-clock timeout, and agent context window size (tokens).
func NewMonitor(thresholds Thresholds, sessionTimeout time.Duration, contextWindowTokens int64) *Monitor {
	return &Monitor{thresholds: thresholds, sessionTimeout: sessionTimeout, contextWindowTokens: contextWindowTokens}
}

// Evaluate computes this tick's signals against the previous tick's
// snapshot and returns the graduated Decision. It is not safe to call
// concurrently from more than one tick source; callers should serialize
// ticks (the orchestrator's cooperative step loop already does).
func (m *Monitor) Evaluate(snap types.ActivitySnapshot) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	stagnant := m.isStagnant(snap)
	if stagnant {
		m.consecutiveStagnant++
	} else {
		m.consecutiveStagnant = 0
	}
	m.prev = &snap

	repeated, errSig := m.mostFrequentError(snap)
	contextProportion := m.contextProportion(snap.Tokens)
	wallClockProportion := m.wallClockProportion(snap.Elapsed)

	decision := Decision{Response: ResponseNone}

	// Escalate in ascending-then-overriding severity: context and
	// wall-clock pressure at hard thresholds always win; stagnation's
	// second consecutive tick escalates straight to hard stop.
	switch {
	case contextProportion >= m.thresholds.ContextHard:
		decision = Decision{Response: ResponseHardStop, Reason: "context window exhausted", TerminationStatus: types.StatusPartial}
	case wallClockProportion >= m.thresholds.WallClockHard:
		decision = Decision{Response: ResponseHardStop, Reason: "wall-clock timeout exhausted", TerminationStatus: types.StatusTimedOut}
	case stagnant && m.consecutiveStagnant >= 2:
		decision = Decision{Response: ResponseHardStop, Reason: "two consecutive stagnation ticks", TerminationStatus: types.StatusStuck}
	case contextProportion >= m.thresholds.ContextForce:
		decision = Decision{Response: ResponseForceWrapUp, Reason: fmt.Sprintf("context proportion %.2f >= force threshold %.2f", contextProportion, m.thresholds.ContextForce)}
	case repeated:
		decision = Decision{Response: ResponseForceWrapUp, Reason: fmt.Sprintf("repeated error signature %q reached cap", errSig)}
	case contextProportion >= m.thresholds.ContextWarn:
		decision = Decision{Response: ResponseNudge, Reason: fmt.Sprintf("context proportion %.2f >= warn threshold %.2f", contextProportion, m.thresholds.ContextWarn)}
	case wallClockProportion >= m.thresholds.WallClockWarn:
		decision = Decision{Response: ResponseNudge, Reason: fmt.Sprintf("wall-clock proportion %.2f >= warn threshold %.2f", wallClockProportion, m.thresholds.WallClockWarn)}
	case stagnant:
		decision = Decision{Response: ResponseNudge, Reason: "stagnant tick: no meaningful activity delta"}
	}

	if decision.Response != ResponseNone {
		logging.Monitor("tick decision: %s (%s)", decision.Response, decision.Reason)
	}
	return decision
}

func (m *Monitor) isStagnant(snap types.ActivitySnapshot) bool {
	if m.prev == nil {
		return false
	}
	fileDelta := len(snap.FilesModified) - len(m.prev.FilesModified)
	cmdDelta := snap.CommandsIssued - m.prev.CommandsIssued
	testDelta := snap.TestsRun - m.prev.TestsRun

	return fileDelta < m.thresholds.StagnationFileDelta &&
		cmdDelta < m.thresholds.StagnationCommandDelta &&
		testDelta < m.thresholds.StagnationTestDelta
}

func (m *Monitor) mostFrequentError(snap types.ActivitySnapshot) (bool, string) {
	var topSig string
	var topCount int
	for sig, count := range snap.ErrorSignatures {
		if count > topCount {
			topCount = count
			topSig = sig
		}
	}
	return topCount >= m.thresholds.RepeatedErrorCap, topSig
}

func (m *Monitor) contextProportion(tokens int64) float64 {
	if m.contextWindowTokens <= 0 {
		return 0
	}
	p := float64(tokens) / float64(m.contextWindowTokens)
	if p > 1 {
		return 1
	}
	return p
}

func (m *Monitor) wallClockProportion(elapsed time.Duration) float64 {
	if m.sessionTimeout <= 0 {
		return 0
	}
	p := float64(elapsed) / float64(m.sessionTimeout)
	if p > 1 {
		return 1
	}
	return p
}

// TickSource drives wall-clock-triggered evaluation independent of the
// agent step loop, matching spec.md §5's requirement that the session
// wall-clock timeout is enforced independent of any subprocess timeout.
// It runs alongside the cooperative per-step Evaluate calls; whichever
// fires first wins.
type TickSource struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartWallClockTicks begins calling onTick every interval until the
// returned TickSource is stopped or ctx is cancelled. The goroutine it
// starts always exits on Stop, verifiable with goleak in tests.
func StartWallClockTicks(ctx context.Context, interval time.Duration, onTick func()) *TickSource {
	ctx, cancel := context.WithCancel(ctx)
	ts := &TickSource{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(ts.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				onTick()
			}
		}
	}()

	return ts
}

// Stop cancels the tick loop and waits for its goroutine to exit.
func (ts *TickSource) Stop() {
	ts.cancel()
	<-ts.done
}
