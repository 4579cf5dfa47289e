package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"ratchet/cmd/ratchet/ui"
	"ratchet/internal/eventlog"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of session state and recent decisions",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	refresh := func() ui.WatchSnapshot {
		state, err := readSessionState(e.sessionStatePath)
		if err != nil {
			return ui.WatchSnapshot{Err: err}
		}
		events, err := e.events.Query(eventlog.LevelRoutine, 15)
		if err != nil {
			return ui.WatchSnapshot{Err: err}
		}
		snap := ui.WatchSnapshot{
			State:      string(state.LastStatus),
			NextPrompt: string(state.NextPrompt),
			Session:    state.TotalSessions,
		}
		if pid, err := readLock(e.stateDir); err == nil {
			snap.LockPID = pid
		}
		for _, ev := range events {
			snap.Events = append(snap.Events, ui.WatchEvent{
				Timestamp: ev.Timestamp,
				Level:     string(ev.Level),
				Kind:      ev.Kind,
				Feature:   ev.Feature,
			})
		}
		return snap
	}

	model := ui.NewWatchModel(ui.DefaultStyles(), refresh, 2*time.Second)
	program := tea.NewProgram(model)
	_, err = program.Run()
	return err
}
