package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"ratchet/cmd/ratchet/ui"
	"ratchet/internal/types"
)

var showLock bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the catalog, session state, and lock status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&showLock, "lock", false, "report only the state-directory lock holder, if any")
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	styles := ui.DefaultStyles()

	if showLock {
		return printLockStatus(e, styles)
	}

	state, err := readSessionState(e.sessionStatePath)
	if err != nil {
		return err
	}

	catalog := e.reg.Catalog()
	fmt.Println(styles.Title.Render("ratchet status"))
	fmt.Printf("%s %s\n", styles.Bold.Render("project:"), catalog.Meta.ProjectID)
	fmt.Printf("%s %d\n", styles.Bold.Render("session:"), state.TotalSessions)
	fmt.Printf("%s %s\n", styles.Bold.Render("last status:"), badgeFor(styles, state.LastStatus))
	fmt.Printf("%s %s\n", styles.Bold.Render("next prompt:"), state.NextPrompt)
	fmt.Println()

	fmt.Println(styles.Subtitle.Render("features"))
	for _, f := range catalog.Features {
		mark := "✗"
		style := styles.Error
		if f.Passing {
			mark = "✓"
			style = styles.Success
		}
		line := fmt.Sprintf("  %s #%-3d %-40s stuck=%d", style.Render(mark), f.ID, f.Description, f.StuckCounter)
		fmt.Println(line)
	}

	if lockInfo, err := readLock(e.stateDir); err == nil {
		fmt.Println()
		fmt.Println(styles.Warning.Render(fmt.Sprintf("locked by pid %d", lockInfo)))
	}

	return nil
}

func printLockStatus(e *engine, styles ui.Styles) error {
	pid, err := readLock(e.stateDir)
	if err != nil {
		fmt.Println(styles.Muted.Render("no active lock"))
		return nil
	}
	info, statErr := os.Stat(lockFilePath(e.stateDir))
	line := fmt.Sprintf("locked by pid %d", pid)
	if statErr == nil {
		line += fmt.Sprintf(" since %s", info.ModTime().Format("2006-01-02 15:04:05"))
	}
	fmt.Println(lipgloss.NewStyle().Bold(true).Render(line))
	return nil
}

func lockFilePath(stateDir string) string {
	return filepath.Join(stateDir, "session.lock")
}

func readLock(stateDir string) (int, error) {
	data, err := os.ReadFile(lockFilePath(stateDir))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(trimNewline(string(data)))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func readSessionState(path string) (types.SessionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SessionState{NextPrompt: types.PromptInit}, nil
		}
		return types.SessionState{}, fmt.Errorf("read session state: %w", err)
	}
	var s types.SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return types.SessionState{}, fmt.Errorf("parse session state: %w", err)
	}
	return s, nil
}

func badgeFor(styles ui.Styles, status types.SessionStatus) string {
	switch status {
	case types.StatusComplete:
		return styles.Success.Render(string(status))
	case types.StatusFailed, types.StatusStuck:
		return styles.Error.Render(string(status))
	case types.StatusPartial, types.StatusTimedOut, types.StatusPaused:
		return styles.Warning.Render(string(status))
	default:
		return styles.Info.Render(string(status))
	}
}
