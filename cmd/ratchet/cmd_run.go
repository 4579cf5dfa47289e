package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ratchet/internal/agent"
	"ratchet/internal/eventlog"
	"ratchet/internal/orchestrator"
	"ratchet/internal/types"
)

var runLoop bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one orchestration session (or loop until idle/escalated)",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	if agentBinary == "" {
		return fmt.Errorf("--agent-binary is required")
	}

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ninterrupt received, finishing current step gracefully")
		cancel()
	}()

	sess := agent.NewSubprocessSession(agentBinary, e.ws, e.stateDir, agentTimeout)

	orc := orchestrator.New(orchestrator.Collaborators{
		Registry:    e.reg,
		Baseline:    e.bstore,
		Checkpoints: e.cpMgr,
		Preflight:   e.pfRunner,
		Verify:      e.vEngine,
		Monitor:     e.mon,
		Repo:        e.repo,
		Events:      e.events,
		Agent:       sess,
		Config:      e.cfg,
	}, orchestrator.Paths{
		StateDir:         e.stateDir,
		CatalogPath:      e.catalogPath,
		NarrativePath:    e.narrativePath,
		SessionStatePath: e.sessionStatePath,
	})

	for {
		out, err := orc.Run(ctx, nil)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		printOutcome(out)

		if out.FinalState == orchestrator.StateEscalated && out.EscalatedOn != nil {
			if path, rerr := reportEscalation(e, *out.EscalatedOn); rerr != nil {
				fmt.Fprintf(os.Stderr, "escalation report: %v\n", rerr)
			} else {
				fmt.Printf("escalation report written to %s\n", path)
			}
		}

		if !runLoop {
			return exitCodeFor(out)
		}
		switch out.FinalState {
		case orchestrator.StateEscalated, orchestrator.StateAborted:
			return exitCodeFor(out)
		}
		if out.SessionStatus == types.StatusComplete && out.FailureDetail == "no ready feature" {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// reportEscalation renders and writes the Markdown escalation summary for
// featureID under <stateDir>/escalations/, creating that directory on
// first use.
func reportEscalation(e *engine, featureID int) (string, error) {
	dir := filepath.Join(e.stateDir, "escalations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create escalations dir: %w", err)
	}
	events, err := e.events.Query(eventlog.LevelImportant, 5000)
	if err != nil {
		return "", fmt.Errorf("read decision history: %w", err)
	}
	writeFile := func(name, content string) (string, error) {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", err
		}
		return path, nil
	}
	return writeEscalationReport(writeFile, e.reg.Catalog().Features, e.cfg.StuckSessionsLimit, events, featureID, time.Now())
}

func printOutcome(out orchestrator.Outcome) {
	fmt.Printf("state=%s status=%s next_prompt=%s", out.FinalState, out.SessionStatus, out.NextPrompt)
	if out.FailureDetail != "" {
		fmt.Printf(" detail=%q", out.FailureDetail)
	}
	if out.EscalatedOn != nil {
		fmt.Printf(" escalated_feature=%d", *out.EscalatedOn)
	}
	fmt.Println()
}

func exitCodeFor(out orchestrator.Outcome) error {
	if out.FinalState == orchestrator.StateEscalated || out.FinalState == orchestrator.StateAborted {
		return fmt.Errorf("session ended in %s: %s", out.FinalState, out.FailureDetail)
	}
	return nil
}
