package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ratchet/cmd/ratchet/ui"
	"ratchet/internal/eventlog"
)

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List features that reached the stuck-session limit, with recent verdict history",
	RunE:  runEscalations,
}

func runEscalations(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	styles := ui.DefaultStyles()
	catalog := e.reg.Catalog()

	found := false
	for _, f := range catalog.Features {
		if f.StuckCounter < e.cfg.StuckSessionsLimit {
			continue
		}
		found = true
		fmt.Println(styles.Error.Render(fmt.Sprintf("feature #%d: %s", f.ID, f.Description)))
		fmt.Printf("  stuck_counter=%d (limit=%d)\n", f.StuckCounter, e.cfg.StuckSessionsLimit)

		events, err := e.events.Query(eventlog.LevelImportant, 5000)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "  (could not read decision history: %v)\n", err)
			continue
		}
		printRecentVerdicts(styles, events, f.ID)
	}

	if !found {
		fmt.Println(styles.Muted.Render("no escalated features"))
	}
	return nil
}

// printRecentVerdicts prints the three most recent verdicts for featureID.
// events is newest-first, per eventlog.Store.Query's ordering.
func printRecentVerdicts(styles ui.Styles, events []eventlog.Event, featureID int) {
	shown := 0
	for _, ev := range events {
		if shown >= 3 {
			return
		}
		if ev.Kind != "verdict" || ev.Feature == nil || *ev.Feature != featureID {
			continue
		}
		verdict, _ := ev.Detail["verdict"].(string)
		fmt.Printf("  %s %s\n", styles.Muted.Render(ev.Timestamp.Format("2006-01-02 15:04")), verdict)
		shown++
	}
}
