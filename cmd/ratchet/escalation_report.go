package main

import (
	"fmt"
	"strings"
	"time"

	"ratchet/internal/eventlog"
	"ratchet/internal/types"
)

// renderEscalationReport builds the Markdown summary written to
// .ratchet/escalations/<feature>-<timestamp>.md when a session reaches
// StateEscalated: the feature, its stuck history, and its last three
// verification verdicts. An escalation is never silent.
func renderEscalationReport(f types.Feature, stuckLimit int, events []eventlog.Event) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("## Escalation: feature #%d\n\n", f.ID))
	sb.WriteString(fmt.Sprintf("**Description:** %s\n\n", f.Description))
	sb.WriteString(fmt.Sprintf("**Stuck sessions:** %d (limit %d)\n\n", f.StuckCounter, stuckLimit))
	if f.TestRef != "" {
		sb.WriteString(fmt.Sprintf("**Test ref:** %s\n\n", f.TestRef))
	}

	sb.WriteString("### Recent verdicts\n\n")
	shown := 0
	for _, ev := range events {
		if shown >= 3 {
			break
		}
		if ev.Kind != "verdict" || ev.Feature == nil || *ev.Feature != f.ID {
			continue
		}
		verdict, _ := ev.Detail["verdict"].(string)
		reason, _ := ev.Detail["reason"].(string)
		line := fmt.Sprintf("- `%s` %s", ev.Timestamp.Format("2006-01-02 15:04"), verdict)
		if reason != "" {
			line += fmt.Sprintf(": %s", reason)
		}
		sb.WriteString(line + "\n")
		shown++
	}
	if shown == 0 {
		sb.WriteString("_no verdict history recorded._\n")
	}

	return sb.String()
}

// findFeature locates a feature by id within a catalog's feature list.
func findFeature(features []types.Feature, id int) (types.Feature, bool) {
	for _, f := range features {
		if f.ID == id {
			return f, true
		}
	}
	return types.Feature{}, false
}

// writeEscalationReport renders and persists the escalation summary for
// featureID, returning the path written.
func writeEscalationReport(writeFile func(name, content string) (string, error), features []types.Feature, stuckLimit int, events []eventlog.Event, featureID int, at time.Time) (string, error) {
	f, ok := findFeature(features, featureID)
	if !ok {
		return "", fmt.Errorf("escalation report: unknown feature #%d", featureID)
	}
	content := renderEscalationReport(f, stuckLimit, events)
	name := fmt.Sprintf("%d-%s.md", featureID, at.UTC().Format("20060102T150405Z"))
	return writeFile(name, content)
}
