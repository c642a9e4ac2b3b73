package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// Summary counts entries by action and outcome.
type Summary struct {
	Total          int            `json:"total"`
	ByAction       map[Action]int `json:"by_action"`
	ByOutcome      map[string]int `json:"by_outcome"`
	FirstTimestamp string         `json:"first_timestamp,omitempty"`
	LastTimestamp  string         `json:"last_timestamp,omitempty"`
}

// Summarize tallies entries.
func Summarize(entries []Entry) Summary {
	s := Summary{
		Total:     len(entries),
		ByAction:  map[Action]int{},
		ByOutcome: map[string]int{},
	}
	for _, e := range entries {
		s.ByAction[e.Action]++
		s.ByOutcome[e.Outcome]++
	}
	if len(entries) > 0 {
		s.FirstTimestamp = entries[0].Timestamp
		s.LastTimestamp = entries[len(entries)-1].Timestamp
	}
	return s
}

// FormatTimeline renders entries as a human-readable text timeline.
func FormatTimeline(entries []Entry) string {
	if len(entries) == 0 {
		return "Audit log: no entries.\n"
	}

	var b strings.Builder
	s := Summarize(entries)
	b.WriteString(fmt.Sprintf("Audit log | %s–%s UTC\n",
		formatDateRange(s.FirstTimestamp), formatTimeOnly(s.LastTimestamp)))
	b.WriteString(separator + "\n")

	for _, e := range entries {
		agent := e.AgentID
		if agent == "" {
			agent = "-"
		}
		b.WriteString(fmt.Sprintf("%5d %-10s %-20s %-17s %-12s %s\n",
			e.Seq,
			formatTimeOnly(e.Timestamp),
			string(e.Action),
			strings.ToUpper(e.Outcome),
			truncate(agent, 12),
			truncate(strings.Join(e.ToolIDs, ","), 40)))
		if e.Reason != "" {
			b.WriteString(fmt.Sprintf("      %s\n", truncate(e.Reason, 72)))
		}
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(s))
	return b.String()
}

// FormatJSON renders entries as indented JSON.
func FormatJSON(entries []Entry) (string, error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal audit entries: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s Summary) string {
	outcomes := make([]string, 0, len(s.ByOutcome))
	for o := range s.ByOutcome {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%d %s", s.ByOutcome[o], o))
	}
	return fmt.Sprintf("Summary: %d entries | %s\n", s.Total, strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
