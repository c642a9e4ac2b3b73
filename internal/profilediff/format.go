package profilediff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Profile diff: %s -> %s\n\nNo changes detected.\n", r.OldID, r.NewID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Profile diff: %s -> %s\n", r.OldID, r.NewID)

	topLevel := filterTopLevel(r.Changes)
	emergency := filterChanges(r.Changes, "emergency.")
	approval := filterChanges(r.Changes, "approval.", "elevated_approval.")
	constraints := filterChanges(r.Changes, "constraints")

	if len(topLevel) > 0 {
		b.WriteString("\n")
		for _, c := range topLevel {
			writeChange(&b, "  ", c.Field, c)
		}
	}

	if len(r.CellChanges) > 0 {
		b.WriteString("\n  Cells:\n")
		for _, cc := range r.CellChanges {
			fmt.Fprintf(&b, "    %-18s %s -> %s  (%s)\n", cc.Cell+":", cc.Old, cc.New, cc.Comment)
		}
	}

	if len(constraints) > 0 {
		b.WriteString("\n  Constraints:\n")
		for _, c := range constraints {
			writeSetChange(&b, c)
		}
	}

	if len(emergency) > 0 {
		b.WriteString("\n  Emergency:\n")
		for _, c := range emergency {
			name := strings.TrimPrefix(c.Field, "emergency.")
			if name == "triggers" {
				writeSetChange(&b, c)
				continue
			}
			writeChange(&b, "    ", name, c)
		}
	}

	if len(approval) > 0 {
		b.WriteString("\n  Approval authority:\n")
		for _, c := range approval {
			if strings.HasSuffix(c.Field, ".approvers") {
				writeSetChange(&b, c)
				continue
			}
			writeChange(&b, "    ", c.Field, c)
		}
	}

	return b.String()
}

func writeChange(b *strings.Builder, indent, name string, c Change) {
	fmt.Fprintf(b, "%s%-24s %s -> %s", indent, name+":", c.Old, c.New)
	if c.Comment != "" {
		fmt.Fprintf(b, "  (%s)", c.Comment)
	}
	b.WriteString("\n")
}

func writeSetChange(b *strings.Builder, c Change) {
	if c.New != "" {
		fmt.Fprintf(b, "    + %s: %s\n", c.Field, c.New)
		return
	}
	fmt.Fprintf(b, "    - %s: %s\n", c.Field, c.Old)
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}

func filterChanges(changes []Change, prefixes ...string) []Change {
	var out []Change
	for _, c := range changes {
		for _, p := range prefixes {
			if strings.HasPrefix(c.Field, p) || c.Field == p {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func filterTopLevel(changes []Change) []Change {
	var out []Change
	for _, c := range changes {
		if !strings.Contains(c.Field, ".") && c.Field != "constraints" {
			out = append(out, c)
		}
	}
	return out
}
