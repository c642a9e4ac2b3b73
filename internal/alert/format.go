package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event Event) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Profile:* %s", event.ProfileID)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Cell:* %s", cell(event))},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Oversight:* %s", event.AutonomyLevel)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
	}
	if event.AgentID != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Agent:* %s", event.AgentID)})
	}
	if event.ApprovalKey != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Approve:* `rmacd approve %s`", event.ApprovalKey)})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("rmacd: %s", event.Type),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	summary := fmt.Sprintf("rmacd %s: %s", event.Type, cell(event))
	if event.Resource != "" {
		summary += " on " + event.Resource
	}

	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  summary,
			"severity": severityFor(event),
			"source":   "rmacd",
			"custom_details": map[string]any{
				"profile_id":   event.ProfileID,
				"agent_id":     event.AgentID,
				"tool_id":      event.ToolID,
				"resource":     event.Resource,
				"reason":       event.Reason,
				"approval_key": event.ApprovalKey,
				"emergency_id": event.EmergencyID,
			},
		},
	}
	return json.Marshal(payload)
}

func cell(event Event) string {
	switch {
	case event.Operation == "":
		return "-"
	case event.Classification == "":
		return event.Operation
	default:
		return event.Classification + "/" + event.Operation
	}
}

func severityFor(event Event) string {
	switch {
	case event.Type == EventEmergencyDeclared:
		return "critical"
	case event.AutonomyLevel == "prohibited", event.AutonomyLevel == "elevated_approval":
		return "error"
	case event.Type == EventDenied, event.Type == EventApprovalRequired:
		return "warning"
	default:
		return "info"
	}
}
