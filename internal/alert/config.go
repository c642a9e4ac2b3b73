// Package alert posts governance events to webhooks: decisions that
// require notification, blocked and pending decisions, and emergency
// declarations.
package alert

import (
	"fmt"
	"net/url"
	"slices"
)

// Event types a webhook can subscribe to.
const (
	EventNotification      = "notification"
	EventDenied            = "denied"
	EventApprovalRequired  = "approval_required"
	EventEmergencyDeclared = "emergency_declared"
)

var eventTypes = []string{EventNotification, EventDenied, EventApprovalRequired, EventEmergencyDeclared}

// Webhook defines a webhook alert destination.
type Webhook struct {
	URL     string            `mapstructure:"url" yaml:"url" json:"url"`
	Format  string            `mapstructure:"format" yaml:"format" json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `mapstructure:"events" yaml:"events" json:"events"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers" json:"headers"`
}

// Validate checks the URL, format and subscribed event types.
func (w Webhook) Validate() error {
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook url %q must be an absolute http(s) URL", w.URL)
	}
	switch w.Format {
	case "", "generic", "slack", "pagerduty":
	default:
		return fmt.Errorf("webhook %s: unknown format %q", w.URL, w.Format)
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("webhook %s: no events subscribed", w.URL)
	}
	for _, e := range w.Events {
		if !slices.Contains(eventTypes, e) {
			return fmt.Errorf("webhook %s: unknown event %q", w.URL, e)
		}
	}
	return nil
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type           string   `json:"type"`
	Timestamp      string   `json:"timestamp"`
	ProfileID      string   `json:"profile_id"`
	AgentID        string   `json:"agent_id,omitempty"`
	ToolID         string   `json:"tool_id,omitempty"`
	Resource       string   `json:"resource,omitempty"`
	Operation      string   `json:"operation,omitempty"`
	Classification string   `json:"classification,omitempty"`
	AutonomyLevel  string   `json:"autonomy_level,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	ApprovalKey    string   `json:"approval_key,omitempty"`
	EmergencyID    string   `json:"emergency_id,omitempty"`
	Targets        []string `json:"targets,omitempty"`
}
