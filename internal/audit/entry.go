package audit

import "slices"

// Action is the kind of event an entry records.
type Action string

const (
	ActionRegister           Action = "register"
	ActionValidate           Action = "validate"
	ActionWorkflowAssessment Action = "workflow_assessment"
	ActionEvaluate           Action = "evaluate"
)

// Outcomes recorded by the registry and the enforcement gate.
const (
	OutcomeRegistered = "registered"
	OutcomeReplaced   = "replaced"
	OutcomeImported   = "imported"
	OutcomeAllowed    = "allowed"
	OutcomeDenied     = "denied"
	OutcomeAssessed   = "assessed"
	OutcomePending    = "pending_approval"
)

// Entry is one record in the hash-chained audit log.
// All fields are concrete types (no map[string]any) so the canonical form
// is stable for hashing.
type Entry struct {
	Seq       int64    `json:"seq"`
	ID        string   `json:"id"`
	Timestamp string   `json:"ts"`
	Action    Action   `json:"action"`
	ToolIDs   []string `json:"tool_ids"`
	AgentID   string   `json:"agent_id,omitempty"`
	Outcome   string   `json:"outcome"`
	Reason    string   `json:"reason,omitempty"`
	PrevHash  string   `json:"prev_hash"`
	Hash      string   `json:"hash,omitempty"`
}

func (e Entry) clone() Entry {
	e.ToolIDs = slices.Clone(e.ToolIDs)
	return e
}
