package profile

import (
	"fmt"
	"strings"

	"github.com/ppiankov/rmacd/internal/model"
)

// InitProfile returns a commented YAML starter template for a new profile.
// threeD selects the classification-aware model. The template grants upTo
// and every lower-ranked operation, spelled out explicitly; an invalid upTo
// falls back to read-only.
func InitProfile(name string, threeD bool, upTo model.Operation) string {
	grants := model.Cumulative(upTo)
	if grants == nil {
		grants = []model.Operation{model.Read}
	}
	codes := make([]string, len(grants))
	for i, op := range grants {
		codes[i] = string(op)
	}
	flow := "[" + strings.Join(codes, ", ") + "]"

	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 'a' - 'A'
		}
		return '-'
	}, name)
	if !threeD {
		return fmt.Sprintf(`$schema: https://rmacd.schemas.local/profile/profile-2d.schema.json
profile_id: rmacd-2d-%s
profile_name: %s
model: two-dimensional
version: "0.1.0"
description: Custom governance profile

# Operations the agent may perform: R(ead) M(ove) A(dd) C(hange) D(elete).
# Grants are explicit: listing C does not imply R.
permissions: %s

# Per-operation autonomy overrides. Levels: autonomous, logged,
# notification, approval, elevated_approval, prohibited.
# autonomy_overrides:
#   R: autonomous

# constraints:
#   environments: [development, staging]
#   rate_limits:
#     queries_per_minute: 60
`, slug, name, flow)
	}
	return fmt.Sprintf(`$schema: https://rmacd.schemas.local/profile/profile-3d.schema.json
profile_id: rmacd-3d-%s
profile_name: %s
model: three-dimensional
version: "0.1.0"
description: Custom governance profile

# Operations granted per data classification.
# Grants are explicit: listing C does not imply R.
permissions:
  public: %s
  internal: %s
  confidential: []
  restricted: []

# Overrides keyed "classification.operation".
# autonomy_overrides:
#   internal.R: autonomous

# Emergency overlay, active only while a matching emergency is declared.
# emergency_escalation:
#   enabled: true
#   trigger_conditions: [soc_declared_incident]
#   escalated_permissions:
#     internal: [C]
#   max_duration_minutes: 60
`, slug, name, flow, flow)
}
