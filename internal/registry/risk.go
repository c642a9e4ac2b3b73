package registry

import (
	"math"

	"github.com/ppiankov/rmacd/internal/model"
)

// hitlModifier scales risk down as required oversight goes up.
var hitlModifier = map[model.AutonomyLevel]float64{
	model.Autonomous:       1.0,
	model.Logged:           0.9,
	model.Notification:     0.7,
	model.Approval:         0.4,
	model.ElevatedApproval: 0.2,
	model.Prohibited:       0.0,
}

// RiskPolicy holds the workflow aggregation constants.
type RiskPolicy struct {
	// Threshold is the per-tool score above which a tool compounds risk.
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
	// Increment is added for each additional tool above Threshold.
	Increment float64 `json:"increment" mapstructure:"increment"`
	// Cap bounds the aggregate.
	Cap float64 `json:"cap" mapstructure:"cap"`
}

// DefaultRiskPolicy returns threshold 5.0, increment 0.5, cap 10.0.
func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{Threshold: 5.0, Increment: 0.5, Cap: 10.0}
}

// ToolRisk scores a descriptor on a 0..10 scale:
// (rmacd_rank/4*0.6 + data_rank/3*0.4) * hitl_modifier * 10, rounded to 2 dp.
func ToolRisk(d Descriptor) float64 {
	op := float64(d.RMACDLevel.Rank()) / 4
	data := float64(d.DataAccess.Rank()) / 3
	if op < 0 || data < 0 {
		return 0
	}
	return round2((op*0.6 + data*0.4) * hitlModifier[d.RequiredHITL] * 10)
}

// AggregateRisk returns the dominant score plus Increment for every other
// score above Threshold, capped at Cap.
func AggregateRisk(scores []float64, p RiskPolicy) float64 {
	if len(scores) == 0 {
		return 0
	}
	maxScore := scores[0]
	above := 0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
		if s > p.Threshold {
			above++
		}
	}
	extra := 0
	if above > 0 {
		extra = above - 1
	}
	return round2(math.Min(p.Cap, maxScore+p.Increment*float64(extra)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
