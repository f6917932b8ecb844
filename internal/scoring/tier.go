package scoring

import "github.com/sells-group/provider-validation/internal/model"

// Tier lower bounds, inclusive.
const (
	HighThreshold   = 0.85
	MediumThreshold = 0.70
	LowThreshold    = 0.50
)

// Classify maps a confidence to its review tier.
func Classify(confidence float64) model.Tier {
	switch {
	case confidence >= HighThreshold:
		return model.TierHigh
	case confidence >= MediumThreshold:
		return model.TierMedium
	case confidence >= LowThreshold:
		return model.TierLow
	default:
		return model.TierCritical
	}
}

// Action describes what a reviewer should do with a record in tier t.
func Action(t model.Tier) string {
	switch t {
	case model.TierHigh:
		return "Auto-approve (high confidence)"
	case model.TierMedium:
		return "Review recommended"
	case model.TierLow:
		return "Manual review required"
	default:
		return "Immediate attention needed"
	}
}
