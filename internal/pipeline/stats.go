package pipeline

import (
	"github.com/sells-group/provider-validation/internal/consensus"
	"github.com/sells-group/provider-validation/internal/model"
)

// Summarize computes run statistics from per-record outcomes. Average
// confidence covers only records that reached scoring.
func Summarize(outcomes []model.RecordOutcome) model.RunStats {
	stats := model.RunStats{Total: len(outcomes)}

	var sum float64
	var scored int
	for _, out := range outcomes {
		if out.Status == model.OutcomeErrored {
			stats.Errored++
			continue
		}
		scored++
		sum += out.OverallConfidence
		if out.SourceStatus(consensus.SourceNPIRegistry) == model.SourceSuccess {
			stats.IdentifierVerified++
		}
		if out.SourceStatus(consensus.SourceGoogleMaps) == model.SourceSuccess {
			stats.AddressVerified++
		}
	}
	if scored > 0 {
		stats.AverageConfidence = sum / float64(scored)
	}
	stats.Validated = stats.IdentifierVerified
	stats.Flagged = stats.Total - stats.IdentifierVerified
	return stats
}
