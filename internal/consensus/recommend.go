package consensus

import "github.com/sells-group/provider-validation/internal/model"

// Advisory strings, one per failure condition.
const (
	RecommendReview        = "Provider data needs review"
	RecommendVerifyNPI     = "NPI Registry validation failed - verify NPI number"
	RecommendVerifyAddress = "Address not found on Google Maps - verify practice location"
)

type rule struct {
	message string
	applies func(b *Builder, overall float64, scored []model.SourceResult) bool
}

// rules are evaluated independently; each contributes at most its own message.
var rules = []rule{
	{
		message: RecommendReview,
		applies: func(b *Builder, overall float64, _ []model.SourceResult) bool {
			return overall < b.cfg.ReviewThreshold
		},
	},
	{
		message: RecommendVerifyNPI,
		applies: func(b *Builder, _ float64, scored []model.SourceResult) bool {
			return b.statusOf(scored, b.cfg.PrimarySource) == model.SourceFailed
		},
	},
	{
		message: RecommendVerifyAddress,
		applies: func(b *Builder, _ float64, scored []model.SourceResult) bool {
			return b.statusOf(scored, b.cfg.SecondarySource) == model.SourceFailed
		},
	},
}

func (b *Builder) recommendations(overall float64, scored []model.SourceResult) []string {
	var out []string
	for _, r := range rules {
		if r.applies(b, overall, scored) {
			out = append(out, r.message)
		}
	}
	return out
}
