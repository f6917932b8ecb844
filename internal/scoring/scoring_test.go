package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-validation/internal/model"
)

func TestWeightsSumToOne(t *testing.T) {
	var sum float64
	for _, w := range Weights() {
		sum += w.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestWeightsDescending(t *testing.T) {
	ws := Weights()
	for i := 1; i < len(ws); i++ {
		assert.GreaterOrEqual(t, ws[i-1].Weight, ws[i].Weight)
	}
}

// allMatches enumerates every FieldMatch combination.
func allMatches() []model.FieldMatch {
	var out []model.FieldMatch
	for mask := 0; mask < 1<<len(model.AllFields); mask++ {
		var m model.FieldMatch
		for i, f := range model.AllFields {
			m.Set(f, mask&(1<<i) != 0)
		}
		out = append(out, m)
	}
	return out
}

func TestScore_OverallIsSumOfMatchedWeights(t *testing.T) {
	for _, m := range allMatches() {
		ws := Score(m)

		var want float64
		unmatched := 0
		for _, f := range model.AllFields {
			if m.Matched(f) {
				want += Weight(f)
			} else {
				unmatched++
			}
		}

		assert.InDelta(t, want, ws.Overall, 1e-9)
		assert.GreaterOrEqual(t, ws.Overall, 0.0)
		assert.LessOrEqual(t, ws.Overall, 1.0)
		assert.Len(t, ws.Breakdown, unmatched)
	}
}

func TestScore_Breakdown(t *testing.T) {
	ws := Score(model.FieldMatch{Name: true, Identifier: true})

	assert.InDelta(t, 0.55, ws.Overall, 1e-9)
	assert.Equal(t, []string{
		"Specialty mismatch (-25%)",
		"Address mismatch (-15%)",
		"Phone mismatch (-5%)",
	}, ws.Breakdown)
	assert.InDelta(t, 0.35, ws.Contributions[model.FieldName], 1e-9)
	assert.Zero(t, ws.Contributions[model.FieldPhone])
}

func TestScore_NoMatches(t *testing.T) {
	ws := Score(model.FieldMatch{})
	assert.Zero(t, ws.Overall)
	require.Len(t, ws.Breakdown, 5)
	assert.Equal(t, "Name mismatch (-35%)", ws.Breakdown[0])
	assert.Equal(t, "Identifier mismatch (-20%)", ws.Breakdown[2])
}

func TestNormalized(t *testing.T) {
	m := model.FieldMatch{Name: true, Phone: true}

	got := Normalized(m, []model.Field{model.FieldName, model.FieldPhone, model.FieldIdentifier})
	assert.InDelta(t, 2.0/3.0, got, 1e-12)

	assert.InDelta(t, 1.0, Normalized(m, []model.Field{model.FieldName, model.FieldPhone}), 1e-9)
	assert.Zero(t, Normalized(m, nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		score float64
		want  model.Tier
	}{
		{1.0, model.TierHigh},
		{0.85, model.TierHigh},
		{0.8499, model.TierMedium},
		{0.70, model.TierMedium},
		{0.6999, model.TierLow},
		{0.50, model.TierLow},
		{0.4999, model.TierCritical},
		{0, model.TierCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.score), "score %v", tt.score)
	}
}

func TestAction(t *testing.T) {
	assert.Equal(t, "Auto-approve (high confidence)", Action(model.TierHigh))
	assert.Equal(t, "Review recommended", Action(model.TierMedium))
	assert.Equal(t, "Manual review required", Action(model.TierLow))
	assert.Equal(t, "Immediate attention needed", Action(model.TierCritical))
}
