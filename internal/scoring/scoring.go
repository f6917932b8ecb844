// Package scoring turns per-field matches into a weighted confidence score,
// a human-readable breakdown, and a review tier.
package scoring

import (
	"fmt"
	"math"

	"github.com/sells-group/provider-validation/internal/model"
)

// FieldWeight pairs a tracked field with its share of the overall score.
type FieldWeight struct {
	Field  model.Field
	Weight float64
}

// weights sum to 1.0 and are listed in descending order.
var weights = []FieldWeight{
	{model.FieldName, 0.35},
	{model.FieldSpecialty, 0.25},
	{model.FieldIdentifier, 0.20},
	{model.FieldAddress, 0.15},
	{model.FieldPhone, 0.05},
}

// Weights returns a copy of the field weight table in descending order.
func Weights() []FieldWeight {
	out := make([]FieldWeight, len(weights))
	copy(out, weights)
	return out
}

// Weight returns the weight of f, or 0 for an untracked field.
func Weight(f model.Field) float64 {
	for _, w := range weights {
		if w.Field == f {
			return w.Weight
		}
	}
	return 0
}

// WeightedScore is the result of scoring one FieldMatch.
type WeightedScore struct {
	Overall       float64                 `json:"overall"`
	Contributions map[model.Field]float64 `json:"contributions"`
	Breakdown     []string                `json:"breakdown,omitempty"`
}

// Score sums the weights of matched fields and lists a penalty line for
// every unmatched field, heaviest first.
func Score(m model.FieldMatch) WeightedScore {
	ws := WeightedScore{Contributions: make(map[model.Field]float64, len(weights))}
	for _, w := range weights {
		if m.Matched(w.Field) {
			ws.Contributions[w.Field] = w.Weight
			ws.Overall += w.Weight
			continue
		}
		ws.Contributions[w.Field] = 0
		ws.Breakdown = append(ws.Breakdown, Penalty(w.Field))
	}
	ws.Overall = clamp01(ws.Overall)
	return ws
}

// Penalty formats the breakdown line for an unmatched field.
func Penalty(f model.Field) string {
	return fmt.Sprintf("%s mismatch (-%d%%)", f.Label(), int(math.Round(Weight(f)*100)))
}

// Normalized scores m over the compared fields only: the matched weight
// divided by the total weight of compared. It returns 0 when nothing was
// compared.
func Normalized(m model.FieldMatch, compared []model.Field) float64 {
	var got, total float64
	for _, f := range compared {
		w := Weight(f)
		total += w
		if m.Matched(f) {
			got += w
		}
	}
	if total == 0 {
		return 0
	}
	return clamp01(got / total)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
