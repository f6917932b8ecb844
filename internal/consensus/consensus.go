// Package consensus merges the answers of several sources into one scored
// consensus record with field-level provenance.
package consensus

import (
	"slices"
	"sort"

	"github.com/sells-group/provider-validation/internal/match"
	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/scoring"
)

// ConsensusFields are the fields resolved into the consensus record.
var ConsensusFields = []model.Field{model.FieldName, model.FieldAddress, model.FieldPhone, model.FieldSpecialty}

// Result is everything the builder derives from one record's source results.
type Result struct {
	Consensus           model.ConsensusRecord `json:"consensus"`
	OverallConfidence   float64               `json:"overall_confidence"`
	AutoCorrectEligible bool                  `json:"auto_correct_eligible"`
	SuggestedChanges    map[string]any        `json:"suggested_changes,omitempty"`
	Recommendations     []string              `json:"recommendations,omitempty"`
	Breakdown           []string              `json:"breakdown,omitempty"`
	Sources             []model.SourceResult  `json:"sources"`
}

// Builder resolves consensus records using a fixed source-weight table.
// It holds no mutable state and is safe for concurrent use.
type Builder struct {
	cfg *Config
}

// NewBuilder creates a Builder. A nil cfg uses DefaultConfig.
func NewBuilder(cfg *Config) *Builder {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Builder{cfg: cfg}
}

// Config returns the builder's weight table.
func (b *Builder) Config() *Config {
	return b.cfg
}

// Build scores every source against rec, combines them into an overall
// confidence, and resolves each consensus field. The input slice is not
// modified; scored copies are returned in Result.Sources in input order.
func (b *Builder) Build(rec model.Record, results []model.SourceResult) Result {
	scored := make([]model.SourceResult, len(results))
	for i, r := range results {
		scored[i] = b.scoreSource(rec, r)
	}

	res := Result{
		Sources:           scored,
		OverallConfidence: b.overall(scored),
	}
	res.Consensus, res.SuggestedChanges = b.resolve(rec, scored)
	res.AutoCorrectEligible = res.OverallConfidence >= b.cfg.AutoCorrectThreshold &&
		b.statusOf(scored, b.cfg.PrimarySource) == model.SourceSuccess
	if !res.AutoCorrectEligible {
		res.SuggestedChanges = nil
	}
	res.Recommendations = b.recommendations(res.OverallConfidence, scored)
	res.Breakdown = breakdown(rec, scored)
	return res
}

// scoreSource grades one source's facts against rec over the fields the
// source speaks to and the record carries.
func (b *Builder) scoreSource(rec model.Record, r model.SourceResult) model.SourceResult {
	r.Source = model.SourceKey(r.Source)
	r.Discrepancies = slices.Clone(r.Discrepancies)

	switch r.Status {
	case model.SourceSkipped:
		return r
	case model.SourceFailed:
		r.Confidence = 0
		return r
	}

	scope := r.Scope
	if len(scope) == 0 {
		scope = model.AllFields
	}

	grades := match.Compare(rec, r.Facts)
	var fm model.FieldMatch
	var compared []model.Field
	scores := make(map[model.Field]float64)
	for _, f := range scope {
		if !rec.Present(f) {
			continue
		}
		compared = append(compared, f)
		g := grades[f]
		if g.Compared {
			scores[f] = g.Similarity
		}
		fm.Set(f, g.Matched())
	}

	r.Matches = &fm
	r.FieldScores = scores
	if len(compared) == 0 {
		r.Confidence = clamp01(r.Confidence)
		return r
	}

	r.Confidence = scoring.Normalized(fm, compared)
	for _, w := range scoring.Weights() {
		if slices.Contains(compared, w.Field) && !fm.Matched(w.Field) {
			r.Discrepancies = append(r.Discrepancies, scoring.Penalty(w.Field))
		}
	}
	return r
}

// overall is the source-weighted mean confidence, excluding skipped sources.
func (b *Builder) overall(scored []model.SourceResult) float64 {
	var num, den float64
	for _, r := range scored {
		if r.Status == model.SourceSkipped {
			continue
		}
		w := b.cfg.SourceWeight(r.Source)
		num += w * r.Confidence
		den += w
	}
	if den == 0 {
		return 0
	}
	return clamp01(num / den)
}

func (b *Builder) statusOf(scored []model.SourceResult, source string) model.SourceStatus {
	for _, r := range scored {
		if r.Source == model.SourceKey(source) {
			return r.Status
		}
	}
	return ""
}

// candidate is one source offering a usable value for a field.
type candidate struct {
	source model.SourceResult
	weight float64
	value  any
}

// resolve picks each consensus field and collects the suggested changes
// implied by the winners.
func (b *Builder) resolve(rec model.Record, scored []model.SourceResult) (model.ConsensusRecord, map[string]any) {
	cr := make(model.ConsensusRecord)
	suggested := make(map[string]any)

	for _, f := range ConsensusFields {
		cands := b.candidates(f, scored)
		if len(cands) == 0 {
			continue
		}

		winner, found := cands[0], false
		for _, c := range cands {
			if c.source.Confidence > b.cfg.FieldThreshold {
				winner, found = c, true
				break
			}
		}

		cf := model.ConsensusField{Value: winner.value}
		if found {
			cf.Confidence = winner.source.Confidence
		} else {
			cf.Confidence = winner.source.Confidence * b.cfg.Penalty(f)
			cf.Fallback = true
		}

		cf.Sources = []string{winner.source.Source}
		for _, c := range cands {
			if c.source.Source != winner.source.Source && agrees(f, winner.value, c.value) {
				cf.Sources = append(cf.Sources, c.source.Source)
			}
		}
		cr[f] = cf

		for k, v := range changesFor(rec, f, winner) {
			suggested[k] = v
		}
	}

	if len(suggested) == 0 {
		suggested = nil
	}
	return cr, suggested
}

// candidates returns successful sources with a usable value for f, heaviest
// source first, ties in declaration order.
func (b *Builder) candidates(f model.Field, scored []model.SourceResult) []candidate {
	var out []candidate
	for _, r := range scored {
		if r.Status != model.SourceSuccess {
			continue
		}
		v, ok := fieldValue(f, r.Facts)
		if !ok {
			continue
		}
		out = append(out, candidate{source: r, weight: b.cfg.SourceWeight(r.Source), value: v})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].weight > out[j].weight
	})
	return out
}

// fieldValue extracts the consensus value for f from a source's facts.
func fieldValue(f model.Field, facts map[string]any) (any, bool) {
	switch f {
	case model.FieldName:
		if n := match.FactName(facts); n != "" {
			return n, true
		}
	case model.FieldAddress:
		if a := match.FactAddress(facts); !a.IsZero() {
			return a, true
		}
	case model.FieldPhone:
		if p := match.FactString(facts, model.FactPhone); match.Digits(p) != "" {
			return p, true
		}
	case model.FieldSpecialty:
		if tags := match.FactStrings(facts, model.FactSpecialties); len(tags) > 0 {
			return slices.Clone(tags), true
		}
	}
	return nil, false
}

// agrees reports whether two candidate values corroborate each other.
func agrees(f model.Field, a, b any) bool {
	switch f {
	case model.FieldName:
		return match.Name(a.(string), b.(string)) >= match.Threshold
	case model.FieldPhone:
		return match.Phone(a.(string), b.(string)) >= match.Threshold
	case model.FieldAddress:
		sim, ok := match.Address(a.(model.Address), b.(model.Address))
		return ok && sim >= match.Threshold
	case model.FieldSpecialty:
		sim, ok := match.Specialty(a.([]string), b.([]string))
		return ok && sim >= match.Threshold
	}
	return false
}

// breakdown lists a penalty line for every field the record carries that no
// scored source corroborated.
func breakdown(rec model.Record, scored []model.SourceResult) []string {
	var combined model.FieldMatch
	for _, r := range scored {
		if r.Matches == nil {
			continue
		}
		for _, f := range model.AllFields {
			if r.Matches.Matched(f) {
				combined.Set(f, true)
			}
		}
	}

	var lines []string
	for _, w := range scoring.Weights() {
		if rec.Present(w.Field) && !combined.Matched(w.Field) {
			lines = append(lines, scoring.Penalty(w.Field))
		}
	}
	return lines
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
