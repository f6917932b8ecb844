package advisor

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/sells-group/provider-validation/internal/model"
)

const promptTemplate = `Assess the data quality of this healthcare provider record.

Record:
%s

Source results:
%s

NPI format (checksum): %s
NPI registry lookup: %s
Address verification: %s

Rate the data quality from 0 to 100. List every issue you find, including
mismatches between the record and the sources.

Respond ONLY in JSON: {"score": number, "issues": ["issue"], "recommendation": "text"}`

type sourceSummary struct {
	Source        string             `json:"source"`
	Status        model.SourceStatus `json:"status"`
	Confidence    float64            `json:"confidence"`
	Discrepancies []string           `json:"discrepancies,omitempty"`
	Facts         map[string]any     `json:"facts,omitempty"`
}

func buildPrompt(in Input) string {
	rec, _ := json.MarshalIndent(in.Record, "", "  ")

	summaries := make([]sourceSummary, len(in.Sources))
	for i, s := range in.Sources {
		summaries[i] = sourceSummary{
			Source:        s.Source,
			Status:        s.Status,
			Confidence:    math.Round(s.Confidence*100) / 100,
			Discrepancies: s.Discrepancies,
			Facts:         s.Facts,
		}
	}
	srcs, _ := json.MarshalIndent(summaries, "", "  ")

	return fmt.Sprintf(promptTemplate, rec, srcs,
		passFail(in.IdentifierValid, "VALID", "INVALID - fails checksum"),
		passFail(in.IdentifierVerified, "FOUND in registry", "NOT FOUND in registry"),
		passFail(in.AddressVerified, "VERIFIED", "NOT VERIFIED"),
	)
}

func passFail(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

type rawAssessment struct {
	Score          *float64 `json:"score"`
	Issues         []string `json:"issues"`
	Recommendation string   `json:"recommendation"`
}

// parseAssessment decodes the first {...} block in text. Models often wrap
// JSON in prose or code fences.
func parseAssessment(text string) (model.Assessment, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return model.Assessment{}, false
	}

	var raw rawAssessment
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return model.Assessment{}, false
	}
	if raw.Score == nil || math.IsNaN(*raw.Score) {
		return model.Assessment{}, false
	}

	score := int(math.Round(*raw.Score))
	score = max(0, min(100, score))

	var issues []string
	for _, is := range raw.Issues {
		if is = strings.TrimSpace(is); is != "" {
			issues = append(issues, is)
		}
	}

	return model.Assessment{
		Score:          score,
		Issues:         issues,
		Recommendation: strings.TrimSpace(raw.Recommendation),
	}, true
}
