package model

import "time"

// RunStatus is the lifecycle state of a validation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Tier is a confidence band used for review routing.
type Tier string

const (
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
	TierCritical Tier = "critical"
)

// ConsensusField is one resolved field with the sources that back it.
type ConsensusField struct {
	Value      any      `json:"value"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
	Fallback   bool     `json:"fallback,omitempty"`
}

// ConsensusRecord maps each resolvable field to its consensus value.
type ConsensusRecord map[Field]ConsensusField

// Assessment is the advisory qualitative review of a record. It never feeds
// the confidence score.
type Assessment struct {
	Score          int      `json:"score"`
	Issues         []string `json:"issues,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	Fallback       bool     `json:"fallback,omitempty"`
}

// OutcomeStatus is the terminal state of one record within a run.
type OutcomeStatus string

const (
	OutcomeValidated OutcomeStatus = "validated"
	OutcomeFlagged   OutcomeStatus = "flagged"
	OutcomeErrored   OutcomeStatus = "errored"
)

// RecordOutcome is the per-record result of a validation run.
type RecordOutcome struct {
	Index               int             `json:"index"`
	RecordID            string          `json:"record_id"`
	Identifier          string          `json:"identifier"`
	Status              OutcomeStatus   `json:"status"`
	IdentifierValid     bool            `json:"identifier_valid"`
	Sources             []SourceResult  `json:"sources,omitempty"`
	Consensus           ConsensusRecord `json:"consensus,omitempty"`
	OverallConfidence   float64         `json:"overall_confidence"`
	Tier                Tier            `json:"tier"`
	Breakdown           []string        `json:"breakdown,omitempty"`
	AutoCorrectEligible bool            `json:"auto_correct_eligible"`
	SuggestedChanges    map[string]any  `json:"suggested_changes,omitempty"`
	Recommendations     []string        `json:"recommendations,omitempty"`
	Assessment          *Assessment     `json:"assessment,omitempty"`
	Error               string          `json:"error,omitempty"`
	CompletedAt         time.Time       `json:"completed_at"`
}

// SourceStatus returns the status reported by source, or "" when absent.
func (o RecordOutcome) SourceStatus(source string) SourceStatus {
	for _, s := range o.Sources {
		if s.Source == source {
			return s.Status
		}
	}
	return ""
}

// RunStats are the aggregate counters reported when a run finishes.
type RunStats struct {
	Total              int     `json:"total"`
	IdentifierVerified int     `json:"identifier_verified"`
	AddressVerified    int     `json:"address_verified"`
	AverageConfidence  float64 `json:"average_confidence"`
	Flagged            int     `json:"flagged"`
	Validated          int     `json:"validated"`
	Errored            int     `json:"errored"`
}

// ValidationRun aggregates one pass over a batch of records.
type ValidationRun struct {
	ID         string          `json:"id"`
	Status     RunStatus       `json:"status"`
	Stats      RunStats        `json:"stats"`
	Outcomes   []RecordOutcome `json:"outcomes,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
