package model

import (
	"strings"
	"time"
)

// TrustKey identifies one ledger entry.
type TrustKey struct {
	Source string `json:"source"`
	Field  Field  `json:"field"`
}

// NewTrustKey normalizes the source name to lower snake case.
func NewTrustKey(source string, field Field) TrustKey {
	return TrustKey{Source: SourceKey(source), Field: field}
}

func (k TrustKey) String() string {
	return k.Source + "/" + string(k.Field)
}

// SourceKey lowercases a source name and joins whitespace runs with "_".
func SourceKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "_")
}

// TrustEntry is the learned reliability of one source for one field.
type TrustEntry struct {
	Source           string    `json:"source"`
	Field            Field     `json:"field"`
	Score            float64   `json:"score"`
	SuccessCount     int       `json:"success_count"`
	FailureCount     int       `json:"failure_count"`
	TotalValidations int       `json:"total_validations"`
	LearningRate     float64   `json:"learning_rate"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Key returns the entry's ledger key.
func (e TrustEntry) Key() TrustKey {
	return TrustKey{Source: e.Source, Field: e.Field}
}
