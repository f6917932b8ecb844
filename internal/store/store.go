// Package store persists provider records, corrections, validation runs with
// their per-record outcomes, and the trust ledger. SQLite is the local
// default; Postgres backs shared deployments.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/trust"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// RecordFilter pages through stored records.
type RecordFilter struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// RecordStore holds the provider records under validation.
type RecordStore interface {
	UpsertRecord(ctx context.Context, rec model.Record) error
	ImportRecords(ctx context.Context, recs []model.Record) (int, error)
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error)
}

// CorrectionStore applies change sets to stored records. ApplyCorrection
// validates every key, bumps the version exactly once, and writes the audit
// entry in the same transaction. A concurrent writer that got there first
// surfaces as resilience.ErrContention.
type CorrectionStore interface {
	ApplyCorrection(ctx context.Context, recordID string, changes map[string]any, reason string) (*model.Correction, error)
	ListCorrections(ctx context.Context, recordID string) ([]model.Correction, error)
}

// HistoryStore keeps validation runs and their per-record outcomes.
type HistoryStore interface {
	CreateRun(ctx context.Context, run model.ValidationRun) error
	FinishRun(ctx context.Context, run model.ValidationRun) error
	GetRun(ctx context.Context, runID string) (*model.ValidationRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.ValidationRun, error)
	SaveOutcome(ctx context.Context, runID string, outcome model.RecordOutcome) error
	GetOutcome(ctx context.Context, runID, recordID string) (*model.RecordOutcome, error)
	ListOutcomes(ctx context.Context, runID string) ([]model.RecordOutcome, error)
}

// Store is the full persistence surface.
type Store interface {
	RecordStore
	CorrectionStore
	HistoryStore
	trust.Store

	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// prepareCorrection applies changes to cur and builds the audit entry.
func prepareCorrection(cur model.Record, changes map[string]any, reason, id string) (model.Record, model.Correction, error) {
	next, err := cur.ApplyChanges(changes)
	if err != nil {
		return model.Record{}, model.Correction{}, err
	}
	return next, model.Correction{
		ID:         id,
		RecordID:   cur.Key(),
		Changes:    changes,
		Reason:     reason,
		OldVersion: cur.Version,
		NewVersion: next.Version,
	}, nil
}
