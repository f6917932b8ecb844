package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/resilience"
	"github.com/sells-group/provider-validation/internal/trust"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func recordJSON(t *testing.T, rec model.Record) []byte {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return data
}

var trustCols = []string{"source", "field", "score", "success_count", "failure_count", "total_validations", "learning_rate", "last_updated"}

func TestPostgresStore_GetRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data, version FROM records WHERE id = \$1`).
		WithArgs("rec-1").
		WillReturnRows(pgxmock.NewRows([]string{"data", "version"}).AddRow(recordJSON(t, janeDoe()), 3))

	got, err := s.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "Jane", got.FirstName)
	assert.Equal(t, 3, got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRecord_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data, version FROM records WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRecord(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO records .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("rec-1", "1234567893", pgxmock.AnyArg(), 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertRecord(context.Background(), janeDoe()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportRecords(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	b := janeDoe()
	b.ID = "rec-2"

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_records"}, recordUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "records"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.ImportRecords(context.Background(), []model.Record{janeDoe(), b})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportRecords_RejectsKeylessRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.ImportRecords(context.Background(), []model.Record{janeDoe(), {LastName: "Doe"}})
	require.Error(t, err)
	assert.True(t, model.IsInputError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyCorrection(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT data, version FROM records WHERE id = \$1 FOR UPDATE`).
		WithArgs("rec-1").
		WillReturnRows(pgxmock.NewRows([]string{"data", "version"}).AddRow(recordJSON(t, janeDoe()), 2))
	mock.ExpectExec(`UPDATE records SET data = \$1, version = \$2, updated_at = \$3 WHERE id = \$4 AND version = \$5`).
		WithArgs(pgxmock.AnyArg(), 3, pgxmock.AnyArg(), "rec-1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO corrections`).
		WithArgs(pgxmock.AnyArg(), "rec-1", pgxmock.AnyArg(), "manual fix", 2, 3, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	corr, err := s.ApplyCorrection(context.Background(), "rec-1", map[string]any{model.AttrPhone: "5121234567"}, "manual fix")
	require.NoError(t, err)
	assert.Equal(t, 2, corr.OldVersion)
	assert.Equal(t, 3, corr.NewVersion)
	assert.Equal(t, "rec-1", corr.RecordID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyCorrection_InvalidKeyRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("rec-1").
		WillReturnRows(pgxmock.NewRows([]string{"data", "version"}).AddRow(recordJSON(t, janeDoe()), 0))
	mock.ExpectRollback()

	_, err := s.ApplyCorrection(context.Background(), "rec-1", map[string]any{"fax": "1"}, "")
	require.Error(t, err)
	assert.True(t, model.IsInputError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyCorrection_Serialization(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("rec-1").
		WillReturnError(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectRollback()

	_, err := s.ApplyCorrection(context.Background(), "rec-1", map[string]any{model.AttrPhone: "1"}, "")
	require.Error(t, err)
	assert.True(t, resilience.IsContention(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1`).
		WithArgs("completed", pgxmock.AnyArg(), "", pgxmock.AnyArg(), "nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), model.ValidationRun{ID: "nope", Status: model.RunStatusCompleted})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)

	stats, _ := json.Marshal(model.RunStats{Total: 1, Validated: 1, IdentifierVerified: 1})
	outcome, _ := json.Marshal(model.RecordOutcome{RecordID: "rec-1", Status: model.OutcomeValidated, Tier: model.TierHigh})

	mock.ExpectQuery(`SELECT id, status, stats, error, started_at, finished_at FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "stats", "error", "started_at", "finished_at"}).
			AddRow("run-1", "completed", stats, "", started, &finished))
	mock.ExpectQuery(`SELECT data FROM outcomes WHERE run_id = \$1 ORDER BY idx`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(outcome))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Stats.Validated)
	require.NotNil(t, run.FinishedAt)
	assert.True(t, run.FinishedAt.Equal(finished))
	require.Len(t, run.Outcomes, 1)
	assert.Equal(t, model.TierHigh, run.Outcomes[0].Tier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runs WHERE status = \$1 ORDER BY started_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("failed", 100, 0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "stats", "error", "started_at", "finished_at"}).
			AddRow("run-9", "failed", []byte(`{"total":3}`), "run cancelled", time.Now(), nil))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run cancelled", runs[0].Error)
	assert.Equal(t, 3, runs[0].Stats.Total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveOutcome(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO outcomes .* ON CONFLICT \(run_id, record_id\) DO UPDATE`).
		WithArgs("run-1", "rec-1", 4, "flagged", "low", 0.5, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveOutcome(context.Background(), "run-1", model.RecordOutcome{
		Index: 4, RecordID: "rec-1", Status: model.OutcomeFlagged, Tier: model.TierLow, OverallConfidence: 0.5,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTrust_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM trust WHERE source = \$1 AND field = \$2`).
		WithArgs("npi_registry", "name").
		WillReturnError(pgx.ErrNoRows)

	e, err := s.GetTrust(context.Background(), model.NewTrustKey("npi_registry", model.FieldName))
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTrust_NewKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.NewTrustKey("npi_registry", model.FieldName)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO trust .* ON CONFLICT \(source, field\) DO NOTHING RETURNING source`).
		WithArgs("npi_registry", "name").
		WillReturnRows(pgxmock.NewRows([]string{"source"}).AddRow("npi_registry"))
	mock.ExpectQuery(`FROM trust WHERE source = \$1 AND field = \$2 FOR UPDATE`).
		WithArgs("npi_registry", "name").
		WillReturnRows(pgxmock.NewRows(trustCols).AddRow("npi_registry", "name", 0.0, 0, 0, 0, 0.0, now))
	mock.ExpectExec(`UPDATE trust SET score = \$3`).
		WithArgs("npi_registry", "name", trust.BootstrapSuccess, 1, 0, 1, 0.1, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, err := s.UpdateTrust(context.Background(), key, func(cur *model.TrustEntry) model.TrustEntry {
		assert.Nil(t, cur, "placeholder row must not leak to fn")
		return trust.Apply(cur, key, true, 0.1, now)
	})
	require.NoError(t, err)
	assert.InDelta(t, trust.BootstrapSuccess, got.Score, 1e-12)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTrust_ExistingKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.NewTrustKey("google_maps", model.FieldAddress)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`DO NOTHING RETURNING source`).
		WithArgs("google_maps", "address").
		WillReturnRows(pgxmock.NewRows([]string{"source"}))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("google_maps", "address").
		WillReturnRows(pgxmock.NewRows(trustCols).AddRow("google_maps", "address", 0.5, 2, 2, 4, 0.1, now))
	mock.ExpectExec(`UPDATE trust`).
		WithArgs("google_maps", "address", pgxmock.AnyArg(), 2, 3, 5, 0.1, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, err := s.UpdateTrust(context.Background(), key, func(cur *model.TrustEntry) model.TrustEntry {
		require.NotNil(t, cur)
		return trust.Apply(cur, key, false, 0.1, now)
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.45, got.Score, 1e-12)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTrust_SerializationIsContention(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.NewTrustKey("npi_registry", model.FieldPhone)

	mock.ExpectBegin()
	mock.ExpectQuery(`DO NOTHING RETURNING source`).
		WithArgs("npi_registry", "phone").
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	_, err := s.UpdateTrust(context.Background(), key, func(cur *model.TrustEntry) model.TrustEntry {
		t.Fatal("fn must not run")
		return model.TrustEntry{}
	})
	require.Error(t, err)
	assert.True(t, resilience.IsContention(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTrust(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM trust ORDER BY source, field`).
		WillReturnRows(pgxmock.NewRows(trustCols).
			AddRow("google_maps", "address", 0.3, 0, 1, 1, 0.1, now).
			AddRow("npi_registry", "name", 0.8, 1, 0, 1, 0.1, now))

	entries, err := s.ListTrust(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.FieldAddress, entries[0].Field)
	assert.Equal(t, "npi_registry", entries[1].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}
