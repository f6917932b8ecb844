package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-validation/internal/db"
	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the per-record hot path queries prepared on each
// new connection.
var preparedStatements = map[string]string{
	"get_record":   pgGetRecord,
	"save_outcome": pgSaveOutcome,
	"get_trust":    pgGetTrust,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	identifier TEXT NOT NULL,
	data       JSONB NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS corrections (
	id          TEXT PRIMARY KEY,
	record_id   TEXT NOT NULL REFERENCES records(id),
	changes     JSONB NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	old_version INTEGER NOT NULL,
	new_version INTEGER NOT NULL,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	stats       JSONB NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS outcomes (
	run_id             TEXT NOT NULL REFERENCES runs(id),
	record_id          TEXT NOT NULL,
	idx                INTEGER NOT NULL,
	status             TEXT NOT NULL,
	tier               TEXT NOT NULL DEFAULT '',
	overall_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	data               JSONB NOT NULL,
	completed_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, record_id)
);

CREATE TABLE IF NOT EXISTS trust (
	source            TEXT NOT NULL,
	field             TEXT NOT NULL,
	score             DOUBLE PRECISION NOT NULL,
	success_count     INTEGER NOT NULL DEFAULT 0,
	failure_count     INTEGER NOT NULL DEFAULT 0,
	total_validations INTEGER NOT NULL DEFAULT 0,
	learning_rate     DOUBLE PRECISION NOT NULL,
	last_updated      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source, field)
);

CREATE INDEX IF NOT EXISTS idx_records_identifier ON records(identifier);
CREATE INDEX IF NOT EXISTS idx_corrections_record_id ON corrections(record_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_outcomes_run_idx ON outcomes(run_id, idx);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Records

const (
	pgGetRecord       = `SELECT data, version FROM records WHERE id = $1`
	pgGetRecordLocked = pgGetRecord + ` FOR UPDATE`
	pgUpsertRecord    = `INSERT INTO records (id, identifier, data, version, updated_at) VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET identifier = EXCLUDED.identifier, data = EXCLUDED.data,
	version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`
)

var recordUpsert = db.UpsertConfig{
	Table:        "records",
	Columns:      []string{"id", "identifier", "data", "version", "updated_at"},
	ConflictKeys: []string{"id"},
}

func recordRow(rec model.Record, now time.Time) ([]any, error) {
	if rec.Key() == "" {
		return nil, model.NewInputError("id", "is required")
	}
	rec.ID = rec.Key()
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal record")
	}
	return []any{rec.ID, rec.Identifier, data, rec.Version, now}, nil
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, rec model.Record) error {
	row, err := recordRow(rec, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, pgUpsertRecord, row...)
	return pgClassify(err, fmt.Sprintf("postgres: upsert record %s", row[0]))
}

// ImportRecords bulk-loads recs through COPY and a single merge statement.
func (s *PostgresStore) ImportRecords(ctx context.Context, recs []model.Record) (int, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		row, err := recordRow(rec, now)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := db.BulkUpsert(ctx, s.pool, recordUpsert, rows)
	if err != nil {
		return 0, pgClassify(err, "postgres: import records")
	}
	return int(n), nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	return pgScanRecord(s.pool.QueryRow(ctx, pgGetRecord, id), id)
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data, version FROM records ORDER BY id LIMIT $1 OFFSET $2`,
		limitOrDefault(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var data []byte
		var version int
		if err := rows.Scan(&data, &version); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		rec, err := decodeRecord(string(data), version)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate records")
}

func pgScanRecord(row pgx.Row, id string) (*model.Record, error) {
	var data []byte
	var version int
	err := row.Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", id)
	}
	if err != nil {
		return nil, pgClassify(err, "postgres: get record "+id)
	}
	return decodeRecord(string(data), version)
}

// Corrections

// ApplyCorrection locks the record row, applies changes, and writes the
// audit entry before committing.
func (s *PostgresStore) ApplyCorrection(ctx context.Context, recordID string, changes map[string]any, reason string) (*model.Correction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: apply correction: begin tx")
	}
	defer tx.Rollback(ctx)

	cur, err := pgScanRecord(tx.QueryRow(ctx, pgGetRecordLocked, recordID), recordID)
	if err != nil {
		return nil, err
	}
	next, corr, err := prepareCorrection(*cur, changes, reason, uuid.New().String())
	if err != nil {
		return nil, err
	}
	corr.AppliedAt = time.Now().UTC()

	data, err := json.Marshal(next)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal record")
	}
	tag, err := tx.Exec(ctx,
		`UPDATE records SET data = $1, version = $2, updated_at = $3 WHERE id = $4 AND version = $5`,
		data, next.Version, corr.AppliedAt, recordID, cur.Version,
	)
	if err != nil {
		return nil, pgClassify(err, "postgres: update record "+recordID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(resilience.ErrContention, "postgres: record %s changed during correction", recordID)
	}

	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal changes")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO corrections (id, record_id, changes, reason, old_version, new_version, applied_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		corr.ID, recordID, changesJSON, reason, corr.OldVersion, corr.NewVersion, corr.AppliedAt,
	); err != nil {
		return nil, pgClassify(err, "postgres: insert correction")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, pgClassify(err, "postgres: apply correction: commit")
	}
	return &corr, nil
}

func (s *PostgresStore) ListCorrections(ctx context.Context, recordID string) ([]model.Correction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, record_id, changes, reason, old_version, new_version, applied_at
		FROM corrections WHERE record_id = $1 ORDER BY new_version`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list corrections")
	}
	defer rows.Close()

	var out []model.Correction
	for rows.Next() {
		var c model.Correction
		var changes []byte
		if err := rows.Scan(&c.ID, &c.RecordID, &changes, &c.Reason, &c.OldVersion, &c.NewVersion, &c.AppliedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan correction")
		}
		if err := json.Unmarshal(changes, &c.Changes); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal changes")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate corrections")
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, run model.ValidationRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stats")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, stats, error, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Status), stats, run.Error, run.StartedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) FinishRun(ctx context.Context, run model.ValidationRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stats")
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, stats = $2, error = $3, finished_at = $4 WHERE id = $5`,
		string(run.Status), stats, run.Error, finished, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	return nil
}

const pgRunColumns = `id, status, stats, error, started_at, finished_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.ValidationRun, error) {
	run, err := pgScanRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	run.Outcomes, err = s.ListOutcomes(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ValidationRun, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs`
	var args []any
	argN := 1
	if filter.Status != "" {
		query += fmt.Sprintf(` WHERE status = $%d`, argN)
		args = append(args, string(filter.Status))
		argN++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d OFFSET $%d`, argN, argN+1)
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.ValidationRun
	for rows.Next() {
		run, err := pgScanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func pgScanRun(row pgx.Row) (*model.ValidationRun, error) {
	var r model.ValidationRun
	var status string
	var stats []byte
	if err := row.Scan(&r.ID, &status, &stats, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal(stats, &r.Stats); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal stats")
	}
	return &r, nil
}

const pgSaveOutcome = `INSERT INTO outcomes (run_id, record_id, idx, status, tier, overall_confidence, data, completed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (run_id, record_id) DO UPDATE SET idx = EXCLUDED.idx, status = EXCLUDED.status,
	tier = EXCLUDED.tier, overall_confidence = EXCLUDED.overall_confidence,
	data = EXCLUDED.data, completed_at = EXCLUDED.completed_at`

func (s *PostgresStore) SaveOutcome(ctx context.Context, runID string, o model.RecordOutcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal outcome")
	}
	completed := o.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	_, err = s.pool.Exec(ctx, pgSaveOutcome,
		runID, o.RecordID, o.Index, string(o.Status), string(o.Tier), o.OverallConfidence, data, completed.UTC(),
	)
	return eris.Wrapf(err, "postgres: save outcome %s", o.RecordID)
}

func (s *PostgresStore) GetOutcome(ctx context.Context, runID, recordID string) (*model.RecordOutcome, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM outcomes WHERE run_id = $1 AND record_id = $2`, runID, recordID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "outcome %s/%s", runID, recordID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get outcome")
	}
	return decodeOutcome(string(data))
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, runID string) ([]model.RecordOutcome, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM outcomes WHERE run_id = $1 ORDER BY idx`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outcomes")
	}
	defer rows.Close()

	var out []model.RecordOutcome
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		o, err := decodeOutcome(string(data))
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate outcomes")
}

// Trust ledger

const (
	pgTrustColumns = `source, field, score, success_count, failure_count, total_validations, learning_rate, last_updated`
	pgGetTrust     = `SELECT ` + pgTrustColumns + ` FROM trust WHERE source = $1 AND field = $2`
	pgPutTrust     = `INSERT INTO trust (` + pgTrustColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (source, field) DO UPDATE SET score = EXCLUDED.score,
	success_count = EXCLUDED.success_count, failure_count = EXCLUDED.failure_count,
	total_validations = EXCLUDED.total_validations, learning_rate = EXCLUDED.learning_rate,
	last_updated = EXCLUDED.last_updated`
	// pgClaimTrust creates a placeholder row so FOR UPDATE has something to
	// lock; RETURNING reports whether this transaction created it.
	pgClaimTrust = `INSERT INTO trust (source, field, score, learning_rate, last_updated) VALUES ($1, $2, 0, 0, now())
	ON CONFLICT (source, field) DO NOTHING RETURNING source`
	pgUpdateTrust = `UPDATE trust SET score = $3, success_count = $4, failure_count = $5,
	total_validations = $6, learning_rate = $7, last_updated = $8 WHERE source = $1 AND field = $2`
)

func trustArgs(e model.TrustEntry) []any {
	return []any{e.Source, string(e.Field), e.Score, e.SuccessCount, e.FailureCount,
		e.TotalValidations, e.LearningRate, e.LastUpdated.UTC()}
}

func (s *PostgresStore) GetTrust(ctx context.Context, key model.TrustKey) (*model.TrustEntry, error) {
	e, err := pgScanTrust(s.pool.QueryRow(ctx, pgGetTrust, key.Source, string(key.Field)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get trust %s", key)
	}
	return e, nil
}

func (s *PostgresStore) PutTrust(ctx context.Context, entry model.TrustEntry) error {
	_, err := s.pool.Exec(ctx, pgPutTrust, trustArgs(entry)...)
	return pgClassify(err, "postgres: put trust "+entry.Key().String())
}

func (s *PostgresStore) ListTrust(ctx context.Context) ([]model.TrustEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgTrustColumns+` FROM trust ORDER BY source, field`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list trust")
	}
	defer rows.Close()

	var out []model.TrustEntry
	for rows.Next() {
		e, err := pgScanTrust(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan trust")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate trust")
}

// UpdateTrust claims the key's row, locks it with SELECT ... FOR UPDATE, and
// writes fn's result in the same transaction. Serialization failures and
// deadlocks surface as contention.
func (s *PostgresStore) UpdateTrust(ctx context.Context, key model.TrustKey, fn func(cur *model.TrustEntry) model.TrustEntry) (model.TrustEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.TrustEntry{}, pgClassify(err, "postgres: update trust: begin tx")
	}
	defer tx.Rollback(ctx)

	var claimed string
	created := true
	err = tx.QueryRow(ctx, pgClaimTrust, key.Source, string(key.Field)).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
	} else if err != nil {
		return model.TrustEntry{}, pgClassify(err, "postgres: claim trust "+key.String())
	}

	cur, err := pgScanTrust(tx.QueryRow(ctx, pgGetTrust+` FOR UPDATE`, key.Source, string(key.Field)))
	if err != nil {
		return model.TrustEntry{}, pgClassify(err, "postgres: lock trust "+key.String())
	}
	if created {
		cur = nil
	}

	next := fn(cur)
	next.Source, next.Field = key.Source, key.Field
	if _, err := tx.Exec(ctx, pgUpdateTrust, trustArgs(next)...); err != nil {
		return model.TrustEntry{}, pgClassify(err, "postgres: update trust "+key.String())
	}
	if err := tx.Commit(ctx); err != nil {
		return model.TrustEntry{}, pgClassify(err, "postgres: update trust: commit")
	}
	return next, nil
}

func pgScanTrust(row pgx.Row) (*model.TrustEntry, error) {
	var e model.TrustEntry
	var field string
	if err := row.Scan(&e.Source, &field, &e.Score, &e.SuccessCount, &e.FailureCount,
		&e.TotalValidations, &e.LearningRate, &e.LastUpdated); err != nil {
		return nil, err
	}
	e.Field = model.Field(field)
	return &e, nil
}

// pgClassify wraps err with msg, mapping serialization failures and
// deadlocks to resilience.ErrContention.
func pgClassify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if db.IsContention(err) {
		return eris.Wrapf(resilience.ErrContention, "%s: %v", msg, err)
	}
	return eris.Wrap(err, msg)
}
