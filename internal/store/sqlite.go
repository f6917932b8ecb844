package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps the per-connection pragmas in force and
	// serializes writers within the process.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	identifier TEXT NOT NULL,
	data       TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS corrections (
	id          TEXT PRIMARY KEY,
	record_id   TEXT NOT NULL REFERENCES records(id),
	changes     TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	old_version INTEGER NOT NULL,
	new_version INTEGER NOT NULL,
	applied_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	stats       TEXT NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS outcomes (
	run_id             TEXT NOT NULL REFERENCES runs(id),
	record_id          TEXT NOT NULL,
	idx                INTEGER NOT NULL,
	status             TEXT NOT NULL,
	tier               TEXT NOT NULL DEFAULT '',
	overall_confidence REAL NOT NULL DEFAULT 0,
	data               TEXT NOT NULL,
	completed_at       DATETIME NOT NULL,
	PRIMARY KEY (run_id, record_id)
);

CREATE TABLE IF NOT EXISTS trust (
	source            TEXT NOT NULL,
	field             TEXT NOT NULL,
	score             REAL NOT NULL,
	success_count     INTEGER NOT NULL DEFAULT 0,
	failure_count     INTEGER NOT NULL DEFAULT 0,
	total_validations INTEGER NOT NULL DEFAULT 0,
	learning_rate     REAL NOT NULL,
	last_updated      DATETIME NOT NULL,
	PRIMARY KEY (source, field)
);

CREATE INDEX IF NOT EXISTS idx_records_identifier ON records(identifier);
CREATE INDEX IF NOT EXISTS idx_corrections_record_id ON corrections(record_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_outcomes_run_idx ON outcomes(run_id, idx);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execer is satisfied by *sql.DB and *sql.Conn.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// immediate runs fn inside a BEGIN IMMEDIATE transaction on a dedicated
// connection, so the write lock is taken before anything is read. A lock
// that cannot be acquired within busy_timeout surfaces as contention.
func (s *SQLiteStore) immediate(ctx context.Context, op string, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s: acquire conn", op)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return classify(err, "sqlite: "+op+": begin")
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		return classify(err, "sqlite: "+op+": commit")
	}
	return nil
}

// Records

const sqliteUpsertRecord = `INSERT INTO records (id, identifier, data, version, updated_at) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET identifier = excluded.identifier, data = excluded.data,
	version = excluded.version, updated_at = excluded.updated_at`

func upsertRecord(ctx context.Context, ex execer, rec model.Record) error {
	if rec.Key() == "" {
		return model.NewInputError("id", "is required")
	}
	rec.ID = rec.Key()
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record")
	}
	if _, err := ex.ExecContext(ctx, sqliteUpsertRecord, rec.ID, rec.Identifier, string(data), rec.Version, time.Now().UTC()); err != nil {
		return classify(err, "sqlite: upsert record "+rec.ID)
	}
	return nil
}

func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec model.Record) error {
	return upsertRecord(ctx, s.db, rec)
}

// ImportRecords upserts recs in one transaction.
func (s *SQLiteStore) ImportRecords(ctx context.Context, recs []model.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	err := s.immediate(ctx, "import records", func(conn *sql.Conn) error {
		for _, rec := range recs {
			if err := upsertRecord(ctx, conn, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func getRecord(ctx context.Context, ex execer, id string) (*model.Record, error) {
	var data string
	var version int
	err := ex.QueryRowContext(ctx, `SELECT data, version FROM records WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", id)
	}
	if err != nil {
		return nil, classify(err, "sqlite: get record "+id)
	}
	return decodeRecord(data, version)
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	return getRecord(ctx, s.db, id)
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, version FROM records ORDER BY id LIMIT ? OFFSET ?`,
		limitOrDefault(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var data string
		var version int
		if err := rows.Scan(&data, &version); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		rec, err := decodeRecord(data, version)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

// Corrections

func (s *SQLiteStore) ApplyCorrection(ctx context.Context, recordID string, changes map[string]any, reason string) (*model.Correction, error) {
	var applied model.Correction
	err := s.immediate(ctx, "apply correction", func(conn *sql.Conn) error {
		cur, err := getRecord(ctx, conn, recordID)
		if err != nil {
			return err
		}
		next, corr, err := prepareCorrection(*cur, changes, reason, uuid.New().String())
		if err != nil {
			return err
		}
		corr.AppliedAt = time.Now().UTC()

		data, err := json.Marshal(next)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal record")
		}
		res, err := conn.ExecContext(ctx,
			`UPDATE records SET data = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
			string(data), next.Version, corr.AppliedAt, recordID, cur.Version,
		)
		if err != nil {
			return classify(err, "sqlite: update record "+recordID)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return eris.Wrapf(resilience.ErrContention, "sqlite: record %s changed during correction", recordID)
		}

		changesJSON, err := json.Marshal(changes)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal changes")
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO corrections (id, record_id, changes, reason, old_version, new_version, applied_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			corr.ID, recordID, string(changesJSON), reason, corr.OldVersion, corr.NewVersion, corr.AppliedAt,
		); err != nil {
			return classify(err, "sqlite: insert correction")
		}
		applied = corr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &applied, nil
}

func (s *SQLiteStore) ListCorrections(ctx context.Context, recordID string) ([]model.Correction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, changes, reason, old_version, new_version, applied_at
		FROM corrections WHERE record_id = ? ORDER BY new_version`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list corrections")
	}
	defer rows.Close()

	var out []model.Correction
	for rows.Next() {
		var c model.Correction
		var changes string
		if err := rows.Scan(&c.ID, &c.RecordID, &changes, &c.Reason, &c.OldVersion, &c.NewVersion, &c.AppliedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan correction")
		}
		if err := json.Unmarshal([]byte(changes), &c.Changes); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal changes")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate corrections")
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, run model.ValidationRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, stats, error, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), string(stats), run.Error, run.StartedAt.UTC(),
	)
	return classify(err, "sqlite: insert run")
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run model.ValidationRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, stats = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(run.Status), string(stats), run.Error, finished, run.ID,
	)
	if err != nil {
		return classify(err, "sqlite: finish run "+run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

const sqliteRunColumns = `id, status, stats, error, started_at, finished_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.ValidationRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanSQLiteRun(row)
	if err != nil {
		return nil, err
	}
	run.Outcomes, err = s.ListOutcomes(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ValidationRun, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []model.ValidationRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) SaveOutcome(ctx context.Context, runID string, o model.RecordOutcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal outcome")
	}
	completed := o.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outcomes (run_id, record_id, idx, status, tier, overall_confidence, data, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, record_id) DO UPDATE SET idx = excluded.idx, status = excluded.status,
		tier = excluded.tier, overall_confidence = excluded.overall_confidence,
		data = excluded.data, completed_at = excluded.completed_at`,
		runID, o.RecordID, o.Index, string(o.Status), string(o.Tier), o.OverallConfidence, string(data), completed.UTC(),
	)
	return classify(err, "sqlite: save outcome "+o.RecordID)
}

func (s *SQLiteStore) GetOutcome(ctx context.Context, runID, recordID string) (*model.RecordOutcome, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM outcomes WHERE run_id = ? AND record_id = ?`, runID, recordID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "outcome %s/%s", runID, recordID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get outcome")
	}
	return decodeOutcome(data)
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]model.RecordOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM outcomes WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outcomes")
	}
	defer rows.Close()

	var out []model.RecordOutcome
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		o, err := decodeOutcome(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate outcomes")
}

// Trust ledger

const sqliteTrustColumns = `source, field, score, success_count, failure_count, total_validations, learning_rate, last_updated`

const sqliteUpsertTrust = `INSERT INTO trust (` + sqliteTrustColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source, field) DO UPDATE SET score = excluded.score,
	success_count = excluded.success_count, failure_count = excluded.failure_count,
	total_validations = excluded.total_validations, learning_rate = excluded.learning_rate,
	last_updated = excluded.last_updated`

func putTrust(ctx context.Context, ex execer, e model.TrustEntry) error {
	_, err := ex.ExecContext(ctx, sqliteUpsertTrust,
		e.Source, string(e.Field), e.Score, e.SuccessCount, e.FailureCount,
		e.TotalValidations, e.LearningRate, e.LastUpdated.UTC(),
	)
	return classify(err, "sqlite: put trust "+e.Key().String())
}

func getTrust(ctx context.Context, ex execer, key model.TrustKey) (*model.TrustEntry, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT `+sqliteTrustColumns+` FROM trust WHERE source = ? AND field = ?`,
		key.Source, string(key.Field),
	)
	e, err := scanTrust(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "sqlite: get trust "+key.String())
	}
	return e, nil
}

func (s *SQLiteStore) GetTrust(ctx context.Context, key model.TrustKey) (*model.TrustEntry, error) {
	return getTrust(ctx, s.db, key)
}

func (s *SQLiteStore) PutTrust(ctx context.Context, entry model.TrustEntry) error {
	return putTrust(ctx, s.db, entry)
}

func (s *SQLiteStore) ListTrust(ctx context.Context) ([]model.TrustEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTrustColumns+` FROM trust ORDER BY source, field`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list trust")
	}
	defer rows.Close()

	var out []model.TrustEntry
	for rows.Next() {
		e, err := scanTrust(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trust")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate trust")
}

// UpdateTrust reads, transforms, and writes one key under the database write
// lock.
func (s *SQLiteStore) UpdateTrust(ctx context.Context, key model.TrustKey, fn func(cur *model.TrustEntry) model.TrustEntry) (model.TrustEntry, error) {
	var next model.TrustEntry
	err := s.immediate(ctx, "update trust", func(conn *sql.Conn) error {
		cur, err := getTrust(ctx, conn, key)
		if err != nil {
			return err
		}
		next = fn(cur)
		next.Source, next.Field = key.Source, key.Field
		return putTrust(ctx, conn, next)
	})
	return next, err
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

// classify wraps err with msg, mapping a busy or locked database to
// resilience.ErrContention.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return eris.Wrapf(resilience.ErrContention, "%s: %v", msg, err)
	}
	return eris.Wrap(err, msg)
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.ValidationRun, error) {
	var r model.ValidationRun
	var stats string
	var finished sql.NullTime

	err := row.Scan(&r.ID, &r.Status, &stats, &r.Error, &r.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal stats")
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

func scanTrust(row scannable) (*model.TrustEntry, error) {
	var e model.TrustEntry
	var field string
	if err := row.Scan(&e.Source, &field, &e.Score, &e.SuccessCount, &e.FailureCount,
		&e.TotalValidations, &e.LearningRate, &e.LastUpdated); err != nil {
		return nil, err
	}
	e.Field = model.Field(field)
	return &e, nil
}

func decodeRecord(data string, version int) (*model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal record")
	}
	rec.Version = version
	return &rec, nil
}

func decodeOutcome(data string) (*model.RecordOutcome, error) {
	var o model.RecordOutcome
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal outcome")
	}
	return &o, nil
}
