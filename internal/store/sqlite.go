package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/loopsight/insight/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	questionnaire_id TEXT NOT NULL,
	type             TEXT NOT NULL,
	responses        TEXT NOT NULL,
	options          TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	progress         TEXT NOT NULL DEFAULT '{}',
	failure_cause    TEXT,
	priority         INTEGER NOT NULL DEFAULT 0,
	deliveries       INTEGER NOT NULL DEFAULT 0,
	lease_until      DATETIME,
	created_at       DATETIME NOT NULL,
	started_at       DATETIME,
	completed_at     DATETIME
);

CREATE TABLE IF NOT EXISTS results (
	job_id     TEXT PRIMARY KEY REFERENCES jobs(id),
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	tokens     INTEGER NOT NULL DEFAULT 0,
	cost_usd   REAL NOT NULL DEFAULT 0,
	provider   TEXT NOT NULL,
	from_cache INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_ledger (
	provider TEXT NOT NULL,
	day      TEXT NOT NULL,
	tokens   INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	calls    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, day)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_cost_ledger_day ON cost_ledger(day);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.AnalysisJob) error {
	responsesJSON, err := json.Marshal(job.Responses)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal responses")
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal options")
	}
	progressJSON, err := json.Marshal(job.Progress)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal progress")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, questionnaire_id, type, responses, options, status, progress, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.QuestionnaireID, string(job.Type), string(responsesJSON), string(optionsJSON),
		string(job.Status), string(progressJSON), job.Options.Priority, job.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert job")
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.AnalysisJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.AnalysisJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, leaseUntil time.Time) (*model.AnalysisJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT 1`,
		string(model.JobStatusQueued),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select claimable")
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, lease_until = ?, deliveries = deliveries + 1,
		        started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND status = ?`,
		string(model.JobStatusRunning), leaseUntil.UTC(), now, id, string(model.JobStatusQueued),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim rows affected")
	}
	if n == 0 {
		// Lost the race to another worker; treat as empty and let the
		// caller poll again.
		return nil, ErrNotFound
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}
	return job, nil
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, p model.Progress) error {
	progressJSON, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal progress")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ? WHERE id = ? AND status = ?`,
		string(progressJSON), jobID, string(model.JobStatusRunning),
	)
	return eris.Wrapf(err, "sqlite: update progress %s", jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, lease_until = NULL WHERE id = ? AND status = ?`,
		string(model.JobStatusCompleted), time.Now().UTC(), jobID, string(model.JobStatusRunning),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID, cause string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, failure_cause = ?, completed_at = ?, lease_until = NULL
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.JobStatusFailed), cause, time.Now().UTC(), jobID,
		string(model.JobStatusQueued), string(model.JobStatusRunning),
	)
	return eris.Wrapf(err, "sqlite: fail job %s", jobID)
}

func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, lease_until = NULL
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.JobStatusCancelled), time.Now().UTC(), jobID,
		string(model.JobStatusQueued), string(model.JobStatusRunning),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, lease_until = NULL
		 WHERE status = ? AND lease_until IS NOT NULL AND lease_until <= ?`,
		string(model.JobStatusQueued), string(model.JobStatusRunning), now.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue expired")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) SaveResult(ctx context.Context, result *model.AnalysisResult) error {
	payloadJSON, err := json.Marshal(result.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (job_id, type, payload, tokens, cost_usd, provider, from_cache, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.JobID, string(result.Type), string(payloadJSON), result.TokensUsed,
		result.CostUSD, result.Provider, boolToInt(result.FromCache), result.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert result")
}

func (s *SQLiteStore) GetResult(ctx context.Context, jobID string) (*model.AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, type, payload, tokens, cost_usd, provider, from_cache, created_at
		 FROM results WHERE job_id = ?`, jobID)

	var r model.AnalysisResult
	var payloadJSON string
	var fromCache int
	err := row.Scan(&r.JobID, &r.Type, &payloadJSON, &r.TokensUsed, &r.CostUSD,
		&r.Provider, &fromCache, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get result")
	}
	if err := json.Unmarshal([]byte(payloadJSON), &r.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal payload")
	}
	r.FromCache = fromCache != 0
	return &r, nil
}

func (s *SQLiteStore) AddLedger(ctx context.Context, provider, day string, tokens int64, costUSD float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_ledger (provider, day, tokens, cost_usd, calls) VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT (provider, day) DO UPDATE SET
		   tokens = tokens + excluded.tokens,
		   cost_usd = cost_usd + excluded.cost_usd,
		   calls = calls + 1`,
		provider, day, tokens, costUSD,
	)
	return eris.Wrap(err, "sqlite: add ledger")
}

func (s *SQLiteStore) ListLedger(ctx context.Context, fromDay string) ([]LedgerEntry, error) {
	query := `SELECT provider, day, tokens, cost_usd, calls FROM cost_ledger`
	var args []any
	if fromDay != "" {
		query += ` WHERE day >= ?`
		args = append(args, fromDay)
	}
	query += ` ORDER BY day ASC, provider ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger")
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.Provider, &e.Day, &e.Tokens, &e.CostUSD, &e.Calls); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list ledger iterate")
}

// helpers

const jobColumns = `id, questionnaire_id, type, responses, options, status, progress,
	failure_cause, deliveries, created_at, started_at, completed_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.AnalysisJob, error) {
	var j model.AnalysisJob
	var responsesJSON, optionsJSON, progressJSON string
	var cause sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.QuestionnaireID, &j.Type, &responsesJSON, &optionsJSON,
		&j.Status, &progressJSON, &cause, &j.Deliveries, &j.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if err := json.Unmarshal([]byte(responsesJSON), &j.Responses); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal responses")
	}
	if err := json.Unmarshal([]byte(optionsJSON), &j.Options); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal options")
	}
	if err := json.Unmarshal([]byte(progressJSON), &j.Progress); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal progress")
	}
	if cause.Valid {
		j.FailureCause = cause.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
