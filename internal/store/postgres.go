package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/loopsight/insight/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

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
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	questionnaire_id TEXT NOT NULL,
	type             TEXT NOT NULL,
	responses        JSONB NOT NULL,
	options          JSONB NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	progress         JSONB NOT NULL DEFAULT '{}',
	failure_cause    TEXT,
	priority         INTEGER NOT NULL DEFAULT 0,
	deliveries       INTEGER NOT NULL DEFAULT 0,
	lease_until      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS results (
	job_id     TEXT PRIMARY KEY REFERENCES jobs(id),
	type       TEXT NOT NULL,
	payload    JSONB NOT NULL,
	tokens     BIGINT NOT NULL DEFAULT 0,
	cost_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
	provider   TEXT NOT NULL,
	from_cache BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_ledger (
	provider TEXT NOT NULL,
	day      TEXT NOT NULL,
	tokens   BIGINT NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	calls    BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, day)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs(status, priority DESC, created_at ASC);
`

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

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.AnalysisJob) error {
	responsesJSON, err := json.Marshal(job.Responses)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal responses")
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal options")
	}
	progressJSON, err := json.Marshal(job.Progress)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal progress")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, questionnaire_id, type, responses, options, status, progress, priority, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.QuestionnaireID, string(job.Type), responsesJSON, optionsJSON,
		string(job.Status), progressJSON, job.Options.Priority, job.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert job")
}

const pgJobColumns = `id, questionnaire_id, type, responses, options, status, progress,
	failure_cause, deliveries, created_at, started_at, completed_at`

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.AnalysisJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanPgJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get job")
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.AnalysisJob, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ` + arg(filter.CreatedAfter)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.AnalysisJob
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) ClaimNextJob(ctx context.Context, leaseUntil time.Time) (*model.AnalysisJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin claim")
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx,
		`SELECT id FROM jobs WHERE status = $1
		 ORDER BY priority DESC, created_at ASC
		 LIMIT 1 FOR UPDATE SKIP LOCKED`,
		string(model.JobStatusQueued),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select claimable")
	}

	row := tx.QueryRow(ctx,
		`UPDATE jobs SET status = $1, lease_until = $2, deliveries = deliveries + 1,
		        started_at = COALESCE(started_at, now())
		 WHERE id = $3
		 RETURNING `+pgJobColumns,
		string(model.JobStatusRunning), leaseUntil.UTC(), id,
	)
	job, err := scanPgJob(row)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim update")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit claim")
	}
	return job, nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, p model.Progress) error {
	progressJSON, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal progress")
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE jobs SET progress = $1 WHERE id = $2 AND status = $3`,
		progressJSON, jobID, string(model.JobStatusRunning),
	)
	return eris.Wrapf(err, "postgres: update progress %s", jobID)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, completed_at = now(), lease_until = NULL
		 WHERE id = $2 AND status = $3`,
		string(model.JobStatusCompleted), jobID, string(model.JobStatusRunning),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, cause string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, failure_cause = $2, completed_at = now(), lease_until = NULL
		 WHERE id = $3 AND status IN ($4, $5)`,
		string(model.JobStatusFailed), cause, jobID,
		string(model.JobStatusQueued), string(model.JobStatusRunning),
	)
	return eris.Wrapf(err, "postgres: fail job %s", jobID)
}

func (s *PostgresStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, completed_at = now(), lease_until = NULL
		 WHERE id = $2 AND status IN ($3, $4)`,
		string(model.JobStatusCancelled), jobID,
		string(model.JobStatusQueued), string(model.JobStatusRunning),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel job %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, lease_until = NULL
		 WHERE status = $2 AND lease_until IS NOT NULL AND lease_until <= $3`,
		string(model.JobStatusQueued), string(model.JobStatusRunning), now.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue expired")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, result *model.AnalysisResult) error {
	payloadJSON, err := json.Marshal(result.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO results (job_id, type, payload, tokens, cost_usd, provider, from_cache, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		result.JobID, string(result.Type), payloadJSON, result.TokensUsed,
		result.CostUSD, result.Provider, result.FromCache, result.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert result")
}

func (s *PostgresStore) GetResult(ctx context.Context, jobID string) (*model.AnalysisResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT job_id, type, payload, tokens, cost_usd, provider, from_cache, created_at
		 FROM results WHERE job_id = $1`, jobID)

	var r model.AnalysisResult
	var payloadJSON []byte
	err := row.Scan(&r.JobID, &r.Type, &payloadJSON, &r.TokensUsed, &r.CostUSD,
		&r.Provider, &r.FromCache, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get result")
	}
	if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal payload")
	}
	return &r, nil
}

func (s *PostgresStore) AddLedger(ctx context.Context, provider, day string, tokens int64, costUSD float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cost_ledger (provider, day, tokens, cost_usd, calls) VALUES ($1, $2, $3, $4, 1)
		 ON CONFLICT (provider, day) DO UPDATE SET
		   tokens = cost_ledger.tokens + EXCLUDED.tokens,
		   cost_usd = cost_ledger.cost_usd + EXCLUDED.cost_usd,
		   calls = cost_ledger.calls + 1`,
		provider, day, tokens, costUSD,
	)
	return eris.Wrap(err, "postgres: add ledger")
}

func (s *PostgresStore) ListLedger(ctx context.Context, fromDay string) ([]LedgerEntry, error) {
	query := `SELECT provider, day, tokens, cost_usd, calls FROM cost_ledger`
	var args []any
	if fromDay != "" {
		query += ` WHERE day >= $1`
		args = append(args, fromDay)
	}
	query += ` ORDER BY day ASC, provider ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger")
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.Provider, &e.Day, &e.Tokens, &e.CostUSD, &e.Calls); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list ledger iterate")
}

// helpers

func scanPgJob(row pgx.Row) (*model.AnalysisJob, error) {
	var j model.AnalysisJob
	var responsesJSON, optionsJSON, progressJSON []byte
	var cause *string
	var startedAt, completedAt *time.Time

	err := row.Scan(&j.ID, &j.QuestionnaireID, &j.Type, &responsesJSON, &optionsJSON,
		&j.Status, &progressJSON, &cause, &j.Deliveries, &j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(responsesJSON, &j.Responses); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal responses")
	}
	if err := json.Unmarshal(optionsJSON, &j.Options); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal options")
	}
	if err := json.Unmarshal(progressJSON, &j.Progress); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal progress")
	}
	if cause != nil {
		j.FailureCause = *cause
	}
	j.StartedAt = startedAt
	j.CompletedAt = completedAt
	return &j, nil
}

