package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopsight/insight/internal/model"
)

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func pgJobRow(id string, status model.JobStatus, createdAt time.Time) *pgxmock.Rows {
	responses, _ := json.Marshal([]model.Response{{Text: "fine"}})
	options, _ := json.Marshal(model.Options{})
	progress, _ := json.Marshal(model.Progress{TotalSteps: 6})
	return pgxmock.NewRows([]string{
		"id", "questionnaire_id", "type", "responses", "options", "status",
		"progress", "failure_cause", "deliveries", "created_at", "started_at", "completed_at",
	}).AddRow(
		id, "q-1", model.AnalysisSentiment, responses, options, status,
		progress, (*string)(nil), 1, createdAt, (*time.Time)(nil), (*time.Time)(nil),
	)
}

func TestPostgres_GetJob(t *testing.T) {
	t.Parallel()

	st, mock := newMockPostgres(t)
	created := time.Now().UTC().Truncate(time.Second)
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgJobRow("job-1", model.JobStatusQueued, created))

	job, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 6, job.Progress.TotalSteps)
	assert.Len(t, job.Responses, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetJobNotFound(t *testing.T) {
	t.Parallel()

	st, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := st.GetJob(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateJob(t *testing.T) {
	t.Parallel()

	st, mock := newMockPostgres(t)
	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs("job-1", "q-1", "sentiment", pgxmock.AnyArg(), pgxmock.AnyArg(),
			"queued", pgxmock.AnyArg(), 5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := st.CreateJob(context.Background(), &model.AnalysisJob{
		ID:              "job-1",
		QuestionnaireID: "q-1",
		Type:            model.AnalysisSentiment,
		Responses:       []model.Response{{Text: "fine"}},
		Options:         model.Options{Priority: 5},
		Status:          model.JobStatusQueued,
		CreatedAt:       time.Now().UTC(),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimNextJob(t *testing.T) {
	t.Parallel()

	st, mock := newMockPostgres(t)
	created := time.Now().UTC().Truncate(time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM jobs WHERE status = \$1`).
		WithArgs("queued").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectQuery(`UPDATE jobs SET status = \$1, lease_until = \$2`).
		WithArgs("running", pgxmock.AnyArg(), "job-1").
		WillReturnRows(pgJobRow("job-1", model.JobStatusRunning, created))
	mock.ExpectCommit()
	mock.ExpectRollback()

	job, err := st.ClaimNextJob(context.Background(), time.Now().UTC().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimNextJobEmpty(t *testing.T) {
	t.Parallel()

	st, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM jobs WHERE status = \$1`).
		WithArgs("queued").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := st.ClaimNextJob(context.Background(), time.Now().UTC().Add(5*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteJobRowsAffected(t *testing.T) {
	t.Parallel()

	st, mock := newMockPostgres(t)
	mock.ExpectExec(`UPDATE jobs SET status = \$1, completed_at = now\(\)`).
		WithArgs("completed", "job-1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := st.CompleteJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// A job no longer running matches zero rows and reports false.
	mock.ExpectExec(`UPDATE jobs SET status = \$1, completed_at = now\(\)`).
		WithArgs("completed", "job-2", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err = st.CompleteJob(context.Background(), "job-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CancelJobTerminalNoop(t *testing.T) {
	t.Parallel()

	st, mock := newMockPostgres(t)
	mock.ExpectExec(`UPDATE jobs SET status = \$1`).
		WithArgs("cancelled", "job-1", "queued", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := st.CancelJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RequeueExpired(t *testing.T) {
	t.Parallel()

	st, mock := newMockPostgres(t)
	mock.ExpectExec(`UPDATE jobs SET status = \$1, lease_until = NULL`).
		WithArgs("queued", "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := st.RequeueExpired(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveAndGetResult(t *testing.T) {
	t.Parallel()

	st, mock := newMockPostgres(t)
	created := time.Now().UTC().Truncate(time.Second)

	mock.ExpectExec(`INSERT INTO results`).
		WithArgs("job-1", "sentiment", pgxmock.AnyArg(), 120, 0.002, "anthropic", false, created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := st.SaveResult(context.Background(), &model.AnalysisResult{
		JobID:      "job-1",
		Type:       model.AnalysisSentiment,
		Payload:    model.Payload{Sentiment: &model.Sentiment{Positive: 1}},
		TokensUsed: 120,
		CostUSD:    0.002,
		Provider:   "anthropic",
		CreatedAt:  created,
	})
	require.NoError(t, err)

	payload, _ := json.Marshal(model.Payload{Sentiment: &model.Sentiment{Positive: 1}})
	mock.ExpectQuery(`SELECT job_id, type, payload`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "type", "payload", "tokens", "cost_usd", "provider", "from_cache", "created_at",
		}).AddRow("job-1", model.AnalysisSentiment, payload, 120, 0.002, "anthropic", false, created))

	result, err := st.GetResult(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 120, result.TokensUsed)
	require.NotNil(t, result.Payload.Sentiment)
	assert.InDelta(t, 1.0, result.Payload.Sentiment.Positive, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AddLedgerUpsert(t *testing.T) {
	t.Parallel()

	st, mock := newMockPostgres(t)
	mock.ExpectExec(`INSERT INTO cost_ledger .+ ON CONFLICT`).
		WithArgs("anthropic", "2026-09-01", int64(500), 0.01).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := st.AddLedger(context.Background(), "anthropic", "2026-09-01", 500, 0.01)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
