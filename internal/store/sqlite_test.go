package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopsight/insight/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testJob(priority int) *model.AnalysisJob {
	return &model.AnalysisJob{
		ID:              uuid.NewString(),
		QuestionnaireID: "q-1",
		Type:            model.AnalysisSentiment,
		Responses:       []model.Response{{Text: "great product"}},
		Options:         model.Options{Priority: priority},
		Status:          model.JobStatusQueued,
		Progress:        model.Progress{TotalSteps: 6},
		CreatedAt:       time.Now().UTC(),
	}
}

func TestSQLite_CreateAndGetJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := testJob(0)
	job.Options.Language = "de"
	require.NoError(t, st.CreateJob(ctx, job))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.AnalysisSentiment, got.Type)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, "de", got.Options.Language)
	assert.Len(t, got.Responses, 1)
}

func TestSQLite_GetJob_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ClaimNextJob_PriorityOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	low := testJob(0)
	low.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	high := testJob(5)
	require.NoError(t, st.CreateJob(ctx, low))
	require.NoError(t, st.CreateJob(ctx, high))

	claimed, err := st.ClaimNextJob(ctx, time.Now().UTC().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, high.ID, claimed.ID, "higher priority claims first despite later enqueue")
	assert.Equal(t, model.JobStatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Deliveries)
	assert.NotNil(t, claimed.StartedAt)

	claimed, err = st.ClaimNextJob(ctx, time.Now().UTC().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, low.ID, claimed.ID)

	_, err = st.ClaimNextJob(ctx, time.Now().UTC().Add(5*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound, "empty queue")
}

func TestSQLite_ClaimNextJob_FIFOWithinPriority(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := testJob(1)
	first.CreatedAt = time.Now().UTC().Add(-time.Hour)
	second := testJob(1)
	require.NoError(t, st.CreateJob(ctx, second))
	require.NoError(t, st.CreateJob(ctx, first))

	claimed, err := st.ClaimNextJob(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
}

func TestSQLite_CompleteJob_OnlyFromRunning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, st.CreateJob(ctx, job))

	// Still queued: no transition.
	ok, err := st.CompleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.ClaimNextJob(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	ok, err = st.CompleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestSQLite_CancelledJobNeverCompletes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, st.CreateJob(ctx, job))
	_, err := st.ClaimNextJob(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	ok, err := st.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// A worker finishing after cancellation must not flip the status.
	ok, err = st.CompleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}

func TestSQLite_CancelJob_TerminalIsNoop(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, st.CreateJob(ctx, job))
	_, err := st.ClaimNextJob(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	_, err = st.CompleteJob(ctx, job.ID)
	require.NoError(t, err)

	ok, err := st.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
}

func TestSQLite_UpdateJobProgress_RunningOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, st.CreateJob(ctx, job))
	_, err := st.ClaimNextJob(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, st.UpdateJobProgress(ctx, job.ID, model.Progress{Step: 2, TotalSteps: 6, Percent: 25}))
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, got.Progress.Percent)

	ok, err := st.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Progress writes to terminal jobs are dropped.
	require.NoError(t, st.UpdateJobProgress(ctx, job.ID, model.Progress{Step: 5, TotalSteps: 6, Percent: 90}))
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, got.Progress.Percent)
}

func TestSQLite_RequeueExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, st.CreateJob(ctx, job))
	_, err := st.ClaimNextJob(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)

	n, err := st.RequeueExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)

	// Deliveries survive the requeue so the cap still applies.
	claimed, err := st.ClaimNextJob(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Deliveries)
}

func TestSQLite_RequeueExpired_LiveLeaseKept(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, st.CreateJob(ctx, job))
	_, err := st.ClaimNextJob(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	n, err := st.RequeueExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_SaveAndGetResult(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, st.CreateJob(ctx, job))

	result := &model.AnalysisResult{
		JobID: job.ID,
		Type:  model.AnalysisSentiment,
		Payload: model.Payload{Sentiment: &model.Sentiment{
			Positive: 1,
			Entries:  []model.SentimentEntry{{Index: 0, Label: "positive", Score: 0.9}},
		}},
		TokensUsed: 120,
		CostUSD:    0.002,
		Provider:   "anthropic",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.SaveResult(ctx, result))

	got, err := st.GetResult(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, got.TokensUsed)
	assert.Equal(t, "anthropic", got.Provider)
	require.NotNil(t, got.Payload.Sentiment)
	assert.Len(t, got.Payload.Sentiment.Entries, 1)
	assert.False(t, got.FromCache)

	_, err = st.GetResult(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_LedgerAccumulates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AddLedger(ctx, "anthropic", "2026-09-01", 100, 0.01))
	require.NoError(t, st.AddLedger(ctx, "anthropic", "2026-09-01", 50, 0.005))
	require.NoError(t, st.AddLedger(ctx, "openai", "2026-09-01", 10, 0.001))
	require.NoError(t, st.AddLedger(ctx, "anthropic", "2026-08-15", 7, 0.0007))

	entries, err := st.ListLedger(ctx, "2026-09-01")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byProvider := map[string]LedgerEntry{}
	for _, e := range entries {
		byProvider[e.Provider] = e
	}
	assert.Equal(t, int64(150), byProvider["anthropic"].Tokens)
	assert.InDelta(t, 0.015, byProvider["anthropic"].CostUSD, 1e-9)
	assert.Equal(t, int64(2), byProvider["anthropic"].Calls)
	assert.Equal(t, int64(1), byProvider["openai"].Calls)

	all, err := st.ListLedger(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLite_ListJobs_Filter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.CreateJob(ctx, testJob(i)))
	}
	_, err := st.ClaimNextJob(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	queued, err := st.ListJobs(ctx, JobFilter{Status: model.JobStatusQueued})
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	running, err := st.ListJobs(ctx, JobFilter{Status: model.JobStatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 1)

	limited, err := st.ListJobs(ctx, JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
