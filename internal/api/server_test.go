package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopsight/insight/internal/cache"
	"github.com/loopsight/insight/internal/cost"
	"github.com/loopsight/insight/internal/model"
	"github.com/loopsight/insight/internal/monitoring"
	"github.com/loopsight/insight/internal/notify"
	"github.com/loopsight/insight/internal/queue"
	"github.com/loopsight/insight/internal/store"
)

type testServer struct {
	router   http.Handler
	queue    *queue.Queue
	store    store.Store
	notifier *notify.Notifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(st, queue.Config{})
	governor := cost.NewGovernor(st, cost.DefaultRates(), cost.Budget{})
	c := cache.New(16)
	n := notify.New([]string{"secret"}, 16)
	collector := monitoring.NewCollector(st, governor, c)
	srv := NewServer(q, st, governor, c, n, collector)

	return &testServer{router: srv.Router(), queue: q, store: st, notifier: n}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func submitBody() model.JobSpec {
	return model.JobSpec{
		QuestionnaireID: "q-42",
		Type:            model.AnalysisThematic,
		Responses: []model.Response{
			{Text: "pricing is confusing"},
			{Text: "love the export feature"},
		},
	}
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_SubmitJob(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/jobs", submitBody())
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode[map[string]string](t, rec)
	assert.NotEmpty(t, body["job_id"])

	job, err := ts.store.GetJob(context.Background(), body["job_id"])
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
}

func TestServer_SubmitJobRejections(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/jobs", model.JobSpec{QuestionnaireID: "q-1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	ts.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestServer_GetJobAndProgress(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id, err := ts.queue.Enqueue(context.Background(), submitBody())
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[model.AnalysisJob](t, rec)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, model.JobStatusQueued, job.Status)

	rec = ts.do(t, http.MethodGet, "/jobs/"+id+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decode[map[string]any](t, rec)
	assert.Equal(t, id, progress["job_id"])

	rec = ts.do(t, http.MethodGet, "/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListJobsFilters(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id, err := ts.queue.Enqueue(context.Background(), submitBody())
	require.NoError(t, err)
	_, err = ts.queue.Enqueue(context.Background(), submitBody())
	require.NoError(t, err)
	_, err = ts.queue.Cancel(context.Background(), id)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/jobs?status=cancelled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Jobs []model.AnalysisJob `json:"jobs"`
	}](t, rec)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, id, body.Jobs[0].ID)
}

func TestServer_CancelJob(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id, err := ts.queue.Enqueue(context.Background(), submitBody())
	require.NoError(t, err)

	rec := ts.do(t, http.MethodDelete, "/jobs/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/jobs/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "second cancel conflicts")

	rec = ts.do(t, http.MethodDelete, "/jobs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetResult(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id, err := ts.queue.Enqueue(context.Background(), submitBody())
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/jobs/"+id+"/result", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no result before completion")

	_, err = ts.store.ClaimNextJob(context.Background(), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	ok, err := ts.store.CompleteJob(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ts.store.SaveResult(context.Background(), &model.AnalysisResult{
		JobID:     id,
		Type:      model.AnalysisThematic,
		Payload:   model.Payload{Themes: []model.Theme{{Name: "pricing", Count: 1}}},
		Provider:  "anthropic",
		CreatedAt: time.Now().UTC(),
	}))

	rec = ts.do(t, http.MethodGet, "/jobs/"+id+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[model.AnalysisResult](t, rec)
	assert.Equal(t, "anthropic", result.Provider)
	require.Len(t, result.Payload.Themes, 1)
}

func TestServer_Estimate(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/estimate", map[string]any{
		"analysis_type": "sentiment",
		"responses":     []map[string]string{{"text": "quick to set up"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	est := decode[cost.Estimate](t, rec)
	assert.Greater(t, est.Tokens, int64(0))
	assert.Greater(t, est.CostUSD, 0.0)

	rec = ts.do(t, http.MethodPost, "/estimate", map[string]any{"analysis_type": "vibes"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServer_StatsEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	for _, path := range []string{"/stats/costs", "/stats/cache", "/stats/metrics"} {
		rec := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestServer_EventsRequireToken(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id, err := ts.queue.Enqueue(context.Background(), submitBody())
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/jobs/"+id+"/events", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+id+"/events", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_EventsStreamUntilTerminal(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id, err := ts.queue.Enqueue(context.Background(), submitBody())
	require.NoError(t, err)

	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/jobs/"+id+"/events?token=secret", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler time to register its subscription, then drive the
	// job to completion.
	require.Eventually(t, func() bool {
		return ts.notifier.SubscriberCount(id) > 0
	}, time.Second, 10*time.Millisecond)

	ts.notifier.Publish(notify.Event{
		JobID:    id,
		Status:   model.JobStatusRunning,
		Progress: model.Progress{Step: 1, TotalSteps: 6, Percent: 10},
	})
	ts.notifier.Publish(notify.Event{
		JobID:    id,
		Status:   model.JobStatusCompleted,
		Progress: model.Progress{Step: 6, TotalSteps: 6, Percent: 100},
	})

	var events []notify.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e notify.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		events = append(events, e)
	}

	// Snapshot of current state, then the two published events.
	require.Len(t, events, 3)
	assert.Equal(t, model.JobStatusQueued, events[0].Status)
	assert.Equal(t, 10, events[1].Progress.Percent)
	assert.Equal(t, model.JobStatusCompleted, events[2].Status)
}

func TestServer_EventsTerminalJobClosesImmediately(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id, err := ts.queue.Enqueue(context.Background(), submitBody())
	require.NoError(t, err)
	_, err = ts.queue.Cancel(context.Background(), id)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+id+"/events?token=secret", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"cancelled"`)
	assert.Equal(t, 1, strings.Count(body, "data: "), "single snapshot event then close")
}
