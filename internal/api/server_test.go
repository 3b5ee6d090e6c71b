package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"probeflow/internal/domain"
	"probeflow/internal/orchestrator"
	"probeflow/internal/report"
	"probeflow/internal/scheduler"
	"probeflow/internal/store"
)

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, domain.Task) (domain.Output, error) {
	return domain.Output{}, nil
}

type fixedSchedules []scheduler.Entry

func (f fixedSchedules) Entries() []scheduler.Entry { return f }

type testEnv struct {
	handler http.Handler
	orch    *orchestrator.Orchestrator
	agg     *report.Aggregator
	dir     string
}

// setupServer wires an orchestrator that is never started, so submitted
// tasks stay queued.
func setupServer(t *testing.T, maxQueued int) *testEnv {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))

	st := store.NewSQLiteStore(db)
	agg := report.NewAggregator(st)
	orch := orchestrator.New(orchestrator.Config{MaxQueued: maxQueued}, nopExecutor{}, agg, nil)
	dir := t.TempDir()

	h := NewServer(Deps{
		Orchestrator: orch,
		Reports:      agg,
		Results:      st,
		Schedules:    fixedSchedules{{Type: domain.TypeHealth, Spec: "@every 5m0s", Priority: 1}},
		Metrics:      http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("probeflow_up 1\n")) }),
		ReportsDir:   dir,
	})
	return &testEnv{handler: h, orch: orch, agg: agg, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	e := setupServer(t, 0)

	rec := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "probeflow_up 1")
}

func TestSubmitTask(t *testing.T) {
	e := setupServer(t, 0)
	prio := 2

	rec := e.do(t, http.MethodPost, "/api/tasks", submitReq{Type: domain.TypeSecurity, Options: domain.Options{Priority: &prio}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp.ID, "tsk_")

	rec = e.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap orchestrator.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	require.Len(t, snap.Queued, 1)
	assert.Equal(t, resp.ID, snap.Queued[0].ID)
	assert.Equal(t, 2, snap.Queued[0].Priority)
}

func TestSubmitTask_Rejections(t *testing.T) {
	e := setupServer(t, 1)

	rec := e.do(t, http.MethodPost, "/api/tasks", map[string]string{"type": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/tasks", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/tasks", submitReq{Type: domain.TypeHealth})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/tasks", submitReq{Type: domain.TypeHealth})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStopAll(t *testing.T) {
	e := setupServer(t, 0)
	_, err := e.orch.Enqueue(domain.TypeHealth, domain.Options{})
	require.NoError(t, err)
	_, err = e.orch.Enqueue(domain.TypeVisual, domain.Options{})
	require.NoError(t, err)

	rec := e.do(t, http.MethodDelete, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queued":2,"running":0}`, rec.Body.String())

	q, r := e.orch.Stats()
	assert.Zero(t, q)
	assert.Zero(t, r)
}

func TestStatusAndResults(t *testing.T) {
	e := setupServer(t, 0)
	ctx := context.Background()
	require.NoError(t, e.agg.Record(ctx, domain.Result{
		TaskID: "tsk_1", Type: domain.TypeHealth, Success: true,
		Output: json.RawMessage(`{"status":"healthy","responseTime":12}`), Timestamp: time.Now(),
	}))
	_, err := e.orch.Enqueue(domain.TypeContent, domain.Options{})
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st report.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Len(t, st.Queued, 1)
	assert.Equal(t, "healthy", st.Latest[domain.TypeHealth].Fields["status"])

	rec = e.do(t, http.MethodGet, "/api/results/health?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var results []domain.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&results))
	require.Len(t, results, 1)
	assert.Equal(t, "tsk_1", results[0].TaskID)

	rec = e.do(t, http.MethodGet, "/api/results/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/results/health?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReports(t *testing.T) {
	e := setupServer(t, 0)
	require.NoError(t, e.agg.Record(context.Background(), domain.Result{TaskID: "tsk_1", Type: domain.TypeSecurity, Success: true, Timestamp: time.Now()}))

	rec := e.do(t, http.MethodGet, "/api/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep report.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rep))
	assert.Equal(t, []domain.TaskType{domain.TypeSecurity}, rep.Types)

	rec = e.do(t, http.MethodPost, "/api/reports", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var ar archiveResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ar))
	_, err := os.Stat(ar.Path)
	assert.NoError(t, err)
}

func TestSchedules(t *testing.T) {
	e := setupServer(t, 0)

	rec := e.do(t, http.MethodGet, "/api/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []scheduler.Entry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, domain.TypeHealth, entries[0].Type)

	rec = e.do(t, http.MethodGet, "/api/schedules/next?cron=*/5+*+*+*+*", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "next_run")

	rec = e.do(t, http.MethodGet, "/api/schedules/next?cron=whenever", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
