package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-validation/internal/config"
	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/monitoring"
	"github.com/sells-group/provider-validation/internal/progress"
	"github.com/sells-group/provider-validation/internal/store"
)

// stubRunner records the runs it was asked to start.
type stubRunner struct {
	mu    sync.Mutex
	calls map[string][]model.Record
	done  chan string
}

func newStubRunner() *stubRunner {
	return &stubRunner{calls: make(map[string][]model.Record), done: make(chan string, 8)}
}

func (r *stubRunner) RunWithID(_ context.Context, runID string, recs []model.Record) (*model.ValidationRun, error) {
	r.mu.Lock()
	r.calls[runID] = recs
	r.mu.Unlock()
	r.done <- runID
	return &model.ValidationRun{ID: runID, Status: model.RunStatusCompleted}, nil
}

func (r *stubRunner) records(runID string) []model.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[runID]
}

type testServer struct {
	*server
	store  store.Store
	runner *stubRunner
	events *progress.Broadcaster
	http   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := newTestStore(t)
	r := newStubRunner()
	events := progress.NewBroadcaster(16)
	s := newServer(context.Background(), st, r, events)
	ts := httptest.NewServer(s.routes([]string{"*"}))
	t.Cleanup(func() {
		events.Close()
		ts.Close()
		s.wait()
	})
	return &testServer{server: s, store: st, runner: r, events: events, http: ts}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var decoded any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	obj, _ := decoded.(map[string]any)
	return resp, obj
}

func waitForRun(t *testing.T, r *stubRunner) string {
	t.Helper()
	select {
	case id := <-r.done:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("run was not started")
		return ""
	}
}

func TestServe_Health(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestServe_StartRunWithRecords(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/runs",
		`{"records":[{"id":"rec-1","identifier":"1234567893","first_name":"Jane","last_name":"Doe"}]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", body["status"])
	assert.EqualValues(t, 1, body["records"])

	runID := waitForRun(t, ts.runner)
	assert.Equal(t, body["run_id"], runID)
	recs := ts.runner.records(runID)
	require.Len(t, recs, 1)
	assert.Equal(t, "Jane", recs[0].FirstName)

	// Posted records are imported so they can be corrected later.
	stored, err := ts.store.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "Doe", stored.LastName)
}

func TestServe_StartRunWithRecordIDs(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.UpsertRecord(context.Background(), janeDoe()))

	resp, _ := ts.do(t, http.MethodPost, "/runs", `{"record_ids":["rec-1"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	runID := waitForRun(t, ts.runner)
	recs := ts.runner.records(runID)
	require.Len(t, recs, 1)
	assert.Equal(t, "1234567893", recs[0].Identifier)
}

func TestServe_StartRunErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"empty request", `{}`, http.StatusBadRequest},
		{"both inputs", `{"records":[{"id":"a","identifier":"1"}],"record_ids":["a"]}`, http.StatusBadRequest},
		{"unknown record id", `{"record_ids":["nope"]}`, http.StatusNotFound},
		{"record without key", `{"records":[{"last_name":"Doe"}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/runs", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Empty(t, ts.runner.done)
}

func TestServe_GetRunAndRecord(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.store.UpsertRecord(ctx, janeDoe()))
	require.NoError(t, ts.store.CreateRun(ctx, model.ValidationRun{
		ID: "run-1", Status: model.RunStatusRunning, StartedAt: time.Now().UTC(),
	}))

	resp, body := ts.do(t, http.MethodGet, "/runs/run-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "run-1", body["id"])
	assert.Equal(t, "running", body["status"])

	resp, body = ts.do(t, http.MethodGet, "/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", body["error"])

	resp, body = ts.do(t, http.MethodGet, "/records/rec-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Jane", body["first_name"])

	resp, _ = ts.do(t, http.MethodGet, "/records/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServe_ListRuns(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	resp, err := http.Get(ts.http.URL + "/runs")
	require.NoError(t, err)
	var empty []model.ValidationRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	resp.Body.Close() //nolint:errcheck
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	for _, id := range []string{"run-a", "run-b"} {
		require.NoError(t, ts.store.CreateRun(ctx, model.ValidationRun{ID: id, Status: model.RunStatusRunning, StartedAt: time.Now().UTC()}))
	}

	resp, err = http.Get(ts.http.URL + "/runs?status=running&limit=1")
	require.NoError(t, err)
	var runs []model.ValidationRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	resp.Body.Close() //nolint:errcheck
	assert.Len(t, runs, 1)

	bad, body := ts.do(t, http.MethodGet, "/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	assert.Contains(t, body["error"], "limit")
}

func TestServe_ListTrust(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.PutTrust(context.Background(), model.TrustEntry{
		Source: "npi_registry", Field: "name", Score: 0.8, TotalValidations: 1, SuccessCount: 1,
		LearningRate: 0.1, LastUpdated: time.Now().UTC(),
	}))

	resp, err := http.Get(ts.http.URL + "/trust")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var entries []model.TrustEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "npi_registry", entries[0].Source)
}

func TestServe_MetricsNotConfigured(t *testing.T) {
	s := newServer(context.Background(), newTestStore(t), newStubRunner(), progress.NewBroadcaster(1))
	rec := httptest.NewRecorder()
	s.routes([]string{"*"}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "monitoring not configured")
}

func TestServe_Metrics(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateRun(context.Background(), model.ValidationRun{
		ID: "run-1", Status: model.RunStatusRunning, StartedAt: time.Now().UTC(),
	}))

	s := newServer(context.Background(), st, newStubRunner(), progress.NewBroadcaster(1))
	mcfg := config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.1}
	s.health = monitoring.NewChecker(monitoring.NewCollector(st, st), monitoring.NewAlerter(mcfg), mcfg)

	rec := httptest.NewRecorder()
	s.routes([]string{"*"}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Metrics monitoring.MetricsSnapshot `json:"metrics"`
		Alerts  []monitoring.Alert         `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Metrics.RunsRunning)
	assert.NotNil(t, body.Alerts)
	assert.Empty(t, body.Alerts)
}

func TestServe_CORS(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.http.URL+"/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://directory.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServe_EventStream(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.http.URL+"/events?run_id=run-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	ts.events.Emit(progress.Event{Kind: progress.EventRunProgress, RunID: "run-other", Percent: 10})
	ts.events.Emit(progress.Event{Kind: progress.EventRunProgress, RunID: "run-1", Percent: 30, Stage: "validation"})

	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}

	assert.Equal(t, string(progress.EventRunProgress), eventLine)
	var got progress.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.InDelta(t, 30.0, got.Percent, 0.001)
	assert.Equal(t, "validation", got.Stage)

	cancel()
	assert.Eventually(t, func() bool { return ts.events.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}
