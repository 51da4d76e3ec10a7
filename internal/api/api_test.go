package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/eventbus"
	"github.com/shaiso/Stepflow/internal/orchestrator"
	"github.com/shaiso/Stepflow/internal/registry"
	"github.com/shaiso/Stepflow/internal/steps"
	"github.com/shaiso/Stepflow/internal/store/memory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	srv   *httptest.Server
	store *memory.Store
	orch  *orchestrator.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	fns, err := registry.New([]domain.FunctionDefinition{
		{
			ID:      "hello-world",
			Trigger: domain.Trigger{Event: "test/hello.world"},
			Steps: []domain.StepSpec{
				{ID: "fetching", Kind: domain.StepKindSleep, Duration: "5s"},
				{ID: "done", Kind: domain.StepKindRun, Action: steps.ActionTransform},
			},
		},
		{
			ID:      "nightly",
			Trigger: domain.Trigger{Cron: "0 3 * * *"},
			Steps:   []domain.StepSpec{{ID: "wait", Kind: domain.StepKindSleep, Duration: "1s"}},
		},
	}, nil)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(epoch)
	st := memory.New()

	orch := orchestrator.New(orchestrator.Config{
		Store:     st,
		Functions: fns,
		Actions:   steps.DefaultRegistry(),
		Clock:     clock,
		Logger:    logger,
	})
	bus := eventbus.New(eventbus.Config{
		Runs:      st,
		Functions: fns,
		Clock:     clock,
		Logger:    logger,
	})

	h := NewHandler(Config{
		Events:    bus,
		Store:     st,
		Functions: fns,
		Canceller: orch,
		Logger:    logger,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: st, orch: orch}
}

func (s *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) sendEvent(t *testing.T, body string) SendEventResponse {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/v1/events", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[SendEventResponse](t, resp)
}

func TestSendEvent_CreatesRun(t *testing.T) {
	s := newTestServer(t)

	res := s.sendEvent(t, `{"name":"test/hello.world","data":{"email":"a@b.c"}}`)
	assert.NotEmpty(t, res.EventID)
	require.Len(t, res.RunIDs, 1)

	resp := s.do(t, http.MethodGet, "/api/v1/runs/"+res.RunIDs[0].String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	detail := decode[RunDetailResponse](t, resp)
	assert.Equal(t, "hello-world", detail.Run.FunctionID)
	assert.Equal(t, domain.RunStatusPending, detail.Run.Status)
	assert.Equal(t, "fetching", detail.Run.Cursor)
	assert.Equal(t, "hello-world:"+res.EventID, detail.Run.IdempotencyKey)
	assert.Equal(t, "a@b.c", detail.Run.Event.Data["email"])
	assert.Empty(t, detail.Steps)
	assert.Nil(t, detail.Timer)
}

func TestSendEvent_SameIDIsIdempotent(t *testing.T) {
	s := newTestServer(t)

	first := s.sendEvent(t, `{"name":"test/hello.world","id":"evt-1"}`)
	second := s.sendEvent(t, `{"name":"test/hello.world","id":"evt-1"}`)

	assert.Equal(t, "evt-1", first.EventID)
	assert.Equal(t, first.RunIDs, second.RunIDs)
}

func TestSendEvent_NoSubscribers(t *testing.T) {
	s := newTestServer(t)

	res := s.sendEvent(t, `{"name":"test/unknown"}`)
	assert.NotEmpty(t, res.EventID)
	assert.NotNil(t, res.RunIDs)
	assert.Empty(t, res.RunIDs)
}

func TestSendEvent_BadRequest(t *testing.T) {
	s := newTestServer(t)

	for _, body := range []string{`{"name":`, `{"data":{}}`, `{"name":""}`} {
		resp := s.do(t, http.MethodPost, "/api/v1/events", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)

		e := decode[ErrorResponse](t, resp)
		assert.Equal(t, ErrCodeBadRequest, e.Error.Code)
	}
}

func TestGetRun_ShowsTraceAndTimer(t *testing.T) {
	s := newTestServer(t)
	res := s.sendEvent(t, `{"name":"test/hello.world"}`)
	runID := res.RunIDs[0]

	require.NoError(t, s.orch.Advance(context.Background(), runID))

	resp := s.do(t, http.MethodGet, "/api/v1/runs/"+runID.String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	detail := decode[RunDetailResponse](t, resp)
	assert.Equal(t, domain.RunStatusSleeping, detail.Run.Status)
	require.NotNil(t, detail.Timer)
	assert.Equal(t, "fetching", detail.Timer.StepID)
	assert.Equal(t, domain.TimerReasonSleep, detail.Timer.Reason)
	assert.True(t, detail.Timer.WakeAt.Equal(epoch.Add(5*time.Second)))
}

func TestGetRun_Errors(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/v1/runs/00000000-0000-0000-0000-000000000001", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	s := newTestServer(t)
	res := s.sendEvent(t, `{"name":"test/hello.world"}`)
	runID := res.RunIDs[0]
	require.NoError(t, s.orch.Advance(context.Background(), runID))

	resp := s.do(t, http.MethodPost, "/api/v1/runs/"+runID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	run := decode[RunResponse](t, resp)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.ErrorKindCancelled, run.ErrorKind)

	resp = s.do(t, http.MethodGet, "/api/v1/runs/"+runID.String(), "")
	detail := decode[RunDetailResponse](t, resp)
	assert.Nil(t, detail.Timer, "cancel removes the pending timer")

	resp = s.do(t, http.MethodPost, "/api/v1/runs/"+runID.String()+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/v1/runs/00000000-0000-0000-0000-000000000001/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListFunctions(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/v1/functions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decode[FunctionListResponse](t, resp)
	require.Len(t, list.Functions, 2)
	assert.Equal(t, "hello-world", list.Functions[0].ID)
	assert.Equal(t, "test/hello.world", list.Functions[0].Trigger.Event)
	assert.Equal(t, []StepSummary{
		{ID: "fetching", Kind: domain.StepKindSleep},
		{ID: "done", Kind: domain.StepKindRun},
	}, list.Functions[0].Steps)
	assert.Equal(t, "0 3 * * *", list.Functions[1].Trigger.Cron)
}

func TestListFunctionRuns_Pagination(t *testing.T) {
	s := newTestServer(t)
	for range 3 {
		s.sendEvent(t, `{"name":"test/hello.world"}`)
	}

	resp := s.do(t, http.MethodGet, "/api/v1/functions/hello-world/runs?page_size=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[RunPageResponse](t, resp)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 2, page.PageSize)
	assert.Len(t, page.Runs, 2)

	resp = s.do(t, http.MethodGet, "/api/v1/functions/hello-world/runs?page=2&page_size=2", "")
	page = decode[RunPageResponse](t, resp)
	assert.Len(t, page.Runs, 1)

	resp = s.do(t, http.MethodGet, "/api/v1/functions/hello-world/runs?status=COMPLETED", "")
	page = decode[RunPageResponse](t, resp)
	assert.Equal(t, 0, page.Total)
	assert.Empty(t, page.Runs)
	assert.Equal(t, defaultPageSize, page.PageSize)
}

func TestListFunctionRuns_Errors(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/v1/functions/missing/runs", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, q := range []string{"page=0", "page=x", "page_size=-1"} {
		resp := s.do(t, http.MethodGet, "/api/v1/functions/hello-world/runs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}

	resp = s.do(t, http.MethodGet, "/api/v1/functions/hello-world/runs?page_size=1000", "")
	page := decode[RunPageResponse](t, resp)
	assert.Equal(t, maxPageSize, page.PageSize)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.sendEvent(t, `{"name":"test/hello.world"}`)

	resp = s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(body, []byte("stepflow_http_requests_total")))
	assert.True(t, bytes.Contains(body, []byte(`route="POST /api/v1/events"`)))
}

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
