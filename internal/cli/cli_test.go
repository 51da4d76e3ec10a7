package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRunID = "0195b2a4-6c1e-7c3a-9f10-2a4b6c8d0e12"

// fakeAPI — минимальный stepflow-api для тестов CLI.
type fakeAPI struct {
	lastEvent SendEventRequest
	lastQuery string
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&f.lastEvent)
		writeJSON(w, http.StatusAccepted, EventResponse{EventID: "evt-1", RunIDs: []string{testRunID}})
	})

	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != testRunID {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]string{"code": "NOT_FOUND", "message": "run not found"},
			})
			return
		}
		writeJSON(w, http.StatusOK, RunDetail{
			Run: RunResponse{ID: testRunID, FunctionID: "hello-world", Status: "SLEEPING", Cursor: "processing", Attempt: 1},
			Steps: []StepResponse{
				{StepID: "fetching", Position: 0, Kind: "sleep", Status: "COMPLETED", Attempt: 1},
			},
			Timer: &TimerResponse{StepID: "processing", Reason: "sleep", WakeAt: "2026-03-01T12:00:10Z"},
		})
	})

	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, RunResponse{ID: r.PathValue("id"), Status: "FAILED", ErrorKind: "cancelled"})
	})

	mux.HandleFunc("GET /api/v1/functions/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		f.lastQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, RunPage{
			Runs:     []RunResponse{{ID: testRunID, FunctionID: r.PathValue("id"), Status: "COMPLETED"}},
			Total:    1,
			Page:     2,
			PageSize: 5,
		})
	})

	mux.HandleFunc("GET /api/v1/functions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"functions":[
			{"id":"hello-world","trigger":{"event":"test/hello.world"},"steps":[{"id":"a","kind":"sleep"},{"id":"b","kind":"run"}]},
			{"id":"nightly","trigger":{"cron":"0 3 * * *"},"steps":[{"id":"c","kind":"run"}]}
		]}`))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func execute(t *testing.T, api *fakeAPI, args ...string) (string, string, error) {
	t.Helper()

	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	var out, errOut bytes.Buffer
	root := NewRootCmd("test", &out, &errOut)
	root.SetArgs(append([]string{"--api-url", srv.URL}, args...))
	root.SetOut(&out)
	root.SetErr(&errOut)

	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestEventSend(t *testing.T) {
	api := &fakeAPI{}

	out, msg, err := execute(t, api, "event", "send", "test/hello.world",
		"--data", `{"email":"a@b.c"}`, "--set", "plan=pro", "--id", "evt-1")
	require.NoError(t, err)

	assert.Equal(t, "test/hello.world", api.lastEvent.Name)
	assert.Equal(t, "evt-1", api.lastEvent.ID)
	assert.Equal(t, map[string]any{"email": "a@b.c", "plan": "pro"}, api.lastEvent.Data)

	assert.Contains(t, msg, "Event accepted: evt-1 (1 runs)")
	assert.Contains(t, out, testRunID)
}

func TestEventSend_DataFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"n":1}`), 0o600))

	api := &fakeAPI{}
	_, _, err := execute(t, api, "event", "send", "x", "--data-file", path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(1)}, api.lastEvent.Data)
}

func TestEventSend_InvalidData(t *testing.T) {
	_, _, err := execute(t, &fakeAPI{}, "event", "send", "x", "--data", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid event data")

	_, _, err = execute(t, &fakeAPI{}, "event", "send", "x", "--set", "novalue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEY=VALUE")
}

func TestEventSend_JSON(t *testing.T) {
	out, _, err := execute(t, &fakeAPI{}, "--json", "event", "send", "x")
	require.NoError(t, err)

	var res EventResponse
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "evt-1", res.EventID)
	assert.Equal(t, []string{testRunID}, res.RunIDs)
}

func TestRunShow(t *testing.T) {
	out, _, err := execute(t, &fakeAPI{}, "run", "show", testRunID)
	require.NoError(t, err)

	assert.Contains(t, out, "hello-world")
	assert.Contains(t, out, "SLEEPING")
	assert.Contains(t, out, "fetching")
	assert.Contains(t, out, "Timer: sleep wakes processing at 2026-03-01T12:00:10Z")
}

func TestRunShow_NotFound(t *testing.T) {
	_, _, err := execute(t, &fakeAPI{}, "run", "show", "missing")
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND: run not found", err.Error())
}

func TestRunList(t *testing.T) {
	api := &fakeAPI{}

	out, msg, err := execute(t, api, "run", "list", "hello-world", "--status", "COMPLETED", "--page", "2", "--page-size", "5")
	require.NoError(t, err)

	assert.Equal(t, "page=2&page_size=5&status=COMPLETED", api.lastQuery)
	assert.Contains(t, out, testRunID)
	assert.Contains(t, msg, "Page 2 (5 per page), 1 total")
}

func TestRunCancel(t *testing.T) {
	_, msg, err := execute(t, &fakeAPI{}, "run", "cancel", testRunID)
	require.NoError(t, err)
	assert.Contains(t, msg, "Run cancelled: "+testRunID)
}

func TestFunctionList(t *testing.T) {
	out, _, err := execute(t, &fakeAPI{}, "function", "list")
	require.NoError(t, err)

	assert.Contains(t, out, "hello-world")
	assert.Contains(t, out, "test/hello.world")
	assert.Contains(t, out, "cron: 0 3 * * *")
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "", errorText("", ""))
	assert.Equal(t, "boom", errorText("", "boom"))
	assert.Equal(t, "transient", errorText("transient", ""))
	assert.Equal(t, "transient: boom", errorText("transient", "boom"))
}

func TestOutput_RunDetailWithoutSteps(t *testing.T) {
	var out, msg bytes.Buffer
	o := NewOutput(false, &out, &msg)

	o.RunDetail(&RunDetail{Run: RunResponse{ID: testRunID, FunctionID: "hello-world", Status: "PENDING", Cursor: "fetching"}})

	assert.Contains(t, out.String(), "PENDING")
	assert.Contains(t, out.String(), "No steps recorded yet.")
	assert.NotContains(t, out.String(), "Timer:")
	assert.Empty(t, msg.String())
}

func TestOutput_RunPageJSON(t *testing.T) {
	var out, msg bytes.Buffer
	o := NewOutput(true, &out, &msg)

	o.RunPage(&RunPage{
		Runs:     []RunResponse{{ID: testRunID, Status: "FAILED", ErrorKind: "cancelled"}},
		Total:    1,
		Page:     1,
		PageSize: 20,
	})

	var page RunPage
	require.NoError(t, json.Unmarshal(out.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "cancelled", page.Runs[0].ErrorKind)
	assert.Empty(t, msg.String(), "summary is for humans only")
}

func TestRunShow_JSON(t *testing.T) {
	out, _, err := execute(t, &fakeAPI{}, "--json", "run", "show", testRunID)
	require.NoError(t, err)

	var detail RunDetail
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, "SLEEPING", detail.Run.Status)
	require.NotNil(t, detail.Timer)
	assert.Equal(t, "processing", detail.Timer.StepID)
}
