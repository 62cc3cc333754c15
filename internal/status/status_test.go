package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voicecal/internal/pipeline"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, NewRouter(filepath.Join(t.TempDir(), "state.json")), "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestStateBeforeFirstCycle(t *testing.T) {
	rec := get(t, NewRouter(filepath.Join(t.TempDir(), "state.json")), "/state")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStateReportsLastCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	want := pipeline.State{
		LastRunTime:   time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC),
		LastRunStatus: pipeline.StatusSuccess,
		EventsCreated: 3,
		EventsFailed:  1,
	}
	if err := pipeline.WriteState(path, want); err != nil {
		t.Fatal(err)
	}

	rec := get(t, NewRouter(path), "/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got pipeline.State
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.EventsCreated != 3 || got.EventsFailed != 1 || !got.LastRunTime.Equal(want.LastRunTime) {
		t.Fatalf("state = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewRouter(filepath.Join(t.TempDir(), "state.json"))
	get(t, h, "/healthz")
	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `voicecal_http_request_duration_seconds_count{method="GET",route="/healthz",status="200"}`) {
		t.Fatal("request histogram missing healthz sample")
	}
}
