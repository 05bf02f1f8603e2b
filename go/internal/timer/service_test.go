package timer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tempohq/tempo/go/internal/auth"
	"github.com/tempohq/tempo/go/internal/models"
)

const serviceSecret = "service-secret"

func newTestServer(t *testing.T, app TimerApp) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewService(app).RegisterRoutes(mux, auth.NewAuthenticator(serviceSecret, nil).Middleware)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, userID string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "" {
		token, err := auth.GenerateToken(serviceSecret, auth.Claims{UserID: userID}, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestRESTTimerLifecycle(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env.app)

	var started models.TimeEntry
	if code := doJSON(t, srv, http.MethodPost, "/api/timer/start", "u1", StartTimerRequest{ProjectID: "p1", Description: "api"}, &started); code != http.StatusCreated {
		t.Fatalf("start: status %d", code)
	}
	if !started.IsRunning || started.ProjectID != "p1" {
		t.Fatalf("unexpected entry %+v", started)
	}

	var conflict ErrorResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/timer/start", "u1", StartTimerRequest{ProjectID: "p2"}, &conflict); code != http.StatusConflict {
		t.Fatalf("second start: status %d", code)
	}
	if conflict.Code != CodeTimerConflict || conflict.ConflictingEntry == nil || conflict.ConflictingEntry.ID != started.ID {
		t.Fatalf("unexpected conflict body %+v", conflict)
	}

	var active struct {
		ActiveTimer    *models.TimeEntry `json:"activeTimer"`
		HasActiveTimer bool              `json:"hasActiveTimer"`
	}
	if code := doJSON(t, srv, http.MethodGet, "/api/timer/active", "u1", nil, &active); code != http.StatusOK {
		t.Fatalf("active: status %d", code)
	}
	if !active.HasActiveTimer || active.ActiveTimer.ID != started.ID {
		t.Fatalf("unexpected active body %+v", active)
	}

	env.clock.Advance(2 * time.Minute)
	var state models.TimerState
	if code := doJSON(t, srv, http.MethodGet, "/api/timer/state", "u1", nil, &state); code != http.StatusOK {
		t.Fatalf("state: status %d", code)
	}
	if !state.IsRunning || state.ElapsedSeconds != 120 {
		t.Fatalf("unexpected state %+v", state)
	}

	early := t0.Add(-time.Minute)
	var rangeErr ErrorResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/timer/stop", "u1", StopTimerRequest{EndTime: &early}, &rangeErr); code != http.StatusBadRequest {
		t.Fatalf("stop before start: status %d", code)
	}
	if rangeErr.Code != CodeInvalidTimeRange {
		t.Fatalf("code = %s", rangeErr.Code)
	}

	var stopped models.TimeEntry
	if code := doJSON(t, srv, http.MethodPost, "/api/timer/stop", "u1", nil, &stopped); code != http.StatusOK {
		t.Fatalf("stop: status %d", code)
	}
	if stopped.IsRunning || stopped.Duration != 120 {
		t.Fatalf("unexpected stopped entry %+v", stopped)
	}

	var none ErrorResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/timer/pause", "u1", struct{}{}, &none); code != http.StatusNotFound {
		t.Fatalf("pause without timer: status %d", code)
	}
	if none.Code != CodeNoActiveTimer {
		t.Fatalf("code = %s", none.Code)
	}

	var validation ValidationResult
	if code := doJSON(t, srv, http.MethodGet, "/api/timer/validate", "u1", nil, &validation); code != http.StatusOK {
		t.Fatalf("validate: status %d", code)
	}
	if !validation.IsValid {
		t.Fatalf("unexpected issues %v", validation.Issues)
	}
}

func TestRESTProjectNotAccessible(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env.app)

	var body ErrorResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/timer/start", "u1", StartTimerRequest{ProjectID: "p3"}, &body); code != http.StatusNotFound {
		t.Fatalf("status %d", code)
	}
	if body.Code != CodeProjectNotAccessible {
		t.Fatalf("code = %s", body.Code)
	}

	if code := doJSON(t, srv, http.MethodPost, "/api/timer/start", "u1", StartTimerRequest{}, &body); code != http.StatusBadRequest {
		t.Fatalf("missing project: status %d", code)
	}
}

func TestRESTResolveConflictAndForceStop(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env.app)

	if code := doJSON(t, srv, http.MethodPost, "/api/timer/start", "u1", StartTimerRequest{ProjectID: "p1"}, nil); code != http.StatusCreated {
		t.Fatalf("start: status %d", code)
	}

	var bad ErrorResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/timer/resolve-conflict", "u1", ResolveConflictRequest{Action: "merge"}, &bad); code != http.StatusBadRequest {
		t.Fatalf("bad action: status %d", code)
	}
	if bad.Code != CodeInvalidResolution {
		t.Fatalf("code = %s", bad.Code)
	}

	var msg map[string]string
	if code := doJSON(t, srv, http.MethodPost, "/api/timer/resolve-conflict", "u1", ResolveConflictRequest{Action: ResolveCancelNew}, &msg); code != http.StatusOK {
		t.Fatalf("cancel_new: status %d", code)
	}
	if msg["message"] == "" {
		t.Fatal("expected message")
	}

	var forced struct {
		StoppedTimers []models.TimeEntry `json:"stoppedTimers"`
		Count         int                `json:"count"`
	}
	if code := doJSON(t, srv, http.MethodPost, "/api/timer/force-stop-all", "u1", nil, &forced); code != http.StatusOK {
		t.Fatalf("force-stop-all: status %d", code)
	}
	if forced.Count != 1 || len(forced.StoppedTimers) != 1 || forced.StoppedTimers[0].IsRunning {
		t.Fatalf("unexpected force stop body %+v", forced)
	}
}

func TestRESTRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env.app)
	if code := doJSON(t, srv, http.MethodGet, "/api/timer/state", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", code)
	}
}

func TestRESTMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env.app)

	token, err := auth.GenerateToken(serviceSecret, auth.Claims{UserID: "u1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/timer/start", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

type failingApp struct {
	TimerApp
}

func (failingApp) GetTimerState(context.Context, string) (*models.TimerState, error) {
	return nil, errors.New("connection reset by peer")
}

func TestRESTInternalErrorIsGeneric(t *testing.T) {
	srv := newTestServer(t, failingApp{})
	var body ErrorResponse
	if code := doJSON(t, srv, http.MethodGet, "/api/timer/state", "u1", nil, &body); code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", code)
	}
	if body.Error != "internal server error" || body.Code != CodeInternal {
		t.Fatalf("leaked error body %+v", body)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ConflictError{}, http.StatusConflict},
		{ErrNoActiveTimer, http.StatusNotFound},
		{ErrProjectNotAccessible, http.StatusNotFound},
		{ErrInvalidTimeRange, http.StatusBadRequest},
		{ErrInvalidResolution, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
