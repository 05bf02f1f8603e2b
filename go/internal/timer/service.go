package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tempohq/tempo/go/internal/auth"
	"github.com/tempohq/tempo/go/internal/metrics"
	"github.com/tempohq/tempo/go/internal/models"
)

// TimerApp defines what the service layer needs from the timer application
type TimerApp interface {
	StartTimer(ctx context.Context, userID string, req StartTimerRequest) (*models.TimeEntry, error)
	StopTimer(ctx context.Context, userID string, endTime *time.Time) (*models.TimeEntry, error)
	PauseTimer(ctx context.Context, userID string) (*models.TimeEntry, error)
	GetActiveTimer(ctx context.Context, userID string) (*models.TimeEntry, error)
	GetTimerState(ctx context.Context, userID string) (*models.TimerState, error)
	ResolveTimerConflict(ctx context.Context, userID string, action ResolutionAction) (string, error)
	ForceStopAllTimers(ctx context.Context, userID string) ([]models.TimeEntry, error)
	ValidateTimerState(ctx context.Context, userID string) (*ValidationResult, error)
}

// Service exposes the timer over REST under /api/timer.
type Service struct {
	app TimerApp
}

// NewService creates a new timer REST service
func NewService(app TimerApp) *Service {
	return &Service{app: app}
}

// StopTimerRequest is the body of stop; EndTime defaults to now.
type StopTimerRequest struct {
	EndTime *time.Time `json:"endTime"`
}

// ResolveConflictRequest is the body of resolve-conflict.
type ResolveConflictRequest struct {
	Action ResolutionAction `json:"action"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error            string            `json:"error"`
	Code             string            `json:"code"`
	ConflictingEntry *models.TimeEntry `json:"conflictingEntry,omitempty"`
}

// RegisterRoutes mounts the timer routes on mux behind authn.
func (s *Service) RegisterRoutes(mux *http.ServeMux, authn func(http.Handler) http.Handler) {
	routes := []struct {
		pattern string
		name    string
		handler http.HandlerFunc
	}{
		{"POST /api/timer/start", "start", s.StartTimer},
		{"POST /api/timer/stop", "stop", s.StopTimer},
		{"POST /api/timer/pause", "pause", s.PauseTimer},
		{"GET /api/timer/active", "active", s.GetActiveTimer},
		{"GET /api/timer/state", "state", s.GetTimerState},
		{"POST /api/timer/resolve-conflict", "resolve_conflict", s.ResolveConflict},
		{"POST /api/timer/force-stop-all", "force_stop_all", s.ForceStopAll},
		{"GET /api/timer/validate", "validate", s.ValidateState},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, authn(instrument(rt.name, rt.handler)))
	}
}

// StartTimer handles POST /api/timer/start
func (s *Service) StartTimer(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req StartTimerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	entry, err := s.app.StartTimer(r.Context(), userID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// StopTimer handles POST /api/timer/stop
func (s *Service) StopTimer(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req StopTimerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	entry, err := s.app.StopTimer(r.Context(), userID, req.EndTime)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// PauseTimer handles POST /api/timer/pause
func (s *Service) PauseTimer(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	entry, err := s.app.PauseTimer(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetActiveTimer handles GET /api/timer/active
func (s *Service) GetActiveTimer(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	entry, err := s.app.GetActiveTimer(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activeTimer":    entry,
		"hasActiveTimer": entry != nil,
	})
}

// GetTimerState handles GET /api/timer/state
func (s *Service) GetTimerState(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	state, err := s.app.GetTimerState(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ResolveConflict handles POST /api/timer/resolve-conflict
func (s *Service) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req ResolveConflictRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	msg, err := s.app.ResolveTimerConflict(r.Context(), userID, req.Action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// ForceStopAll handles POST /api/timer/force-stop-all
func (s *Service) ForceStopAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	stopped, err := s.app.ForceStopAllTimers(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stoppedTimers": stopped,
		"count":         len(stopped),
	})
}

// ValidateState handles GET /api/timer/validate
func (s *Service) ValidateState(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	result, err := s.app.ValidateTimerState(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "authentication required", Code: "UNAUTHORIZED"})
		return "", false
	}
	return id.UserID, true
}

// StatusCode maps a timer error to its HTTP status.
func StatusCode(err error) int {
	switch ErrorCode(err) {
	case CodeTimerConflict:
		return http.StatusConflict
	case CodeNoActiveTimer, CodeProjectNotAccessible:
		return http.StatusNotFound
	case CodeInvalidTimeRange, CodeInvalidResolution, CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	resp := ErrorResponse{Error: PublicMessage(err), Code: ErrorCode(err)}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		resp.ConflictingEntry = conflict.Entry
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("timer request failed")
	} else {
		log.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("timer request rejected")
	}
	writeJSON(w, status, resp)
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: malformed body: %v", ErrInvalidRequest, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
