package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/export"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/resilience"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/scheduler"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/trigger"
)

// MaxRequestSize bounds manual export request bodies.
const MaxRequestSize = 64 * 1024

var (
	errBodyTooLarge     = errors.New("request body too large")
	errTriggersDisabled = errors.New("manual exports are disabled")
)

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StatusResponse is returned by /api/status.
type StatusResponse struct {
	Circuit   resilience.BreakerStats `json:"circuit"`
	Scheduler *scheduler.Status       `json:"scheduler,omitempty"`
	LastRun   *export.RunSummary      `json:"last_run,omitempty"`
	Manual    *trigger.LimiterStatus  `json:"manual_exports,omitempty"`
}

// SubmitResponse is returned by POST /api/exports.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.deps.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	if s.deps.Breaker != nil {
		resp.Circuit = s.deps.Breaker.Stats()
	}
	if s.deps.Scheduler != nil {
		st := s.deps.Scheduler.Status()
		resp.Scheduler = &st
	}
	if s.deps.Runs != nil {
		if last, ok := s.deps.Runs.LastRun(); ok {
			resp.LastRun = &last
		}
	}
	if s.deps.Submitter != nil {
		st := s.deps.Submitter.Limiter().Status()
		resp.Manual = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSubmitExport accepts a trigger descriptor and dispatches it in the
// background. The response only confirms acceptance.
func (s *Server) handleSubmitExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submitter == nil {
		respondError(w, r, errTriggersDisabled)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, r, errBodyTooLarge)
			return
		}
		respondError(w, r, fmt.Errorf("%w: %v", trigger.ErrInvalidRequest, err))
		return
	}

	req, err := trigger.DecodeRequest(body)
	if err != nil {
		respondError(w, r, err)
		return
	}

	id, err := s.deps.Submitter.Submit(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{RequestID: id, Status: "accepted"})
}
