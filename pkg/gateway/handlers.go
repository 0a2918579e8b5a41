package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/autopilot/pkg/session"
)

const (
	maxRequestBody = 1 << 20
	writeWait      = 10 * time.Second
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if err := s.filter.CheckPrompt(req.Prompt); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.SessionID == "" {
		id, err := gonanoid.New()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate session id")
			return
		}
		req.SessionID = id
	}
	if err := session.ValidateID(req.SessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	create := func() (CreateJobResponse, error) {
		job, err := s.submit(req.SessionID, req.Prompt)
		if err != nil {
			return CreateJobResponse{}, err
		}
		return CreateJobResponse{JobID: job.ID, SessionID: job.SessionID}, nil
	}

	var (
		resp     CreateJobResponse
		replayed bool
		err      error
	)
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		if len(key) > maxIdempotencyKeyLen {
			writeError(w, http.StatusBadRequest, "idempotency key is too long")
			return
		}
		resp, replayed, err = s.dedup.Do(key, create)
	} else {
		resp, err = create()
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to submit job")
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	if replayed {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.List())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job.Cancel()
	writeJSON(w, http.StatusAccepted, job.View())
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.history.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrInvalidSessionID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("Failed to read session history")
		writeError(w, http.StatusInternalServerError, "failed to read session history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}
