package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/hermes/internal/admission"
	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/store"
	"github.com/seantiz/hermes/internal/workerpool"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// registerWorkerRequest is the JSON body for POST /v1/workers.
type registerWorkerRequest struct {
	Name string `json:"name"`
}

// qualificationRequest is the JSON body for POST /v1/qualifications.
type qualificationRequest struct {
	Name string `json:"name"`
}

// grantRequest is the JSON body for POST /v1/workers/{id}/qualifications.
type grantRequest struct {
	Name  string `json:"name"`
	Value *int   `json:"value"`
}

// eligibilityResponse is the JSON response for GET /v1/workers/{id}/eligibility.
type eligibilityResponse struct {
	WorkerID    string                 `json:"worker_id"`
	Eligible    bool                   `json:"eligible"`
	ReasonCode  string                 `json:"reason_code"`
	Message     string                 `json:"message"`
	Requirement *admission.Requirement `json:"requirement,omitempty"`
}

// refusalResponse is returned when a worker cannot be given an agent.
type refusalResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	worker, err := s.pool.RegisterWorker(r.Context(), req.Name)
	if err != nil {
		s.logger.Error("register worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to register worker")
		return
	}
	s.writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleCreateQualification(w http.ResponseWriter, r *http.Request) {
	var req qualificationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	id, err := admission.FindOrCreateQualification(r.Context(), s.store, req.Name)
	if err != nil {
		s.logger.Error("create qualification", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create qualification")
		return
	}
	s.writeJSON(w, http.StatusOK, model.Qualification{ID: id, Name: req.Name})
}

func (s *Server) handleListGranted(w http.ResponseWriter, r *http.Request) {
	workerID, ok := s.requireWorker(w, r)
	if !ok {
		return
	}
	granted, err := s.store.FindGrantedQualifications(r.Context(), workerID)
	if err != nil {
		s.logger.Error("list granted qualifications", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list qualifications")
		return
	}
	if granted == nil {
		granted = []model.GrantedQualification{}
	}
	s.writeJSON(w, http.StatusOK, granted)
}

func (s *Server) handleGrantQualification(w http.ResponseWriter, r *http.Request) {
	workerID, ok := s.requireWorker(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	value := 1
	if req.Value != nil {
		value = *req.Value
	}

	qualID, err := admission.FindOrCreateQualification(r.Context(), s.store, req.Name)
	if err == nil {
		err = s.store.GrantQualification(r.Context(), qualID, workerID, value)
	}
	if err != nil {
		s.logger.Error("grant qualification", "worker_id", workerID, "qualification_name", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to grant qualification")
		return
	}

	s.logger.Info("qualification granted", "worker_id", workerID, "qualification_name", req.Name, "value", value)
	s.writeJSON(w, http.StatusOK, model.GrantedQualification{QualificationID: qualID, WorkerID: workerID, Value: value})
}

func (s *Server) handleRevokeQualification(w http.ResponseWriter, r *http.Request) {
	workerID, ok := s.requireWorker(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	quals, err := s.store.FindQualificationsByName(r.Context(), name)
	if err != nil {
		s.logger.Error("find qualification", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to revoke qualification")
		return
	}

	revoked := false
	for _, q := range quals {
		err := s.store.RevokeQualification(r.Context(), q.ID, workerID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("revoke qualification", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to revoke qualification")
			return
		}
		revoked = true
	}
	if !revoked {
		s.writeError(w, http.StatusNotFound, "qualification not granted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	d, err := s.pool.Eligibility(r.Context(), workerID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		s.logger.Error("evaluate eligibility", "worker_id", workerID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to evaluate eligibility")
		return
	}
	s.writeJSON(w, http.StatusOK, eligibilityResponse{
		WorkerID:    workerID,
		Eligible:    d.Eligible,
		ReasonCode:  d.ReasonCode,
		Message:     d.Message,
		Requirement: d.Requirement,
	})
}

func (s *Server) handleAssignUnit(w http.ResponseWriter, r *http.Request) {
	asg, err := s.pool.AssignUnit(r.Context(), chi.URLParam(r, "id"))
	s.writeAssignment(w, asg, err)
}

func (s *Server) handleAssignOnboarding(w http.ResponseWriter, r *http.Request) {
	asg, err := s.pool.AssignOnboarding(r.Context(), chi.URLParam(r, "id"))
	s.writeAssignment(w, asg, err)
}

func (s *Server) writeAssignment(w http.ResponseWriter, asg workerpool.Assignment, err error) {
	var refused *workerpool.RefusedError
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusCreated, asg)
	case errors.As(err, &refused):
		assignmentRefusals.WithLabelValues(refused.Code).Inc()
		s.writeJSON(w, http.StatusConflict, refusalResponse{Error: refused.Message, Code: refused.Code})
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "worker not found")
	case errors.Is(err, workerpool.ErrNoOnboarding):
		s.writeError(w, http.StatusNotFound, "task run has no onboarding")
	case errors.Is(err, workerpool.ErrShutdown):
		s.writeError(w, http.StatusServiceUnavailable, "task run is shutting down")
	default:
		s.logger.Error("assign agent", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to assign agent")
	}
}

// requireWorker resolves the {id} URL parameter to an existing worker,
// writing a 404 when it does not exist.
func (s *Server) requireWorker(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	_, err := s.store.GetWorker(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return "", false
	}
	if err != nil {
		s.logger.Error("get worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get worker")
		return "", false
	}
	return id, true
}

// decodeBody decodes a size-limited JSON request body into v, writing a 400
// on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
