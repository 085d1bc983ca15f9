package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/store"
	"github.com/seantiz/hermes/internal/workerpool"
)

// agentResponse is the JSON response for GET /v1/agents/{id}.
type agentResponse struct {
	*model.Agent
	Live bool `json:"live"`
}

// submitRequest is the JSON body for POST /v1/agents/{id}/submit.
type submitRequest struct {
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	_, live := s.pool.Agent(a.ID)
	s.writeJSON(w, http.StatusOK, agentResponse{Agent: a, Live: live})
}

func (s *Server) handleDisconnectAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	if !s.pool.Disconnect(a.ID) {
		s.writeError(w, http.StatusConflict, "agent is not running")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInitData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := s.pool.InitData(r.Context(), id)
	if errors.Is(err, workerpool.ErrUnknownAgent) {
		s.writeError(w, http.StatusNotFound, "agent not running")
		return
	}
	if err != nil {
		s.logger.Error("get init data", "agent_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get init data")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	// The socket outlives the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("clear write deadline for websocket", "error", err)
	}
	defer trackStream(streamWebSocket)()
	s.hub.ServeWS(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req submitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage(`{}`)
	}

	err := s.pool.Submit(id, req.Data)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, workerpool.ErrUnknownAgent):
		s.writeError(w, http.StatusNotFound, "agent not running")
	case errors.Is(err, workerpool.ErrAlreadySubmitted):
		s.writeError(w, http.StatusConflict, "agent already submitted")
	default:
		s.logger.Error("submit", "agent_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit")
	}
}

// requireAgent loads the agent record named by {id}, writing a 404 when it
// does not exist.
func (s *Server) requireAgent(w http.ResponseWriter, r *http.Request) (*model.Agent, bool) {
	id := chi.URLParam(r, "id")
	a, err := s.store.GetAgent(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get agent", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get agent")
		return nil, false
	}
	return a, true
}
