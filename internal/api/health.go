package api

import (
	"net/http"
)

type healthResponse struct {
	Status     string   `json:"status"`
	TaskRunID  string   `json:"task_run_id,omitempty"`
	Procedures []string `json:"procedures"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Procedures: []string{}}
	if s.launcher != nil {
		resp.TaskRunID = s.launcher.TaskRunID()
	}
	if s.registry != nil {
		resp.Procedures = s.registry.Names()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
