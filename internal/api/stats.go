package api

import (
	"net/http"

	"github.com/seantiz/hermes/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	TaskRunID string         `json:"task_run_id"`
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
}

// listUnitsResponse wraps the paginated unit list.
type listUnitsResponse struct {
	Units  []*model.Unit `json:"units"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	units, err := s.launcher.Units(r.Context())
	if err != nil {
		s.logger.Error("list units for stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	byStatus := map[string]int{}
	for _, u := range units {
		byStatus[u.Status]++
	}
	s.writeJSON(w, http.StatusOK, statsResponse{
		TaskRunID: s.launcher.TaskRunID(),
		Total:     len(units),
		ByStatus:  byStatus,
	})
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	all, err := s.launcher.Units(r.Context())
	if err != nil {
		s.logger.Error("list units", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list units")
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := all[:0]
		for _, u := range all {
			if u.Status == status {
				filtered = append(filtered, u)
			}
		}
		all = filtered
	}

	page := []*model.Unit{}
	if offset < len(all) {
		page = all[offset:min(offset+limit, len(all))]
	}

	s.writeJSON(w, http.StatusOK, listUnitsResponse{
		Units:  page,
		Total:  len(all),
		Limit:  limit,
		Offset: offset,
	})
}
