package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/hermes/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServerWith(t, testOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var stats statsResponse
	if code := doJSON(t, "GET", ts.URL+"/v1/stats", nil, &stats); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if stats.Total != 0 || len(stats.ByStatus) != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TaskRunID != "run-test" {
		t.Errorf("task_run_id = %q", stats.TaskRunID)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServerWith(t, testOptions{units: 3})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	assignAgent(t, ts.URL, "alice")

	var stats statsResponse
	doJSON(t, "GET", ts.URL+"/v1/stats", nil, &stats)
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[model.UnitLaunched] != 2 || stats.ByStatus[model.UnitAssigned] != 1 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
}

func TestListUnitsPagination(t *testing.T) {
	srv := newTestServerWith(t, testOptions{units: 5})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		query     string
		wantLen   int
		wantFirst int
		wantLimit int
	}{
		{"", 5, 0, defaultListLimit},
		{"?limit=2", 2, 0, 2},
		{"?limit=2&offset=4", 1, 4, 2},
		{"?limit=0", 5, 0, defaultListLimit},
		{"?limit=500&offset=-3", 5, 0, defaultListLimit},
	}
	for _, tt := range tests {
		var resp listUnitsResponse
		if code := doJSON(t, "GET", ts.URL+"/v1/units"+tt.query, nil, &resp); code != http.StatusOK {
			t.Fatalf("%s: status = %d", tt.query, code)
		}
		if len(resp.Units) != tt.wantLen || resp.Total != 5 || resp.Limit != tt.wantLimit {
			t.Errorf("%q: got %d units, total %d, limit %d", tt.query, len(resp.Units), resp.Total, resp.Limit)
			continue
		}
		if resp.Units[0].Index != tt.wantFirst {
			t.Errorf("%q: first index = %d, want %d", tt.query, resp.Units[0].Index, tt.wantFirst)
		}
	}

	var empty listUnitsResponse
	doJSON(t, "GET", ts.URL+"/v1/units?offset=10", nil, &empty)
	if len(empty.Units) != 0 || empty.Units == nil {
		t.Errorf("past-the-end page = %+v", empty.Units)
	}
}
