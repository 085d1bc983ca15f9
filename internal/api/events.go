package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/transport"
)

// handleStreamEvents streams an agent's observations as SSE. Each message
// carries its sequence number as the event id; a client resumes with
// Last-Event-ID (or ?after=) and gets every later observation exactly once,
// first from the persisted history and then live.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	after := resumePoint(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before reading history so nothing published in between is
	// missed. A finished agent publishes nothing more.
	var live <-chan transport.Event
	if !model.IsTerminal(a.Status) {
		ch, unsub := s.hub.Broker().SubscribeAfter(a.ID, after)
		defer unsub()
		live = ch
	}

	history, err := s.store.GetAgentEvents(r.Context(), a.ID)
	if err != nil {
		s.logger.Error("get agent events", "agent_id", a.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get agent events")
		return
	}

	defer trackStream(streamSSE)()
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	last := after
	for _, e := range history {
		if e.Seq <= last {
			continue
		}
		if err := writeSSEMessage(w, e.Seq, e.Payload); err != nil {
			return
		}
		last = e.Seq
	}
	flush()

	if live == nil {
		_ = writeSSEEvent(w, "done", "stream complete")
		flush()
		return
	}

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if ev.Seq <= last {
				continue
			}
			if err := writeSSEMessage(w, ev.Seq, ev.Payload); err != nil {
				return
			}
			last = ev.Seq
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// resumePoint returns the last sequence number the client has seen, or -1.
func resumePoint(r *http.Request) int {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < -1 {
		return -1
	}
	return n
}

// eventHistoryItem is one persisted observation in the history response.
type eventHistoryItem struct {
	Seq       int    `json:"seq"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

// eventHistoryResponse is the JSON response for GET /v1/agents/{id}/events/history.
type eventHistoryResponse struct {
	AgentID string             `json:"agent_id"`
	Events  []eventHistoryItem `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireAgent(w, r)
	if !ok {
		return
	}

	events, err := s.store.GetAgentEvents(r.Context(), a.ID)
	if err != nil {
		s.logger.Error("get agent events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get agent events")
		return
	}

	items := make([]eventHistoryItem, len(events))
	for i, e := range events {
		items[i] = eventHistoryItem{
			Seq:       e.Seq,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		AgentID: a.ID,
		Events:  items,
	})
}

// writeSSEMessage writes payload as an SSE message with id seq.
func writeSSEMessage(w http.ResponseWriter, seq int, payload string) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", seq); err != nil {
		return err
	}
	return writeSSEData(w, payload)
}

// writeSSEData writes msg as an SSE data event. Multi-line strings are split
// so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, msg string) error {
	for seg := range strings.SplitSeq(msg, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
