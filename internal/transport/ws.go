package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/hermes/internal/agent"
	"github.com/seantiz/hermes/internal/model"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Inbound frame types.
const (
	FrameLiveUpdate = "live_update"
	FrameSubmit     = "submit"
)

// Frame is a message sent by a client.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Target    string          `json:"target,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// argsText normalizes args to JSON text. Clients may send the arguments as a
// JSON string holding JSON, or as a JSON value.
func argsText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "{}"
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return trimmed
}

// ServeWS upgrades the request and connects it to the attached agent.
// Responses for the agent are written to the socket; frames from the socket
// are queued on the agent.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, agentID string) {
	a, ok := h.Agent(agentID)
	if !ok {
		http.Error(w, ErrUnknownAgent.Error(), http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	// A reconnecting client passes the last sequence number it saw.
	var (
		msgs  <-chan Event
		unsub func()
	)
	if after, err := strconv.Atoi(r.URL.Query().Get("after")); err == nil {
		msgs, unsub = h.broker.SubscribeAfter(agentID, after)
	} else {
		msgs, unsub = h.broker.Subscribe(agentID)
	}
	writerDone := make(chan struct{})
	go h.writePump(conn, msgs, writerDone)

	h.readPump(conn, a)

	unsub()
	<-writerDone
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()

	if h.hooks.OnDisconnect != nil && !a.AwaitSubmit(r.Context(), 0) {
		h.hooks.OnDisconnect(agentID)
	}
}

func (h *Hub) readPump(conn *websocket.Conn, a *agent.Live) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("websocket read failed", "agent_id", a.ID(), "error", err)
			}
			return
		}

		switch f.Type {
		case FrameLiveUpdate, "":
			a.EnqueueLiveUpdate(model.LiveUpdate{
				RequestID: f.RequestID,
				Target:    f.Target,
				Args:      argsText(f.Args),
			})
		case FrameSubmit:
			if a.Submit(f.Data) && h.hooks.OnSubmit != nil {
				h.hooks.OnSubmit(a.ID(), f.Data)
			}
		default:
			h.logger.Warn("unknown frame type", "agent_id", a.ID(), "type", f.Type)
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, msgs <-chan Event, done chan<- struct{}) {
	defer close(done)
	for ev := range msgs {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ev.Payload)); err != nil {
			// Unblock the reader so the connection is torn down.
			conn.Close()
			for range msgs {
			}
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.SetReadDeadline(time.Now().Add(writeWait))
}
