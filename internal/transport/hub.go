package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/seantiz/hermes/internal/agent"
	"github.com/seantiz/hermes/internal/bridge"
	"github.com/seantiz/hermes/internal/model"
)

// ErrUnknownAgent is returned for agents that are not attached to the hub.
var ErrUnknownAgent = errors.New("agent not attached")

// EventStore persists published observations.
type EventStore interface {
	InsertAgentEvent(ctx context.Context, agentID string, seq int, payload string) error
}

// Hooks are called by the hub when a client acts on an agent.
type Hooks struct {
	// OnSubmit runs when a client submits final data over the socket.
	OnSubmit func(agentID string, data json.RawMessage)

	// OnDisconnect runs when the client's socket closes.
	OnDisconnect func(agentID string)
}

// Hub owns the client I/O of a live run.
type Hub struct {
	loop     *bridge.Loop
	broker   *Broker
	events   EventStore
	logger   *slog.Logger
	hooks    Hooks
	upgrader websocket.Upgrader

	mu     sync.Mutex
	agents map[string]*agent.Live
	seqs   map[string]int
	conns  map[*websocket.Conn]struct{}

	shutdownOnce sync.Once
}

// NewHub creates a hub. events may be nil to skip persistence.
func NewHub(events EventStore, logger *slog.Logger, hooks Hooks) *Hub {
	return &Hub{
		loop:   bridge.New(),
		broker: NewBroker(),
		events: events,
		logger: logger,
		hooks:  hooks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		agents: make(map[string]*agent.Live),
		seqs:   make(map[string]int),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Run drives the hub's bridge loop until ctx is cancelled or Shutdown is
// called.
func (h *Hub) Run(ctx context.Context) error {
	err := h.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Loop returns the hub's bridge loop.
func (h *Hub) Loop() *bridge.Loop { return h.loop }

// Broker returns the observation broker for review subscribers.
func (h *Hub) Broker() *Broker { return h.broker }

// Attach registers a so clients can connect to it.
func (h *Hub) Attach(a *agent.Live) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agents[a.ID()] = a
}

// Agent returns an attached agent.
func (h *Hub) Agent(agentID string) (*agent.Live, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.agents[agentID]
	return a, ok
}

// Detach removes the agent and closes its observation topic once every
// observation already handed to the loop has been published.
func (h *Hub) Detach(agentID string) {
	h.mu.Lock()
	delete(h.agents, agentID)
	delete(h.seqs, agentID)
	h.mu.Unlock()

	if err := h.loop.Schedule(context.Background(), func(context.Context) {
		h.broker.Close(agentID)
	}); err != nil {
		h.broker.Close(agentID)
	}
}

// PublishObservation persists obs and schedules its delivery on the bridge
// loop. It never blocks on subscribers.
func (h *Hub) PublishObservation(ctx context.Context, agentID string, obs model.Observation) error {
	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}
	msg := string(payload)

	h.mu.Lock()
	seq := h.seqs[agentID]
	h.seqs[agentID] = seq + 1
	h.mu.Unlock()

	if h.events != nil {
		if err := h.events.InsertAgentEvent(ctx, agentID, seq, msg); err != nil {
			h.logger.Error("failed to persist observation", "agent_id", agentID, "seq", seq, "error", err)
		}
	}

	if err := h.loop.Schedule(ctx, func(context.Context) {
		h.broker.Publish(agentID, Event{Seq: seq, Payload: msg})
	}); err != nil {
		return fmt.Errorf("schedule observation: %w", err)
	}
	return nil
}

// Shutdown stops the bridge loop after pending deliveries, closes every
// topic, and closes open sockets. It is safe to call more than once.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.loop.Close()
		h.broker.CloseAll()

		h.mu.Lock()
		conns := make([]*websocket.Conn, 0, len(h.conns))
		for c := range h.conns {
			conns = append(conns, c)
		}
		h.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
}
