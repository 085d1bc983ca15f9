package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/hermes/internal/model"
)

// Agent is what the dispatch loop needs from a connected client.
type Agent interface {
	ID() string
	WorkerID() string
	UnitID() string
	Kind() string
	State() *State

	// PendingLiveUpdate pops the oldest unhandled live update, if any.
	PendingLiveUpdate() (model.LiveUpdate, bool)

	// Observe sends an observation back to the client.
	Observe(ctx context.Context, obs model.Observation) error

	// AwaitSubmit waits up to timeout for the agent to submit. A zero timeout
	// only checks.
	AwaitSubmit(ctx context.Context, timeout time.Duration) bool
}

// Publisher delivers observations to the client side of an agent.
type Publisher interface {
	PublishObservation(ctx context.Context, agentID string, obs model.Observation) error
}

// Live is an Agent fed by a transport: live updates are queued by the
// transport reader and observations are handed to a Publisher.
type Live struct {
	id       string
	workerID string
	unitID   string
	kind     string
	state    *State
	pub      Publisher

	mu         sync.Mutex
	queue      []model.LiveUpdate
	submitted  chan struct{}
	submitData json.RawMessage
}

// NewLive creates a live agent. unitID is empty for onboarding agents.
func NewLive(id, workerID, unitID, kind string, pub Publisher) *Live {
	return &Live{
		id:        id,
		workerID:  workerID,
		unitID:    unitID,
		kind:      kind,
		state:     NewState(id, unitID),
		pub:       pub,
		submitted: make(chan struct{}),
	}
}

func (a *Live) ID() string       { return a.id }
func (a *Live) WorkerID() string { return a.workerID }
func (a *Live) UnitID() string   { return a.unitID }
func (a *Live) Kind() string     { return a.kind }
func (a *Live) State() *State    { return a.state }

// EnqueueLiveUpdate appends u to the agent's FIFO of pending updates.
func (a *Live) EnqueueLiveUpdate(u model.LiveUpdate) {
	a.mu.Lock()
	a.queue = append(a.queue, u)
	a.mu.Unlock()

	if payload, err := json.Marshal(u); err == nil {
		a.state.Append(EventLiveUpdate, payload)
	}
}

// PendingLiveUpdate implements Agent.
func (a *Live) PendingLiveUpdate() (model.LiveUpdate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return model.LiveUpdate{}, false
	}
	u := a.queue[0]
	a.queue[0] = model.LiveUpdate{}
	a.queue = a.queue[1:]
	return u, true
}

// Pending returns the number of queued live updates.
func (a *Live) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Observe implements Agent.
func (a *Live) Observe(ctx context.Context, obs model.Observation) error {
	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}
	a.state.Append(EventObservation, payload)

	if a.pub == nil {
		return nil
	}
	if err := a.pub.PublishObservation(ctx, a.id, obs); err != nil {
		return fmt.Errorf("publish observation: %w", err)
	}
	return nil
}

// Submit records the agent's final data. Only the first submit is kept; it
// reports whether this call was the one that submitted.
func (a *Live) Submit(data json.RawMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.submitted:
		return false
	default:
	}
	a.submitData = cloneRaw(data)
	close(a.submitted)
	a.state.Append(EventSubmit, data)
	return true
}

// SubmitData returns the submitted data, or nil before a submit.
func (a *Live) SubmitData() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneRaw(a.submitData)
}

// AwaitSubmit implements Agent.
func (a *Live) AwaitSubmit(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-a.submitted:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-a.submitted:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
