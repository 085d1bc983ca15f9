// Package agent models a connected remote client working on an onboarding or
// a unit, together with its append-only state.
package agent

import (
	"encoding/json"
	"sync"
	"time"
)

// Event kinds recorded in State.
const (
	EventLiveUpdate  = "live_update"
	EventObservation = "observation"
	EventSubmit      = "submit"
)

// Event is one entry in an agent's state log.
type Event struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// State is the append-only record of an agent: an initial snapshot set once,
// then a log of observed events. It is safe for concurrent use.
type State struct {
	agentID string
	unitID  string

	mu      sync.RWMutex
	init    json.RawMessage
	hasInit bool
	events  []Event
}

// NewState creates an empty state for the agent working on unitID. unitID is
// empty for onboarding agents.
func NewState(agentID, unitID string) *State {
	return &State{agentID: agentID, unitID: unitID}
}

// AgentID returns the owning agent's ID.
func (s *State) AgentID() string { return s.agentID }

// UnitID returns the unit the agent works on.
func (s *State) UnitID() string { return s.unitID }

// GetInitState returns the initial snapshot, or nil if none was stored yet.
func (s *State) GetInitState() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasInit {
		return nil
	}
	return cloneRaw(s.init)
}

// SetInitState stores the initial snapshot. Only the first call has an
// effect; it reports whether data was stored.
func (s *State) SetInitState(data json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasInit {
		return false
	}
	s.init = cloneRaw(data)
	s.hasInit = true
	return true
}

// DecodeInitState unmarshals the initial snapshot into v. It is a no-op
// returning false when no snapshot exists.
func (s *State) DecodeInitState(v any) (bool, error) {
	raw := s.GetInitState()
	if raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Append records an event.
func (s *State) Append(kind string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{
		Kind:      kind,
		Payload:   cloneRaw(payload),
		Timestamp: time.Now().UTC(),
	})
}

// Events returns a copy of the event log in append order.
func (s *State) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
