package model

import (
	"encoding/json"
	"time"
)

// Agent kinds.
const (
	KindOnboarding = "onboarding"
	KindUnit       = "unit"
)

// Agent status constants. An agent starts in StatusWaitingForSubmit and ends in
// one of the terminal statuses.
const (
	StatusWaitingForSubmit  = "waiting_for_submit"
	StatusProcessingRequest = "processing_request"
	StatusSubmitted         = "submitted"
	StatusExpired           = "expired"
	StatusDisconnected      = "disconnected"
)

// Unit status constants.
const (
	UnitLaunched  = "launched"
	UnitAssigned  = "assigned"
	UnitCompleted = "completed"
	UnitExpired   = "expired"
)

// validTransitions maps each agent status to the statuses it may move to.
var validTransitions = map[string]map[string]bool{
	StatusWaitingForSubmit: {
		StatusProcessingRequest: true,
		StatusSubmitted:         true,
		StatusExpired:           true,
		StatusDisconnected:      true,
	},
	StatusProcessingRequest: {
		StatusWaitingForSubmit: true,
		StatusSubmitted:        true,
		StatusExpired:          true,
		StatusDisconnected:     true,
	},
}

// ValidTransition reports whether an agent may move from one status to another.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status ends an agent's participation.
func IsTerminal(status string) bool {
	return status == StatusSubmitted || status == StatusExpired || status == StatusDisconnected
}

// Worker is a person (or test harness) that connects to do work.
type Worker struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Unit is one piece of work inside a task run.
type Unit struct {
	ID        string          `json:"id"`
	TaskRunID string          `json:"task_run_id"`
	Index     int             `json:"unit_index"`
	Status    string          `json:"status"`
	AgentID   string          `json:"agent_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Agent is the persisted record of one worker's participation in a unit or an
// onboarding session.
type Agent struct {
	ID         string     `json:"id"`
	WorkerID   string     `json:"worker_id"`
	UnitID     string     `json:"unit_id,omitempty"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// AgentEvent is one entry of an agent's append-only observation log.
type AgentEvent struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Seq       int       `json:"seq"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Qualification names a credential that can be granted to workers.
type Qualification struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// GrantedQualification records that a worker holds a qualification with a value.
type GrantedQualification struct {
	QualificationID string    `json:"qualification_id"`
	WorkerID        string    `json:"worker_id"`
	Value           int       `json:"value"`
	GrantedAt       time.Time `json:"granted_at"`
}

// LiveUpdate is an inbound request from an agent to run a named procedure.
// Args carries the JSON-encoded argument payload as text.
type LiveUpdate struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
	Args      string `json:"args"`
}

// Observation is the message published back to an agent in reply to a live
// update. Response holds the JSON-encoded procedure result.
type Observation struct {
	Handles  string `json:"handles"`
	Response string `json:"response"`
}
