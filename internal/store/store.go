package store

import (
	"context"
	"errors"

	"github.com/seantiz/hermes/internal/model"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when an agent status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoAvailableUnits is returned by ClaimUnit when every unit of the run is taken.
	ErrNoAvailableUnits = errors.New("no available units")
)

// CredentialStore is the read-only query surface used for admission control.
type CredentialStore interface {
	FindGrantedQualifications(ctx context.Context, workerID string) ([]model.GrantedQualification, error)
	FindGrantedQualificationsFor(ctx context.Context, qualificationID, workerID string) ([]model.GrantedQualification, error)
	FindQualificationsByName(ctx context.Context, name string) ([]model.Qualification, error)
}

// Store defines the persistence operations for workers, qualifications, units,
// agents and agent events.
type Store interface {
	CredentialStore

	CreateWorker(ctx context.Context, w *model.Worker) error
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	GetWorkerByName(ctx context.Context, name string) (*model.Worker, error)

	MakeQualification(ctx context.Context, name string) (*model.Qualification, error)
	GrantQualification(ctx context.Context, qualificationID, workerID string, value int) error
	RevokeQualification(ctx context.Context, qualificationID, workerID string) error

	CreateUnit(ctx context.Context, u *model.Unit) error
	GetUnit(ctx context.Context, id string) (*model.Unit, error)
	ListUnits(ctx context.Context, taskRunID string) ([]*model.Unit, error)
	UpdateUnitStatus(ctx context.Context, id, status string) error
	ClaimUnit(ctx context.Context, taskRunID, agentID string) (*model.Unit, error)

	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	UpdateAgentStatus(ctx context.Context, id, status string) error

	InsertAgentEvent(ctx context.Context, agentID string, seq int, payload string) error
	GetAgentEvents(ctx context.Context, agentID string) ([]model.AgentEvent, error)

	Close() error
}
