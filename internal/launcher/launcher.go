// Package launcher creates the units of a task run and hands them out to
// agents one at a time.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/store"
)

// UnitStore is the storage surface the launcher uses.
type UnitStore interface {
	CreateUnit(ctx context.Context, u *model.Unit) error
	GetUnit(ctx context.Context, id string) (*model.Unit, error)
	ListUnits(ctx context.Context, taskRunID string) ([]*model.Unit, error)
	UpdateUnitStatus(ctx context.Context, id, status string) error
	ClaimUnit(ctx context.Context, taskRunID, agentID string) (*model.Unit, error)
}

// Launcher owns the units of one task run.
type Launcher struct {
	store     UnitStore
	taskRunID string
	logger    *slog.Logger

	mu       sync.Mutex
	next     int
	shutdown bool
}

// New creates a launcher for taskRunID.
func New(s UnitStore, taskRunID string, logger *slog.Logger) *Launcher {
	return &Launcher{store: s, taskRunID: taskRunID, logger: logger}
}

// TaskRunID returns the run the launcher serves.
func (l *Launcher) TaskRunID() string { return l.taskRunID }

// Launch creates n new units carrying data, indexed after any units launched
// earlier.
func (l *Launcher) Launch(ctx context.Context, n int, data json.RawMessage) ([]*model.Unit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return nil, fmt.Errorf("launcher for run %s is shut down", l.taskRunID)
	}

	units := make([]*model.Unit, 0, n)
	for range n {
		u := &model.Unit{
			ID:        model.NewID(),
			TaskRunID: l.taskRunID,
			Index:     l.next,
			Status:    model.UnitLaunched,
			Data:      data,
			CreatedAt: time.Now().UTC(),
		}
		if err := l.store.CreateUnit(ctx, u); err != nil {
			return units, fmt.Errorf("launch unit %d: %w", l.next, err)
		}
		l.next++
		units = append(units, u)
	}

	l.logger.Info("units launched", "task_run_id", l.taskRunID, "count", n)
	return units, nil
}

// Claim assigns the next launched unit to agentID. It returns
// store.ErrNoAvailableUnits when every unit is taken.
func (l *Launcher) Claim(ctx context.Context, agentID string) (*model.Unit, error) {
	l.mu.Lock()
	down := l.shutdown
	l.mu.Unlock()
	if down {
		return nil, store.ErrNoAvailableUnits
	}
	return l.store.ClaimUnit(ctx, l.taskRunID, agentID)
}

// Release returns an unfinished unit to the pool so another agent can claim it.
func (l *Launcher) Release(ctx context.Context, unitID string) error {
	status := model.UnitLaunched
	l.mu.Lock()
	if l.shutdown {
		status = model.UnitExpired
	}
	l.mu.Unlock()

	if err := l.store.UpdateUnitStatus(ctx, unitID, status); err != nil {
		return fmt.Errorf("release unit %s: %w", unitID, err)
	}
	return nil
}

// Complete marks a unit as finished.
func (l *Launcher) Complete(ctx context.Context, unitID string) error {
	if err := l.store.UpdateUnitStatus(ctx, unitID, model.UnitCompleted); err != nil {
		return fmt.Errorf("complete unit %s: %w", unitID, err)
	}
	return nil
}

// Units lists the run's units by index.
func (l *Launcher) Units(ctx context.Context) ([]*model.Unit, error) {
	return l.store.ListUnits(ctx, l.taskRunID)
}

// Unit returns one unit of the run.
func (l *Launcher) Unit(ctx context.Context, unitID string) (*model.Unit, error) {
	u, err := l.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if u.TaskRunID != l.taskRunID {
		return nil, store.ErrNotFound
	}
	return u, nil
}

// Shutdown stops handing out units and expires every unit still waiting
// for an agent. It is safe to call more than once.
func (l *Launcher) Shutdown() {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return
	}
	l.shutdown = true
	l.mu.Unlock()

	ctx := context.Background()
	units, err := l.store.ListUnits(ctx, l.taskRunID)
	if err != nil {
		l.logger.Error("failed to list units on shutdown", "task_run_id", l.taskRunID, "error", err)
		return
	}

	var errs []error
	expired := 0
	for _, u := range units {
		if u.Status != model.UnitLaunched {
			continue
		}
		if err := l.store.UpdateUnitStatus(ctx, u.ID, model.UnitExpired); err != nil {
			errs = append(errs, err)
			continue
		}
		expired++
	}
	if err := errors.Join(errs...); err != nil {
		l.logger.Error("failed to expire units", "task_run_id", l.taskRunID, "error", err)
	}
	l.logger.Info("launcher shut down", "task_run_id", l.taskRunID, "expired", expired)
}
