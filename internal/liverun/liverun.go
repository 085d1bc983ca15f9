// Package liverun groups the components serving one task run and shuts them
// down in dependency order.
package liverun

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCheckInterval is how often the supervisor looks for runs that asked
// to be torn down.
const DefaultCheckInterval = time.Second

// Shutdowner is a component with an idempotent Shutdown.
type Shutdowner interface {
	Shutdown()
}

// Components are the parts of a run in shutdown order: the engine first so
// no loop is left dispatching, then the worker pool, then the I/O hub.
type Components struct {
	Engine     Shutdowner
	WorkerPool Shutdowner
	Hub        Shutdowner
}

// Run is one live task run.
type Run struct {
	ID         string
	components Components
	logger     *slog.Logger

	forceShutdown atomic.Bool
	once          sync.Once
	done          chan struct{}
}

// New creates a run. Nil components are skipped on shutdown.
func New(id string, c Components, logger *slog.Logger) *Run {
	return &Run{
		ID:         id,
		components: c,
		logger:     logger.With("task_run_id", id),
		done:       make(chan struct{}),
	}
}

// RequestForceShutdown marks the run for teardown by its supervisor.
func (r *Run) RequestForceShutdown(reason error) {
	if r.forceShutdown.CompareAndSwap(false, true) {
		r.logger.Error("live run requested force shutdown", "error", reason)
	}
}

// ForceShutdownRequested reports whether RequestForceShutdown was called.
func (r *Run) ForceShutdownRequested() bool {
	return r.forceShutdown.Load()
}

// Shutdown stops the engine, worker pool and hub in that order. Only the
// first call does anything; later calls wait for it to finish.
func (r *Run) Shutdown() {
	r.once.Do(func() {
		r.logger.Info("shutting down live run")
		for _, c := range []struct {
			name string
			s    Shutdowner
		}{
			{"engine", r.components.Engine},
			{"worker_pool", r.components.WorkerPool},
			{"hub", r.components.Hub},
		} {
			if c.s == nil {
				continue
			}
			start := time.Now()
			c.s.Shutdown()
			r.logger.Info("component shut down", "component", c.name, "duration_ms", time.Since(start).Milliseconds())
		}
		close(r.done)
	})
	<-r.done
}

// Done is closed when Shutdown has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Supervisor watches live runs.
type Supervisor struct {
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// NewSupervisor creates a supervisor checking runs every interval.
func NewSupervisor(interval time.Duration, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Supervisor{interval: interval, logger: logger, runs: make(map[string]*Run)}
}

// Add starts supervising r.
func (s *Supervisor) Add(r *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
}

// Get returns a supervised run.
func (s *Supervisor) Get(id string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

// Len returns the number of supervised runs.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Run tears down runs that requested force shutdown until ctx is cancelled,
// then shuts down every remaining run.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Supervisor) reap() {
	s.mu.Lock()
	var forced []*Run
	for id, r := range s.runs {
		if r.ForceShutdownRequested() {
			forced = append(forced, r)
			delete(s.runs, id)
		}
	}
	s.mu.Unlock()

	for _, r := range forced {
		s.logger.Warn("tearing down live run", "task_run_id", r.ID)
		r.Shutdown()
	}
}

// Shutdown shuts down every supervised run.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	runs := make([]*Run, 0, len(s.runs))
	for id, r := range s.runs {
		runs = append(runs, r)
		delete(s.runs, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runs {
		wg.Go(r.Shutdown)
	}
	wg.Wait()
}
