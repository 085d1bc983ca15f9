// Package workerpool registers workers, gates them through admission control
// and turns accepted assignments into running agents.
package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/hermes/internal/admission"
	"github.com/seantiz/hermes/internal/agent"
	"github.com/seantiz/hermes/internal/engine"
	"github.com/seantiz/hermes/internal/launcher"
	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/store"
	"github.com/seantiz/hermes/internal/transport"
)

var (
	// ErrUnknownAgent is returned for agents the pool is not running.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAlreadySubmitted is returned when an agent submits twice.
	ErrAlreadySubmitted = errors.New("agent already submitted")

	// ErrNoOnboarding is returned by AssignOnboarding when the run has no
	// onboarding qualification.
	ErrNoOnboarding = errors.New("run has no onboarding")

	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("worker pool shut down")
)

// Refusal codes.
const (
	CodeNotQualified       = "not_qualified"
	CodeOnboardingRequired = "onboarding_required"
	CodeTooManyConcurrent  = "too_many_concurrent"
	CodeNoAvailableUnits   = "no_available_units"
	CodeAlreadyOnboarded   = "already_onboarded"
)

// RefusedError explains why a worker did not get an agent.
type RefusedError struct {
	Code    string
	Message string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("assignment refused (%s): %s", e.Code, e.Message)
}

func refused(code, msg string) error {
	return &RefusedError{Code: code, Message: msg}
}

// Options configure admission and onboarding for the run.
type Options struct {
	Requirements []admission.Requirement
	Admission    admission.Options

	// MaxConcurrent caps the unit agents one worker may hold at once. Zero
	// means no cap.
	MaxConcurrent int

	// OnboardingQualification, when set, must be granted before a worker can
	// take units. Passing onboarding grants it.
	OnboardingQualification string

	// OnboardingData is the initial state given to onboarding agents.
	OnboardingData json.RawMessage
}

// Assignment describes an agent handed to a worker.
type Assignment struct {
	AgentID  string `json:"agent_id"`
	WorkerID string `json:"worker_id"`
	UnitID   string `json:"unit_id,omitempty"`
	Kind     string `json:"kind"`
}

// Pool ties workers to agents for one live run.
type Pool struct {
	store     store.Store
	admission *admission.Engine
	engine    *engine.Engine
	hub       *transport.Hub
	launcher  *launcher.Launcher
	logger    *slog.Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	agents   map[string]*agent.Live
	byWorker map[string]map[string]struct{}
	closed   bool

	shutdownOnce sync.Once
}

// New creates a pool. Agent loops run until their own end or Shutdown, not
// until the request that created them finishes.
func New(s store.Store, adm *admission.Engine, eng *engine.Engine, hub *transport.Hub, l *launcher.Launcher, logger *slog.Logger, opts Options) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:     s,
		admission: adm,
		engine:    eng,
		hub:       hub,
		launcher:  l,
		logger:    logger,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		agents:    make(map[string]*agent.Live),
		byWorker:  make(map[string]map[string]struct{}),
	}
}

// RegisterWorker returns the worker called name, creating it on first use.
func (p *Pool) RegisterWorker(ctx context.Context, name string) (*model.Worker, error) {
	w, err := p.store.GetWorkerByName(ctx, name)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up worker: %w", err)
	}

	w = &model.Worker{ID: model.NewID(), Name: name, CreatedAt: time.Now().UTC()}
	if err := p.store.CreateWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	p.logger.Info("worker registered", "worker_id", w.ID, "name", name)
	return w, nil
}

// Eligibility evaluates the run's requirements for workerID.
func (p *Pool) Eligibility(ctx context.Context, workerID string) (admission.Decision, error) {
	if _, err := p.store.GetWorker(ctx, workerID); err != nil {
		return admission.Decision{}, fmt.Errorf("get worker: %w", err)
	}
	return p.admission.Evaluate(ctx, workerID, p.opts.Requirements, p.opts.Admission)
}

// AssignUnit claims a unit for workerID and starts an agent on it. A
// *RefusedError reports why no agent was started.
func (p *Pool) AssignUnit(ctx context.Context, workerID string) (Assignment, error) {
	if err := p.checkOpen(); err != nil {
		return Assignment{}, err
	}
	d, err := p.Eligibility(ctx, workerID)
	if err != nil {
		return Assignment{}, err
	}
	if !d.Eligible {
		return Assignment{}, refused(CodeNotQualified, admission.NotQualified)
	}

	if p.opts.OnboardingQualification != "" {
		passed, err := p.hasQualification(ctx, workerID, p.opts.OnboardingQualification)
		if err != nil {
			return Assignment{}, err
		}
		if !passed {
			return Assignment{}, refused(CodeOnboardingRequired, admission.NotQualified)
		}
	}

	if p.opts.MaxConcurrent > 0 && p.activeUnits(workerID) >= p.opts.MaxConcurrent {
		return Assignment{}, refused(CodeTooManyConcurrent, admission.TooManyConcurrent)
	}

	agentID := model.NewID()
	unit, err := p.launcher.Claim(ctx, agentID)
	if errors.Is(err, store.ErrNoAvailableUnits) {
		return Assignment{}, refused(CodeNoAvailableUnits, admission.NoAvailableUnits)
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("claim unit: %w", err)
	}

	a, err := p.start(ctx, agentID, workerID, unit.ID, model.KindUnit)
	if err != nil {
		if rerr := p.launcher.Release(context.Background(), unit.ID); rerr != nil {
			p.logger.Error("failed to release unit", "unit_id", unit.ID, "error", rerr)
		}
		return Assignment{}, err
	}
	return a, nil
}

// AssignOnboarding starts an onboarding agent for workerID. It requires an
// onboarding qualification to be configured and not yet granted.
func (p *Pool) AssignOnboarding(ctx context.Context, workerID string) (Assignment, error) {
	if err := p.checkOpen(); err != nil {
		return Assignment{}, err
	}
	if p.opts.OnboardingQualification == "" {
		return Assignment{}, ErrNoOnboarding
	}
	if _, err := p.store.GetWorker(ctx, workerID); err != nil {
		return Assignment{}, fmt.Errorf("get worker: %w", err)
	}
	passed, err := p.hasQualification(ctx, workerID, p.opts.OnboardingQualification)
	if err != nil {
		return Assignment{}, err
	}
	if passed {
		return Assignment{}, refused(CodeAlreadyOnboarded, admission.TaskMissing)
	}
	return p.start(ctx, model.NewID(), workerID, "", model.KindOnboarding)
}

func (p *Pool) start(ctx context.Context, agentID, workerID, unitID, kind string) (Assignment, error) {
	rec := &model.Agent{
		ID:        agentID,
		WorkerID:  workerID,
		UnitID:    unitID,
		Kind:      kind,
		Status:    model.StatusWaitingForSubmit,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.CreateAgent(ctx, rec); err != nil {
		return Assignment{}, fmt.Errorf("create agent: %w", err)
	}

	a := agent.NewLive(agentID, workerID, unitID, kind, p.hub)
	p.hub.Attach(a)
	p.track(a)

	if err := p.engine.Launch(p.ctx, a, p.finish); err != nil {
		p.untrack(a)
		p.hub.Detach(agentID)
		if serr := p.store.UpdateAgentStatus(context.Background(), agentID, model.StatusDisconnected); serr != nil {
			p.logger.Error("failed to close agent record", "agent_id", agentID, "error", serr)
		}
		return Assignment{}, fmt.Errorf("launch agent: %w", err)
	}

	p.logger.Info("agent started", "agent_id", agentID, "worker_id", workerID, "unit_id", unitID, "kind", kind)
	return Assignment{AgentID: agentID, WorkerID: workerID, UnitID: unitID, Kind: kind}, nil
}

// finish runs after an agent's dispatch loop ends.
func (p *Pool) finish(a agent.Agent, status string, loopErr error) {
	ctx := context.Background()
	p.hub.Detach(a.ID())
	live, _ := p.lookup(a.ID())
	p.untrackID(a.WorkerID(), a.ID())

	logger := p.logger.With("agent_id", a.ID(), "worker_id", a.WorkerID(), "status", status)
	if loopErr != nil {
		logger = logger.With("error", loopErr)
	}

	switch a.Kind() {
	case model.KindUnit:
		var err error
		if status == model.StatusSubmitted {
			err = p.launcher.Complete(ctx, a.UnitID())
		} else {
			err = p.launcher.Release(ctx, a.UnitID())
		}
		if err != nil {
			logger.Error("failed to settle unit", "unit_id", a.UnitID(), "error", err)
		}
	case model.KindOnboarding:
		if status == model.StatusSubmitted {
			if err := p.grantOnboarding(ctx, a.WorkerID()); err != nil {
				logger.Error("failed to grant onboarding qualification", "error", err)
			}
		}
	}

	var submitted int
	if live != nil {
		submitted = len(live.SubmitData())
	}
	logger.Info("agent finished", "kind", a.Kind(), "submit_bytes", submitted)
}

func (p *Pool) grantOnboarding(ctx context.Context, workerID string) error {
	qualID, err := admission.FindOrCreateQualification(ctx, p.store, p.opts.OnboardingQualification)
	if err != nil {
		return err
	}
	return p.store.GrantQualification(ctx, qualID, workerID, 1)
}

func (p *Pool) hasQualification(ctx context.Context, workerID, name string) (bool, error) {
	quals, err := p.store.FindQualificationsByName(ctx, name)
	if err != nil {
		return false, fmt.Errorf("find qualification: %w", err)
	}
	for _, q := range quals {
		granted, err := p.store.FindGrantedQualificationsFor(ctx, q.ID, workerID)
		if err != nil {
			return false, fmt.Errorf("find granted qualification: %w", err)
		}
		if len(granted) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Agent returns a running agent.
func (p *Pool) Agent(agentID string) (*agent.Live, bool) {
	return p.lookup(agentID)
}

// InitData returns the agent's initial state, storing it on first request:
// the unit's data for unit agents, the onboarding data for onboarding agents.
func (p *Pool) InitData(ctx context.Context, agentID string) (json.RawMessage, error) {
	a, ok := p.lookup(agentID)
	if !ok {
		return nil, ErrUnknownAgent
	}
	st := a.State()
	if init := st.GetInitState(); init != nil {
		return init, nil
	}

	data := p.opts.OnboardingData
	if a.Kind() == model.KindUnit {
		u, err := p.launcher.Unit(ctx, a.UnitID())
		if err != nil {
			return nil, fmt.Errorf("get unit: %w", err)
		}
		data = u.Data
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	st.SetInitState(data)
	return st.GetInitState(), nil
}

// Submit records final data for agentID. Its loop ends as submitted.
func (p *Pool) Submit(agentID string, data json.RawMessage) error {
	a, ok := p.lookup(agentID)
	if !ok {
		return ErrUnknownAgent
	}
	if !a.Submit(data) {
		return ErrAlreadySubmitted
	}
	p.Submitted(agentID, data)
	return nil
}

// Submitted logs a submit that already reached the agent. It is the hub's
// submit hook.
func (p *Pool) Submitted(agentID string, data json.RawMessage) {
	p.logger.Info("agent submitted", "agent_id", agentID, "bytes", len(data))
}

// Disconnect ends agentID's loop as disconnected.
func (p *Pool) Disconnect(agentID string) bool {
	if !p.engine.Disconnect(agentID) {
		return false
	}
	p.logger.Info("agent disconnected", "agent_id", agentID)
	return true
}

// Shutdown stops accepting workers, expires units nobody claimed and ends
// the lifetime context of any loop still running. It is safe to call more
// than once.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.launcher.Shutdown()
		p.cancel()
		p.logger.Info("worker pool shut down")
	})
}

func (p *Pool) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShutdown
	}
	return nil
}

func (p *Pool) activeUnits(workerID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id := range p.byWorker[workerID] {
		if a, ok := p.agents[id]; ok && a.Kind() == model.KindUnit {
			n++
		}
	}
	return n
}

func (p *Pool) lookup(agentID string) (*agent.Live, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	return a, ok
}

func (p *Pool) track(a *agent.Live) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[a.ID()] = a
	set, ok := p.byWorker[a.WorkerID()]
	if !ok {
		set = make(map[string]struct{})
		p.byWorker[a.WorkerID()] = set
	}
	set[a.ID()] = struct{}{}
}

func (p *Pool) untrack(a *agent.Live) {
	p.untrackID(a.WorkerID(), a.ID())
}

func (p *Pool) untrackID(workerID, agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.agents, agentID)
	if set, ok := p.byWorker[workerID]; ok {
		delete(set, agentID)
		if len(set) == 0 {
			delete(p.byWorker, workerID)
		}
	}
}
