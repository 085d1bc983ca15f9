package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/hermes/internal/agent"
	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/procedure"
)

// DefaultPollInterval is the pause between dispatch steps.
const DefaultPollInterval = 300 * time.Millisecond

// DefaultAssignmentDuration bounds how long an agent loop runs.
const DefaultAssignmentDuration = 30 * time.Minute

var (
	// ErrUnknownProcedure is returned when a live update targets a name that is
	// not in the registry. It is a configuration fault, not a client error.
	ErrUnknownProcedure = errors.New("unknown procedure")

	// ErrShutdown is returned when launching on an engine that has shut down.
	ErrShutdown = errors.New("engine shut down")
)

// StatusStore persists agent status transitions.
type StatusStore interface {
	UpdateAgentStatus(ctx context.Context, id, status string) error
}

// Options configures an Engine.
type Options struct {
	PollInterval       time.Duration
	AssignmentDuration time.Duration

	// OnFault is called from the agent goroutine when a dispatch loop stops on
	// a configuration fault.
	OnFault func(agentID string, err error)
}

// FinishFunc receives the terminal status of a launched agent loop.
type FinishFunc func(a agent.Agent, status string, err error)

// Engine runs dispatch loops for onboarding and unit agents.
type Engine struct {
	store    StatusStore
	registry *procedure.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	opts     Options
	wg       sync.WaitGroup

	mu          sync.Mutex
	units       map[string]agent.Agent
	onboardings map[string]agent.Agent
	closed      bool
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewEngine creates a dispatch engine. s may be nil when statuses are not
// persisted.
func NewEngine(s StatusStore, reg *procedure.Registry, logger *slog.Logger, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.AssignmentDuration <= 0 {
		opts.AssignmentDuration = DefaultAssignmentDuration
	}
	return &Engine{
		store:       s,
		registry:    reg,
		logger:      logger,
		tracer:      otel.Tracer("github.com/seantiz/hermes/internal/engine"),
		opts:        opts,
		units:       make(map[string]agent.Agent),
		onboardings: make(map[string]agent.Agent),
		stop:        make(chan struct{}),
	}
}

// Registry returns the engine's procedure registry.
func (e *Engine) Registry() *procedure.Registry {
	return e.registry
}

func (e *Engine) set(kind string) map[string]agent.Agent {
	if kind == model.KindOnboarding {
		return e.onboardings
	}
	return e.units
}

// Launch adds a to the matching active set and starts its dispatch loop in a
// goroutine. onFinish, if non-nil, runs after the loop ends and the final
// status is stored.
func (e *Engine) Launch(ctx context.Context, a agent.Agent, onFinish FinishFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.activateLocked(a); err != nil {
		return err
	}

	// Added under mu so a concurrent Shutdown waits for this loop.
	e.wg.Go(func() {
		status, err := e.loop(ctx, a)
		if onFinish != nil {
			onFinish(a, status, err)
		}
	})
	return nil
}

// RunUnit runs a unit agent's dispatch loop on the calling goroutine and
// returns its terminal status.
func (e *Engine) RunUnit(ctx context.Context, a agent.Agent) (string, error) {
	if a.Kind() != model.KindUnit {
		return "", fmt.Errorf("agent %s is a %s agent, not a unit agent", a.ID(), a.Kind())
	}
	if err := e.activate(a); err != nil {
		return "", err
	}
	return e.loop(ctx, a)
}

// RunOnboarding is RunUnit for onboarding agents.
func (e *Engine) RunOnboarding(ctx context.Context, a agent.Agent) (string, error) {
	if a.Kind() != model.KindOnboarding {
		return "", fmt.Errorf("agent %s is a %s agent, not an onboarding agent", a.ID(), a.Kind())
	}
	if err := e.activate(a); err != nil {
		return "", err
	}
	return e.loop(ctx, a)
}

func (e *Engine) activate(a agent.Agent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activateLocked(a)
}

func (e *Engine) activateLocked(a agent.Agent) error {
	if e.closed {
		return ErrShutdown
	}
	set := e.set(a.Kind())
	if _, ok := set[a.ID()]; ok {
		return fmt.Errorf("agent %s already running", a.ID())
	}
	set[a.ID()] = a
	activeAgents.WithLabelValues(a.Kind()).Inc()
	return nil
}

// Disconnect removes the agent from its active set. Its loop notices on the
// next iteration, waits out the deadline for a late submit and otherwise ends
// with StatusDisconnected. It reports whether the agent was active.
func (e *Engine) Disconnect(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, kind := range []string{model.KindUnit, model.KindOnboarding} {
		set := e.set(kind)
		if _, ok := set[agentID]; ok {
			delete(set, agentID)
			activeAgents.WithLabelValues(kind).Dec()
			return true
		}
	}
	return false
}

// IsActive reports whether agentID is in an active set.
func (e *Engine) IsActive(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, unit := e.units[agentID]
	_, onboarding := e.onboardings[agentID]
	return unit || onboarding
}

// Active returns the IDs of running agents of the given kind.
func (e *Engine) Active(kind string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.set(kind)
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until all launched loops have returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown empties the active sets, refuses new launches, and waits for every
// launched loop to end. It is safe to call more than once.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	for kind, set := range map[string]map[string]agent.Agent{model.KindUnit: e.units, model.KindOnboarding: e.onboardings} {
		for id := range set {
			delete(set, id)
			activeAgents.WithLabelValues(kind).Dec()
		}
	}
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stop) })

	e.wg.Wait()
}

// loop runs the dispatch loop for an already active agent and records its
// terminal status.
func (e *Engine) loop(ctx context.Context, a agent.Agent) (string, error) {
	logger := e.logger.With("agent_id", a.ID(), "kind", a.Kind())
	logger.Info("agent loop started", "unit_id", a.UnitID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	deadline := time.Now().Add(e.opts.AssignmentDuration)
	var loopErr error
	for !a.AwaitSubmit(ctx, 0) && e.IsActive(a.ID()) && time.Now().Before(deadline) {
		if err := e.Step(ctx, a); err != nil {
			loopErr = err
			break
		}
		if !e.sleep(ctx, e.opts.PollInterval) {
			break
		}
	}

	var status string
	switch {
	case loopErr != nil:
		logger.Error("agent loop stopped on configuration fault", "error", loopErr)
		if e.opts.OnFault != nil {
			e.opts.OnFault(a.ID(), loopErr)
		}
		e.Disconnect(a.ID())
		status = model.StatusDisconnected
	case a.AwaitSubmit(ctx, 0):
		status = model.StatusSubmitted
	case !e.IsActive(a.ID()) || ctx.Err() != nil:
		// A submit may still arrive over HTTP after the socket drops.
		if a.AwaitSubmit(ctx, time.Until(deadline)) {
			status = model.StatusSubmitted
		} else {
			status = model.StatusDisconnected
		}
	default:
		// Out of time: give a late submit whatever is left, then expire.
		if a.AwaitSubmit(ctx, time.Until(deadline)) {
			status = model.StatusSubmitted
		} else {
			status = model.StatusExpired
		}
	}
	e.Disconnect(a.ID())
	e.setStatus(a.ID(), status)

	logger.Info("agent loop finished", "status", status)
	return status, loopErr
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-e.stop:
		return false
	}
}

func (e *Engine) setStatus(agentID, status string) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateAgentStatus(context.Background(), agentID, status); err != nil {
		e.logger.Warn("failed to update agent status", "agent_id", agentID, "status", status, "error", err)
	}
}

// Step handles at most one pending live update for a: it invokes the target
// procedure and publishes {handles, response}. Procedure failures never
// escape; they are logged and published as an error envelope. The only error
// returned is ErrUnknownProcedure.
func (e *Engine) Step(ctx context.Context, a agent.Agent) error {
	u, ok := a.PendingLiveUpdate()
	if !ok || u.RequestID == "" {
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "dispatch "+u.Target, trace.WithAttributes(
		attribute.String("hermes.agent_id", a.ID()),
		attribute.String("hermes.request_id", u.RequestID),
		attribute.String("hermes.procedure", u.Target),
	))
	defer span.End()

	fn, ok := e.registry.Lookup(u.Target)
	if !ok {
		err := fmt.Errorf("%w: target %q not found in registry %v", ErrUnknownProcedure, u.Target, e.registry.Names())
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown procedure")
		return err
	}

	e.setStatus(a.ID(), model.StatusProcessingRequest)
	defer e.setStatus(a.ID(), model.StatusWaitingForSubmit)

	start := time.Now()
	result, err := e.invoke(ctx, fn, u, a.State())
	procedureDuration.WithLabelValues(u.Target).Observe(time.Since(start).Seconds())

	outcome := outcomeOK
	var body any = result
	if err != nil {
		var verr *procedure.ValidationError
		if errors.As(err, &verr) {
			outcome = outcomeRejected
		} else {
			outcome = outcomeFailed
			e.logFailure(a, u, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, procedure.GenericErrorMessage)
		}
		body = procedure.Envelope(err)
	}

	response, merr := json.Marshal(body)
	if merr != nil {
		outcome = outcomeFailed
		e.logFailure(a, u, merr)
		response, _ = json.Marshal(procedure.Envelope(fmt.Errorf("encode response: %w", merr)))
	}
	procedureCalls.WithLabelValues(u.Target, outcome).Inc()

	obs := model.Observation{Handles: u.RequestID, Response: string(response)}
	if err := a.Observe(ctx, obs); err != nil {
		e.logger.Warn("failed to publish response", "agent_id", a.ID(), "request_id", u.RequestID, "error", err)
	}
	return nil
}

func (e *Engine) invoke(ctx context.Context, fn procedure.Func, u model.LiveUpdate, st *agent.State) (any, error) {
	if !json.Valid([]byte(u.Args)) {
		return nil, fmt.Errorf("args for request %s are not valid JSON", u.RequestID)
	}
	return procedure.Call(ctx, fn, u.RequestID, procedure.Args(u.Args), st)
}

func (e *Engine) logFailure(a agent.Agent, u model.LiveUpdate, err error) {
	attrs := []any{
		"agent_id", a.ID(),
		"request_id", u.RequestID,
		"procedure", u.Target,
		"error", err,
	}
	var perr *procedure.PanicError
	if errors.As(err, &perr) {
		attrs = append(attrs, "stack", string(perr.Stack))
	}
	e.logger.Error(procedure.GenericErrorMessage, attrs...)
}
