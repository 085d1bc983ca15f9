package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/hermes/internal/agent"
	"github.com/seantiz/hermes/internal/engine"
	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/procedure"
	"github.com/seantiz/hermes/internal/store"
)

// chanPublisher forwards every observation to a channel.
type chanPublisher struct {
	ch chan model.Observation
}

func newChanPublisher() *chanPublisher {
	return &chanPublisher{ch: make(chan model.Observation, 64)}
}

func (p *chanPublisher) PublishObservation(_ context.Context, _ string, obs model.Observation) error {
	p.ch <- obs
	return nil
}

func (p *chanPublisher) next(t *testing.T) model.Observation {
	t.Helper()
	select {
	case obs := <-p.ch:
		return obs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for observation")
		return model.Observation{}
	}
}

func testRegistry() *procedure.Registry {
	reg := procedure.NewRegistry()
	reg.Register("echo", func(_ context.Context, _ string, args procedure.Args, _ *agent.State) (any, error) {
		var v map[string]any
		if err := args.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	})
	reg.Register("fail", func(context.Context, string, procedure.Args, *agent.State) (any, error) {
		return nil, errors.New("database exploded")
	})
	reg.Register("panic", func(context.Context, string, procedure.Args, *agent.State) (any, error) {
		panic("nil map write")
	})
	reg.Register("reject", func(context.Context, string, procedure.Args, *agent.State) (any, error) {
		return nil, procedure.Rejected(map[string][]string{"prompt": {"too short"}})
	})
	return reg
}

func newTestEngine(t *testing.T, s engine.StatusStore, opts engine.Options) *engine.Engine {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(s, testRegistry(), logger, opts)
	t.Cleanup(eng.Shutdown)
	return eng
}

func update(id, target, args string) model.LiveUpdate {
	return model.LiveUpdate{RequestID: id, Target: target, Args: args}
}

func decodeEnvelope(t *testing.T, obs model.Observation) procedure.ErrorEnvelope {
	t.Helper()
	var env procedure.ErrorEnvelope
	if err := json.Unmarshal([]byte(obs.Response), &env); err != nil {
		t.Fatalf("response %q is not an envelope: %v", obs.Response, err)
	}
	return env
}

func TestStepDispatchesAndPublishes(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{})
	pub := newChanPublisher()
	a := agent.NewLive("a1", "w1", "u1", model.KindUnit, pub)
	a.EnqueueLiveUpdate(update("r1", "echo", `{"x":1}`))

	if err := eng.Step(context.Background(), a); err != nil {
		t.Fatalf("Step: %v", err)
	}
	obs := pub.next(t)
	if obs.Handles != "r1" {
		t.Errorf("Handles = %q, want r1", obs.Handles)
	}
	if obs.Response != `{"x":1}` {
		t.Errorf("Response = %q", obs.Response)
	}
}

func TestStepWithoutPendingUpdate(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{})
	pub := newChanPublisher()
	a := agent.NewLive("a1", "w1", "u1", model.KindUnit, pub)
	a.EnqueueLiveUpdate(update("", "echo", `{}`))

	for range 2 {
		if err := eng.Step(context.Background(), a); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if len(pub.ch) != 0 {
		t.Errorf("published %d observations, want 0", len(pub.ch))
	}
}

func TestStepUnknownProcedure(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{})
	pub := newChanPublisher()
	a := agent.NewLive("a1", "w1", "u1", model.KindUnit, pub)
	a.EnqueueLiveUpdate(update("r1", "nope", `{}`))

	err := eng.Step(context.Background(), a)
	if !errors.Is(err, engine.ErrUnknownProcedure) {
		t.Fatalf("Step error = %v, want ErrUnknownProcedure", err)
	}
	if len(pub.ch) != 0 {
		t.Error("unknown procedure should not publish a response")
	}
}

func TestStepConvertsFailures(t *testing.T) {
	tests := []struct {
		target   string
		args     string
		status   int
		original string
	}{
		{"fail", `{}`, http.StatusInternalServerError, "database exploded"},
		{"panic", `{}`, http.StatusInternalServerError, "procedure panicked: nil map write"},
		{"echo", `{broken`, http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		eng := newTestEngine(t, nil, engine.Options{})
		pub := newChanPublisher()
		a := agent.NewLive("a1", "w1", "u1", model.KindUnit, pub)
		a.EnqueueLiveUpdate(update("r1", tt.target, tt.args))

		if err := eng.Step(context.Background(), a); err != nil {
			t.Fatalf("%s: Step returned %v, want nil", tt.target, err)
		}
		env := decodeEnvelope(t, pub.next(t))
		if env.StatusCode != tt.status {
			t.Errorf("%s: status_code = %d, want %d", tt.target, env.StatusCode, tt.status)
		}
		if len(env.Errors) != 1 || env.Errors[0] != procedure.GenericErrorMessage {
			t.Errorf("%s: errors = %v", tt.target, env.Errors)
		}
		if tt.original != "" && env.OriginalErrorMessage != tt.original {
			t.Errorf("%s: original_error_message = %q, want %q", tt.target, env.OriginalErrorMessage, tt.original)
		}
	}
}

func TestStepValidationRejection(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{})
	pub := newChanPublisher()
	a := agent.NewLive("a1", "w1", "u1", model.KindUnit, pub)
	a.EnqueueLiveUpdate(update("r1", "reject", `{}`))

	if err := eng.Step(context.Background(), a); err != nil {
		t.Fatalf("Step: %v", err)
	}
	env := decodeEnvelope(t, pub.next(t))
	if env.StatusCode != http.StatusBadRequest || len(env.ValidationErrors["prompt"]) != 1 {
		t.Errorf("envelope = %+v", env)
	}
}

func TestLoopKeepsPollingAfterFailure(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{})
	pub := newChanPublisher()
	a := agent.NewLive("a1", "w1", "u1", model.KindUnit, pub)
	a.EnqueueLiveUpdate(update("r1", "fail", `{}`))
	a.EnqueueLiveUpdate(update("r2", "echo", `{"ok":true}`))

	done := make(chan string, 1)
	if err := eng.Launch(context.Background(), a, func(_ agent.Agent, status string, _ error) {
		done <- status
	}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if obs := pub.next(t); obs.Handles != "r1" {
		t.Errorf("first response handles %q, want r1", obs.Handles)
	}
	if obs := pub.next(t); obs.Handles != "r2" || obs.Response != `{"ok":true}` {
		t.Errorf("second response = %+v", obs)
	}

	a.Submit(json.RawMessage(`{}`))
	select {
	case status := <-done:
		if status != model.StatusSubmitted {
			t.Errorf("status = %q, want submitted", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not finish after submit")
	}
}

func TestLoopExpires(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{AssignmentDuration: 50 * time.Millisecond})
	a := agent.NewLive("a1", "w1", "u1", model.KindUnit, nil)

	status, err := eng.RunUnit(context.Background(), a)
	if err != nil {
		t.Fatalf("RunUnit: %v", err)
	}
	if status != model.StatusExpired {
		t.Errorf("status = %q, want expired", status)
	}
	if eng.IsActive("a1") {
		t.Error("expired agent should leave the active set")
	}
}

func TestLoopDisconnect(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{AssignmentDuration: 300 * time.Millisecond})
	a := agent.NewLive("a1", "w1", "", model.KindOnboarding, nil)

	done := make(chan string, 1)
	if err := eng.Launch(context.Background(), a, func(_ agent.Agent, status string, _ error) {
		done <- status
	}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !eng.IsActive("a1") {
		t.Fatal("launched agent should be active")
	}
	if ids := eng.Active(model.KindOnboarding); len(ids) != 1 || ids[0] != "a1" {
		t.Errorf("Active(onboarding) = %v", ids)
	}

	if !eng.Disconnect("a1") {
		t.Fatal("Disconnect should report the agent was active")
	}
	if eng.IsActive("a1") {
		t.Error("disconnected agent should leave the active set at once")
	}
	select {
	case status := <-done:
		if status != model.StatusDisconnected {
			t.Errorf("status = %q, want disconnected", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not notice disconnect")
	}
}

func TestLoopAcceptsSubmitAfterDisconnect(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{AssignmentDuration: 2 * time.Second})
	a := agent.NewLive("a1", "w1", "u1", model.KindUnit, nil)

	done := make(chan string, 1)
	if err := eng.Launch(context.Background(), a, func(_ agent.Agent, status string, _ error) {
		done <- status
	}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	eng.Disconnect("a1")
	time.Sleep(50 * time.Millisecond)
	if !a.Submit(json.RawMessage(`{"answer":1}`)) {
		t.Fatal("Submit refused")
	}

	select {
	case status := <-done:
		if status != model.StatusSubmitted {
			t.Errorf("status = %q, want submitted", status)
		}
	case <-time.After(time.Second):
		t.Fatal("loop did not finish after the late submit")
	}
}

func TestShutdownCutsSubmitWaitShort(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{AssignmentDuration: time.Hour})
	a := agent.NewLive("a1", "w1", "u1", model.KindUnit, nil)

	done := make(chan string, 1)
	if err := eng.Launch(context.Background(), a, func(_ agent.Agent, status string, _ error) {
		done <- status
	}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	eng.Disconnect("a1")
	time.Sleep(20 * time.Millisecond)
	eng.Shutdown()

	select {
	case status := <-done:
		if status != model.StatusDisconnected {
			t.Errorf("status = %q, want disconnected", status)
		}
	default:
		t.Fatal("Shutdown returned before the loop finished")
	}
}

func TestLoopStopsOnUnknownProcedure(t *testing.T) {
	var (
		mu     sync.Mutex
		faults []string
	)
	eng := newTestEngine(t, nil, engine.Options{
		OnFault: func(agentID string, err error) {
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, engine.ErrUnknownProcedure) {
				faults = append(faults, agentID)
			}
		},
	})
	a := agent.NewLive("a1", "w1", "u1", model.KindUnit, nil)
	a.EnqueueLiveUpdate(update("r1", "missing", `{}`))

	status, err := eng.RunUnit(context.Background(), a)
	if !errors.Is(err, engine.ErrUnknownProcedure) {
		t.Fatalf("RunUnit error = %v, want ErrUnknownProcedure", err)
	}
	if status != model.StatusDisconnected {
		t.Errorf("status = %q, want disconnected", status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(faults) != 1 || faults[0] != "a1" {
		t.Errorf("faults = %v, want [a1]", faults)
	}
}

func TestRunKindMismatch(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{})
	if _, err := eng.RunUnit(context.Background(), agent.NewLive("a1", "w", "", model.KindOnboarding, nil)); err == nil {
		t.Error("RunUnit should reject onboarding agents")
	}
	if _, err := eng.RunOnboarding(context.Background(), agent.NewLive("a2", "w", "u", model.KindUnit, nil)); err == nil {
		t.Error("RunOnboarding should reject unit agents")
	}
}

func TestShutdown(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{PollInterval: time.Hour})
	var wg sync.WaitGroup
	statuses := make(chan string, 3)
	for _, id := range []string{"a1", "a2", "a3"} {
		wg.Add(1)
		a := agent.NewLive(id, "w", "u-"+id, model.KindUnit, nil)
		if err := eng.Launch(context.Background(), a, func(_ agent.Agent, status string, _ error) {
			statuses <- status
			wg.Done()
		}); err != nil {
			t.Fatalf("Launch: %v", err)
		}
	}

	finished := make(chan struct{})
	go func() {
		eng.Shutdown()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	wg.Wait()
	close(statuses)
	for s := range statuses {
		if s != model.StatusDisconnected {
			t.Errorf("status = %q, want disconnected", s)
		}
	}

	eng.Shutdown() // idempotent
	err := eng.Launch(context.Background(), agent.NewLive("late", "w", "u", model.KindUnit, nil), nil)
	if !errors.Is(err, engine.ErrShutdown) {
		t.Errorf("Launch after Shutdown = %v, want ErrShutdown", err)
	}
}

func TestLaunchRacingShutdown(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{PollInterval: time.Hour})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		launched int
		finished int
	)
	for i := range 50 {
		wg.Go(func() {
			a := agent.NewLive(fmt.Sprintf("a%d", i), "w", "u", model.KindUnit, nil)
			err := eng.Launch(context.Background(), a, func(agent.Agent, string, error) {
				mu.Lock()
				finished++
				mu.Unlock()
			})
			if err == nil {
				mu.Lock()
				launched++
				mu.Unlock()
			}
		})
	}
	eng.Shutdown()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if finished != launched {
		t.Errorf("finished = %d, launched = %d; Shutdown returned before every loop ended", finished, launched)
	}
}

func TestLaunchDuplicate(t *testing.T) {
	eng := newTestEngine(t, nil, engine.Options{})
	a := agent.NewLive("a1", "w", "u", model.KindUnit, nil)
	if err := eng.Launch(context.Background(), a, nil); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := eng.Launch(context.Background(), a, nil); err == nil {
		t.Error("second Launch of the same agent should fail")
	}
}

func TestStatusPersisted(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	w := &model.Worker{ID: model.NewID(), Name: "w"}
	if err := s.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	rec := &model.Agent{ID: model.NewID(), WorkerID: w.ID, Kind: model.KindOnboarding, Status: model.StatusWaitingForSubmit}
	if err := s.CreateAgent(ctx, rec); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	eng := newTestEngine(t, s, engine.Options{})
	pub := newChanPublisher()
	a := agent.NewLive(rec.ID, w.ID, "", model.KindOnboarding, pub)
	a.EnqueueLiveUpdate(update("r1", "echo", `{}`))

	done := make(chan struct{})
	if err := eng.Launch(ctx, a, func(agent.Agent, string, error) { close(done) }); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	pub.next(t)
	a.Submit(nil)
	<-done

	got, err := s.GetAgent(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != model.StatusSubmitted {
		t.Errorf("stored status = %q, want submitted", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at should be set")
	}
}
