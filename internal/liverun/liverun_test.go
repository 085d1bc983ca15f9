package liverun

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type component struct {
	name string
	rec  *recorder
}

func (c component) Shutdown() { c.rec.record(c.name) }

func discard() *slog.Logger { return slog.New(slog.NewJSONHandler(io.Discard, nil)) }

func newRun(id string, rec *recorder) *Run {
	return New(id, Components{
		Engine:     component{"engine", rec},
		WorkerPool: component{"pool", rec},
		Hub:        component{"hub", rec},
	}, discard())
}

func TestShutdownOrder(t *testing.T) {
	rec := &recorder{}
	r := newRun("run-1", rec)
	r.Shutdown()

	got := rec.calls()
	want := []string{"engine", "pool", "hub"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	rec := &recorder{}
	r := newRun("run-1", rec)

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(r.Shutdown)
	}
	wg.Wait()

	if n := len(rec.calls()); n != 3 {
		t.Errorf("components shut down %d times, want 3", n)
	}
	select {
	case <-r.Done():
	default:
		t.Error("Done not closed after Shutdown")
	}
}

func TestNilComponentsSkipped(t *testing.T) {
	rec := &recorder{}
	r := New("run-1", Components{Hub: component{"hub", rec}}, discard())
	r.Shutdown()
	if got := rec.calls(); len(got) != 1 || got[0] != "hub" {
		t.Errorf("calls = %v", got)
	}
}

func TestForceShutdownFlag(t *testing.T) {
	r := newRun("run-1", &recorder{})
	if r.ForceShutdownRequested() {
		t.Fatal("new run should not request force shutdown")
	}
	r.RequestForceShutdown(errors.New("unknown procedure"))
	r.RequestForceShutdown(errors.New("again"))
	if !r.ForceShutdownRequested() {
		t.Error("force shutdown flag not set")
	}
}

func TestSupervisorReapsForcedRuns(t *testing.T) {
	healthy, forced := &recorder{}, &recorder{}
	s := NewSupervisor(5*time.Millisecond, discard())
	keep := newRun("keep", healthy)
	drop := newRun("drop", forced)
	s.Add(keep)
	s.Add(drop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	drop.RequestForceShutdown(errors.New("fault"))
	select {
	case <-drop.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("forced run was not torn down")
	}
	if _, ok := s.Get("drop"); ok {
		t.Error("forced run still supervised")
	}
	if len(healthy.calls()) != 0 {
		t.Error("healthy run shut down early")
	}

	cancel()
	<-done
	if len(healthy.calls()) != 3 {
		t.Errorf("healthy run not shut down on cancel: %v", healthy.calls())
	}
	if s.Len() != 0 {
		t.Errorf("supervisor still holds %d runs", s.Len())
	}
}
