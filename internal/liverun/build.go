package liverun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/hermes/internal/admission"
	"github.com/seantiz/hermes/internal/bridge"
	"github.com/seantiz/hermes/internal/config"
	"github.com/seantiz/hermes/internal/engine"
	"github.com/seantiz/hermes/internal/fanout"
	"github.com/seantiz/hermes/internal/launcher"
	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/presign"
	"github.com/seantiz/hermes/internal/procedure"
	"github.com/seantiz/hermes/internal/procedures"
	"github.com/seantiz/hermes/internal/store"
	"github.com/seantiz/hermes/internal/transport"
	"github.com/seantiz/hermes/internal/unitcache"
	"github.com/seantiz/hermes/internal/workerpool"
)

// Params is everything needed to start a live run.
type Params struct {
	Task *config.TaskFile

	// Defaults used when the task file leaves them unset.
	AssignmentDuration            time.Duration
	PollInterval                  time.Duration
	AdmitWithNoPriorQualification bool

	// Presigner backs the presign procedures. Nil leaves them unregistered.
	Presigner   presign.Presigner
	FanoutLimit int
}

// Assembly is a started live run and the components behind it.
type Assembly struct {
	Run      *Run
	Registry *procedure.Registry
	Cache    *unitcache.Cache
	Engine   *engine.Engine
	Hub      *transport.Hub
	Launcher *launcher.Launcher
	Pool     *workerpool.Pool
}

// Build wires the components of a live run, launches its units and starts
// the hub loop. A dispatch fault marks the run for forced shutdown.
func Build(ctx context.Context, st store.Store, params Params, logger *slog.Logger) (*Assembly, error) {
	task := params.Task
	if task == nil {
		return nil, fmt.Errorf("live run needs a task file")
	}
	runID := model.NewID()
	logger = logger.With("task_name", task.TaskName)

	reg := procedure.NewRegistry()
	cache := unitcache.New()
	var images procedures.ImageSource
	if len(task.ImageURLs) > 0 {
		images = procedures.StaticImages(task.ImageURLs)
	}
	if params.Presigner != nil {
		limit := params.FanoutLimit
		if limit <= 0 {
			limit = fanout.DefaultLimit
		}
		procedures.NewPresign(params.Presigner, limit, logger).Register(reg)
		if images != nil {
			images = procedures.PresignedImages{Source: images, Presigner: params.Presigner}
		}
	}
	procedures.NewFieldset(cache, images, task.MaxAnswerLoops, logger).Register(reg)

	assignment := task.AssignmentDuration()
	if assignment == 0 {
		assignment = params.AssignmentDuration
	}

	var run *Run
	eng := engine.NewEngine(st, reg, logger, engine.Options{
		PollInterval:       params.PollInterval,
		AssignmentDuration: assignment,
		OnFault: func(agentID string, err error) {
			run.RequestForceShutdown(fmt.Errorf("agent %s: %w", agentID, err))
		},
	})

	var pool *workerpool.Pool
	hub := transport.NewHub(st, logger, transport.Hooks{
		OnSubmit:     func(agentID string, data json.RawMessage) { pool.Submitted(agentID, data) },
		OnDisconnect: func(agentID string) { pool.Disconnect(agentID) },
	})

	l := launcher.New(st, runID, logger)
	data, err := task.TaskDataJSON()
	if err != nil {
		return nil, err
	}
	if task.Units > 0 {
		if _, err := l.Launch(ctx, task.Units, data); err != nil {
			return nil, fmt.Errorf("launch units: %w", err)
		}
	}

	pool = workerpool.New(st, admission.NewEngine(st, logger), eng, hub, l, logger, workerpool.Options{
		Requirements: task.Requirements,
		Admission: admission.Options{
			AdmitWithNoPriorQualification: task.AdmitWithNoPriorQualification || params.AdmitWithNoPriorQualification,
		},
		MaxConcurrent:           task.MaxConcurrentUnits,
		OnboardingQualification: task.OnboardingQualification,
		OnboardingData:          data,
	})

	run = New(runID, Components{Engine: eng, WorkerPool: pool, Hub: hub}, logger)

	go func() {
		err := hub.Run(context.WithoutCancel(ctx))
		if err != nil && !errors.Is(err, bridge.ErrLoopClosed) {
			logger.Error("hub loop stopped", "error", err)
		}
	}()

	logger.Info("live run started",
		"task_run_id", runID,
		"provider_type", task.ProviderType,
		"units", task.Units,
		"procedures", reg.Names(),
		"requirements", len(task.Requirements),
	)

	return &Assembly{
		Run:      run,
		Registry: reg,
		Cache:    cache,
		Engine:   eng,
		Hub:      hub,
		Launcher: l,
		Pool:     pool,
	}, nil
}
