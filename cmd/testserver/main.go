// testserver starts a Hermes API server over an in-memory store with a demo
// task and an extra "echo" procedure, for manual and end-to-end testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/hermes/internal/agent"
	"github.com/seantiz/hermes/internal/api"
	"github.com/seantiz/hermes/internal/config"
	"github.com/seantiz/hermes/internal/liverun"
	"github.com/seantiz/hermes/internal/presign"
	"github.com/seantiz/hermes/internal/procedure"
	"github.com/seantiz/hermes/internal/store"
)

const demoTask = `
task_name: demo-refinement
units: 5
max_answer_loops: 3
max_concurrent_units: 1
image_urls:
  - s3://demo-bucket/images/one.png
  - s3://demo-bucket/images/two.png
task_data:
  sections:
    - name: refine
      fieldsets:
        - lookup_name: low_score_loop
          fields:
            - name: prompt_1
              label: "Try again, round {{index}}"
            - name: image
              src: "{{image_url}}"
        - lookup_name: high_score_loop
          fields:
            - name: prompt_2
              label: "Refine further, round {{index}}"
            - name: image
              src: "{{image_url}}"
`

func main() {
	addr := ":8080"
	if v := os.Getenv("HERMES_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	task, err := config.ParseTaskFile([]byte(demoTask))
	if err != nil {
		log.Fatalf("failed to parse demo task: %v", err)
	}

	// Signing is local: a fixed region means minio-go never looks it up.
	presigner, err := presign.NewS3Presigner(presign.Options{
		Endpoint:  "localhost:9000",
		Region:    "us-east-1",
		AccessKey: "demo-access",
		SecretKey: "demo-secret",
		Expiry:    10 * time.Minute,
	})
	if err != nil {
		log.Fatalf("failed to create presigner: %v", err)
	}

	logger := config.NewLogger(os.Stdout, config.Load().LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	asm, err := liverun.Build(ctx, db, liverun.Params{
		Task:               task,
		AssignmentDuration: 10 * time.Minute,
		PollInterval:       100 * time.Millisecond,
		Presigner:          presigner,
	}, logger)
	if err != nil {
		log.Fatalf("failed to start live run: %v", err)
	}
	defer asm.Run.Shutdown()

	asm.Registry.Register("echo", func(_ context.Context, _ string, args procedure.Args, _ *agent.State) (any, error) {
		var v any
		if err := args.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	})

	srv := api.NewServer(addr, api.Deps{
		Store:    db,
		Pool:     asm.Pool,
		Hub:      asm.Hub,
		Launcher: asm.Launcher,
		Registry: asm.Registry,
	}, logger)

	logger.Info("testserver: starting", "addr", addr, "task_run_id", asm.Run.ID)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
