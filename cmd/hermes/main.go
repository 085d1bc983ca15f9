package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/seantiz/hermes/internal/api"
	"github.com/seantiz/hermes/internal/config"
	"github.com/seantiz/hermes/internal/liverun"
	"github.com/seantiz/hermes/internal/presign"
	"github.com/seantiz/hermes/internal/store"
)

func main() {
	cfg := config.Load()
	fs := pflag.NewFlagSet("hermes", pflag.ExitOnError)
	config.BindFlags(fs, &cfg)
	fs.Parse(os.Args[1:])

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if cfg.TaskFile == "" {
		log.Fatalf("no task file: set --task-file or HERMES_TASK_FILE")
	}
	task, err := config.LoadTaskFile(cfg.TaskFile)
	if err != nil {
		log.Fatalf("failed to load task file: %v", err)
	}

	logger.Info("hermes: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"task_file", cfg.TaskFile,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	presigner, err := presign.NewS3Presigner(presign.Options{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
		Expiry:    cfg.PresignExpiry,
	})
	if err != nil {
		log.Fatalf("failed to create presigner: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	asm, err := liverun.Build(ctx, db, liverun.Params{
		Task:                          task,
		AssignmentDuration:            cfg.AssignmentDuration,
		PollInterval:                  cfg.PollInterval,
		AdmitWithNoPriorQualification: cfg.AdmitWithNoPriorQualification,
		Presigner:                     presigner,
	}, logger)
	if err != nil {
		log.Fatalf("failed to start live run: %v", err)
	}

	sup := liverun.NewSupervisor(liverun.DefaultCheckInterval, logger)
	sup.Add(asm.Run)
	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supDone)
	}()

	// A run torn down by the supervisor takes the server with it.
	go func() {
		select {
		case <-asm.Run.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:    db,
		Pool:     asm.Pool,
		Hub:      asm.Hub,
		Launcher: asm.Launcher,
		Registry: asm.Registry,
	}, logger)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}

	stop()
	<-supDone
	asm.Run.Shutdown()

	if asm.Run.ForceShutdownRequested() {
		log.Fatalf("live run %s stopped after a dispatch fault", asm.Run.ID)
	}
}
