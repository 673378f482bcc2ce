package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"task-scheduler-service/internal/events"
	"task-scheduler-service/internal/registry"
	"task-scheduler-service/internal/worker"
	"task-scheduler-service/internal/worker/executors"
	gormdb "task-scheduler-service/pkg/db"
)

func main() {
	// The same binary doubles as the task child process: the worker
	// re-executes itself with "exec-task", feeding the payload on stdin.
	if len(os.Args) > 1 && os.Args[1] == "exec-task" {
		os.Exit(executors.ChildMain(os.Stdin, os.Stdout))
	}

	log := newLogger()
	log.Info().Msg("Scheduler Worker starting...")

	gormDB, err := gormdb.NewGormDB()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	store := registry.NewStore(gormDB, log)
	store.Functions = executors.Catalog{}
	if err := store.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	log.Info().Msg("database initialized and migrated")

	emitter := events.NewEmitterFromEnv(log)
	defer func() {
		if err := emitter.Close(); err != nil {
			log.Error().Err(err).Msg("event producer close error")
		}
	}()

	harness, err := worker.NewProcessHarness(log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build execution harness")
	}

	cfg := worker.ConfigFromEnv()
	w := worker.New(cfg, store, harness, emitter, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker exited with error")
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}
