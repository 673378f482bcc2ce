package worker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	guuid "github.com/google/uuid"
	"github.com/rs/zerolog"

	"task-scheduler-service/internal/events"
	"task-scheduler-service/internal/registry"
)

// Config tunes one scheduler worker. Defaults come from the environment,
// the service's configuration convention.
type Config struct {
	WorkerID string
	Groups   []string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	StopCheckInterval time.Duration
	MaxTasksPerTick   int

	RetryPolicy string
	RetryDelay  time.Duration
}

// ConfigFromEnv reads WORKER_ID, WORKER_GROUPS, POLL_INTERVAL,
// HEARTBEAT_INTERVAL, STALE_AFTER, MAX_TASKS_PER_TICK, RETRY_POLICY and
// RETRY_DELAY, applying defaults for anything unset.
func ConfigFromEnv() Config {
	cfg := Config{
		WorkerID:          os.Getenv("WORKER_ID"),
		Groups:            []string{"main"},
		PollInterval:      envDuration("POLL_INTERVAL", 5*time.Second),
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		StaleAfter:        envDuration("STALE_AFTER", time.Minute),
		StopCheckInterval: envDuration("STOP_CHECK_INTERVAL", 2*time.Second),
		MaxTasksPerTick:   envInt("MAX_TASKS_PER_TICK", 10),
		RetryPolicy:       os.Getenv("RETRY_POLICY"),
		RetryDelay:        envDuration("RETRY_DELAY", 30*time.Second),
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s#%s", host, guuid.NewString()[:8])
	}
	if groups := os.Getenv("WORKER_GROUPS"); groups != "" {
		cfg.Groups = nil
		for _, g := range strings.Split(groups, ",") {
			if g = strings.TrimSpace(g); g != "" {
				cfg.Groups = append(cfg.Groups, g)
			}
		}
	}
	if cfg.RetryPolicy == "" {
		cfg.RetryPolicy = RetryImmediate
	}
	return cfg
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// Worker is one Scheduler Core instance: a single-threaded polling loop
// that claims due, unblocked tasks from the shared registry and executes
// them in child processes.
type Worker struct {
	cfg     Config
	store   *registry.Store
	harness Harness
	events  events.Emitter
	log     zerolog.Logger
}

// New assembles a worker. A nil emitter disables lifecycle events.
func New(cfg Config, store *registry.Store, harness Harness, emitter events.Emitter, log zerolog.Logger) *Worker {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Worker{
		cfg:     cfg,
		store:   store,
		harness: harness,
		events:  emitter,
		log:     log.With().Str("worker", cfg.WorkerID).Logger(),
	}
}

// Run registers the worker and polls until the context is cancelled.
// Heartbeats are written from their own goroutine so a long execution does
// not make this instance look dead.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.RegisterWorker(ctx, w.cfg.WorkerID, w.cfg.Groups); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	w.log.Info().Strs("groups", w.cfg.Groups).
		Dur("poll_interval", w.cfg.PollInterval).Msg("scheduler worker started")

	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go w.heartbeatLoop(hbCtx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.housekeeping(ctx)
		w.tick(ctx)

		select {
		case <-ctx.Done():
			return w.shutdown()
		case <-ticker.C:
		}
	}
}

// shutdown marks the worker TERMINATING, re-queues anything it still
// holds and removes its row.
func (w *Worker) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.store.SetWorkerStatus(ctx, w.cfg.WorkerID, registry.WorkerTerminating); err != nil {
		w.log.Error().Err(err).Msg("failed to mark worker terminating")
	}
	if err := w.store.DeregisterWorker(ctx, w.cfg.WorkerID); err != nil {
		w.log.Error().Err(err).Msg("failed to deregister worker")
		return err
	}
	w.log.Info().Msg("scheduler worker shut down cleanly")
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, w.cfg.WorkerID); err != nil {
				w.log.Error().Err(err).Msg("heartbeat write failed")
			}
		}
	}
}

// housekeeping reclaims tasks abandoned by workers whose heartbeat went
// stale. Any active worker may run it; the store keeps it idempotent.
func (w *Worker) housekeeping(ctx context.Context) {
	staleBefore := time.Now().UTC().Add(-w.cfg.StaleAfter)
	if _, err := w.store.ReclaimAbandoned(ctx, staleBefore); err != nil {
		w.log.Error().Err(err).Msg("housekeeping pass failed")
	}
}

// tick is one poll: fetch due candidates earliest-first, gate them on
// dependency readiness, claim and execute. Losing a claim race is not an
// error; the loser just moves on.
func (w *Worker) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := w.store.DueTasks(ctx, now, w.cfg.Groups, w.cfg.MaxTasksPerTick*4)
	if err != nil {
		w.log.Error().Err(err).Msg("due task query failed")
		return
	}

	executed := 0
	for i := range due {
		if executed >= w.cfg.MaxTasksPerTick {
			return
		}
		if ctx.Err() != nil {
			return
		}
		task := due[i]

		ready, err := w.store.Ready(ctx, &task)
		if err != nil {
			w.log.Error().Err(err).Uint("task_id", task.ID).Msg("readiness check failed")
			continue
		}
		if !ready {
			continue
		}

		won, err := w.store.Claim(ctx, task.ID, w.cfg.WorkerID)
		if err != nil {
			w.log.Error().Err(err).Uint("task_id", task.ID).Msg("claim failed")
			continue
		}
		if !won {
			continue
		}
		executed++
		w.runClaimed(ctx, &task)
	}
}

// runClaimed executes one claimed task synchronously: RUNNING transition,
// child process with timeout, output sync, stop watcher, reschedule.
func (w *Worker) runClaimed(ctx context.Context, task *registry.Task) {
	started := time.Now().UTC()
	if err := w.store.MarkRunning(ctx, task.ID, w.cfg.WorkerID, started); err != nil {
		// Housekeeping or cancellation got there first.
		w.log.Warn().Err(err).Uint("task_id", task.ID).Msg("lost task before dispatch")
		return
	}
	w.log.Info().Uint("task_id", task.ID).Str("uuid", task.UUID).
		Str("function", task.FunctionName).Msg("executing task")
	w.emitEvent(ctx, task, registry.StatusRunning, "")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stopDone := make(chan struct{})
	go w.watchForStop(runCtx, task.ID, cancelRun, stopDone)

	outcome := w.harness.Run(runCtx, task, w.outputSink(ctx, task))
	cancelRun()
	<-stopDone

	finished := time.Now().UTC()
	w.log.Info().Uint("task_id", task.ID).Str("status", outcome.Status).
		Dur("took", finished.Sub(started)).Msg("task run finished")

	w.reschedule(ctx, task, outcome, finished)
	w.emitEvent(ctx, task, outcome.Status, outcome.Err)
}

// watchForStop polls the task's status during a run and cancels the child
// when a caller set it to STOPPED. Cancellation stays cooperative: the
// flip is noticed on the next check, not instantly.
func (w *Worker) watchForStop(ctx context.Context, taskID uint, cancelRun context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.StopCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := w.store.TaskStatusValue(ctx, taskID)
			if err != nil {
				continue
			}
			if status == registry.StatusStopped {
				w.log.Info().Uint("task_id", taskID).Msg("stop requested; terminating child")
				cancelRun()
				return
			}
		}
	}
}

// outputSink throttles partial-output writes to the task's sync interval.
func (w *Worker) outputSink(ctx context.Context, task *registry.Task) OutputSink {
	if task.SyncOutputSeconds <= 0 {
		return nil
	}
	interval := time.Duration(task.SyncOutputSeconds) * time.Second
	var lastSync time.Time
	return func(accumulated string) {
		now := time.Now()
		if now.Sub(lastSync) < interval {
			return
		}
		lastSync = now
		if err := w.store.SyncOutput(ctx, task.ID, accumulated); err != nil {
			w.log.Error().Err(err).Uint("task_id", task.ID).Msg("output sync failed")
		}
	}
}

func (w *Worker) emitEvent(ctx context.Context, task *registry.Task, status, errMsg string) {
	w.events.EmitTaskEvent(ctx, events.TaskEventPayload{
		TaskID:      task.ID,
		UUID:        task.UUID,
		Name:        task.Name,
		GroupName:   task.GroupName,
		Function:    task.FunctionName,
		Status:      status,
		Worker:      w.cfg.WorkerID,
		TimesFailed: task.TimesFailed,
		Error:       errMsg,
		At:          time.Now().UTC(),
	})
}
