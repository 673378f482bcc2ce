package worker

import (
	"context"
	"time"

	"task-scheduler-service/internal/registry"
	"task-scheduler-service/pkg/cron"
)

// Retry policies: when a failed run still has retry budget, the re-queue
// time is policy-driven rather than a guessed backoff curve.
const (
	RetryImmediate = "immediate" // re-queue due now
	RetryDelayed   = "delayed"   // re-queue after Config.RetryDelay
	RetryScheduled = "scheduled" // re-queue at the next regular fire time
)

// reschedule applies the post-run decision and persists it in one update.
func (w *Worker) reschedule(ctx context.Context, task *registry.Task, out Outcome, finished time.Time) {
	fields := map[string]interface{}{
		"assigned_worker": "",
		"output":          out.Output,
		"result":          out.Result,
		"last_error":      out.Err,
	}

	switch out.Status {
	case registry.StatusCompleted:
		w.decideAfterSuccess(task, fields, finished)
	case registry.StatusFailed, registry.StatusTimeout:
		w.decideAfterFailure(task, out.Status, fields, finished)
	case registry.StatusStopped:
		// Only worker shutdown cuts a run short while the row still
		// reads RUNNING; a caller's stop request flips the row first and
		// is handled below when the guarded write misses.
		fields["status"] = registry.StatusQueued
	default:
		fields["status"] = registry.StatusFailed
	}

	updated, err := w.store.FinishRun(ctx, task.ID, w.cfg.WorkerID, fields)
	if err != nil {
		w.log.Error().Err(err).Uint("task_id", task.ID).Msg("failed to persist run outcome")
		return
	}
	if !updated {
		w.finishDisplaced(ctx, task, out)
	}
}

// finishDisplaced handles a verdict whose guarded write matched no row:
// the task left RUNNING under this worker during the run. A caller's stop
// keeps its STOPPED status and still receives the run artifacts; a row
// reclaimed by housekeeping, and possibly re-claimed elsewhere, belongs to
// its new owner and the verdict is dropped.
func (w *Worker) finishDisplaced(ctx context.Context, task *registry.Task, out Outcome) {
	status, err := w.store.TaskStatusValue(ctx, task.ID)
	if err != nil {
		w.log.Error().Err(err).Uint("task_id", task.ID).Msg("failed to read task after displaced run")
		return
	}
	if status == registry.StatusStopped {
		artifacts := map[string]interface{}{
			"assigned_worker": "",
			"output":          out.Output,
			"result":          out.Result,
			"last_error":      out.Err,
		}
		if _, err := w.store.FinishStoppedRun(ctx, task.ID, w.cfg.WorkerID, artifacts); err != nil {
			w.log.Error().Err(err).Uint("task_id", task.ID).Msg("failed to persist stopped run artifacts")
		}
		return
	}
	w.log.Warn().Uint("task_id", task.ID).Str("row_status", status).
		Str("run_status", out.Status).Msg("task was reassigned during the run; dropping verdict")
}

// decideAfterSuccess re-queues a repeating task or finalizes it. A next
// fire landing exactly on StopTime still runs; only a later one expires
// the schedule.
func (w *Worker) decideAfterSuccess(task *registry.Task, fields map[string]interface{}, finished time.Time) {
	fields["times_run"] = task.TimesRun + 1
	fields["status"] = registry.StatusCompleted

	if task.OneShot() {
		return
	}
	if task.Repeats == 1 {
		// Last budgeted execution.
		fields["repeats"] = 0
		return
	}
	if task.Repeats > 0 {
		fields["repeats"] = task.Repeats - 1
	}

	next := w.nextFire(task, finished)
	if next.IsZero() {
		return
	}
	if task.StopTime != nil && next.After(*task.StopTime) {
		return
	}
	fields["status"] = registry.StatusQueued
	fields["next_run_time"] = next
}

// decideAfterFailure spends retry budget or finalizes with the run status.
func (w *Worker) decideAfterFailure(task *registry.Task, runStatus string, fields map[string]interface{}, finished time.Time) {
	fields["times_failed"] = task.TimesFailed + 1
	fields["status"] = runStatus

	if task.RetryFailed <= 0 {
		return
	}
	fields["retry_failed"] = task.RetryFailed - 1

	var next time.Time
	switch w.cfg.RetryPolicy {
	case RetryDelayed:
		next = finished.Add(w.cfg.RetryDelay)
	case RetryScheduled:
		next = w.nextFire(task, finished)
		if next.IsZero() {
			next = finished
		}
	default:
		next = finished
	}
	if task.StopTime != nil && next.After(*task.StopTime) {
		// Retrying past the hard expiry would violate the stop contract.
		fields["status"] = runStatus
		delete(fields, "retry_failed")
		return
	}
	fields["status"] = registry.StatusQueued
	fields["next_run_time"] = next
}

// nextFire computes the next regular fire time after a run finishing at
// the given instant.
func (w *Worker) nextFire(task *registry.Task, finished time.Time) time.Time {
	if task.CronExpression != "" {
		sched, err := cron.Parse(task.CronExpression)
		if err != nil {
			// Expressions are validated at registration; reaching this
			// means the row was edited out-of-band.
			w.log.Error().Err(err).Uint("task_id", task.ID).Msg("stored cron expression no longer parses")
			return time.Time{}
		}
		return sched.Next(finished)
	}
	if task.PeriodSeconds <= 0 {
		return time.Time{}
	}

	period := time.Duration(task.PeriodSeconds) * time.Second
	if !task.PreventDrift {
		return finished.Add(period)
	}

	// Drift-prevented: fire times stay anchored to start + N*period no
	// matter how long executions take.
	start := finished
	if task.StartTime != nil {
		start = task.StartTime.UTC()
	} else if task.NextRunTime != nil {
		start = task.NextRunTime.UTC()
	}
	if !start.Before(finished) {
		return start.Add(period)
	}
	elapsed := finished.Sub(start)
	steps := elapsed/period + 1
	return start.Add(steps * period)
}
