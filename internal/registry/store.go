package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"task-scheduler-service/pkg/db"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrDuplicateUUID = errors.New("task uuid already registered")
	ErrTaskTerminal  = errors.New("task is in a terminal state")
)

// Store is the coordination store shared by every scheduler worker. All
// cross-process coordination (claims, heartbeats, staleness detection,
// readiness checks) goes through it with conditional writes; nothing is
// coordinated through in-memory state.
type Store struct {
	DB  *gorm.DB
	log zerolog.Logger

	// Functions resolves registered function names; nil disables the
	// lookup so tests can queue arbitrary names.
	Functions FunctionCatalog
}

// FunctionCatalog resolves a function_ref to its registered spec.
type FunctionCatalog interface {
	LookupFunction(name string) (paramSchema string, ok bool)
}

// NewStore wraps an open GORM handle.
func NewStore(gdb *gorm.DB, log zerolog.Logger) *Store {
	return &Store{DB: gdb, log: log}
}

// Migrate creates or updates the registry tables.
func (s *Store) Migrate() error {
	return db.AutoMigrate(s.DB, &Task{}, &Worker{}, &TaskDep{})
}

// Get fetches a task by numeric ID.
func (s *Store) Get(ctx context.Context, id uint) (*Task, error) {
	var task Task
	err := s.DB.WithContext(ctx).First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetByUUID fetches a task by its caller-visible UUID.
func (s *Store) GetByUUID(ctx context.Context, uuid string) (*Task, error) {
	var task Task
	err := s.DB.WithContext(ctx).Where("uuid = ?", uuid).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// DueTasks returns claim candidates: queued tasks whose next_run_time has
// passed, in one of the given groups, ordered earliest-due first with ties
// broken by ID. Readiness is checked separately, after this query.
func (s *Store) DueTasks(ctx context.Context, now time.Time, groups []string, limit int) ([]Task, error) {
	q := s.DB.WithContext(ctx).
		Where("status = ? AND next_run_time <= ?", StatusQueued, now).
		Order("next_run_time asc, id asc")
	if len(groups) > 0 {
		q = q.Where("group_name IN ?", groups)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var tasks []Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// Ready reports whether every predecessor of the task is satisfied. A
// predecessor counts as satisfied once it is terminally COMPLETED, or —
// for repeating predecessors — once it has completed more runs than the
// dependent task has, which is what "completed in the current run-cycle"
// means for a periodic graph.
func (s *Store) Ready(ctx context.Context, task *Task) (bool, error) {
	var deps []TaskDep
	if err := s.DB.WithContext(ctx).Where("successor_id = ?", task.ID).Find(&deps).Error; err != nil {
		return false, err
	}
	if len(deps) == 0 {
		return true, nil
	}

	predIDs := make([]uint, len(deps))
	for i, d := range deps {
		predIDs[i] = d.PredecessorID
	}
	var preds []Task
	if err := s.DB.WithContext(ctx).Where("id IN ?", predIDs).Find(&preds).Error; err != nil {
		return false, err
	}
	for _, p := range preds {
		if p.Status == StatusCompleted {
			continue
		}
		if p.TimesRun > task.TimesRun {
			continue
		}
		return false, nil
	}
	return true, nil
}

// Claim atomically assigns a queued task to a worker. The conditional
// WHERE on status guarantees exactly one winner per task: the loser's
// update matches zero rows.
func (s *Store) Claim(ctx context.Context, taskID uint, workerID string) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", taskID, StatusQueued).
		Updates(map[string]interface{}{
			"status":          StatusAssigned,
			"assigned_worker": workerID,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkRunning transitions an assigned task to RUNNING for the given worker.
func (s *Store) MarkRunning(ctx context.Context, taskID uint, workerID string, startedAt time.Time) error {
	res := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ? AND assigned_worker = ?", taskID, StatusAssigned, workerID).
		Updates(map[string]interface{}{
			"status":        StatusRunning,
			"last_run_time": startedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %d no longer assigned to worker %s", taskID, workerID)
	}
	return nil
}

// SyncOutput persists partial output of a running task.
func (s *Store) SyncOutput(ctx context.Context, taskID uint, output string) error {
	return s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", taskID, StatusRunning).
		Update("output", output).Error
}

// TaskStatusValue returns just the current status of a task; the run-loop
// stop watcher polls this.
func (s *Store) TaskStatusValue(ctx context.Context, taskID uint) (string, error) {
	var status string
	err := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Pluck("status", &status).Error
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", ErrTaskNotFound
	}
	return status, nil
}

// FinishRun writes the run verdict and reschedule decision in one guarded
// update, conditional on the row still being RUNNING under this worker.
// A caller's stop or a housekeeping reclaim that landed during the run
// leaves the row outside the guard; the update then matches nothing and
// false is returned, the same discipline Claim and MarkRunning use.
func (s *Store) FinishRun(ctx context.Context, taskID uint, workerID string, fields map[string]interface{}) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ? AND assigned_worker = ?", taskID, StatusRunning, workerID).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FinishStoppedRun persists the artifacts of a run ended by a caller's
// stop request, leaving the STOPPED status in place.
func (s *Store) FinishStoppedRun(ctx context.Context, taskID uint, workerID string, fields map[string]interface{}) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ? AND assigned_worker = ?", taskID, StatusStopped, workerID).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RegisterWorker upserts the worker's row as ACTIVE with a fresh heartbeat.
func (s *Store) RegisterWorker(ctx context.Context, workerID string, groups []string) error {
	now := time.Now().UTC()
	var w Worker
	err := s.DB.WithContext(ctx).Where("worker_id = ?", workerID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.DB.WithContext(ctx).Create(&Worker{
			WorkerID:      workerID,
			GroupNames:    strings.Join(groups, ","),
			LastHeartbeat: now,
			Status:        WorkerActive,
		}).Error
	}
	if err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Model(&w).Updates(map[string]interface{}{
		"group_names":    strings.Join(groups, ","),
		"last_heartbeat": now,
		"status":         WorkerActive,
	}).Error
}

// Heartbeat refreshes the worker's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, workerID string) error {
	return s.DB.WithContext(ctx).Model(&Worker{}).
		Where("worker_id = ?", workerID).
		Update("last_heartbeat", time.Now().UTC()).Error
}

// SetWorkerStatus updates the worker's lifecycle status.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID, status string) error {
	return s.DB.WithContext(ctx).Model(&Worker{}).
		Where("worker_id = ?", workerID).
		Update("status", status).Error
}

// DeregisterWorker removes the worker's row on clean shutdown, after
// re-queueing anything it still held.
func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	if err := s.requeueWorkerTasks(ctx, []string{workerID}); err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Where("worker_id = ?", workerID).Delete(&Worker{}).Error
}

// ReclaimAbandoned is the housekeeping pass: any ACTIVE worker whose
// heartbeat is older than staleBefore is presumed dead, its ASSIGNED and
// RUNNING tasks go back to QUEUED and the worker is disabled. Running it
// again with no stale workers is a no-op, which keeps the pass idempotent.
func (s *Store) ReclaimAbandoned(ctx context.Context, staleBefore time.Time) (reclaimed int64, err error) {
	var stale []Worker
	err = s.DB.WithContext(ctx).
		Where("status = ? AND last_heartbeat < ?", WorkerActive, staleBefore).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, len(stale))
	for i, w := range stale {
		ids[i] = w.WorkerID
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("assigned_worker IN ? AND status IN ?", ids, []string{StatusAssigned, StatusRunning}).
			Updates(map[string]interface{}{
				"status":          StatusQueued,
				"assigned_worker": "",
			})
		if res.Error != nil {
			return res.Error
		}
		reclaimed = res.RowsAffected
		return tx.Model(&Worker{}).
			Where("worker_id IN ?", ids).
			Update("status", WorkerDisabled).Error
	})
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		s.log.Warn().Strs("workers", ids).Int64("tasks", reclaimed).
			Msg("reclaimed tasks abandoned by stale workers")
	}
	return reclaimed, nil
}

func (s *Store) requeueWorkerTasks(ctx context.Context, workerIDs []string) error {
	return s.DB.WithContext(ctx).Model(&Task{}).
		Where("assigned_worker IN ? AND status IN ?", workerIDs, []string{StatusAssigned, StatusRunning}).
		Updates(map[string]interface{}{
			"status":          StatusQueued,
			"assigned_worker": "",
		}).Error
}
