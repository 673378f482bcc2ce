package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	guuid "github.com/google/uuid"
	"gorm.io/gorm"

	"task-scheduler-service/pkg/cron"
	"task-scheduler-service/pkg/dag"
	"task-scheduler-service/pkg/validation"
)

// QueueRequest describes a task to register. Exactly one schedule form
// should be set: CronExpression, StartTime+PeriodSeconds, or StartTime
// alone for a one-shot run (a nil StartTime means "now").
type QueueRequest struct {
	UUID      string // optional; generated when empty
	Overwrite bool   // replace an existing definition with the same UUID

	Name         string
	GroupName    string
	FunctionName string
	Args         string // JSON
	Kwargs       string // JSON

	CronExpression string
	StartTime      *time.Time
	StopTime       *time.Time
	PeriodSeconds  int
	Repeats        int
	PreventDrift   bool
	Immediate      bool

	TimeoutSeconds    int
	RetryFailed       int
	SyncOutputSeconds int

	// DependsOn lists predecessor task UUIDs. The edges join the group's
	// dependency graph and are validated as acyclic before anything is
	// persisted.
	DependsOn []string
}

// ValidationError carries every registration problem found, so the caller
// can fix all of them in one resubmission.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "task registration rejected: " + strings.Join(e.Problems, "; ")
}

// DepEdge names a dependency between two registered tasks by UUID.
type DepEdge struct {
	PredecessorUUID string
	SuccessorUUID   string
}

// QueueTask validates and persists a task definition. Bad cron syntax,
// unknown function names, schema-invalid args, duplicate UUIDs and cyclic
// dependency sets are all rejected here, before any row is written.
func (s *Store) QueueTask(ctx context.Context, req QueueRequest) (*Task, error) {
	var problems []string

	if req.FunctionName == "" {
		problems = append(problems, "function_ref is required")
	} else if s.Functions != nil {
		schema, ok := s.Functions.LookupFunction(req.FunctionName)
		if !ok {
			problems = append(problems, fmt.Sprintf("function %q is not registered", req.FunctionName))
		} else if schema != "" {
			args := req.Args
			if args == "" {
				args = "{}"
			}
			if err := validation.ValidateJSONWithSchema(schema, args); err != nil {
				problems = append(problems, fmt.Sprintf("args rejected by function schema: %v", err))
			}
		}
	}

	var sched *cron.Schedule
	if req.CronExpression != "" {
		if req.PeriodSeconds > 0 {
			problems = append(problems, "cron expression and period are mutually exclusive")
		}
		var err error
		sched, err = cron.Parse(req.CronExpression)
		if err != nil {
			problems = append(problems, err.Error())
		}
	}
	if req.PeriodSeconds < 0 {
		problems = append(problems, "period must not be negative")
	}
	if req.Repeats < 0 {
		problems = append(problems, "repeats must not be negative")
	}
	if req.RetryFailed < 0 {
		problems = append(problems, "retry_failed must not be negative")
	}

	duplicate := false
	if req.UUID != "" && !req.Overwrite {
		existing, err := s.GetByUUID(ctx, req.UUID)
		if err != nil && err != ErrTaskNotFound {
			return nil, err
		}
		if existing != nil {
			duplicate = true
			problems = append(problems, fmt.Sprintf("uuid %s is already registered (set overwrite to replace)", req.UUID))
		}
	}

	if len(problems) > 0 {
		verr := &ValidationError{Problems: problems}
		if duplicate {
			// Keep the sentinel reachable without hiding the rest of
			// the rejected request's problems.
			return nil, fmt.Errorf("%w: %w", ErrDuplicateUUID, verr)
		}
		return nil, verr
	}

	now := time.Now().UTC()
	group := req.GroupName
	if group == "" {
		group = "main"
	}

	next, status := initialFire(req, sched, now)

	task := Task{
		UUID:              req.UUID,
		Name:              req.Name,
		GroupName:         group,
		FunctionName:      req.FunctionName,
		Args:              req.Args,
		Kwargs:            req.Kwargs,
		CronExpression:    req.CronExpression,
		StartTime:         req.StartTime,
		StopTime:          req.StopTime,
		PeriodSeconds:     req.PeriodSeconds,
		Repeats:           req.Repeats,
		PreventDrift:      req.PreventDrift,
		Immediate:         req.Immediate,
		TimeoutSeconds:    req.TimeoutSeconds,
		RetryFailed:       req.RetryFailed,
		SyncOutputSeconds: req.SyncOutputSeconds,
		Status:            status,
		NextRunTime:       next,
	}
	if task.UUID == "" {
		task.UUID = guuid.NewString()
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.UUID != "" && req.Overwrite {
			var existing Task
			err := tx.Where("uuid = ?", req.UUID).First(&existing).Error
			if err == nil {
				task.Model = existing.Model
				return tx.Model(&existing).Select("*").Omit("id", "created_at", "deleted_at").
					Updates(&task).Error
			}
			if err != gorm.ErrRecordNotFound {
				return err
			}
		}
		if err := tx.Create(&task).Error; err != nil {
			// A concurrent registration can slip past the pre-check and
			// trip the unique index instead.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", ErrDuplicateUUID, task.UUID)
			}
			return err
		}
		if len(req.DependsOn) > 0 {
			edges := make([]DepEdge, len(req.DependsOn))
			for i, pred := range req.DependsOn {
				edges[i] = DepEdge{PredecessorUUID: pred, SuccessorUUID: task.UUID}
			}
			return s.addDependenciesTx(tx, group, edges)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Uint("task_id", task.ID).Str("uuid", task.UUID).
		Str("function", task.FunctionName).Str("group", task.GroupName).
		Str("status", task.Status).Msg("task queued")
	return &task, nil
}

// initialFire computes the first NextRunTime and the creation status.
// A task whose first fire would already be past its stop time is EXPIRED
// on arrival; a fire landing exactly on StopTime still runs.
func initialFire(req QueueRequest, sched *cron.Schedule, now time.Time) (*time.Time, string) {
	var next time.Time
	switch {
	case req.Immediate:
		next = now
	case sched != nil:
		base := now
		if req.StartTime != nil && req.StartTime.After(now) {
			base = req.StartTime.Add(-time.Second)
		}
		next = sched.Next(base)
		if next.IsZero() {
			return nil, StatusExpired
		}
	case req.StartTime != nil:
		next = req.StartTime.UTC()
	default:
		next = now
	}

	if req.StopTime != nil && next.After(*req.StopTime) {
		return nil, StatusExpired
	}
	return &next, StatusQueued
}

// AddDependencies registers a batch of ordering constraints between
// already-registered tasks. The whole batch is validated against the
// graph's existing edges; a cycle rejects the batch with nothing committed.
func (s *Store) AddDependencies(ctx context.Context, graphName string, edges []DepEdge) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.addDependenciesTx(tx, graphName, edges)
	})
}

func (s *Store) addDependenciesTx(tx *gorm.DB, graphName string, edges []DepEdge) error {
	var existing []TaskDep
	if err := tx.Where("graph_name = ?", graphName).Find(&existing).Error; err != nil {
		return err
	}

	g := dag.New(graphName)
	for _, d := range existing {
		// Committed edges are acyclic by construction.
		if err := g.AddEdges(dag.Edge{Predecessor: d.PredecessorID, Successor: d.SuccessorID}); err != nil {
			return err
		}
	}

	batch := make([]dag.Edge, 0, len(edges))
	rows := make([]TaskDep, 0, len(edges))
	for _, e := range edges {
		var pred, succ Task
		if err := tx.Where("uuid = ?", e.PredecessorUUID).First(&pred).Error; err != nil {
			return fmt.Errorf("predecessor %s: %w", e.PredecessorUUID, ErrTaskNotFound)
		}
		if err := tx.Where("uuid = ?", e.SuccessorUUID).First(&succ).Error; err != nil {
			return fmt.Errorf("successor %s: %w", e.SuccessorUUID, ErrTaskNotFound)
		}
		batch = append(batch, dag.Edge{Predecessor: pred.ID, Successor: succ.ID})
		rows = append(rows, TaskDep{GraphName: graphName, PredecessorID: pred.ID, SuccessorID: succ.ID})
	}

	if err := g.AddEdges(batch...); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.Create(&rows).Error
}

// TaskFilter selects tasks for status queries. Zero fields do not filter.
type TaskFilter struct {
	ID        uint
	UUID      string
	Name      string
	GroupName string
	Statuses  []string
}

// Tasks returns matching tasks. When includeOutput is false the possibly
// large output column is left empty.
func (s *Store) Tasks(ctx context.Context, filter TaskFilter, includeOutput bool) ([]Task, error) {
	q := s.DB.WithContext(ctx).Model(&Task{})
	if filter.ID != 0 {
		q = q.Where("id = ?", filter.ID)
	}
	if filter.UUID != "" {
		q = q.Where("uuid = ?", filter.UUID)
	}
	if filter.Name != "" {
		q = q.Where("name = ?", filter.Name)
	}
	if filter.GroupName != "" {
		q = q.Where("group_name = ?", filter.GroupName)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if !includeOutput {
		q = q.Omit("output")
	}

	var tasks []Task
	if err := q.Order("id asc").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// StopTask requests cancellation. Queued and assigned tasks stop at once;
// a running task's worker notices the status flip on its next check and
// terminates the child process, so cancellation is cooperative.
func (s *Store) StopTask(ctx context.Context, ref string) error {
	task, err := s.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if task.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, task.UUID, task.Status)
	}

	res := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", task.ID,
			[]string{StatusQueued, StatusAssigned, StatusRunning}).
		Update("status", StatusStopped)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTaskTerminal, task.UUID)
	}
	s.log.Info().Uint("task_id", task.ID).Str("uuid", task.UUID).Msg("task stopped")
	return nil
}

// resolve accepts either a numeric ID (as digits) or a UUID.
func (s *Store) resolve(ctx context.Context, ref string) (*Task, error) {
	if ref == "" {
		return nil, ErrTaskNotFound
	}
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return s.Get(ctx, uint(id))
	}
	return s.GetByUUID(ctx, ref)
}
