package registry

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Task statuses. Transitions within one run-cycle are monotonic:
// QUEUED -> ASSIGNED -> RUNNING -> {COMPLETED|FAILED|TIMEOUT}, after which
// the reschedule decision either re-queues the task or leaves it terminal.
const (
	StatusQueued    = "QUEUED"
	StatusAssigned  = "ASSIGNED"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusTimeout   = "TIMEOUT"
	StatusStopped   = "STOPPED"
	StatusExpired   = "EXPIRED"
)

// Worker statuses.
const (
	WorkerActive      = "ACTIVE"
	WorkerDisabled    = "DISABLED"
	WorkerTerminating = "TERMINATING"
)

// Task is the durable record of a unit of scheduled work.
//
// Exactly one schedule form applies: a cron expression, StartTime with a
// repetition period, or a bare StartTime for a one-shot run. NextRunTime
// doubles as the claim priority: the earliest due task is claimed first.
type Task struct {
	gorm.Model
	UUID      string `json:"uuid" gorm:"uniqueIndex;size:36"`
	Name      string `json:"name" gorm:"index"`
	GroupName string `json:"group_name" gorm:"index;default:main"`

	// FunctionName keys into the registered-function table; Args and
	// Kwargs are opaque JSON passed through to the executed function.
	FunctionName string `json:"function_name" gorm:"index"`
	Args         string `json:"args" gorm:"type:json"`
	Kwargs       string `json:"kwargs" gorm:"type:json"`

	CronExpression string     `json:"cron_expression,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	StopTime       *time.Time `json:"stop_time,omitempty"`
	PeriodSeconds  int        `json:"period_seconds,omitempty"`
	Repeats        int        `json:"repeats,omitempty"` // remaining executions; 0 = unlimited
	PreventDrift   bool       `json:"prevent_drift,omitempty"`
	Immediate      bool       `json:"immediate,omitempty"`

	TimeoutSeconds    int `json:"timeout_seconds,omitempty"`
	RetryFailed       int `json:"retry_failed,omitempty"` // remaining retry budget
	TimesFailed       int `json:"times_failed"`
	TimesRun          int `json:"times_run"` // successful completions
	SyncOutputSeconds int `json:"sync_output_seconds,omitempty"`

	Status         string     `json:"status" gorm:"index"`
	NextRunTime    *time.Time `json:"next_run_time,omitempty" gorm:"index"`
	LastRunTime    *time.Time `json:"last_run_time,omitempty"`
	AssignedWorker string     `json:"assigned_worker,omitempty" gorm:"index"`
	Output         string     `json:"output,omitempty"`
	Result         string     `json:"result,omitempty" gorm:"type:json"`
	LastError      string     `json:"last_error,omitempty"`
}

// Terminal reports whether the task will never run again.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusQueued, StatusAssigned, StatusRunning:
		return false
	}
	return true
}

// OneShot reports whether the task has no repetition schedule.
func (t *Task) OneShot() bool {
	return t.CronExpression == "" && t.PeriodSeconds == 0
}

// Worker is a running scheduler instance. The row is created on process
// start and deleted on clean shutdown; a stale LastHeartbeat marks any task
// it still holds ASSIGNED or RUNNING as abandoned.
type Worker struct {
	gorm.Model
	WorkerID      string    `json:"worker_id" gorm:"uniqueIndex"`
	GroupNames    string    `json:"group_names"` // comma-separated
	LastHeartbeat time.Time `json:"last_heartbeat" gorm:"index"`
	Status        string    `json:"status" gorm:"index"`
}

// Groups returns the worker's served group names.
func (w *Worker) Groups() []string {
	if w.GroupNames == "" {
		return nil
	}
	parts := strings.Split(w.GroupNames, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// TaskDep is one edge of a dependency graph: the successor must not start
// until the predecessor completes. GraphName scopes independent graphs.
type TaskDep struct {
	gorm.Model
	GraphName     string `json:"graph_name" gorm:"index"`
	PredecessorID uint   `json:"predecessor_id" gorm:"index"`
	SuccessorID   uint   `json:"successor_id" gorm:"index"`
}
