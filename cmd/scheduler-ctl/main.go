// scheduler-ctl is a small operator CLI against the shared registry
// database: queue a task, inspect task status, request cancellation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"task-scheduler-service/internal/registry"
	"task-scheduler-service/internal/worker/executors"
	gormdb "task-scheduler-service/pkg/db"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	gormDB, err := gormdb.NewGormDB()
	if err != nil {
		fatal("failed to open database: %v", err)
	}
	store := registry.NewStore(gormDB, log)
	store.Functions = executors.Catalog{}
	if err := store.Migrate(); err != nil {
		fatal("failed to migrate database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "queue":
		cmdQueue(ctx, store, os.Args[2:])
	case "status":
		cmdStatus(ctx, store, os.Args[2:])
	case "stop":
		cmdStop(ctx, store, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func cmdQueue(ctx context.Context, store *registry.Store, args []string) {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	var req registry.QueueRequest
	var start, stop string
	var deps string
	fs.StringVar(&req.Name, "name", "", "task name")
	fs.StringVar(&req.GroupName, "group", "main", "worker group")
	fs.StringVar(&req.FunctionName, "function", "", "registered function name")
	fs.StringVar(&req.Args, "args", "{}", "args JSON")
	fs.StringVar(&req.Kwargs, "kwargs", "{}", "kwargs JSON")
	fs.StringVar(&req.UUID, "uuid", "", "task uuid (generated when empty)")
	fs.BoolVar(&req.Overwrite, "overwrite", false, "replace an existing definition with the same uuid")
	fs.StringVar(&req.CronExpression, "cron", "", "cron expression")
	fs.StringVar(&start, "start", "", "start time (RFC3339)")
	fs.StringVar(&stop, "stop-time", "", "hard expiry (RFC3339)")
	fs.IntVar(&req.PeriodSeconds, "period", 0, "repetition period in seconds")
	fs.IntVar(&req.Repeats, "repeats", 0, "execution budget; 0 = unlimited")
	fs.BoolVar(&req.PreventDrift, "prevent-drift", false, "anchor fire times to start + N*period")
	fs.BoolVar(&req.Immediate, "immediate", false, "first fire runs as soon as claimed")
	fs.IntVar(&req.TimeoutSeconds, "timeout", 0, "per-run timeout in seconds")
	fs.IntVar(&req.RetryFailed, "retry-failed", 0, "retry budget on failure")
	fs.IntVar(&req.SyncOutputSeconds, "sync-output", 0, "partial output sync interval in seconds")
	fs.StringVar(&deps, "depends-on", "", "comma-separated predecessor uuids")
	_ = fs.Parse(args)

	if start != "" {
		t := parseTime(start)
		req.StartTime = &t
	}
	if stop != "" {
		t := parseTime(stop)
		req.StopTime = &t
	}
	if deps != "" {
		req.DependsOn = splitCSV(deps)
	}

	task, err := store.QueueTask(ctx, req)
	if err != nil {
		fatal("queue rejected: %v", err)
	}
	fmt.Printf("queued task id=%d uuid=%s status=%s\n", task.ID, task.UUID, task.Status)
	if task.NextRunTime != nil {
		fmt.Printf("next run: %s\n", task.NextRunTime.Format(time.RFC3339))
	}
}

func cmdStatus(ctx context.Context, store *registry.Store, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var filter registry.TaskFilter
	var id uint64
	var statuses string
	var output bool
	fs.Uint64Var(&id, "id", 0, "task id")
	fs.StringVar(&filter.UUID, "uuid", "", "task uuid")
	fs.StringVar(&filter.Name, "task-name", "", "task name")
	fs.StringVar(&filter.GroupName, "group", "", "worker group")
	fs.StringVar(&statuses, "statuses", "", "comma-separated status filter")
	fs.BoolVar(&output, "output", false, "include task output")
	_ = fs.Parse(args)

	filter.ID = uint(id)
	if statuses != "" {
		filter.Statuses = splitCSV(statuses)
	}

	tasks, err := store.Tasks(ctx, filter, output)
	if err != nil {
		fatal("status query failed: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tasks); err != nil {
		fatal("failed to encode tasks: %v", err)
	}
}

func cmdStop(ctx context.Context, store *registry.Store, args []string) {
	if len(args) != 1 {
		fatal("usage: scheduler-ctl stop <id|uuid>")
	}
	if err := store.StopTask(ctx, args[0]); err != nil {
		fatal("stop failed: %v", err)
	}
	fmt.Printf("stop requested for %s\n", args[0])
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		fatal("invalid time %q: %v", v, err)
	}
	return t
}

func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: scheduler-ctl <queue|status|stop> [flags]")
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
