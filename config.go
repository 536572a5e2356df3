// Package dbsched is a persistent, cluster-safe task scheduler: it durably
// records future task executions in a relational database and guarantees
// each due execution runs to completion on exactly one participating
// process, even when processes die mid-execution. See the package's
// subdirectories for the individual components (clock, store, task,
// worker, poll, detect, heartbeat, stats); this file and its siblings wire
// them into the embedder-facing Scheduler and Client.
package dbsched

import (
	"os"
	"time"

	"github.com/corelatch/dbsched/poll"
	"github.com/corelatch/dbsched/task"
)

// Config is the embedder-facing configuration record: a plain struct with
// defaults applied once, at DefaultConfig, rather than a chained builder
// scattering them across setter calls.
type Config struct {
	// Threads is the worker pool size (default 10).
	Threads int
	// PollingInterval is the due-poll period (default 10s).
	PollingInterval time.Duration
	// HeartbeatInterval is the heartbeat period (default 5m); deadAfter is
	// derived as 4x this.
	HeartbeatInterval time.Duration
	// SchedulerName identifies this process in picked_by (default: hostname).
	SchedulerName string
	// TableName overrides the default scheduled_tasks table.
	TableName string
	// Serializer is the default payload codec new tasks use unless they
	// override it.
	Serializer task.Serializer
	// EnableImmediateExecution installs the waker listener on the Client,
	// so schedule/reschedule calls with time <= now wake the poll loop
	// instead of waiting for the next tick.
	EnableImmediateExecution bool
	// StartTasks are recurring tasks auto-inserted on startup if their row
	// is absent.
	StartTasks []*task.Task
	// PollStrategy picks between fetch-and-lock-separately and
	// fetch-and-lock-together.
	PollStrategy poll.Strategy
	// ShutdownGracePeriod bounds how long Stop waits for in-flight
	// executions to finish (default 30m). Past it Stop returns; executions
	// still running are not interrupted.
	ShutdownGracePeriod time.Duration
}

const defaultTableName = "scheduled_tasks"

// defaultSchedulerName resolves the host's hostname, the fallback identity
// written to picked_by when the embedder doesn't configure one. Applied
// both by DefaultConfig and by New, so a Config built as a bare literal
// still picks with a non-empty name.
func defaultSchedulerName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "unknown-host"
	}
	return name
}

// DefaultConfig returns the package's stated defaults, with SchedulerName
// resolved from the host's hostname.
func DefaultConfig() Config {
	name := defaultSchedulerName()
	return Config{
		Threads:             10,
		PollingInterval:     10 * time.Second,
		HeartbeatInterval:   5 * time.Minute,
		SchedulerName:       name,
		TableName:           defaultTableName,
		Serializer:          task.JSONSerializer{},
		PollStrategy:        poll.FetchAndLockSeparately,
		ShutdownGracePeriod: 30 * time.Minute,
	}
}
