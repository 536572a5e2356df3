// Package store implements the durable Execution Store: the row schema, the
// optimistic-picking protocol, and the queries that make concurrent
// scheduling across processes race-free.
package store

import "time"

// ID identifies an Execution by its (taskName, instanceId) pair — the
// globally unique identity of a scheduled task instance.
type ID struct {
	TaskName   string
	InstanceID string
}

// Execution is the persisted row for a task instance plus its runtime
// state. db tags use lowercase snake_case matching the scheduled_tasks
// table schema.
type Execution struct {
	TaskName   string `db:"task_name"`
	InstanceID string `db:"task_instance"`

	ExecutionTime time.Time `db:"execution_time"`
	Payload       []byte    `db:"task_data"`

	Picked        bool       `db:"picked"`
	PickedBy      *string    `db:"picked_by"`
	LastHeartbeat *time.Time `db:"last_heartbeat"`

	LastSuccess         *time.Time `db:"last_success"`
	LastFailure         *time.Time `db:"last_failure"`
	ConsecutiveFailures int        `db:"consecutive_failures"`

	Version int64 `db:"version"`
}

// ID returns the execution's identity pair.
func (e *Execution) ID() ID {
	return ID{TaskName: e.TaskName, InstanceID: e.InstanceID}
}

// Clone returns a deep-enough copy for callers that must not observe
// mutation through a shared pointer (the in-memory store's safety net,
// and tests that assert on a snapshot).
func (e *Execution) Clone() *Execution {
	c := *e
	if e.PickedBy != nil {
		v := *e.PickedBy
		c.PickedBy = &v
	}
	if e.LastHeartbeat != nil {
		v := *e.LastHeartbeat
		c.LastHeartbeat = &v
	}
	if e.LastSuccess != nil {
		v := *e.LastSuccess
		c.LastSuccess = &v
	}
	if e.LastFailure != nil {
		v := *e.LastFailure
		c.LastFailure = &v
	}
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}
