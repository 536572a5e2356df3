// Package task implements the task/handler model: named task definitions,
// their execution handler, and the completion/failure/dead-execution
// policies that decide what happens to the row after a run. One Task
// value is parameterized by handlers and built by factory functions,
// rather than a class hierarchy of task variants.
package task

import (
	"context"
	"fmt"
	"time"
)

// Instance is a concrete scheduled invocation: (taskName, instanceID,
// payload). The pair (taskName, instanceID) is the identity, globally
// unique at rest. Payload holds the bytes the owning task's Serializer
// produced; build instances through Task.Instance so the two stay in
// agreement.
type Instance struct {
	TaskName   string
	InstanceID string
	Payload    []byte
}

// ExecutionOperations is the thin handle passed to completion, failure, and
// dead-execution handlers so they can decide the row's fate without
// touching the store directly.
type ExecutionOperations interface {
	// Reschedule moves the row to newTime, clears the pick, and optionally
	// replaces the stored payload (nil leaves it unchanged).
	Reschedule(ctx context.Context, newTime time.Time, newPayload []byte) error
	// Stop deletes the row — the task will not run again under this identity.
	Stop(ctx context.Context) error
	// UpdatePayload replaces the stored payload without touching scheduling state.
	UpdatePayload(ctx context.Context, newPayload []byte) error
}

// Success describes a handler run that returned without error.
type Success struct {
	CompletionTime time.Time
}

// Failure describes a handler run that returned an error.
// ConsecutiveFailures is the row's counter before this failure, so backoff
// policies can scale their delay without a store round trip.
type Failure struct {
	CompletionTime      time.Time
	Cause               error
	ConsecutiveFailures int
}

// ExecutionContext carries the row-level state a handler may consult while
// running: which scheduler owns it, when it was due, and its failure
// history. It is a snapshot taken at pick time, not a live view.
// Serializer is the task's resolved codec, the counterpart of the one that
// produced Instance.Payload at scheduling time; handlers use it to decode
// the payload into their own type.
type ExecutionContext struct {
	SchedulerName       string
	ExecutionTime       time.Time
	ConsecutiveFailures int
	LastSuccess         *time.Time
	LastFailure         *time.Time
	Serializer          Serializer
}

// ExecuteFunc is the task's own work. It receives the instance's identity
// and raw payload plus the execution context; decoding the payload into a
// concrete type is the task author's responsibility via ec.Serializer.
type ExecuteFunc func(ctx context.Context, instance Instance, ec ExecutionContext) error

// CompletionHandler decides what happens to the row after a successful run.
type CompletionHandler func(ctx context.Context, instance Instance, result Success, ops ExecutionOperations) error

// FailureHandler decides what happens to the row after a failed run.
type FailureHandler func(ctx context.Context, instance Instance, result Failure, ops ExecutionOperations) error

// DeadExecutionHandler decides what happens to a row whose owner stopped
// heartbeating, invoked by the dead-execution detector. now is the
// detector's clock reading, passed in rather than read from wall time so
// recovery is deterministic under a fake clock in tests.
type DeadExecutionHandler func(ctx context.Context, instance Instance, now time.Time, ops ExecutionOperations) error

// Task is a registration keyed by a unique name. It is built by the
// New*Task factory functions below, never constructed as a bare literal by
// callers, so defaults stay centralized.
type Task struct {
	Name                 string
	Handler              ExecuteFunc
	Schedule             Schedule // non-nil only for recurring tasks
	CompletionHandler    CompletionHandler
	FailureHandler       FailureHandler
	DeadExecutionHandler DeadExecutionHandler
	// Serializer is nil unless WithSerializer was passed at construction; a
	// nil Serializer means the task takes whatever default its Registry was
	// configured with. EffectiveSerializer resolves this.
	Serializer          Serializer
	RecurringInstanceID string // well-known instance id auto-inserted on startup
}

// EffectiveSerializer returns t.Serializer, or JSONSerializer{} if the task
// never had one set explicitly and was never registered against a Registry
// carrying its own default.
func (t *Task) EffectiveSerializer() Serializer {
	if t.Serializer != nil {
		return t.Serializer
	}
	return JSONSerializer{}
}

// Instance builds a concrete invocation of this task, serializing data
// into the payload bytes stored alongside the execution row. Pass nil data
// for a payload-free instance.
func (t *Task) Instance(instanceID string, data any) (Instance, error) {
	payload, err := t.EffectiveSerializer().Serialize(data)
	if err != nil {
		return Instance{}, fmt.Errorf("serialize payload for %s/%s: %w", t.Name, instanceID, err)
	}
	return Instance{TaskName: t.Name, InstanceID: instanceID, Payload: payload}, nil
}

// Option customizes a Task at construction, applied by the New*Task
// factories after their type-specific defaults.
type Option func(*Task)

// WithFailureHandler overrides the default failure handler.
func WithFailureHandler(h FailureHandler) Option {
	return func(t *Task) { t.FailureHandler = h }
}

// WithDeadExecutionHandler overrides the default dead-execution handler.
func WithDeadExecutionHandler(h DeadExecutionHandler) Option {
	return func(t *Task) { t.DeadExecutionHandler = h }
}

// WithSerializer overrides the default JSONSerializer.
func WithSerializer(s Serializer) Option {
	return func(t *Task) { t.Serializer = s }
}

const defaultRecurringInstanceID = "recurring"

// NewOneTimeTask builds a task whose success handler deletes the row —
// it runs exactly once per instance and then is gone.
func NewOneTimeTask(name string, handler ExecuteFunc, opts ...Option) *Task {
	t := &Task{
		Name:           name,
		Handler:        handler,
		FailureHandler: OnFailureRetryLater(time.Minute),
	}
	t.CompletionHandler = func(ctx context.Context, _ Instance, _ Success, ops ExecutionOperations) error {
		return ops.Stop(ctx)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewRecurringTask builds a task that reschedules itself per schedule on
// every successful run, and defaults to surviving its owner's death by
// rescheduling rather than being cancelled.
func NewRecurringTask(name string, schedule Schedule, handler ExecuteFunc, opts ...Option) *Task {
	t := &Task{
		Name:                 name,
		Handler:              handler,
		Schedule:             schedule,
		FailureHandler:       OnFailureReschedule(schedule),
		DeadExecutionHandler: RescheduleDeadExecution,
		RecurringInstanceID:  defaultRecurringInstanceID,
	}
	t.CompletionHandler = func(ctx context.Context, _ Instance, result Success, ops ExecutionOperations) error {
		next := schedule.NextExecutionTime(result.CompletionTime)
		return ops.Reschedule(ctx, next, nil)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewCustomTask lets the caller supply the completion policy directly —
// the escape hatch for tasks that are neither fire-once nor fixed-interval.
func NewCustomTask(name string, handler ExecuteFunc, completionHandler CompletionHandler, opts ...Option) *Task {
	t := &Task{
		Name:              name,
		Handler:           handler,
		CompletionHandler: completionHandler,
		FailureHandler:    OnFailureRetryLater(time.Minute),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnFailureRetryLater reschedules a failed execution to now+delay and
// increments consecutiveFailures by one (the caller/worker does the
// increment bookkeeping; this handler only decides the next time).
func OnFailureRetryLater(delay time.Duration) FailureHandler {
	return func(ctx context.Context, _ Instance, result Failure, ops ExecutionOperations) error {
		return ops.Reschedule(ctx, result.CompletionTime.Add(delay), nil)
	}
}

// OnFailureReschedule reschedules per an arbitrary schedule instead of a
// fixed delay — useful when failures should retry on the same cadence as
// success (e.g. recurring tasks that just try again next cycle).
func OnFailureReschedule(schedule Schedule) FailureHandler {
	return func(ctx context.Context, _ Instance, result Failure, ops ExecutionOperations) error {
		return ops.Reschedule(ctx, schedule.NextExecutionTime(result.CompletionTime), nil)
	}
}

// OnFailureExponentialBackoff reschedules to
// completionTime + min(base * 2^consecutiveFailures, max), reading the
// failure count off the Failure itself.
func OnFailureExponentialBackoff(base, max time.Duration) FailureHandler {
	return func(ctx context.Context, _ Instance, result Failure, ops ExecutionOperations) error {
		delay := max
		if result.ConsecutiveFailures < 62 {
			if d := base << result.ConsecutiveFailures; d > 0 && d < max {
				delay = d
			}
		}
		return ops.Reschedule(ctx, result.CompletionTime.Add(delay), nil)
	}
}

// RescheduleDeadExecution clears the pick and sets executionTime to now,
// so the next poll picks it up again. The default dead-execution policy
// for recurring tasks.
func RescheduleDeadExecution(ctx context.Context, _ Instance, now time.Time, ops ExecutionOperations) error {
	return ops.Reschedule(ctx, now, nil)
}

// CancelDeadExecution removes the row outright — used for tasks where a
// crashed owner means the work is abandoned, not retried.
func CancelDeadExecution(ctx context.Context, _ Instance, _ time.Time, ops ExecutionOperations) error {
	return ops.Stop(ctx)
}
