// Package worker implements the Worker Pool & Dispatcher: bounded
// in-process parallelism, the per-execution run routine, and completion/
// failure routing. A buffered channel serves as the counting semaphore;
// each execution's run routine owns its acquired permit for the routine's
// entire lifetime, handler and post-run store update included.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corelatch/dbsched/clock"
	"github.com/corelatch/dbsched/stats"
	"github.com/corelatch/dbsched/store"
	"github.com/corelatch/dbsched/task"
)

// Registry resolves a task name to its definition. Rows naming an unknown
// task are logged and left picked; the dead-execution detector also leaves
// them intact, and recovers them only once it runs with a registry that
// knows the task.
type Registry interface {
	Resolve(name string) (*task.Task, bool)
}

// Config configures a Dispatcher.
type Config struct {
	// Concurrency is the bounded worker count N; the permit pool size.
	Concurrency   int
	SchedulerName string
}

// Dispatcher owns the permit semaphore and the currently-processing map
// shared between the poll loop and the heartbeat updater; both are safe
// for concurrent readers and writers.
type Dispatcher struct {
	store    store.Store
	registry Registry
	clock    clock.Clock
	log      *zap.Logger
	sink     stats.Sink
	name     string

	permits   chan struct{}
	onRelease func()

	mu      sync.Mutex
	running map[store.ID]processingEntry
	wg      sync.WaitGroup
}

type processingEntry struct {
	execution *store.Execution
	startedAt time.Time
}

// New builds a Dispatcher with cfg.Concurrency permits, all initially free.
func New(cfg Config, s store.Store, registry Registry, cl clock.Clock, sink stats.Sink, log *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if sink == nil {
		sink = stats.NopSink{}
	}
	return &Dispatcher{
		store:    s,
		registry: registry,
		clock:    cl,
		log:      log,
		sink:     sink,
		name:     cfg.SchedulerName,
		permits:  make(chan struct{}, cfg.Concurrency),
		running:  make(map[store.ID]processingEntry),
	}
}

// AvailablePermits reports how many more executions can be dispatched
// right now without blocking.
func (d *Dispatcher) AvailablePermits() int {
	return cap(d.permits) - len(d.permits)
}

// InFlightCount reports the number of executions currently running.
func (d *Dispatcher) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Dispatch implements the fetch-and-lock-separately path: acquire a
// permit, pick the candidate, and if successful hand it to the run
// routine. Returns ErrNoAvailableExecutors or ErrTakenByPeer for the two
// non-fatal outcomes the poll loop must treat as "try the next one".
func (d *Dispatcher) Dispatch(ctx context.Context, candidate *store.Execution) error {
	select {
	case d.permits <- struct{}{}:
	default:
		d.sink.Register(stats.EventNoAvailableExecutors, candidate.TaskName)
		return ErrNoAvailableExecutors
	}

	picked, err := d.store.Pick(ctx, candidate, d.name, d.clock.Now())
	if err != nil {
		<-d.permits
		return fmt.Errorf("pick: %w", err)
	}
	if picked == nil {
		<-d.permits
		d.sink.Register(stats.EventStalePick, candidate.TaskName)
		return ErrTakenByPeer
	}

	d.track(picked)
	return nil
}

// Submit hands an already-picked row (from the fetch-and-lock-together
// strategy's PickDue) straight to the run routine. The caller is
// responsible for having sized its PickDue limit so permits are available;
// Submit acquires a permit non-blockingly and returns ErrNoAvailableExecutors
// if that invariant was violated, rather than blocking the poll loop.
func (d *Dispatcher) Submit(picked *store.Execution) error {
	select {
	case d.permits <- struct{}{}:
	default:
		d.sink.Register(stats.EventNoAvailableExecutors, picked.TaskName)
		return ErrNoAvailableExecutors
	}
	d.track(picked)
	return nil
}

func (d *Dispatcher) track(picked *store.Execution) {
	d.mu.Lock()
	d.running[picked.ID()] = processingEntry{execution: picked, startedAt: d.clock.Now()}
	d.mu.Unlock()

	d.sink.Register(stats.EventExecutionStarted, picked.TaskName)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(picked.ID())
		d.run(picked)
	}()
}

// OnRelease registers fn to run after every permit release. The poll loop
// uses it to re-poll early once in-flight work drains below its lower
// limit. Must be set before the first Dispatch/Submit.
func (d *Dispatcher) OnRelease(fn func()) {
	d.onRelease = fn
}

func (d *Dispatcher) release(id store.ID) {
	d.mu.Lock()
	delete(d.running, id)
	d.mu.Unlock()
	<-d.permits
	if d.onRelease != nil {
		d.onRelease()
	}
}

// run executes the resolved task's handler and routes the outcome to the
// task's completion or failure handler, recovering from panics in either
// so a misbehaving handler cannot take down the poll loop's goroutine
// pool.
func (d *Dispatcher) run(execution *store.Execution) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in execution run routine",
				zap.String("task_name", execution.TaskName),
				zap.String("instance_id", execution.InstanceID),
				zap.Any("panic", r),
			)
			d.sink.RegisterUnexpectedError()
		}
	}()

	t, ok := d.registry.Resolve(execution.TaskName)
	if !ok {
		d.log.Warn("unknown task, leaving row picked for dead-execution recovery",
			zap.String("task_name", execution.TaskName))
		d.sink.Register(stats.EventUnknownTask, execution.TaskName)
		return
	}

	instance := task.Instance{
		TaskName:   execution.TaskName,
		InstanceID: execution.InstanceID,
		Payload:    execution.Payload,
	}
	execCtx := task.ExecutionContext{
		SchedulerName:       d.name,
		ExecutionTime:       execution.ExecutionTime,
		ConsecutiveFailures: execution.ConsecutiveFailures,
		LastSuccess:         execution.LastSuccess,
		LastFailure:         execution.LastFailure,
		Serializer:          t.EffectiveSerializer(),
	}

	handlerErr := t.Handler(ctx, instance, execCtx)
	completionTime := d.clock.Now()

	if handlerErr == nil {
		d.sink.Register(stats.EventExecutionCompleted, execution.TaskName)
		ops := newSuccessOps(d.store, execution, completionTime)
		if err := t.CompletionHandler(ctx, instance, task.Success{CompletionTime: completionTime}, ops); err != nil {
			d.log.Error("completion handler failed, row remains picked for recovery",
				zap.String("task_name", execution.TaskName), zap.Error(err))
			d.sink.RegisterUnexpectedError()
		}
		return
	}

	d.sink.Register(stats.EventExecutionFailed, execution.TaskName)
	ops := newFailureOps(d.store, execution, completionTime)
	failure := task.Failure{CompletionTime: completionTime, Cause: handlerErr, ConsecutiveFailures: execution.ConsecutiveFailures}
	if err := t.FailureHandler(ctx, instance, failure, ops); err != nil {
		d.log.Error("failure handler failed, row remains picked for recovery",
			zap.String("task_name", execution.TaskName), zap.Error(err))
		d.sink.RegisterUnexpectedError()
	}
}

// InFlight describes one currently-running execution for diagnostics.
type InFlight struct {
	Execution *store.Execution
	StartedAt time.Time
}

// CurrentlyExecuting returns a snapshot of the executions this process is
// running right now, with their start times.
func (d *Dispatcher) CurrentlyExecuting() []InFlight {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]InFlight, 0, len(d.running))
	for _, entry := range d.running {
		out = append(out, InFlight{Execution: entry.execution, StartedAt: entry.startedAt})
	}
	return out
}

// Snapshot copies the currently-processing set for the heartbeat updater,
// so iteration over the key-set avoids holding the lock during DB I/O.
func (d *Dispatcher) Snapshot() []*store.Execution {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*store.Execution, 0, len(d.running))
	for _, entry := range d.running {
		out = append(out, entry.execution)
	}
	return out
}

// Wait blocks until every in-flight run routine has returned. Used during
// shutdown's bounded grace period.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
