package dbsched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corelatch/dbsched/clock"
	"github.com/corelatch/dbsched/detect"
	"github.com/corelatch/dbsched/heartbeat"
	"github.com/corelatch/dbsched/poll"
	"github.com/corelatch/dbsched/stats"
	"github.com/corelatch/dbsched/store"
	"github.com/corelatch/dbsched/task"
	"github.com/corelatch/dbsched/worker"
)

// State is a Scheduler's position in its lifecycle: CREATED ->
// STARTED -> SHUTTING_DOWN -> STOPPED.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStarted:
		return "STARTED"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Scheduler wires the Due-Poll Loop, Dead-Execution Detector, Heartbeat
// Updater, Worker Pool & Dispatcher, Scheduler Client, and Task Registry
// into a single embeddable unit with a start/stop lifecycle. It is the one
// type most embedders construct directly; the subpackages (clock, store,
// task, worker, poll, detect, heartbeat, stats) exist so each concern can
// be tested and reasoned about in isolation, each its own small package
// rather than one monolithic type.
type Scheduler struct {
	cfg      Config
	store    store.Store
	registry *Registry
	clock    clock.Clock
	log      *zap.Logger
	sink     stats.Sink

	waiter     *clock.Waiter
	client     *Client
	dispatcher *worker.Dispatcher
	poller     *poll.Loop
	detector   *detect.Detector
	updater    *heartbeat.Updater

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler in the CREATED state. sink and log may be nil
// (stats.NopSink{} and zap.NewNop() are substituted).
func New(cfg Config, s store.Store, registry *Registry, cl clock.Clock, sink stats.Sink, log *zap.Logger) *Scheduler {
	if cl == nil {
		cl = clock.Real{}
	}
	if sink == nil {
		sink = stats.NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 10
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = 30 * time.Minute
	}
	if cfg.SchedulerName == "" {
		cfg.SchedulerName = defaultSchedulerName()
	}

	if cfg.Serializer != nil {
		registry.SetDefaultSerializer(cfg.Serializer)
	}

	waiter := clock.NewWaiter(cfg.PollingInterval)

	dispatcher := worker.New(worker.Config{
		Concurrency:   cfg.Threads,
		SchedulerName: cfg.SchedulerName,
	}, s, registry, cl, sink, log)

	pollCfg := poll.DefaultConfig(cfg.Threads)
	pollCfg.PollingInterval = cfg.PollingInterval
	pollCfg.SchedulerName = cfg.SchedulerName
	pollCfg.Strategy = cfg.PollStrategy
	poller := poll.New(pollCfg, s, dispatcher, cl, waiter, sink, log)

	detector := detect.New(detect.Config{HeartbeatInterval: cfg.HeartbeatInterval}, s, registry, cl, sink, log)
	updater := heartbeat.New(cfg.HeartbeatInterval, s, dispatcher, cl, sink, log)

	var listener ClientEventListener
	if cfg.EnableImmediateExecution {
		listener = ImmediateExecutionListener(waiter, cl)
	}
	client := NewClient(s, cl, log, listener)

	return &Scheduler{
		cfg:        cfg,
		store:      s,
		registry:   registry,
		clock:      cl,
		log:        log,
		sink:       sink,
		waiter:     waiter,
		client:     client,
		dispatcher: dispatcher,
		poller:     poller,
		detector:   detector,
		updater:    updater,
		state:      StateCreated,
	}
}

// Client returns the Scheduler Client embedders use to
// schedule/reschedule/cancel/list executions.
func (sch *Scheduler) Client() *Client { return sch.client }

// Registry returns the Task Registry.
func (sch *Scheduler) Registry() *Registry { return sch.registry }

// GetFailingExecutions returns unpicked rows that have not succeeded for
// longer than d and have at least one consecutive failure — the diagnostic
// counterpart to the failure handlers, not part of the scheduling path.
func (sch *Scheduler) GetFailingExecutions(ctx context.Context, d time.Duration) ([]*store.Execution, error) {
	return sch.store.GetFailingExecutions(ctx, d, sch.clock.Now())
}

// CurrentlyExecuting returns a snapshot of the executions this process is
// running right now.
func (sch *Scheduler) CurrentlyExecuting() []worker.InFlight {
	return sch.dispatcher.CurrentlyExecuting()
}

// State reports the current lifecycle state.
func (sch *Scheduler) State() State {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.state
}

// Start transitions CREATED -> STARTED: it auto-inserts any cfg.StartTasks
// row that doesn't already exist (recurring tasks, instanceId =
// RecurringInstanceID), then launches the due-poll loop, dead-execution
// detector, and heartbeat updater as background goroutines. Start is
// idempotent: a second call is a no-op that logs a warning instead of
// starting a duplicate set of loops.
func (sch *Scheduler) Start(ctx context.Context) error {
	sch.mu.Lock()
	if sch.state != StateCreated {
		sch.mu.Unlock()
		sch.log.Warn("start called on scheduler not in CREATED state", zap.String("state", sch.state.String()))
		return nil
	}

	for _, t := range sch.cfg.StartTasks {
		sch.insertStartTask(ctx, t)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sch.cancel = cancel
	sch.state = StateStarted
	sch.wg.Add(3)
	sch.mu.Unlock()

	go func() { defer sch.wg.Done(); sch.poller.Run(runCtx) }()
	go func() { defer sch.wg.Done(); sch.detector.Run(runCtx) }()
	go func() { defer sch.wg.Done(); sch.updater.Run(runCtx) }()

	return nil
}

func (sch *Scheduler) insertStartTask(ctx context.Context, t *task.Task) {
	if t == nil || t.Schedule == nil {
		return
	}
	instanceID := t.RecurringInstanceID
	if instanceID == "" {
		instanceID = "recurring"
	}
	execution := &store.Execution{
		TaskName:      t.Name,
		InstanceID:    instanceID,
		ExecutionTime: sch.clock.Now(),
	}
	created, err := sch.store.CreateIfNotExists(ctx, execution)
	if err != nil {
		sch.log.Error("auto-insert start task failed", zap.String("task_name", t.Name), zap.Error(err))
		sch.sink.RegisterUnexpectedError()
		return
	}
	if created {
		sch.log.Info("auto-inserted start task", zap.String("task_name", t.Name), zap.String("instance_id", instanceID))
	}
}

// Stop transitions STARTED -> SHUTTING_DOWN -> STOPPED. While
// SHUTTING_DOWN, the poll, detect, and heartbeat loops are cancelled
// immediately (so no new executions are picked and no further scans
// happen) but in-flight executions already owned by this process's
// dispatcher are given up to cfg.ShutdownGracePeriod to finish; past that,
// Stop returns anyway and any still-running execution's row will be
// recovered by another scheduler's dead-execution detector after
// deadAfter. Stop is idempotent.
func (sch *Scheduler) Stop(ctx context.Context) error {
	sch.mu.Lock()
	switch sch.state {
	case StateStopped:
		sch.mu.Unlock()
		sch.log.Warn("stop called on already-stopped scheduler")
		return nil
	case StateCreated:
		sch.state = StateStopped
		sch.mu.Unlock()
		return nil
	case StateShuttingDown:
		sch.mu.Unlock()
		return nil
	}
	sch.state = StateShuttingDown
	cancel := sch.cancel
	sch.mu.Unlock()

	cancel()
	sch.wg.Wait()

	done := make(chan struct{})
	go func() {
		sch.dispatcher.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(sch.cfg.ShutdownGracePeriod):
		sch.log.Warn("shutdown grace period exceeded, returning without waiting further; unfinished executions will be recovered by dead-execution detection",
			zap.Duration("grace_period", sch.cfg.ShutdownGracePeriod))
	case <-ctx.Done():
	}

	sch.mu.Lock()
	sch.state = StateStopped
	sch.mu.Unlock()
	return nil
}
