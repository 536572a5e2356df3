// Package detect implements the Dead-Execution Detector: a ticker loop
// that scans for picked rows whose heartbeat has gone stale and hands
// each to its task's recovery policy — a ticker, list-and-check-staleness,
// per-row recovery action, metric update, the same shape agent liveness
// monitoring uses adapted to execution ownership.
package detect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/corelatch/dbsched/clock"
	"github.com/corelatch/dbsched/stats"
	"github.com/corelatch/dbsched/store"
	"github.com/corelatch/dbsched/task"
	"github.com/corelatch/dbsched/worker"
)

// Config configures the detector.
type Config struct {
	// HeartbeatInterval is the scheduler's configured heartbeat period;
	// the detector runs at 2x this and considers a row dead past 4x this.
	HeartbeatInterval time.Duration
}

// Detector periodically recovers rows abandoned by a dead owner.
type Detector struct {
	store    store.Store
	registry worker.Registry
	clock    clock.Clock
	sink     stats.Sink
	log      *zap.Logger

	interval  time.Duration
	deadAfter time.Duration
}

// New builds a Detector from cfg.
func New(cfg Config, s store.Store, registry worker.Registry, cl clock.Clock, sink stats.Sink, log *zap.Logger) *Detector {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	if sink == nil {
		sink = stats.NopSink{}
	}
	return &Detector{
		store:     s,
		registry:  registry,
		clock:     cl,
		sink:      sink,
		log:       log,
		interval:  cfg.HeartbeatInterval * 2,
		deadAfter: cfg.HeartbeatInterval * 4,
	}
}

// Run blocks, scanning every interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *Detector) scan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in dead-execution scan", zap.Any("panic", r))
			d.sink.RegisterUnexpectedError()
		}
	}()

	cutoff := d.clock.Now().Add(-d.deadAfter)
	stale, err := d.store.GetOldExecutions(ctx, cutoff)
	if err != nil {
		d.log.Error("get old executions", zap.Error(err))
		d.sink.RegisterUnexpectedError()
		return
	}

	for _, execution := range stale {
		d.recover(ctx, execution)
	}
}

func (d *Detector) recover(ctx context.Context, execution *store.Execution) {
	t, ok := d.registry.Resolve(execution.TaskName)
	if !ok {
		d.log.Warn("dead execution names unknown task, leaving row intact",
			zap.String("task_name", execution.TaskName), zap.String("instance_id", execution.InstanceID))
		d.sink.Register(stats.EventUnknownTask, execution.TaskName)
		return
	}
	if t.DeadExecutionHandler == nil {
		d.log.Debug("task has no dead-execution handler, leaving row intact",
			zap.String("task_name", execution.TaskName))
		return
	}

	now := d.clock.Now()
	instance := task.Instance{TaskName: execution.TaskName, InstanceID: execution.InstanceID, Payload: execution.Payload}
	ops := worker.NewDeadRecoveryOps(d.store, execution, now)

	if err := t.DeadExecutionHandler(ctx, instance, now, ops); err != nil {
		d.log.Error("dead-execution handler failed",
			zap.String("task_name", execution.TaskName), zap.String("instance_id", execution.InstanceID), zap.Error(err))
		d.sink.RegisterUnexpectedError()
		return
	}
	d.sink.Register(stats.EventExecutionDead, execution.TaskName)
}
