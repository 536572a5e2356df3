// Package heartbeat implements the Heartbeat Updater: a ticker loop that
// refreshes liveness stamps for every execution currently being run by
// this process's worker pool, a direct store call rather than a network
// round trip since the scheduler and its worker pool share a process.
package heartbeat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/corelatch/dbsched/clock"
	"github.com/corelatch/dbsched/stats"
	"github.com/corelatch/dbsched/store"
)

// Snapshotter exposes the worker pool's currently-processing set without
// requiring the heartbeat package to depend on worker's full API.
type Snapshotter interface {
	Snapshot() []*store.Execution
}

// Updater periodically refreshes lastHeartbeat for every in-flight execution.
type Updater struct {
	store store.Store
	pool  Snapshotter
	clock clock.Clock
	sink  stats.Sink
	log   *zap.Logger

	interval time.Duration
}

// New builds an Updater that ticks every interval (the scheduler's
// configured heartbeatInterval).
func New(interval time.Duration, s store.Store, pool Snapshotter, cl clock.Clock, sink stats.Sink, log *zap.Logger) *Updater {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if sink == nil {
		sink = stats.NopSink{}
	}
	return &Updater{store: s, pool: pool, clock: cl, sink: sink, log: log, interval: interval}
}

// Run blocks, refreshing heartbeats every interval until ctx is cancelled.
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.tick(ctx)
		}
	}
}

// tick snapshots the currently-processing set first and issues store calls
// after releasing the pool's lock, so heartbeat I/O never holds up a
// concurrent Dispatch or release.
func (u *Updater) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			u.log.Error("panic in heartbeat tick", zap.Any("panic", r))
			u.sink.RegisterUnexpectedError()
		}
	}()

	inFlight := u.pool.Snapshot()
	if len(inFlight) == 0 {
		return
	}

	now := u.clock.Now()
	for _, execution := range inFlight {
		if err := u.store.UpdateHeartbeat(ctx, execution, now); err != nil {
			u.log.Warn("heartbeat update failed, row may be recovered by dead-detection",
				zap.String("task_name", execution.TaskName), zap.String("instance_id", execution.InstanceID), zap.Error(err))
			u.sink.Register(stats.EventHeartbeatFailure, execution.TaskName)
		}
	}
}
