// Package poll implements the Due-Poll Loop: the single dedicated worker
// that repeatedly asks the store for due executions and submits them to
// the worker pool, sleeping on a Waiter between iterations.
package poll

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/corelatch/dbsched/clock"
	"github.com/corelatch/dbsched/stats"
	"github.com/corelatch/dbsched/store"
	"github.com/corelatch/dbsched/worker"
)

// Strategy is which fetch-and-lock approach the poll loop uses.
type Strategy int

const (
	// FetchAndLockSeparately calls GetDue then attempts Dispatch per row.
	FetchAndLockSeparately Strategy = iota
	// FetchAndLockTogether calls PickDue, fusing fetch and lock into one
	// store call (one transaction on backends that support SELECT ... FOR
	// UPDATE SKIP LOCKED).
	FetchAndLockTogether
)

// Config configures the poll loop.
type Config struct {
	PollingInterval time.Duration
	Strategy        Strategy
	SchedulerName   string
	// UpperLimit bounds a single pickDue batch; defaults to the dispatcher's
	// total concurrency. LowerLimit is the in-flight threshold at or below
	// which a pending "more in DB" wake is honored; defaults to half of
	// UpperLimit.
	UpperLimit int
	LowerLimit int
	// WakeOnMoreInDB picks the wake-on-"more in database" predicate: when
	// true (the default), a
	// pickDue call that returns a full batch (UpperLimit-InFlight rows,
	// i.e. no capacity-related truncation) sets an internal flag; the next
	// time InFlightCount drops at or below LowerLimit, the loop wakes
	// itself instead of waiting for the next tick. Returning fewer rows
	// than requested clears the flag, since it means the database had
	// nothing more to offer, not that the loop ran out of permits.
	WakeOnMoreInDB bool
	// MaxPollRate caps how often the loop issues a GetDue or PickDue round
	// trip, in queries per second; it guards against a tight
	// wake-on-more-in-DB cycle hammering the database when every poll
	// returns a full batch. Polls past the cap are delayed, not dropped.
	// Zero disables the cap. A single token bucket is enough since the
	// poll loop has exactly one caller to throttle.
	MaxPollRate float64
}

// DefaultConfig returns the poll configuration's stated defaults, adapted
// to a concrete concurrency.
func DefaultConfig(concurrency int) Config {
	upper := concurrency
	if upper <= 0 {
		upper = 10
	}
	return Config{
		PollingInterval: 10 * time.Second,
		Strategy:        FetchAndLockSeparately,
		UpperLimit:      upper,
		LowerLimit:      upper / 2,
		WakeOnMoreInDB:  true,
		MaxPollRate:     5,
	}
}

// Loop is the due-poll worker.
type Loop struct {
	cfg    Config
	store  store.Store
	disp   *worker.Dispatcher
	clock  clock.Clock
	waiter *clock.Waiter
	sink   stats.Sink
	log    *zap.Logger

	limiter  *rate.Limiter
	moreInDB atomic.Bool
}

// New builds a Loop. waiter is shared with the Scheduler Client so
// schedule/reschedule calls can trigger an immediate poll.
func New(cfg Config, s store.Store, disp *worker.Dispatcher, cl clock.Clock, waiter *clock.Waiter, sink stats.Sink, log *zap.Logger) *Loop {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 10 * time.Second
	}
	if cfg.UpperLimit <= 0 {
		cfg.UpperLimit = 10
	}
	if cfg.LowerLimit <= 0 {
		cfg.LowerLimit = cfg.UpperLimit / 2
	}
	if sink == nil {
		sink = stats.NopSink{}
	}
	var limiter *rate.Limiter
	if cfg.MaxPollRate > 0 {
		// Burst 2 so a wake arriving right after a scheduled poll isn't
		// delayed; the sustained rate still holds.
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxPollRate), 2)
	}
	l := &Loop{cfg: cfg, store: s, disp: disp, clock: cl, waiter: waiter, sink: sink, log: log, limiter: limiter}
	disp.OnRelease(l.onExecutionFinished)
	return l
}

// onExecutionFinished runs after every permit release: when the last fused
// poll saw a full batch and in-flight work has drained to the lower limit,
// wake the waiter so the loop re-polls instead of waiting out its tick.
func (l *Loop) onExecutionFinished() {
	if l.cfg.WakeOnMoreInDB && l.moreInDB.Load() && l.disp.InFlightCount() <= l.cfg.LowerLimit {
		l.waiter.Wake()
	}
}

// Run blocks until ctx is cancelled, polling every PollingInterval or
// whenever Wake is called on the shared waiter.
func (l *Loop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		l.pollOnce(ctx)

		if l.cfg.WakeOnMoreInDB && l.moreInDB.Load() && l.disp.InFlightCount() <= l.cfg.LowerLimit {
			continue
		}
		if !l.waiter.Wait(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (l *Loop) pollOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic in poll iteration", zap.Any("panic", r))
			l.sink.RegisterUnexpectedError()
		}
	}()

	if l.limiter != nil {
		// Delay, never drop: a wake-triggered poll past the rate cap still
		// runs, just after the limiter releases it, so immediate-execution
		// wakes are never silently lost.
		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
	}

	switch l.cfg.Strategy {
	case FetchAndLockTogether:
		l.pollFetchAndLockTogether(ctx)
	default:
		l.pollFetchAndLockSeparately(ctx)
	}
}

// pollFetchAndLockSeparately implements the fetch-then-lock strategy:
// fetch a candidate list, attempt Dispatch per row, and abort early once
// permits are exhausted or shutdown is observed.
func (l *Loop) pollFetchAndLockSeparately(ctx context.Context) {
	candidates, err := l.store.GetDue(ctx, l.clock.Now(), l.cfg.UpperLimit)
	if err != nil {
		l.log.Error("get due executions", zap.Error(err))
		l.sink.RegisterUnexpectedError()
		return
	}
	if len(candidates) == 0 {
		return
	}

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return
		}
		if err := l.disp.Dispatch(ctx, candidate); err != nil {
			if err == worker.ErrNoAvailableExecutors {
				return
			}
			// ErrTakenByPeer and store errors: move on to the next candidate.
			continue
		}
	}
}

// pollFetchAndLockTogether implements the fetch-and-lock-together
// strategy: a single PickDue call sized to the dispatcher's
// remaining capacity, with each returned row submitted directly (no
// second Pick call needed).
func (l *Loop) pollFetchAndLockTogether(ctx context.Context) {
	available := l.disp.AvailablePermits()
	if available <= 0 {
		return
	}

	requested := l.cfg.UpperLimit - l.disp.InFlightCount()
	if requested > available {
		requested = available
	}
	if requested <= 0 {
		return
	}

	picked, err := l.store.PickDue(ctx, l.clock.Now(), requested, l.cfg.SchedulerName)
	if err != nil {
		l.log.Error("pick due executions", zap.Error(err))
		l.sink.RegisterUnexpectedError()
		return
	}

	l.moreInDB.Store(len(picked) >= requested)

	for _, execution := range picked {
		if err := l.disp.Submit(execution); err != nil {
			l.log.Error("submit picked execution", zap.String("task_name", execution.TaskName), zap.Error(err))
		}
	}
}
