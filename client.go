package dbsched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/corelatch/dbsched/clock"
	"github.com/corelatch/dbsched/store"
	"github.com/corelatch/dbsched/task"
)

// ErrAlreadyScheduled is returned by Schedule when a row already exists
// for the given (taskName, instanceId) pair.
var ErrAlreadyScheduled = errors.New("dbsched: execution already scheduled")

// ClientEventType distinguishes the two events a Client emits.
type ClientEventType int

const (
	// ClientEventScheduled fires after a successful Schedule.
	ClientEventScheduled ClientEventType = iota
	// ClientEventRescheduled fires after a successful Reschedule.
	ClientEventRescheduled
)

// ClientEvent is delivered to a Client's listener after a successful
// schedule or reschedule call.
type ClientEvent struct {
	Type ClientEventType
	ID   store.ID
	Time time.Time
}

// ClientEventListener observes ClientEvents. The Scheduler installs the
// immediate-execution waker as a listener when EnableImmediateExecution is
// set; embedders may chain their own in front of or behind it.
type ClientEventListener func(ClientEvent)

// maxRescheduleRetries bounds the read-modify-write retry loop Reschedule
// and Cancel use to cope with a concurrent version bump (e.g. a competing
// pick or a handler's payload update) between the read and the write.
const maxRescheduleRetries = 5

// Client is the Scheduler Client: schedule/reschedule/cancel/list,
// emitting a ClientEvent to an optional listener after each successful
// mutation.
type Client struct {
	store    store.Store
	clock    clock.Clock
	log      *zap.Logger
	listener ClientEventListener
}

// NewClient builds a Client. listener may be nil.
func NewClient(s store.Store, cl clock.Clock, log *zap.Logger, listener ClientEventListener) *Client {
	return &Client{store: s, clock: cl, log: log, listener: listener}
}

// Schedule inserts a new execution due at at. It returns ErrAlreadyScheduled
// if a row already exists for instance's identity.
func (c *Client) Schedule(ctx context.Context, instance task.Instance, at time.Time) error {
	execution := &store.Execution{
		TaskName:      instance.TaskName,
		InstanceID:    instance.InstanceID,
		ExecutionTime: at,
		Payload:       instance.Payload,
	}
	created, err := c.store.CreateIfNotExists(ctx, execution)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if !created {
		return ErrAlreadyScheduled
	}
	c.emit(ClientEvent{Type: ClientEventScheduled, ID: execution.ID(), Time: at})
	return nil
}

// Reschedule moves an existing, currently-unpicked execution to a new due
// time, retrying a bounded number of times against a concurrent version
// bump. The last caller to win the race wins outright.
func (c *Client) Reschedule(ctx context.Context, id store.ID, at time.Time) error {
	var lastErr error
	for attempt := 0; attempt < maxRescheduleRetries; attempt++ {
		current, err := c.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}
		err = c.store.Reschedule(ctx, current, at, current.LastSuccess, current.LastFailure, current.ConsecutiveFailures)
		if err == nil {
			c.emit(ClientEvent{Type: ClientEventRescheduled, ID: id, Time: at})
			return nil
		}
		if !errors.Is(err, store.ErrStalePick) {
			return fmt.Errorf("reschedule: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("reschedule: exhausted retries: %w", lastErr)
}

// Cancel deletes an execution. Cancel is best-effort against a concurrent
// pick: if the row is picked by the time the delete lands, the execution
// still runs once.
func (c *Client) Cancel(ctx context.Context, id store.ID) error {
	var lastErr error
	for attempt := 0; attempt < maxRescheduleRetries; attempt++ {
		current, err := c.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		err = c.store.Remove(ctx, current)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrStalePick) {
			return fmt.Errorf("cancel: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("cancel: exhausted retries: %w", lastErr)
}

// GetScheduledExecution returns the current row for id.
func (c *Client) GetScheduledExecution(ctx context.Context, id store.ID) (*store.Execution, error) {
	return c.store.Get(ctx, id)
}

// GetScheduledExecutionsForTask returns every execution registered for taskName.
func (c *Client) GetScheduledExecutionsForTask(ctx context.Context, taskName string) ([]*store.Execution, error) {
	return c.store.ListForTask(ctx, taskName)
}

func (c *Client) emit(event ClientEvent) {
	if c.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in client event listener", zap.Any("panic", r))
		}
	}()
	c.listener(event)
}

// ImmediateExecutionListener returns a ClientEventListener that wakes
// waiter whenever the event's Time is at or before clock's current time,
// so a schedule/reschedule call for work that is already due doesn't wait
// for the next poll tick.
func ImmediateExecutionListener(waiter *clock.Waiter, cl clock.Clock) ClientEventListener {
	return func(event ClientEvent) {
		if !event.Time.After(cl.Now()) {
			waiter.Wake()
		}
	}
}
