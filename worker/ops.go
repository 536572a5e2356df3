package worker

import (
	"context"
	"time"

	"github.com/corelatch/dbsched/store"
	"github.com/corelatch/dbsched/task"
)

// outcome distinguishes why ops was handed to a handler, since the store's
// Reschedule call needs to know whether to bump or reset consecutiveFailures
// and which observation stamp (lastSuccess/lastFailure) to set — detail the
// task.ExecutionOperations contract itself stays silent on, since handlers
// only see reschedule/stop/updatePayload.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeDeadRecovery
)

// executionOps is the concrete task.ExecutionOperations backing every
// completion/failure/dead-execution handler invocation. One is constructed
// per handler call, scoped to the single row it was picked for.
type executionOps struct {
	store          store.Store
	execution      *store.Execution
	completionTime time.Time
	kind           outcome
}

func newSuccessOps(s store.Store, execution *store.Execution, completionTime time.Time) *executionOps {
	return &executionOps{store: s, execution: execution, completionTime: completionTime, kind: outcomeSuccess}
}

func newFailureOps(s store.Store, execution *store.Execution, completionTime time.Time) *executionOps {
	return &executionOps{store: s, execution: execution, completionTime: completionTime, kind: outcomeFailure}
}

func newDeadRecoveryOps(s store.Store, execution *store.Execution, now time.Time) *executionOps {
	return &executionOps{store: s, execution: execution, completionTime: now, kind: outcomeDeadRecovery}
}

// NewDeadRecoveryOps builds the task.ExecutionOperations handed to a
// DeadExecutionHandler by the detect package. It is exported because
// dead-execution recovery happens outside the dispatcher's own run loop,
// unlike the success/failure ops above which stay package-private.
func NewDeadRecoveryOps(s store.Store, execution *store.Execution, now time.Time) task.ExecutionOperations {
	return newDeadRecoveryOps(s, execution, now)
}

func (o *executionOps) Reschedule(ctx context.Context, newTime time.Time, newPayload []byte) error {
	if newPayload != nil {
		// Write the payload first, while this process still owns the row:
		// the Reschedule below clears the pick, after which a peer could win
		// the version race before the payload lands.
		if err := o.store.UpdatePayload(ctx, o.execution, newPayload); err != nil {
			return err
		}
		o.execution.Version++
	}

	var lastSuccess, lastFailure *time.Time
	consecutiveFailures := o.execution.ConsecutiveFailures

	switch o.kind {
	case outcomeSuccess:
		t := o.completionTime
		lastSuccess = &t
		consecutiveFailures = 0
	case outcomeFailure:
		t := o.completionTime
		lastFailure = &t
		consecutiveFailures = o.execution.ConsecutiveFailures + 1
	}

	return o.store.Reschedule(ctx, o.execution, newTime, lastSuccess, lastFailure, consecutiveFailures)
}

func (o *executionOps) Stop(ctx context.Context) error {
	return o.store.Remove(ctx, o.execution)
}

func (o *executionOps) UpdatePayload(ctx context.Context, newPayload []byte) error {
	if err := o.store.UpdatePayload(ctx, o.execution, newPayload); err != nil {
		return err
	}
	// Track the bump locally so a follow-up Reschedule or Stop from the
	// same handler still carries the current version.
	o.execution.Version++
	return nil
}

var _ task.ExecutionOperations = (*executionOps)(nil)
