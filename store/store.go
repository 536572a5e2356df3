package store

import (
	"context"
	"time"
)

// Store is the durable Execution Store contract. Every
// conditional method predicates on the caller's observed Version and
// returns a non-error "stale" outcome (nil execution, false, or
// ErrStalePick depending on the method) when it loses the race — never a
// hard failure. All operations are individually transactional; no
// multi-row transactions are required for correctness.
type Store interface {
	// CreateIfNotExists inserts execution atomically, returning whether the
	// insert happened. Concurrent callers with the same ID see exactly one
	// winner.
	CreateIfNotExists(ctx context.Context, execution *Execution) (created bool, err error)

	// GetDue returns up to limit unpicked rows due at or before now, ordered
	// by execution time ascending. It takes no lock; it is a candidate list.
	GetDue(ctx context.Context, now time.Time, limit int) ([]*Execution, error)

	// Pick is the linearization point that assigns an execution to
	// schedulerName: a conditional update setting picked=true, pickedBy,
	// lastHeartbeat=now, version=version+1, predicated on the stored version
	// matching execution.Version and picked=false. Returns the updated row
	// on success, nil on lost race.
	Pick(ctx context.Context, execution *Execution, schedulerName string, now time.Time) (*Execution, error)

	// PickDue is the fused fetch-and-lock operation for backends that
	// support SELECT ... FOR UPDATE SKIP LOCKED: it returns up to limit
	// already-picked rows from one call, semantically equivalent to GetDue
	// followed by Pick on each row. The SQL backends run it as one
	// transaction of several statements (a claiming SELECT, then one UPDATE
	// per claimed row), not as a single round trip.
	PickDue(ctx context.Context, now time.Time, limit int, schedulerName string) ([]*Execution, error)

	// SupportsSkipLocked reports whether PickDue uses a real SKIP LOCKED
	// query on this backend. Callers that want the fused strategy but find
	// this false should fall back to GetDue+Pick instead of assuming
	// PickDue is fast or correct under contention.
	SupportsSkipLocked() bool

	// UpdateHeartbeat unconditionally refreshes lastHeartbeat for an owned
	// row. It does not fail when the row is missing.
	UpdateHeartbeat(ctx context.Context, execution *Execution, now time.Time) error

	// GetOldExecutions returns picked rows whose lastHeartbeat predates
	// olderThan — candidates for the dead-execution detector.
	GetOldExecutions(ctx context.Context, olderThan time.Time) ([]*Execution, error)

	// GetFailingExecutions returns unpicked rows whose lastSuccess predates
	// now-duration and which have at least one consecutive failure — a
	// diagnostic listing, not used by the scheduling path itself.
	GetFailingExecutions(ctx context.Context, olderThan time.Duration, now time.Time) ([]*Execution, error)

	// Reschedule is conditional on execution.Version: it clears
	// picked/pickedBy/lastHeartbeat, bumps version, and sets the new due
	// time and observation stamps. Returns ErrStalePick on a lost race.
	Reschedule(ctx context.Context, execution *Execution, newTime time.Time, lastSuccess, lastFailure *time.Time, consecutiveFailures int) error

	// Remove is a conditional delete by execution.Version.
	Remove(ctx context.Context, execution *Execution) error

	// UpdatePayload conditionally replaces the stored payload bytes,
	// predicated on execution.Version. Used by tasks that mutate state
	// across runs.
	UpdatePayload(ctx context.Context, execution *Execution, newPayload []byte) error

	// Get returns the current row for id, or ErrNotFound.
	Get(ctx context.Context, id ID) (*Execution, error)

	// ListForTask returns every execution registered for taskName.
	ListForTask(ctx context.Context, taskName string) ([]*Execution, error)
}
