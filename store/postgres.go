package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL via pgx/v5. Conditional
// updates predicate the WHERE clause on the caller's observed version and
// check RowsAffected; PickDue claims rows in one transaction with
// SELECT ... FOR UPDATE SKIP LOCKED before marking them picked.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

const defaultPostgresTable = "scheduled_tasks"

// NewPostgresStore opens a pool against connString and verifies connectivity.
// table overrides the default scheduled_tasks table name; pass "" to use
// the default.
func NewPostgresStore(ctx context.Context, connString string, table string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if table == "" {
		table = defaultPostgresTable
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// NewPostgresStoreFromPool wraps an already-constructed pool instead of
// opening one from a connection string.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, table string) *PostgresStore {
	if table == "" {
		table = defaultPostgresTable
	}
	return &PostgresStore{pool: pool, table: table}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const selectColumns = `task_name, task_instance, execution_time, task_data, picked, picked_by,
	last_heartbeat, last_success, last_failure, consecutive_failures, version`

func scanExecution(row pgx.Row) (*Execution, error) {
	var e Execution
	err := row.Scan(
		&e.TaskName, &e.InstanceID, &e.ExecutionTime, &e.Payload, &e.Picked, &e.PickedBy,
		&e.LastHeartbeat, &e.LastSuccess, &e.LastFailure, &e.ConsecutiveFailures, &e.Version,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateIfNotExists(ctx context.Context, execution *Execution) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (task_name, task_instance, execution_time, task_data, picked, version)
		VALUES ($1, $2, $3, $4, false, 1)
		ON CONFLICT (task_name, task_instance) DO NOTHING
	`, s.table)
	tag, err := s.pool.Exec(ctx, query, execution.TaskName, execution.InstanceID, execution.ExecutionTime, execution.Payload)
	if err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetDue(ctx context.Context, now time.Time, limit int) ([]*Execution, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE picked = false AND execution_time <= $1
		ORDER BY execution_time ASC
		LIMIT $2
	`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("get due: %w", err)
	}
	defer rows.Close()

	var due []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due: %w", err)
		}
		due = append(due, e)
	}
	return due, rows.Err()
}

func (s *PostgresStore) Pick(ctx context.Context, execution *Execution, schedulerName string, now time.Time) (*Execution, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET picked = true, picked_by = $1, last_heartbeat = $2, version = version + 1
		WHERE task_name = $3 AND task_instance = $4 AND picked = false AND version = $5
		RETURNING %s
	`, s.table, selectColumns)
	row := s.pool.QueryRow(ctx, query, schedulerName, now, execution.TaskName, execution.InstanceID, execution.Version)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pick: %w", err)
	}
	return e, nil
}

// PickDue fuses GetDue and Pick into one transaction using FOR UPDATE SKIP
// LOCKED: rows currently locked by another scheduler's in-flight PickDue
// are simply skipped rather than blocking this one. The transaction issues
// the claiming SELECT and then one UPDATE ... RETURNING per claimed row, so
// it costs 1+N round trips, not one.
func (s *PostgresStore) PickDue(ctx context.Context, now time.Time, limit int, schedulerName string) ([]*Execution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin pick tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	claimQuery := fmt.Sprintf(`
		SELECT task_name, task_instance
		FROM %s
		WHERE picked = false AND execution_time <= $1
		ORDER BY execution_time ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, s.table)
	rows, err := tx.Query(ctx, claimQuery, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	type key struct{ taskName, instanceID string }
	var ids []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.taskName, &k.instanceID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed id: %w", err)
		}
		ids = append(ids, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed ids: %w", err)
	}

	pickQuery := fmt.Sprintf(`
		UPDATE %s
		SET picked = true, picked_by = $1, last_heartbeat = $2, version = version + 1
		WHERE task_name = $3 AND task_instance = $4
		RETURNING %s
	`, s.table, selectColumns)

	picked := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRow(ctx, pickQuery, schedulerName, now, id.taskName, id.instanceID)
		e, err := scanExecution(row)
		if err != nil {
			return nil, fmt.Errorf("pick claimed %s/%s: %w", id.taskName, id.instanceID, err)
		}
		picked = append(picked, e)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit pick tx: %w", err)
	}
	committed = true
	return picked, nil
}

// SupportsSkipLocked is true: Postgres provides SELECT ... FOR UPDATE SKIP
// LOCKED, so PickDue is a real fused fetch-and-lock rather than an emulation.
func (s *PostgresStore) SupportsSkipLocked() bool { return true }

func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, execution *Execution, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET last_heartbeat = $1 WHERE task_name = $2 AND task_instance = $3`, s.table)
	_, err := s.pool.Exec(ctx, query, now, execution.TaskName, execution.InstanceID)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOldExecutions(ctx context.Context, olderThan time.Time) ([]*Execution, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE picked = true AND last_heartbeat < $1
		ORDER BY last_heartbeat ASC
	`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("get old executions: %w", err)
	}
	defer rows.Close()

	var stale []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan old execution: %w", err)
		}
		stale = append(stale, e)
	}
	return stale, rows.Err()
}

func (s *PostgresStore) GetFailingExecutions(ctx context.Context, olderThan time.Duration, now time.Time) ([]*Execution, error) {
	cutoff := now.Add(-olderThan)
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE picked = false AND consecutive_failures > 0
		  AND (last_success IS NULL OR last_success < $1)
		ORDER BY consecutive_failures DESC
	`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("get failing executions: %w", err)
	}
	defer rows.Close()

	var failing []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failing execution: %w", err)
		}
		failing = append(failing, e)
	}
	return failing, rows.Err()
}

func (s *PostgresStore) Reschedule(ctx context.Context, execution *Execution, newTime time.Time, lastSuccess, lastFailure *time.Time, consecutiveFailures int) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET execution_time = $1, picked = false, picked_by = NULL, last_heartbeat = NULL,
		    last_success = COALESCE($2, last_success), last_failure = COALESCE($3, last_failure),
		    consecutive_failures = $4, version = version + 1
		WHERE task_name = $5 AND task_instance = $6 AND version = $7
	`, s.table)
	tag, err := s.pool.Exec(ctx, query, newTime, lastSuccess, lastFailure, consecutiveFailures,
		execution.TaskName, execution.InstanceID, execution.Version)
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStalePick
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, execution *Execution) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE task_name = $1 AND task_instance = $2 AND version = $3`, s.table)
	tag, err := s.pool.Exec(ctx, query, execution.TaskName, execution.InstanceID, execution.Version)
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStalePick
	}
	return nil
}

func (s *PostgresStore) UpdatePayload(ctx context.Context, execution *Execution, newPayload []byte) error {
	query := fmt.Sprintf(`
		UPDATE %s SET task_data = $1, version = version + 1
		WHERE task_name = $2 AND task_instance = $3 AND version = $4
	`, s.table)
	tag, err := s.pool.Exec(ctx, query, newPayload, execution.TaskName, execution.InstanceID, execution.Version)
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStalePick
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id ID) (*Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE task_name = $1 AND task_instance = $2`, selectColumns, s.table)
	row := s.pool.QueryRow(ctx, query, id.TaskName, id.InstanceID)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListForTask(ctx context.Context, taskName string) ([]*Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE task_name = $1 ORDER BY task_instance ASC`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, taskName)
	if err != nil {
		return nil, fmt.Errorf("list for task: %w", err)
	}
	defer rows.Close()

	var list []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan list for task: %w", err)
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
