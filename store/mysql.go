package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MySQLStore implements Store on top of a caller-provided *sql.DB, a
// "bring your own driver" shape: it never imports a concrete MySQL driver
// package itself — the embedder opens db with whichever driver
// (go-sql-driver/mysql, etc.) suits their deployment and hands over the
// *sql.DB already connected.
//
// Support for SKIP LOCKED varies by server version, so at construction,
// NewMySQLStore probes for FOR UPDATE SKIP LOCKED support (available since
// MySQL 8.0.1) and falls back to the getDue+pick emulation at call time
// rather than failing startup when it is absent — e.g. MySQL 5.7 or
// MariaDB releases predating SKIP LOCKED support.
type MySQLStore struct {
	db               *sql.DB
	table            string
	supportsSkipLock bool
}

const defaultMySQLTable = "scheduled_tasks"

// NewMySQLStore wraps db, probing it for FOR UPDATE SKIP LOCKED support.
// table overrides the default scheduled_tasks table name; pass "" for the
// default.
func NewMySQLStore(ctx context.Context, db *sql.DB, table string) (*MySQLStore, error) {
	if table == "" {
		table = defaultMySQLTable
	}
	s := &MySQLStore{db: db, table: table}
	s.supportsSkipLock = probeSkipLocked(ctx, db, table)
	return s, nil
}

// probeSkipLocked issues a harmless transactional read to detect whether
// the connected server understands FOR UPDATE SKIP LOCKED, rather than
// parsing a version string — some MariaDB releases report a MySQL-like
// version number without actually supporting the clause.
func probeSkipLocked(ctx context.Context, db *sql.DB, table string) bool {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`SELECT task_name FROM %s LIMIT 1 FOR UPDATE SKIP LOCKED`, table)
	row := tx.QueryRowContext(ctx, query)
	var name string
	err = row.Scan(&name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return !isSyntaxError(err)
	}
	return true
}

// isSyntaxError is a best-effort classification: database/sql wraps driver
// errors opaquely, so this matches on the message text MySQL/MariaDB
// drivers surface for an unrecognized clause rather than a driver-specific
// error type, keeping MySQLStore decoupled from any one driver package.
func isSyntaxError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "syntax") || strings.Contains(msg, "skip locked")
}

const mysqlSelectColumns = `task_name, task_instance, execution_time, task_data, picked, picked_by,
	last_heartbeat, last_success, last_failure, consecutive_failures, version`

func scanExecutionRow(row *sql.Row) (*Execution, error) {
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

func scanExecutionRows(rows *sql.Rows) (*Execution, error) {
	var e Execution
	err := rows.Scan(
		&e.TaskName, &e.InstanceID, &e.ExecutionTime, &e.Payload, &e.Picked, &e.PickedBy,
		&e.LastHeartbeat, &e.LastSuccess, &e.LastFailure, &e.ConsecutiveFailures, &e.Version,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *MySQLStore) CreateIfNotExists(ctx context.Context, execution *Execution) (bool, error) {
	query := fmt.Sprintf(`
		INSERT IGNORE INTO %s (task_name, task_instance, execution_time, task_data, picked, version)
		VALUES (?, ?, ?, ?, false, 1)
	`, s.table)
	res, err := s.db.ExecContext(ctx, query, execution.TaskName, execution.InstanceID, execution.ExecutionTime, execution.Payload)
	if err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}
	return n > 0, nil
}

func (s *MySQLStore) GetDue(ctx context.Context, now time.Time, limit int) ([]*Execution, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE picked = false AND execution_time <= ?
		ORDER BY execution_time ASC
		LIMIT ?
	`, mysqlSelectColumns, s.table)
	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("get due: %w", err)
	}
	defer rows.Close()

	var due []*Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due: %w", err)
		}
		due = append(due, e)
	}
	return due, rows.Err()
}

func (s *MySQLStore) Pick(ctx context.Context, execution *Execution, schedulerName string, now time.Time) (*Execution, error) {
	update := fmt.Sprintf(`
		UPDATE %s SET picked = true, picked_by = ?, last_heartbeat = ?, version = version + 1
		WHERE task_name = ? AND task_instance = ? AND picked = false AND version = ?
	`, s.table)
	res, err := s.db.ExecContext(ctx, update, schedulerName, now, execution.TaskName, execution.InstanceID, execution.Version)
	if err != nil {
		return nil, fmt.Errorf("pick: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("pick: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.Get(ctx, execution.ID())
}

// PickDue uses SELECT ... FOR UPDATE SKIP LOCKED when the connected server
// supports it, and otherwise emulates the fused operation with GetDue
// followed by a Pick per candidate. Support is decided by probing once at
// construction instead of guessing from a version string or failing
// startup.
func (s *MySQLStore) PickDue(ctx context.Context, now time.Time, limit int, schedulerName string) ([]*Execution, error) {
	if !s.supportsSkipLock {
		return s.pickDueEmulated(ctx, now, limit, schedulerName)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pick tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	claimQuery := fmt.Sprintf(`
		SELECT task_name, task_instance FROM %s
		WHERE picked = false AND execution_time <= ?
		ORDER BY execution_time ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`, s.table)
	rows, err := tx.QueryContext(ctx, claimQuery, now, limit)
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
		UPDATE %s SET picked = true, picked_by = ?, last_heartbeat = ?, version = version + 1
		WHERE task_name = ? AND task_instance = ?
	`, s.table)
	selectQuery := fmt.Sprintf(`SELECT %s FROM %s WHERE task_name = ? AND task_instance = ?`, mysqlSelectColumns, s.table)

	picked := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, pickQuery, schedulerName, now, id.taskName, id.instanceID); err != nil {
			return nil, fmt.Errorf("pick claimed %s/%s: %w", id.taskName, id.instanceID, err)
		}
		row := tx.QueryRowContext(ctx, selectQuery, id.taskName, id.instanceID)
		e, err := scanExecutionRow(row)
		if err != nil {
			return nil, fmt.Errorf("reselect claimed %s/%s: %w", id.taskName, id.instanceID, err)
		}
		picked = append(picked, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pick tx: %w", err)
	}
	committed = true
	return picked, nil
}

func (s *MySQLStore) pickDueEmulated(ctx context.Context, now time.Time, limit int, schedulerName string) ([]*Execution, error) {
	candidates, err := s.GetDue(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	picked := make([]*Execution, 0, len(candidates))
	for _, candidate := range candidates {
		p, err := s.Pick(ctx, candidate, schedulerName, now)
		if err != nil {
			return nil, err
		}
		if p != nil {
			picked = append(picked, p)
		}
	}
	return picked, nil
}

// SupportsSkipLocked reports whether the connected server answered the
// construction-time probe affirmatively.
func (s *MySQLStore) SupportsSkipLocked() bool { return s.supportsSkipLock }

func (s *MySQLStore) UpdateHeartbeat(ctx context.Context, execution *Execution, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET last_heartbeat = ? WHERE task_name = ? AND task_instance = ?`, s.table)
	_, err := s.db.ExecContext(ctx, query, now, execution.TaskName, execution.InstanceID)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetOldExecutions(ctx context.Context, olderThan time.Time) ([]*Execution, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE picked = true AND last_heartbeat < ?
		ORDER BY last_heartbeat ASC
	`, mysqlSelectColumns, s.table)
	rows, err := s.db.QueryContext(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("get old executions: %w", err)
	}
	defer rows.Close()

	var stale []*Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan old execution: %w", err)
		}
		stale = append(stale, e)
	}
	return stale, rows.Err()
}

func (s *MySQLStore) GetFailingExecutions(ctx context.Context, olderThan time.Duration, now time.Time) ([]*Execution, error) {
	cutoff := now.Add(-olderThan)
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE picked = false AND consecutive_failures > 0
		  AND (last_success IS NULL OR last_success < ?)
		ORDER BY consecutive_failures DESC
	`, mysqlSelectColumns, s.table)
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("get failing executions: %w", err)
	}
	defer rows.Close()

	var failing []*Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failing execution: %w", err)
		}
		failing = append(failing, e)
	}
	return failing, rows.Err()
}

func (s *MySQLStore) Reschedule(ctx context.Context, execution *Execution, newTime time.Time, lastSuccess, lastFailure *time.Time, consecutiveFailures int) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET execution_time = ?, picked = false, picked_by = NULL, last_heartbeat = NULL,
		    last_success = COALESCE(?, last_success), last_failure = COALESCE(?, last_failure),
		    consecutive_failures = ?, version = version + 1
		WHERE task_name = ? AND task_instance = ? AND version = ?
	`, s.table)
	res, err := s.db.ExecContext(ctx, query, newTime, lastSuccess, lastFailure, consecutiveFailures,
		execution.TaskName, execution.InstanceID, execution.Version)
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	if n == 0 {
		return ErrStalePick
	}
	return nil
}

func (s *MySQLStore) Remove(ctx context.Context, execution *Execution) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE task_name = ? AND task_instance = ? AND version = ?`, s.table)
	res, err := s.db.ExecContext(ctx, query, execution.TaskName, execution.InstanceID, execution.Version)
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if n == 0 {
		return ErrStalePick
	}
	return nil
}

func (s *MySQLStore) UpdatePayload(ctx context.Context, execution *Execution, newPayload []byte) error {
	query := fmt.Sprintf(`
		UPDATE %s SET task_data = ?, version = version + 1
		WHERE task_name = ? AND task_instance = ? AND version = ?
	`, s.table)
	res, err := s.db.ExecContext(ctx, query, newPayload, execution.TaskName, execution.InstanceID, execution.Version)
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	if n == 0 {
		return ErrStalePick
	}
	return nil
}

func (s *MySQLStore) Get(ctx context.Context, id ID) (*Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE task_name = ? AND task_instance = ?`, mysqlSelectColumns, s.table)
	row := s.db.QueryRowContext(ctx, query, id.TaskName, id.InstanceID)
	e, err := scanExecutionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return e, nil
}

func (s *MySQLStore) ListForTask(ctx context.Context, taskName string) ([]*Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE task_name = ? ORDER BY task_instance ASC`, mysqlSelectColumns, s.table)
	rows, err := s.db.QueryContext(ctx, query, taskName)
	if err != nil {
		return nil, fmt.Errorf("list for task: %w", err)
	}
	defer rows.Close()

	var list []*Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan list for task: %w", err)
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

var _ Store = (*MySQLStore)(nil)
