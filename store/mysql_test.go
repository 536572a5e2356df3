package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockMySQLStore(t *testing.T, skipLockedSupported bool) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectBegin()
	probe := mock.ExpectQuery("SELECT task_name FROM scheduled_tasks")
	if skipLockedSupported {
		probe.WillReturnRows(sqlmock.NewRows([]string{"task_name"}))
	} else {
		probe.WillReturnError(errSyntaxStub{})
	}
	mock.ExpectRollback()

	s, err := NewMySQLStore(context.Background(), db, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	return s, mock
}

type errSyntaxStub struct{}

func (errSyntaxStub) Error() string { return "Error 1064: You have a syntax error near SKIP LOCKED" }

func TestNewMySQLStoreProbesSkipLockedSupport(t *testing.T) {
	s, _ := newMockMySQLStore(t, true)
	require.True(t, s.SupportsSkipLocked())
}

func TestNewMySQLStoreFallsBackWhenUnsupported(t *testing.T) {
	s, _ := newMockMySQLStore(t, false)
	require.False(t, s.SupportsSkipLocked())
}

func TestMySQLStoreCreateIfNotExists(t *testing.T) {
	s, mock := newMockMySQLStore(t, true)
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT IGNORE INTO scheduled_tasks").
		WithArgs("send-email", "1", now, []byte(nil)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := s.CreateIfNotExists(context.Background(), &Execution{
		TaskName: "send-email", InstanceID: "1", ExecutionTime: now,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreCreateIfNotExistsDuplicate(t *testing.T) {
	s, mock := newMockMySQLStore(t, true)
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT IGNORE INTO scheduled_tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := s.CreateIfNotExists(context.Background(), &Execution{
		TaskName: "send-email", InstanceID: "1", ExecutionTime: now,
	})
	require.NoError(t, err)
	require.False(t, created)
}

func TestMySQLStorePickStaleVersionReturnsNil(t *testing.T) {
	s, mock := newMockMySQLStore(t, true)
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE scheduled_tasks SET picked = true").
		WillReturnResult(sqlmock.NewResult(0, 0))

	picked, err := s.Pick(context.Background(), &Execution{TaskName: "t", InstanceID: "1", Version: 5}, "scheduler-a", now)
	require.NoError(t, err)
	require.Nil(t, picked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStorePickDueEmulatedFallback(t *testing.T) {
	s, mock := newMockMySQLStore(t, false)
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"task_name", "task_instance", "execution_time", "task_data", "picked", "picked_by",
		"last_heartbeat", "last_success", "last_failure", "consecutive_failures", "version"}).
		AddRow("t", "1", now, []byte(nil), false, nil, nil, nil, nil, 0, int64(1))
	mock.ExpectQuery("SELECT .* FROM scheduled_tasks").WillReturnRows(rows)

	mock.ExpectExec("UPDATE scheduled_tasks SET picked = true").WillReturnResult(sqlmock.NewResult(0, 1))

	pickedRows := sqlmock.NewRows([]string{"task_name", "task_instance", "execution_time", "task_data", "picked", "picked_by",
		"last_heartbeat", "last_success", "last_failure", "consecutive_failures", "version"}).
		AddRow("t", "1", now, []byte(nil), true, "scheduler-a", now, nil, nil, 0, int64(2))
	mock.ExpectQuery("SELECT .* FROM scheduled_tasks").WillReturnRows(pickedRows)

	picked, err := s.PickDue(context.Background(), now, 10, "scheduler-a")
	require.NoError(t, err)
	require.Len(t, picked, 1)
	require.True(t, picked[0].Picked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreRemoveStaleVersion(t *testing.T) {
	s, mock := newMockMySQLStore(t, true)

	mock.ExpectExec("DELETE FROM scheduled_tasks").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Remove(context.Background(), &Execution{TaskName: "t", InstanceID: "1", Version: 2})
	require.ErrorIs(t, err, ErrStalePick)
}
