package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runConformance exercises the Store contract against any implementation,
// so MemoryStore, PostgresStore, and MySQLStore are held to identical
// semantics without duplicating the test bodies. It runs here against the
// in-memory implementation and, in a real deployment, would run against a
// live database using this same function behind a build tag.
func runConformance(t *testing.T, newStore func() Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	t.Run("create then duplicate create is a no-op", func(t *testing.T) {
		s := newStore()
		exec := &Execution{TaskName: "send-email", InstanceID: "1", ExecutionTime: now}
		created, err := s.CreateIfNotExists(ctx, exec)
		require.NoError(t, err)
		require.True(t, created)

		created, err = s.CreateIfNotExists(ctx, exec)
		require.NoError(t, err)
		require.False(t, created)
	})

	t.Run("get due excludes future and already picked", func(t *testing.T) {
		s := newStore()
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t", InstanceID: "due", ExecutionTime: now})
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t", InstanceID: "future", ExecutionTime: now.Add(time.Hour)})
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t", InstanceID: "taken", ExecutionTime: now})
		taken, err := s.Get(ctx, ID{TaskName: "t", InstanceID: "taken"})
		require.NoError(t, err)
		_, err = s.Pick(ctx, taken, "scheduler-a", now)
		require.NoError(t, err)

		due, err := s.GetDue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		require.Equal(t, "due", due[0].InstanceID)
	})

	t.Run("pick is exclusive under version race", func(t *testing.T) {
		s := newStore()
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t", InstanceID: "1", ExecutionTime: now})
		due, err := s.GetDue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		winner, err := s.Pick(ctx, due[0], "scheduler-a", now)
		require.NoError(t, err)
		require.NotNil(t, winner)
		require.True(t, winner.Picked)

		loser, err := s.Pick(ctx, due[0], "scheduler-b", now)
		require.NoError(t, err)
		require.Nil(t, loser)
	})

	t.Run("pick due fuses fetch and lock", func(t *testing.T) {
		s := newStore()
		for i := 0; i < 3; i++ {
			_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t", InstanceID: string(rune('a' + i)), ExecutionTime: now})
		}
		picked, err := s.PickDue(ctx, now, 2, "scheduler-a")
		require.NoError(t, err)
		require.Len(t, picked, 2)
		for _, e := range picked {
			require.True(t, e.Picked)
			require.NotNil(t, e.PickedBy)
			require.Equal(t, "scheduler-a", *e.PickedBy)
		}

		remaining, err := s.GetDue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
	})

	t.Run("reschedule clears picked state and is version-gated", func(t *testing.T) {
		s := newStore()
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t", InstanceID: "1", ExecutionTime: now})
		due, _ := s.GetDue(ctx, now, 10)
		picked, err := s.Pick(ctx, due[0], "scheduler-a", now)
		require.NoError(t, err)

		next := now.Add(24 * time.Hour)
		success := now
		err = s.Reschedule(ctx, picked, next, &success, nil, 0)
		require.NoError(t, err)

		err = s.Reschedule(ctx, picked, next, &success, nil, 0)
		require.ErrorIs(t, err, ErrStalePick)

		got, err := s.Get(ctx, ID{TaskName: "t", InstanceID: "1"})
		require.NoError(t, err)
		require.False(t, got.Picked)
		require.Equal(t, next, got.ExecutionTime)
	})

	t.Run("remove is version-gated", func(t *testing.T) {
		s := newStore()
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t", InstanceID: "1", ExecutionTime: now})
		row, err := s.Get(ctx, ID{TaskName: "t", InstanceID: "1"})
		require.NoError(t, err)

		stale := row.Clone()
		stale.Version++
		require.ErrorIs(t, s.Remove(ctx, stale), ErrStalePick)

		err = s.Remove(ctx, row)
		require.NoError(t, err)

		_, err = s.Get(ctx, ID{TaskName: "t", InstanceID: "1"})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update heartbeat refreshes timestamp", func(t *testing.T) {
		s := newStore()
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t", InstanceID: "1", ExecutionTime: now})
		due, _ := s.GetDue(ctx, now, 10)
		picked, err := s.Pick(ctx, due[0], "scheduler-a", now)
		require.NoError(t, err)

		later := now.Add(time.Minute)
		require.NoError(t, s.UpdateHeartbeat(ctx, picked, later))

		// The refreshed stamp is no longer older than a cutoff just before it.
		stale, err := s.GetOldExecutions(ctx, later.Add(-time.Second))
		require.NoError(t, err)
		require.Empty(t, stale)

		fresh, err := s.GetOldExecutions(ctx, later.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, fresh, 1)
	})

	t.Run("version increases across every mutation", func(t *testing.T) {
		s := newStore()
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t", InstanceID: "1", ExecutionTime: now})
		row, err := s.Get(ctx, ID{TaskName: "t", InstanceID: "1"})
		require.NoError(t, err)
		require.Equal(t, int64(1), row.Version)

		picked, err := s.Pick(ctx, row, "scheduler-a", now)
		require.NoError(t, err)
		require.Equal(t, int64(2), picked.Version)

		require.NoError(t, s.UpdatePayload(ctx, picked, []byte(`{"n":1}`)))
		row, err = s.Get(ctx, ID{TaskName: "t", InstanceID: "1"})
		require.NoError(t, err)
		require.Equal(t, int64(3), row.Version)

		require.NoError(t, s.Reschedule(ctx, row, now.Add(time.Hour), nil, nil, 0))
		row, err = s.Get(ctx, ID{TaskName: "t", InstanceID: "1"})
		require.NoError(t, err)
		require.Equal(t, int64(4), row.Version)
		require.Equal(t, []byte(`{"n":1}`), row.Payload)
	})

	t.Run("failing executions lists unpicked rows with failures", func(t *testing.T) {
		s := newStore()
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t", InstanceID: "flaky", ExecutionTime: now})
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t", InstanceID: "healthy", ExecutionTime: now})

		due, _ := s.GetDue(ctx, now, 10)
		for _, row := range due {
			picked, err := s.Pick(ctx, row, "scheduler-a", now)
			require.NoError(t, err)
			failures := 0
			var lastFailure *time.Time
			if picked.InstanceID == "flaky" {
				failures = 3
				f := now
				lastFailure = &f
			}
			require.NoError(t, s.Reschedule(ctx, picked, now.Add(time.Minute), nil, lastFailure, failures))
		}

		failing, err := s.GetFailingExecutions(ctx, time.Minute, now.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, failing, 1)
		require.Equal(t, "flaky", failing[0].InstanceID)
	})

	t.Run("list for task filters by task name", func(t *testing.T) {
		s := newStore()
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t1", InstanceID: "1", ExecutionTime: now})
		_, _ = s.CreateIfNotExists(ctx, &Execution{TaskName: "t2", InstanceID: "1", ExecutionTime: now})

		list, err := s.ListForTask(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, "t1", list[0].TaskName)
	})
}
