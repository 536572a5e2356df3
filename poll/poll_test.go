package poll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	dbclock "github.com/corelatch/dbsched/clock"
	"github.com/corelatch/dbsched/store"
	"github.com/corelatch/dbsched/task"
	"github.com/corelatch/dbsched/worker"
)

type registryStub struct {
	tasks map[string]*task.Task
}

func (r *registryStub) Resolve(name string) (*task.Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

func newRegistry(tasks ...*task.Task) *registryStub {
	r := &registryStub{tasks: make(map[string]*task.Task)}
	for _, t := range tasks {
		r.tasks[t.Name] = t
	}
	return r
}

func TestPollWithZeroDueRowsDoesNothing(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	fc := dbclock.NewFake(now)
	disp := worker.New(worker.Config{Concurrency: 2, SchedulerName: "s1"}, s, newRegistry(), fc, nil, zap.NewNop())
	waiter := dbclock.NewWaiter(time.Minute)

	l := New(DefaultConfig(2), s, disp, fc, waiter, nil, zap.NewNop())
	l.pollOnce(context.Background())

	require.Equal(t, 2, disp.AvailablePermits())
}

func TestPollFetchAndLockSeparatelyDispatchesDueRows(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	fc := dbclock.NewFake(now)
	block := make(chan struct{})
	tk := task.NewOneTimeTask("t", func(ctx context.Context, i task.Instance, _ task.ExecutionContext) error {
		<-block
		return nil
	})
	defer close(block)

	_, err := s.CreateIfNotExists(context.Background(), &store.Execution{TaskName: "t", InstanceID: "1", ExecutionTime: now})
	require.NoError(t, err)

	disp := worker.New(worker.Config{Concurrency: 2, SchedulerName: "s1"}, s, newRegistry(tk), fc, nil, zap.NewNop())
	waiter := dbclock.NewWaiter(time.Minute)
	cfg := DefaultConfig(2)
	l := New(cfg, s, disp, fc, waiter, nil, zap.NewNop())

	l.pollOnce(context.Background())

	deadline := time.Now().Add(time.Second)
	for disp.AvailablePermits() == 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, disp.AvailablePermits())
}

func TestPollWithAllPermitsHeldProducesNoDispatch(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	fc := dbclock.NewFake(now)
	block := make(chan struct{})
	defer close(block)
	tk := task.NewOneTimeTask("t", func(ctx context.Context, i task.Instance, _ task.ExecutionContext) error {
		<-block
		return nil
	})

	for i := 0; i < 2; i++ {
		_, err := s.CreateIfNotExists(context.Background(), &store.Execution{TaskName: "t", InstanceID: string(rune('a' + i)), ExecutionTime: now})
		require.NoError(t, err)
	}

	disp := worker.New(worker.Config{Concurrency: 1, SchedulerName: "s1"}, s, newRegistry(tk), fc, nil, zap.NewNop())
	waiter := dbclock.NewWaiter(time.Minute)
	cfg := DefaultConfig(1)
	l := New(cfg, s, disp, fc, waiter, nil, zap.NewNop())

	l.pollOnce(context.Background())
	deadline := time.Now().Add(time.Second)
	for disp.AvailablePermits() == 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 0, disp.AvailablePermits())

	due, err := s.GetDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1) // one row still unpicked, all permits already held

	l.pollOnce(context.Background())
	require.Equal(t, 0, disp.AvailablePermits())
	stillDue, err := s.GetDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, stillDue, 1) // second poll made no further picks
}

func TestPollFetchAndLockTogetherSetsMoreInDBFlag(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	fc := dbclock.NewFake(now)
	block := make(chan struct{})
	defer close(block)
	tk := task.NewOneTimeTask("t", func(ctx context.Context, i task.Instance, _ task.ExecutionContext) error {
		<-block
		return nil
	})

	for i := 0; i < 3; i++ {
		_, err := s.CreateIfNotExists(context.Background(), &store.Execution{TaskName: "t", InstanceID: string(rune('a' + i)), ExecutionTime: now})
		require.NoError(t, err)
	}

	disp := worker.New(worker.Config{Concurrency: 2, SchedulerName: "s1"}, s, newRegistry(tk), fc, nil, zap.NewNop())
	waiter := dbclock.NewWaiter(time.Minute)
	cfg := DefaultConfig(2)
	cfg.Strategy = FetchAndLockTogether
	l := New(cfg, s, disp, fc, waiter, nil, zap.NewNop())

	l.pollOnce(context.Background())
	require.True(t, l.moreInDB.Load())
}
