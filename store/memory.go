package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store backed by a mutex-protected map. It
// re-checks Version on every conditional operation exactly like the SQL
// backends do, so the same test suite can run against either.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[ID]*Execution
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[ID]*Execution)}
}

func (s *MemoryStore) CreateIfNotExists(_ context.Context, execution *Execution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := execution.ID()
	if _, exists := s.rows[id]; exists {
		return false, nil
	}
	row := execution.Clone()
	row.Version = 1
	s.rows[id] = row
	return true, nil
}

func (s *MemoryStore) GetDue(_ context.Context, now time.Time, limit int) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Execution
	for _, row := range s.rows {
		if !row.Picked && !row.ExecutionTime.After(now) {
			due = append(due, row.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExecutionTime.Before(due[j].ExecutionTime) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) Pick(_ context.Context, execution *Execution, schedulerName string, now time.Time) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[execution.ID()]
	if !ok || row.Picked || row.Version != execution.Version {
		return nil, nil
	}
	row.Picked = true
	row.PickedBy = &schedulerName
	row.LastHeartbeat = &now
	row.Version++
	return row.Clone(), nil
}

func (s *MemoryStore) PickDue(_ context.Context, now time.Time, limit int, schedulerName string) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Execution
	for _, row := range s.rows {
		if !row.Picked && !row.ExecutionTime.After(now) {
			candidates = append(candidates, row)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ExecutionTime.Before(candidates[j].ExecutionTime) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	picked := make([]*Execution, 0, len(candidates))
	for _, row := range candidates {
		row.Picked = true
		row.PickedBy = &schedulerName
		row.LastHeartbeat = &now
		row.Version++
		picked = append(picked, row.Clone())
	}
	return picked, nil
}

// SupportsSkipLocked is true: a single mutex makes PickDue's fetch-and-lock
// atomic by construction, same guarantee SKIP LOCKED gives Postgres.
func (s *MemoryStore) SupportsSkipLocked() bool { return true }

func (s *MemoryStore) UpdateHeartbeat(_ context.Context, execution *Execution, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[execution.ID()]
	if !ok {
		return nil
	}
	row.LastHeartbeat = &now
	return nil
}

func (s *MemoryStore) GetOldExecutions(_ context.Context, olderThan time.Time) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*Execution
	for _, row := range s.rows {
		if row.Picked && row.LastHeartbeat != nil && row.LastHeartbeat.Before(olderThan) {
			stale = append(stale, row.Clone())
		}
	}
	return stale, nil
}

func (s *MemoryStore) GetFailingExecutions(_ context.Context, olderThan time.Duration, now time.Time) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-olderThan)
	var failing []*Execution
	for _, row := range s.rows {
		if row.Picked {
			continue
		}
		if row.ConsecutiveFailures <= 0 {
			continue
		}
		if row.LastSuccess != nil && row.LastSuccess.After(cutoff) {
			continue
		}
		failing = append(failing, row.Clone())
	}
	return failing, nil
}

func (s *MemoryStore) Reschedule(_ context.Context, execution *Execution, newTime time.Time, lastSuccess, lastFailure *time.Time, consecutiveFailures int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[execution.ID()]
	if !ok {
		return ErrNotFound
	}
	if row.Version != execution.Version {
		return ErrStalePick
	}

	row.ExecutionTime = newTime
	row.Picked = false
	row.PickedBy = nil
	row.LastHeartbeat = nil
	if lastSuccess != nil {
		row.LastSuccess = lastSuccess
	}
	if lastFailure != nil {
		row.LastFailure = lastFailure
	}
	row.ConsecutiveFailures = consecutiveFailures
	row.Version++
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, execution *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[execution.ID()]
	if !ok {
		return ErrNotFound
	}
	if row.Version != execution.Version {
		return ErrStalePick
	}
	delete(s.rows, execution.ID())
	return nil
}

func (s *MemoryStore) UpdatePayload(_ context.Context, execution *Execution, newPayload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[execution.ID()]
	if !ok {
		return ErrNotFound
	}
	if row.Version != execution.Version {
		return ErrStalePick
	}
	row.Payload = append([]byte(nil), newPayload...)
	row.Version++
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id ID) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

func (s *MemoryStore) ListForTask(_ context.Context, taskName string) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []*Execution
	for _, row := range s.rows {
		if row.TaskName == taskName {
			rows = append(rows, row.Clone())
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].InstanceID < rows[j].InstanceID })
	return rows, nil
}

var _ Store = (*MemoryStore)(nil)
