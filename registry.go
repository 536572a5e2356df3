package dbsched

import (
	"fmt"
	"sync"

	"github.com/corelatch/dbsched/task"
)

// Registry maps task name to task definition. Rows naming an
// unknown task are never deleted by the resolver's callers; they are only
// logged and left alone so a later deployment carrying the missing task
// can pick them up.
type Registry struct {
	mu                sync.RWMutex
	tasks             map[string]*task.Task
	defaultSerializer task.Serializer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*task.Task)}
}

// SetDefaultSerializer records the configured default serializer and retroactively
// applies it to every already-registered task whose Serializer is still nil
// (i.e. it never called WithSerializer). Scheduler.New calls this once with
// Config.Serializer before starting any background loop.
func (r *Registry) SetDefaultSerializer(s task.Serializer) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultSerializer = s
	for _, t := range r.tasks {
		if t.Serializer == nil {
			t.Serializer = s
		}
	}
}

// Register adds t to the registry. It is an error to register the same
// task name twice.
func (r *Registry) Register(t *task.Task) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register: task must have a non-empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.Name]; exists {
		return fmt.Errorf("register: task %q already registered", t.Name)
	}
	if t.Serializer == nil && r.defaultSerializer != nil {
		t.Serializer = r.defaultSerializer
	}
	r.tasks[t.Name] = t
	return nil
}

// Resolve returns the task registered under name, if any.
func (r *Registry) Resolve(name string) (*task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// All returns every registered task, in no particular order. Used at
// startup to auto-insert StartTasks rows.
func (r *Registry) All() []*task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}
