// Package store implements the Task Store: the process-wide map from
// TaskID to Task plus each task's pause/cancel primitives, with a
// snapshot method suitable for concurrent readers.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dashfetch/engine/internal/engine/types"
	"github.com/google/uuid"
)

// entry pairs a Task record with its Control. The Task Store is the sole
// owner of both; the Task Runner mutates Task through methods here while
// it executes, and takes/publishes snapshots for readers.
type entry struct {
	mu      sync.Mutex
	task    types.Task
	control *Control
}

// Store is the Task Store. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	tasks   map[string]*entry
	created []string // insertion order, for list_tasks/get stability

	pathMu   sync.Mutex
	reserved map[string]string // final on-disk path -> owning TaskID
}

// New returns an empty Task Store.
func New() *Store {
	return &Store{tasks: make(map[string]*entry), reserved: make(map[string]string)}
}

// Create allocates a new Task in Queued status and returns its ID and
// Control. ctx is the root context the task's eventual HTTP requests
// derive from (typically the engine's lifetime context).
func (s *Store) Create(ctx context.Context, url string) (string, *Control) {
	id := uuid.New().String()
	ctrl := NewControl(ctx)
	t := types.Task{
		ID:        id,
		URL:       url,
		Status:    types.StatusQueued,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.tasks[id] = &entry{task: t, control: ctrl}
	s.created = append(s.created, id)
	s.mu.Unlock()

	return id, ctrl
}

// ErrNotFound is returned by lookups for an unknown TaskID.
var ErrNotFound = fmt.Errorf("task not found")

func (s *Store) find(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Control returns the Control for a task.
func (s *Store) Control(id string) (*Control, error) {
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return e.control, nil
}

// Mutate runs fn with exclusive access to the Task record. It is the
// only sanctioned way to change a Task's fields; callers must never
// hold a pointer to a Task obtained from Get and write to it directly.
func (s *Store) Mutate(id string, fn func(*types.Task)) error {
	e, err := s.find(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	fn(&e.task)
	e.mu.Unlock()
	return nil
}

// Get returns a consistent snapshot of a single task.
func (s *Store) Get(id string) (*types.Task, error) {
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	t := e.task
	t.Segments = append([]types.Segment(nil), e.task.Segments...)
	e.mu.Unlock()
	return &t, nil
}

// All returns a snapshot of every task, in creation order.
func (s *Store) All() []types.Task {
	s.mu.RLock()
	ids := append([]string(nil), s.created...)
	s.mu.RUnlock()

	out := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		if t, err := s.Get(id); err == nil {
			out = append(out, *t)
		}
	}
	return out
}

// Remove deletes a task record. Callers must ensure the task is not
// actively downloading before calling.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	for i, existing := range s.created {
		if existing == id {
			s.created = append(s.created[:i], s.created[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.releasePathsFor(id)
}

// RemoveCompleted deletes every Completed task and returns how many were
// removed, backing clear_completed().
func (s *Store) RemoveCompleted() int {
	s.mu.Lock()
	var kept []string
	var removedIDs []string
	for _, id := range s.created {
		e := s.tasks[id]
		e.mu.Lock()
		status := e.task.Status
		e.mu.Unlock()
		if status == types.StatusCompleted {
			delete(s.tasks, id)
			removedIDs = append(removedIDs, id)
			continue
		}
		kept = append(kept, id)
	}
	s.created = kept
	s.mu.Unlock()

	for _, id := range removedIDs {
		s.releasePathsFor(id)
	}
	return len(removedIDs)
}

// ReservePath claims path as taskID's final on-disk destination. It
// succeeds if path is unclaimed or already claimed by taskID itself
// (idempotent across a retry() of the same Task, so a re-probe lands on
// the same path instead of growing a fresh `_N` suffix), and fails if
// another Task already holds it. Runner probes for two same-named URLs
// can race to resolve the same candidate path before either has
// written anything to disk; ReservePath is the single point that
// serializes them so only one wins a given name.
func (s *Store) ReservePath(taskID, path string) bool {
	s.pathMu.Lock()
	defer s.pathMu.Unlock()
	if owner, ok := s.reserved[path]; ok && owner != taskID {
		return false
	}
	s.reserved[path] = taskID
	return true
}

// ReleasePath drops path's reservation, if any. Safe to call on a path
// nobody reserved.
func (s *Store) ReleasePath(path string) {
	s.pathMu.Lock()
	delete(s.reserved, path)
	s.pathMu.Unlock()
}

// releasePathsFor drops every reservation held by taskID, used when its
// Task record is removed from the Store so a discarded Task can never
// keep a filename reserved forever.
func (s *Store) releasePathsFor(taskID string) {
	s.pathMu.Lock()
	for p, owner := range s.reserved {
		if owner == taskID {
			delete(s.reserved, p)
		}
	}
	s.pathMu.Unlock()
}

// IDsByStatus returns task IDs currently in the given status, in creation
// order.
func (s *Store) IDsByStatus(status types.Status) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, id := range s.created {
		e := s.tasks[id]
		e.mu.Lock()
		match := e.task.Status == status
		e.mu.Unlock()
		if match {
			out = append(out, id)
		}
	}
	return out
}
