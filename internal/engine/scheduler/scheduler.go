// Package scheduler implements a bounded worker pool: a fixed number of
// workers drain a FIFO of ready TaskIDs, each occupying one slot while
// its Task Runner executes, freeing the slot for the next task on
// completion.
package scheduler

import (
	"context"
	"sync"
)

// Runner is the function a Scheduler invokes for each dispatched task.
// It must block until the task reaches a terminal-for-this-run state
// (Completed, Failed, or Cancelled). A task paused mid-run does not
// return: its Runner stays blocked on the pause gate, keeping its slot.
type Runner func(ctx context.Context, taskID string)

// Scheduler bounds how many Runner invocations are in flight at once.
type Scheduler struct {
	runner  Runner
	queue   *readyQueue
	maxConc int

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	rootCtx context.Context
	cancel  context.CancelFunc
}

// New builds a Scheduler with the given concurrency cap. maxConcurrent < 1
// is clamped to 1: a scheduler with zero workers could never make progress.
func New(maxConcurrent int, runner Runner) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		runner:  runner,
		queue:   newReadyQueue(),
		maxConc: maxConcurrent,
		running: make(map[string]context.CancelFunc),
	}
}

// Start launches maxConcurrent worker goroutines. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.rootCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for i := 0; i < s.maxConc; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop closes the ready queue and waits for in-flight runners to return.
// Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.queue.Close()
	s.wg.Wait()
}

// Enqueue adds a TaskID to the ready queue. Call after creating a task
// (when auto_start is set) or from resume()/retry().
func (s *Scheduler) Enqueue(taskID string) {
	s.queue.Push(taskID)
}

// CancelQueued removes a not-yet-dispatched TaskID from the ready queue.
// Returns true if it was found and removed (i.e. it never ran).
func (s *Scheduler) CancelQueued(taskID string) bool {
	return s.queue.Remove(taskID)
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		id, ok := s.queue.Pop()
		if !ok {
			return
		}

		s.mu.Lock()
		ctx, cancel := context.WithCancel(s.rootCtx)
		s.running[id] = cancel
		s.mu.Unlock()

		s.runner(ctx, id)

		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		cancel()
	}
}

// ActiveCount returns how many Runner invocations currently occupy a
// slot.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// IsRunning reports whether taskID currently occupies a worker slot, i.e.
// its Runner invocation is live (possibly blocked on a closed pause gate)
// rather than sitting in the ready queue or not dispatched at all.
func (s *Scheduler) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}
