// Package engine wires the Task Store, Probe, Segment Planner, Segment
// Fetcher, Task Runner, Scheduler, Pacer, and state persistence into a
// single embeddable download manager, with no UI or CLI dependency.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dashfetch/engine/internal/engine/pacer"
	"github.com/dashfetch/engine/internal/engine/persist"
	"github.com/dashfetch/engine/internal/engine/runner"
	"github.com/dashfetch/engine/internal/engine/scheduler"
	"github.com/dashfetch/engine/internal/engine/store"
	"github.com/dashfetch/engine/internal/engine/types"
	"github.com/dustin/go-humanize"
)

// Engine is the embeddable download manager. The zero value is not
// usable; construct with New.
type Engine struct {
	cfgMu sync.RWMutex
	cfg   types.Config

	store     *store.Store
	scheduler *scheduler.Scheduler
	pacer     *pacer.Pacer
	client    *http.Client
	log       *slog.Logger

	mu       sync.Mutex
	running  bool
	stopHB   chan struct{}
	rootCtx  context.Context
	rootStop context.CancelFunc
}

// New constructs an Engine. log may be nil, in which case the package
// default logger is used.
func New(cfg types.Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:    cfg,
		store:  store.New(),
		pacer:  pacer.New(cfg.MaxSpeedLimitKBps),
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
	e.scheduler = scheduler.New(cfg.MaxConcurrent, e.Run)
	return e
}

// Config returns the engine's current configuration.
func (e *Engine) Config() types.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetMaxSpeedLimitKBps updates the Pacer's limit at runtime; 0 disables it.
func (e *Engine) SetMaxSpeedLimitKBps(kbps int) {
	e.cfgMu.Lock()
	e.cfg.MaxSpeedLimitKBps = kbps
	e.cfgMu.Unlock()
	e.pacer.SetLimit(kbps)
}

// AddTask validates url and creates a new Task in Queued status,
// returning its TaskID. If auto_start is set, it is immediately
// enqueued on the scheduler.
func (e *Engine) AddTask(url string) (string, error) {
	if err := validateURL(url); err != nil {
		return "", err
	}

	id, _ := e.store.Create(e.rootContext(), url)
	e.log.Info("task added", "task_id", id, "url", url)

	if e.Config().AutoStart {
		e.scheduler.Enqueue(id)
	}
	return id, nil
}

// AddTasks is a convenience wrapper over AddTask for a batch of URLs. It
// returns one TaskID (or "") per input URL, and the first error
// encountered, continuing past invalid entries so a single bad URL
// doesn't abort the whole batch.
func (e *Engine) AddTasks(urls []string) ([]string, error) {
	ids := make([]string, len(urls))
	var firstErr error
	for i, u := range urls {
		id, err := e.AddTask(u)
		ids[i] = id
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return ids, firstErr
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return &types.TaskError{Kind: types.ErrInvalidURL, Message: fmt.Sprintf("invalid URL: %q", raw)}
	}
	return nil
}

// Pause requests that an active Task stop making network progress
// without losing downloaded bytes. Idempotent: pausing an
// already-paused or already-terminal Task is a no-op. The status flips
// to Paused immediately, whether or not a Task Runner has been
// dispatched yet: a still-queued task is pulled off the ready queue,
// while a running one keeps its scheduler slot and simply blocks its
// Segment Fetchers on the closed gate.
func (e *Engine) Pause(taskID string) error {
	t, err := e.store.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() || t.Status == types.StatusPaused {
		return nil
	}

	ctrl, err := e.store.Control(taskID)
	if err != nil {
		return err
	}

	if t.Status == types.StatusQueued {
		e.scheduler.CancelQueued(taskID)
	}
	ctrl.Pause()
	return e.store.Mutate(taskID, func(t *types.Task) { t.Status = types.StatusPaused })
}

// Resume reopens a Paused Task's gate. Idempotent: resuming a Task that
// isn't Paused is a no-op. If the Task's Runner is still alive (it was
// paused mid-download and has been blocking on the gate the whole
// time), Resume only reopens the gate and lets that Runner continue;
// otherwise (paused while still in the ready queue) it re-enqueues the
// Task for dispatch.
func (e *Engine) Resume(taskID string) error {
	t, err := e.store.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status != types.StatusPaused {
		return nil
	}

	ctrl, err := e.store.Control(taskID)
	if err != nil {
		return err
	}
	ctrl.Resume()

	if e.scheduler.IsRunning(taskID) {
		return e.store.Mutate(taskID, func(t *types.Task) { t.Status = types.StatusDownloading })
	}

	if err := e.store.Mutate(taskID, func(t *types.Task) { t.Status = types.StatusQueued }); err != nil {
		return err
	}
	e.scheduler.Enqueue(taskID)
	return nil
}

// Cancel stops a Task permanently and discards its partial data.
// Idempotent.
func (e *Engine) Cancel(taskID string) error {
	t, err := e.store.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}

	ctrl, err := e.store.Control(taskID)
	if err != nil {
		return err
	}

	if t.Status == types.StatusQueued {
		e.scheduler.CancelQueued(taskID)
	}
	ctrl.Resume() // unblock a paused fetcher so it observes cancellation promptly
	ctrl.Cancel()

	if t.Status == types.StatusQueued || t.Status == types.StatusPaused {
		return e.store.Mutate(taskID, func(t *types.Task) {
			t.Status = types.StatusCancelled
			t.FinishedAt = time.Now()
		})
	}
	return nil
}

// Retry re-queues a Failed Task from scratch (its part files, if any,
// are reused as a resume point by the Segment Fetcher). Returns
// InvalidState if the task isn't Failed.
func (e *Engine) Retry(taskID string) error {
	t, err := e.store.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status != types.StatusFailed {
		return &types.TaskError{Kind: types.ErrInvalidStateKind, Message: "retry requires a Failed task"}
	}

	if err := e.store.Mutate(taskID, func(t *types.Task) {
		t.Status = types.StatusQueued
		t.Error = nil
		t.RetryCount++
	}); err != nil {
		return err
	}
	e.scheduler.Enqueue(taskID)
	return nil
}

// RetryFailed retries every currently Failed task.
func (e *Engine) RetryFailed() int {
	ids := e.store.IDsByStatus(types.StatusFailed)
	for _, id := range ids {
		e.Retry(id)
	}
	return len(ids)
}

// GetTask returns a Snapshot of one task, or nil if it doesn't exist.
func (e *Engine) GetTask(taskID string) *types.Snapshot {
	t, err := e.store.Get(taskID)
	if err != nil {
		return nil
	}
	snap := toSnapshot(*t)
	return &snap
}

// ListTasks groups every Task's Snapshot into "queued", "paused",
// "completed", "failed" (Failed or Cancelled), and "active" (Downloading
// or Probing) buckets.
func (e *Engine) ListTasks() map[string][]types.Snapshot {
	out := map[string][]types.Snapshot{
		"active":    {},
		"queued":    {},
		"paused":    {},
		"completed": {},
		"failed":    {},
	}
	for _, t := range e.store.All() {
		snap := toSnapshot(t)
		switch t.Status {
		case types.StatusDownloading, types.StatusProbing:
			out["active"] = append(out["active"], snap)
		case types.StatusQueued:
			out["queued"] = append(out["queued"], snap)
		case types.StatusPaused:
			out["paused"] = append(out["paused"], snap)
		case types.StatusCompleted:
			out["completed"] = append(out["completed"], snap)
		case types.StatusFailed, types.StatusCancelled:
			out["failed"] = append(out["failed"], snap)
		}
	}
	return out
}

// ClearCompleted removes every Completed task from the Task Store and
// returns how many were removed.
func (e *Engine) ClearCompleted() int {
	return e.store.RemoveCompleted()
}

// Start brings the scheduler, optional resume-on-startup replay, and
// the persistence heartbeat online. Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.rootCtx, e.rootStop = context.WithCancel(ctx)
	e.stopHB = make(chan struct{})
	e.mu.Unlock()

	e.scheduler.Start(e.rootCtx)

	cfg := e.Config()
	if cfg.ResumeOnStartup && cfg.StateFilePath != "" {
		e.resumeFromDisk(cfg.StateFilePath)
	}
	if cfg.StateFilePath != "" {
		go e.persistLoop(cfg.StateFilePath, cfg.PersistHeartbeat)
	}
	return nil
}

// Stop gracefully drains the scheduler and writes a final snapshot.
// Idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopHB)
	e.rootStop()
	e.mu.Unlock()

	e.scheduler.Stop()

	if path := e.Config().StateFilePath; path != "" {
		return persist.Save(path, e.store)
	}
	return nil
}

func (e *Engine) resumeFromDisk(path string) {
	snap, err := persist.Load(path)
	if err != nil {
		e.log.Warn("could not load saved state", "error", err)
		return
	}
	for _, rec := range snap.Tasks {
		id, _ := e.store.Create(e.rootCtx, rec.URL)
		e.store.Mutate(id, func(t *types.Task) {
			t.Filename = rec.Filename
			t.FinalPath = rec.Filepath
			t.TotalSize = rec.TotalSize
			t.DownloadedSize = rec.DownloadedSize
			t.Status = rec.Status
		})
		if rec.Status == types.StatusQueued {
			e.scheduler.Enqueue(id)
		}
	}
	if len(snap.Tasks) > 0 {
		e.log.Info("resumed tasks from saved state", "count", len(snap.Tasks))
	}
}

func (e *Engine) persistLoop(path string, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-e.stopHB:
			return
		case <-t.C:
			if err := persist.Save(path, e.store); err != nil {
				e.log.Warn("state snapshot failed", "error", err)
			}
		}
	}
}

func (e *Engine) rootContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rootCtx != nil {
		return e.rootCtx
	}
	return context.Background()
}

// Run is the Runner function passed to scheduler.New; it bridges the
// scheduler's TaskID-only signature to the Task Runner's Deps.
func (e *Engine) Run(ctx context.Context, taskID string) {
	runner.Run(ctx, runner.Deps{
		Client: e.client,
		Pacer:  e.pacer,
		Store:  e.store,
		Config: e.Config,
	}, taskID)
}

func toSnapshot(t types.Task) types.Snapshot {
	snap := types.Snapshot{
		ID:             t.ID,
		URL:            t.URL,
		Filename:       t.Filename,
		Filepath:       t.FinalPath,
		TotalSize:      t.TotalSize,
		DownloadedSize: t.DownloadedSize,
		Status:         t.Status,
		Error:          t.Error,
	}
	if t.TotalSize > 0 {
		snap.Progress = float64(t.DownloadedSize) / float64(t.TotalSize) * 100
	}
	if t.Status == types.StatusDownloading && !t.StartedAt.IsZero() {
		elapsed := time.Since(t.StartedAt).Seconds()
		if elapsed > 0 {
			snap.Speed = float64(t.DownloadedSize) / elapsed
			if snap.Speed > 0 && t.TotalSize > t.DownloadedSize {
				remaining := time.Duration(float64(t.TotalSize-t.DownloadedSize)/snap.Speed) * time.Second
				snap.ETA = &remaining
			}
		}
	}
	return snap
}

// HumanSize formats bytes the way cmd/surge-engine reports progress to
// a terminal.
func HumanSize(n int64) string {
	return humanize.Bytes(uint64(n))
}
