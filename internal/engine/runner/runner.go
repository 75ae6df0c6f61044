// Package runner drives one Task through Probing, segment planning,
// concurrent (or single-stream) segment fetching, merge, and the final
// rename into place. Each segment downloads into its own part file;
// once every segment completes the parts are concatenated in order
// into a temp file and atomically renamed into the final destination.
package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dashfetch/engine/internal/engine/fetcher"
	"github.com/dashfetch/engine/internal/engine/pacer"
	"github.com/dashfetch/engine/internal/engine/planner"
	"github.com/dashfetch/engine/internal/engine/probe"
	"github.com/dashfetch/engine/internal/engine/store"
	"github.com/dashfetch/engine/internal/engine/types"
)

// Deps bundles everything a Runner needs that the Engine owns.
type Deps struct {
	Client *http.Client
	Pacer  *pacer.Pacer
	Store  *store.Store
	Config func() types.Config // read current config at run time
}

// Run drives taskID from Queued through to a terminal-for-this-run
// status. It is the function a scheduler.Scheduler invokes for each
// dispatched task.
func Run(ctx context.Context, deps Deps, taskID string) {
	ctrl, err := deps.Store.Control(taskID)
	if err != nil {
		return
	}
	cfg := deps.Config()

	if err := runProbe(ctx, deps, taskID, ctrl, cfg); err != nil {
		fail(deps.Store, taskID, err)
		return
	}

	if err := runDownload(ctx, deps, taskID, ctrl, cfg); err != nil {
		if ctrl.Cancelled() {
			markCancelled(deps.Store, taskID)
			return
		}
		fail(deps.Store, taskID, err)
		return
	}

	complete(deps.Store, taskID)
}

func runProbe(ctx context.Context, deps Deps, taskID string, ctrl *store.Control, cfg types.Config) error {
	deps.Store.Mutate(taskID, func(t *types.Task) {
		if t.Status != types.StatusPaused {
			t.Status = types.StatusProbing
		}
		if t.StartedAt.IsZero() {
			t.StartedAt = time.Now()
		}
	})

	task, err := deps.Store.Get(taskID)
	if err != nil {
		return err
	}
	if task.FinalPath != "" {
		// A prior attempt (retry()) may have reserved a different name
		// than this probe will resolve to; release it before reserving
		// afresh so it doesn't sit claimed forever.
		deps.Store.ReleasePath(task.FinalPath)
	}

	res, err := probe.Probe(ctrl.Context(), deps.Client, task.URL, cfg)
	if err != nil {
		return err
	}

	finalPath, err := resolveDestination(deps.Store, taskID, cfg.DownloadDir, res.Filename)
	if err != nil {
		return &types.TaskError{Kind: types.ErrIO, Message: err.Error()}
	}

	return deps.Store.Mutate(taskID, func(t *types.Task) {
		t.ResolvedURL = res.ResolvedURL
		t.Filename = filepath.Base(finalPath)
		t.FinalPath = finalPath
		t.TotalSize = res.TotalSize
		t.SupportsRange = res.SupportsRange
		t.Segments = planner.Plan(res.TotalSize, res.SupportsRange, cfg)
		if t.Status != types.StatusPaused {
			t.Status = types.StatusDownloading
		}
	})
}

func runDownload(ctx context.Context, deps Deps, taskID string, ctrl *store.Control, cfg types.Config) error {
	task, err := deps.Store.Get(taskID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(task.FinalPath), 0o755); err != nil {
		return &types.TaskError{Kind: types.ErrIO, Message: err.Error()}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(task.Segments))

	for i, seg := range task.Segments {
		wg.Add(1)
		go func(i int, seg types.Segment) {
			defer wg.Done()
			partPath := task.FinalPath + types.PartSuffix(seg.Index)
			errs[i] = fetcher.Fetch(ctx, fetcher.Options{
				Client:        deps.Client,
				URL:           task.ResolvedURL,
				PartPath:      partPath,
				Segment:       seg,
				ChunkSize:     cfg.SegmentChunkSize,
				Control:       ctrl,
				Pacer:         deps.Pacer,
				RetryAttempts: cfg.RetryAttempts,
				UserAgent:     cfg.UserAgent,
				AntiThrottle:  cfg.AntiThrottle,
				OnProgress: func(n int64) {
					deps.Store.Mutate(taskID, func(t *types.Task) {
						t.DownloadedSize += n
						t.Segments[i].Downloaded += n
					})
				},
			})
			if errs[i] == nil {
				deps.Store.Mutate(taskID, func(t *types.Task) {
					t.Segments[i].Status = types.SegmentCompleted
				})
			} else {
				deps.Store.Mutate(taskID, func(t *types.Task) {
					t.Segments[i].Status = types.SegmentFailed
				})
			}
		}(i, seg)
	}
	wg.Wait()

	if ctrl.Cancelled() {
		cleanupParts(task.FinalPath, len(task.Segments))
		return &types.TaskError{Kind: types.ErrCancelledKind, Message: "cancelled"}
	}
	for _, e := range errs {
		if e != nil {
			return e
		}
	}

	return mergeAndRename(task.FinalPath, len(task.Segments))
}

// mergeAndRename concatenates every `<final>.partN` into `<final>.tmp`
// in index order and atomically renames it into place, then removes
// the part files.
func mergeAndRename(finalPath string, segmentCount int) error {
	tmpPath := finalPath + types.IncompleteSuffix

	if segmentCount == 1 {
		partPath := finalPath + types.PartSuffix(0)
		if err := os.Rename(partPath, tmpPath); err != nil {
			return &types.TaskError{Kind: types.ErrIO, Message: err.Error()}
		}
	} else {
		out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return &types.TaskError{Kind: types.ErrIO, Message: err.Error()}
		}
		for i := 0; i < segmentCount; i++ {
			partPath := finalPath + types.PartSuffix(i)
			if err := appendFile(out, partPath); err != nil {
				out.Close()
				return &types.TaskError{Kind: types.ErrIO, Message: err.Error()}
			}
		}
		if err := out.Close(); err != nil {
			return &types.TaskError{Kind: types.ErrIO, Message: err.Error()}
		}
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return &types.TaskError{Kind: types.ErrIO, Message: err.Error()}
	}
	for i := 0; i < segmentCount; i++ {
		os.Remove(finalPath + types.PartSuffix(i))
	}
	return nil
}

func appendFile(dst *os.File, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

func cleanupParts(finalPath string, segmentCount int) {
	for i := 0; i < segmentCount; i++ {
		os.Remove(finalPath + types.PartSuffix(i))
	}
	os.Remove(finalPath + types.IncompleteSuffix)
}

// resolveDestination joins dir and filename, appending `_1`, `_2`, ...
// before the extension until it finds a candidate that is both free on
// disk (no final file, `.tmp`, in the ordinary case) and not already
// claimed by another in-flight Task in the Store. The Store claim is
// what keeps two concurrently-probing same-named downloads from both
// picking `name.ext`: neither has written a final file or `.tmp` yet,
// only `.partN` files, which `exists` alone can't see.
func resolveDestination(s *store.Store, taskID, dir, filename string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	for i := 0; i < 10000; i++ {
		name := filename
		if i > 0 {
			name = base + "_" + strconv.Itoa(i) + ext
		}
		candidate := filepath.Join(dir, name)

		if !s.ReservePath(taskID, candidate) {
			continue // another Task already claimed this name
		}
		if exists(candidate) {
			s.ReleasePath(candidate)
			continue // a file from an earlier, unrelated run sits there
		}
		return candidate, nil
	}
	return "", fmt.Errorf("could not find a free filename for %s", filename)
}

func exists(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	if _, err := os.Stat(path + types.IncompleteSuffix); err == nil {
		return true
	}
	return false
}

func fail(s *store.Store, taskID string, err error) {
	s.Mutate(taskID, func(t *types.Task) {
		t.Status = types.StatusFailed
		t.FinishedAt = time.Now()
		if te, ok := err.(*types.TaskError); ok {
			t.Error = te
		} else {
			t.Error = &types.TaskError{Kind: types.ErrTransport, Message: err.Error()}
		}
	})
}

func markCancelled(s *store.Store, taskID string) {
	var finalPath string
	s.Mutate(taskID, func(t *types.Task) {
		t.Status = types.StatusCancelled
		t.FinishedAt = time.Now()
		finalPath = t.FinalPath
	})
	// Cancelled never resumes, so the name is free for anyone else.
	if finalPath != "" {
		s.ReleasePath(finalPath)
	}
}

func complete(s *store.Store, taskID string) {
	var finalPath string
	s.Mutate(taskID, func(t *types.Task) {
		t.Status = types.StatusCompleted
		t.FinishedAt = time.Now()
		// TotalSize is 0 when the Probe couldn't read a Content-Length
		// (§4.2 step 3); downloaded_size already holds the true byte
		// count from the single-stream fetcher in that case, so leave
		// it alone rather than zeroing it out.
		if t.TotalSize > 0 {
			t.DownloadedSize = t.TotalSize
		}
		finalPath = t.FinalPath
	})
	if finalPath != "" {
		s.ReleasePath(finalPath)
	}
}
