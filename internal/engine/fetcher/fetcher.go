// Package fetcher downloads one Segment into its own `<final>.partN`
// file, resuming from whatever bytes already exist on disk, honoring
// the shared pause gate, cancel signal, and optional Pacer on every
// buffer, and retrying transient failures with backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/dashfetch/engine/internal/engine/pacer"
	"github.com/dashfetch/engine/internal/engine/store"
	"github.com/dashfetch/engine/internal/engine/types"
)

// Options configures one Segment's download.
type Options struct {
	Client        *http.Client
	URL           string
	PartPath      string
	Segment       types.Segment
	ChunkSize     int
	Control       *store.Control
	Pacer         *pacer.Pacer
	RetryAttempts int
	UserAgent     string

	// AntiThrottle enables a one-time pause once this segment crosses
	// 92% complete, if the segment has a known length. Some hosts throttle
	// or terminate connections that finish too predictably; a short pause
	// near the end avoids that pattern.
	AntiThrottle bool

	// OnProgress is invoked after each buffer write with the number of
	// newly-downloaded bytes in this segment (not cumulative).
	OnProgress func(n int64)
}

// isUnknownLength reports a single-stream segment whose total size the
// Probe could not determine (no Content-Length); the fetcher reads
// until EOF instead of a fixed End offset.
func isUnknownLength(seg types.Segment) bool { return seg.End < seg.Start }

// Fetch downloads opts.Segment into opts.PartPath, resuming from any
// bytes already present, retrying transient failures up to
// opts.RetryAttempts times.
func Fetch(ctx context.Context, opts Options) error {
	var lastErr error

	for attempt := 0; attempt <= opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}

		if opts.Control.Cancelled() {
			return &types.TaskError{Kind: types.ErrCancelledKind, Message: "cancelled"}
		}

		err := attempt1(opts)
		if err == nil {
			return nil
		}
		if isCancelled(err) {
			return err
		}
		var te *types.TaskError
		if errors.As(err, &te) {
			return err // unexpected status, ignored resume Range, disk write: not transient
		}
		lastErr = err
	}

	return &types.TaskError{Kind: types.ErrTransport, Message: lastErr.Error()}
}

func attempt1(opts Options) error {
	f, existing, done, err := openResumable(opts.PartPath, opts.Segment)
	if err != nil {
		return fmt.Errorf("opening part file: %w", err)
	}
	defer f.Close()
	if done {
		return nil
	}

	req, err := http.NewRequestWithContext(opts.Control.Context(), http.MethodGet, opts.URL, nil)
	if err != nil {
		return err
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	rangeStart := opts.Segment.Start + existing
	if !isUnknownLength(opts.Segment) {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rangeStart, opts.Segment.End))
	} else if existing > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rangeStart))
	}

	resp, err := opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("rate limited (429)")
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return &types.TaskError{Kind: types.ErrHTTPStatus, Message: fmt.Sprintf("unexpected status: %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusOK && existing > 0 {
		return &types.TaskError{Kind: types.ErrRangeNotSupportedButNeeded, Message: "server ignored Range on resume"}
	}

	return readLoop(f, resp.Body, opts, existing)
}

// openResumable returns the part file positioned for appending, the
// number of bytes already present, and whether the segment is already
// fully downloaded (skip the network entirely).
func openResumable(path string, seg types.Segment) (f *os.File, existing int64, done bool, err error) {
	info, statErr := os.Stat(path)
	wantLen := seg.Length()

	switch {
	case statErr == nil && !isUnknownLength(seg) && info.Size() == wantLen:
		f, err = os.OpenFile(path, os.O_RDWR, 0o644)
		return f, info.Size(), true, err

	case statErr == nil && !isUnknownLength(seg) && info.Size() > 0 && info.Size() < wantLen:
		f, err = os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, 0, false, err
		}
		if _, err = f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, 0, false, err
		}
		return f, info.Size(), false, nil

	case statErr == nil && info.Size() > wantLen && !isUnknownLength(seg):
		// Corrupt leftover larger than the segment: restart clean.
		f, err = os.OpenFile(path, os.O_RDWR|os.O_TRUNC, 0o644)
		return f, 0, false, err

	default:
		f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, 0, false, err
		}
		if statErr == nil && isUnknownLength(seg) {
			if _, err = f.Seek(0, io.SeekEnd); err != nil {
				f.Close()
				return nil, 0, false, err
			}
			return f, info.Size(), false, nil
		}
		return f, 0, false, nil
	}
}

func readLoop(f *os.File, body io.Reader, opts Options, existing int64) error {
	buf := make([]byte, opts.ChunkSize)
	downloaded := existing
	total := opts.Segment.Length()
	throttled := false

	for {
		if opts.Control.Cancelled() {
			return &types.TaskError{Kind: types.ErrCancelledKind, Message: "cancelled"}
		}
		opts.Control.WaitGate()

		n, readErr := body.Read(buf)
		if n > 0 {
			if opts.Pacer != nil {
				if err := opts.Pacer.Wait(opts.Control.Context(), n); err != nil {
					return err
				}
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return &types.TaskError{Kind: types.ErrIO, Message: werr.Error()}
			}
			downloaded += int64(n)
			if opts.OnProgress != nil {
				opts.OnProgress(int64(n))
			}

			if opts.AntiThrottle && !throttled && total > 0 && float64(downloaded)/float64(total) >= 0.92 {
				throttled = true
				select {
				case <-opts.Control.Context().Done():
					return opts.Control.Context().Err()
				case <-time.After(5 * time.Second):
				}
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if opts.Control.Cancelled() {
				return &types.TaskError{Kind: types.ErrCancelledKind, Message: "cancelled"}
			}
			return fmt.Errorf("read error: %w", readErr)
		}
	}
}

func isCancelled(err error) bool {
	var te *types.TaskError
	if errors.As(err, &te) {
		return te.Kind == types.ErrCancelledKind
	}
	return errors.Is(err, context.Canceled)
}

func retryDelay(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 500 * time.Millisecond
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}
