package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dashfetch/engine/internal/engine/store"
	"github.com/dashfetch/engine/internal/engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		var start, end int64
		fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		if end >= int64(len(body)) {
			end = int64(len(body)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func TestFetch_DownloadsFullSegment(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 1000)
	srv := rangeServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	partPath := filepath.Join(dir, "out.part0")
	ctrl := store.NewControl(context.Background())

	var got int64
	err := Fetch(context.Background(), Options{
		Client:    srv.Client(),
		URL:       srv.URL,
		PartPath:  partPath,
		Segment:   types.Segment{Index: 0, Start: 0, End: 999},
		ChunkSize: 64,
		Control:   ctrl,
		OnProgress: func(n int64) {
			atomic.AddInt64(&got, n)
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1000, got)

	data, err := os.ReadFile(partPath)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestFetch_ResumesFromExistingPartialPartFile(t *testing.T) {
	body := bytes.Repeat([]byte("b"), 500)
	srv := rangeServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	partPath := filepath.Join(dir, "out.part0")
	require.NoError(t, os.WriteFile(partPath, body[:200], 0o644))

	ctrl := store.NewControl(context.Background())
	err := Fetch(context.Background(), Options{
		Client:    srv.Client(),
		URL:       srv.URL,
		PartPath:  partPath,
		Segment:   types.Segment{Index: 0, Start: 0, End: 499},
		ChunkSize: 64,
		Control:   ctrl,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(partPath)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestFetch_SkipsNetworkWhenPartFileAlreadyComplete(t *testing.T) {
	body := bytes.Repeat([]byte("c"), 100)
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	partPath := filepath.Join(dir, "out.part0")
	require.NoError(t, os.WriteFile(partPath, body, 0o644))

	ctrl := store.NewControl(context.Background())
	err := Fetch(context.Background(), Options{
		Client:    srv.Client(),
		URL:       srv.URL,
		PartPath:  partPath,
		Segment:   types.Segment{Index: 0, Start: 0, End: 99},
		ChunkSize: 64,
		Control:   ctrl,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, requests, "an already-complete part file must not trigger a network request")
}

func TestFetch_CancelStopsTheReadLoop(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		flusher, _ := w.(http.Flusher)
		w.Write(bytes.Repeat([]byte("d"), 10))
		if flusher != nil {
			flusher.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	dir := t.TempDir()
	ctrl := store.NewControl(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Fetch(context.Background(), Options{
			Client:        srv.Client(),
			URL:           srv.URL,
			PartPath:      filepath.Join(dir, "out.part0"),
			Segment:       types.Segment{Index: 0, Start: 0, End: 99},
			ChunkSize:     4,
			Control:       ctrl,
			RetryAttempts: 0,
		})
	}()

	time.Sleep(20 * time.Millisecond)
	ctrl.Cancel()

	select {
	case err := <-done:
		var te *types.TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, types.ErrCancelledKind, te.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch did not observe cancellation")
	}
}

func TestFetch_PauseBlocksUntilResumed(t *testing.T) {
	body := bytes.Repeat([]byte("e"), 40)
	srv := rangeServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	ctrl := store.NewControl(context.Background())
	ctrl.Pause()

	done := make(chan error, 1)
	go func() {
		done <- Fetch(context.Background(), Options{
			Client:    srv.Client(),
			URL:       srv.URL,
			PartPath:  filepath.Join(dir, "out.part0"),
			Segment:   types.Segment{Index: 0, Start: 0, End: 39},
			ChunkSize: 4,
			Control:   ctrl,
		})
	}()

	select {
	case <-done:
		t.Fatal("Fetch completed while paused")
	case <-time.After(50 * time.Millisecond):
	}

	ctrl.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch never resumed")
	}
}

func TestFetch_RetriesServerErrorsAndSucceeds(t *testing.T) {
	body := bytes.Repeat([]byte("f"), 50)
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-49/50")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	ctrl := store.NewControl(context.Background())
	err := Fetch(context.Background(), Options{
		Client:        srv.Client(),
		URL:           srv.URL,
		PartPath:      filepath.Join(dir, "out.part0"),
		Segment:       types.Segment{Index: 0, Start: 0, End: 49},
		ChunkSize:     16,
		Control:       ctrl,
		RetryAttempts: 2,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestFetch_GivesUpAfterRetryAttemptsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	ctrl := store.NewControl(context.Background())
	err := Fetch(context.Background(), Options{
		Client:        srv.Client(),
		URL:           srv.URL,
		PartPath:      filepath.Join(dir, "out.part0"),
		Segment:       types.Segment{Index: 0, Start: 0, End: 9},
		ChunkSize:     16,
		Control:       ctrl,
		RetryAttempts: 1,
	})
	require.Error(t, err)
}

func TestFetch_UnknownLengthStreamsUntilEOF(t *testing.T) {
	body := bytes.Repeat([]byte("g"), 123)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	partPath := filepath.Join(dir, "out.part0")
	ctrl := store.NewControl(context.Background())

	err := Fetch(context.Background(), Options{
		Client:    srv.Client(),
		URL:       srv.URL,
		PartPath:  partPath,
		Segment:   types.Segment{Index: 0, Start: 0, End: -1},
		ChunkSize: 16,
		Control:   ctrl,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(partPath)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestIsUnknownLength(t *testing.T) {
	assert.True(t, isUnknownLength(types.Segment{Start: 0, End: -1}))
	assert.False(t, isUnknownLength(types.Segment{Start: 0, End: 0}))
}
