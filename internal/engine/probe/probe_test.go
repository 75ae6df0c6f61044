package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dashfetch/engine/internal/engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() types.Config {
	cfg := types.DefaultConfig()
	cfg.RetryAttempts = 1
	return cfg
}

func TestProbe_HEADWithRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "1000")
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := Probe(context.Background(), srv.Client(), srv.URL, testConfig())
	require.NoError(t, err)
	assert.True(t, res.SupportsRange)
	assert.Equal(t, int64(1000), res.TotalSize)
	assert.Equal(t, "report.pdf", res.Filename)
}

func TestProbe_HEADWithoutRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "500")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := Probe(context.Background(), srv.Client(), srv.URL, testConfig())
	require.NoError(t, err)
	assert.False(t, res.SupportsRange)
	assert.Equal(t, int64(500), res.TotalSize)
}

func TestProbe_FallsBackToGetWhenHeadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-0/2048")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	res, err := Probe(context.Background(), srv.Client(), srv.URL, testConfig())
	require.NoError(t, err)
	assert.True(t, res.SupportsRange)
	assert.Equal(t, int64(2048), res.TotalSize)
}

func TestProbe_FilenameFallsBackToURLPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := Probe(context.Background(), srv.Client(), srv.URL+"/archive.tar.gz", testConfig())
	require.NoError(t, err)
	assert.Equal(t, "archive.tar.gz", res.Filename)
}

func TestProbe_SyntheticFilenameWhenURLHasNoPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := Probe(context.Background(), srv.Client(), srv.URL, testConfig())
	require.NoError(t, err)
	assert.Contains(t, res.Filename, "download_")
}

func TestProbe_ReturnsErrorOnPersistentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Probe(context.Background(), srv.Client(), srv.URL, testConfig())
	require.Error(t, err)
	var te *types.TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, types.ErrProbeFailed, te.Kind)
}
