// Package probe determines a remote resource's size, range support, and
// filename before any segment is planned or fetched: a HEAD request
// first, falling back to a ranged GET when the server rejects HEAD.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dashfetch/engine/internal/engine/types"
	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"
)

// Result is everything downstream planning needs about a remote resource.
type Result struct {
	ResolvedURL   string
	TotalSize     int64
	SupportsRange bool
	Filename      string
	ContentType   string
}

// Probe resolves the metadata a Task needs before it leaves Probing. It
// issues a HEAD request first; if the server rejects HEAD (status >= 400)
// or the request fails outright, it falls back to a ranged GET
// (bytes=0-0) and inspects the 206-vs-200 response to detect range support.
func Probe(ctx context.Context, client *http.Client, rawURL string, cfg types.Config) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		res, err := probeOnce(ctx, client, rawURL, cfg)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}

	return nil, &types.TaskError{Kind: types.ErrProbeFailed, Message: lastErr.Error()}
}

func probeOnce(ctx context.Context, client *http.Client, rawURL string, cfg types.Config) (*Result, error) {
	headResp, err := doHead(ctx, client, rawURL, cfg)
	if err == nil && headResp.StatusCode < 400 {
		defer headResp.Body.Close()
		return resultFromHead(rawURL, headResp), nil
	}
	if headResp != nil {
		headResp.Body.Close()
	}

	getResp, err := doRangedGet(ctx, client, rawURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(getResp.Body, 512))
		getResp.Body.Close()
	}()

	switch getResp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
		return resultFromGet(rawURL, getResp)
	default:
		return nil, fmt.Errorf("unexpected status code: %d", getResp.StatusCode)
	}
}

func doHead(ctx context.Context, client *http.Client, rawURL string, cfg types.Config) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, cfg)
	return client.Do(req)
}

func doRangedGet(ctx context.Context, client *http.Client, rawURL string, cfg types.Config) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, cfg)
	req.Header.Set("Range", "bytes=0-0")
	return client.Do(req)
}

func applyHeaders(req *http.Request, cfg types.Config) {
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}
}

func resultFromHead(rawURL string, resp *http.Response) *Result {
	r := &Result{
		ResolvedURL:   resolvedURL(rawURL, resp),
		SupportsRange: acceptsRanges(resp.Header.Get("Accept-Ranges")),
		ContentType:   resp.Header.Get("Content-Type"),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		r.TotalSize, _ = strconv.ParseInt(cl, 10, 64)
	}
	r.Filename = determineFilename(rawURL, resp, nil)
	return r
}

func resultFromGet(rawURL string, resp *http.Response) (*Result, error) {
	r := &Result{
		ResolvedURL: resolvedURL(rawURL, resp),
		ContentType: resp.Header.Get("Content-Type"),
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		r.SupportsRange = true
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx != -1 {
				sizeStr := cr[idx+1:]
				if sizeStr != "*" {
					r.TotalSize, _ = strconv.ParseInt(sizeStr, 10, 64)
				}
			}
		}
	case http.StatusOK:
		r.SupportsRange = false
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			r.TotalSize, _ = strconv.ParseInt(cl, 10, 64)
		}
	}

	header := make([]byte, 512)
	n, rerr := io.ReadFull(resp.Body, header)
	if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
		return nil, fmt.Errorf("reading probe body: %w", rerr)
	}
	header = header[:n]

	r.Filename = determineFilename(rawURL, resp, header)
	return r, nil
}

func resolvedURL(rawURL string, resp *http.Response) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return rawURL
}

// acceptsRanges reports whether an Accept-Ranges header names "bytes",
// case-insensitively; absence or "none" means no range support.
func acceptsRanges(header string) bool {
	return strings.Contains(strings.ToLower(header), "bytes")
}

// determineFilename resolves a download's filename in order:
// Content-Disposition, then query params, then the URL path's last
// segment (URL-decoded), then a magic-byte extension guess, finally a
// synthetic name if nothing usable was found.
func determineFilename(rawURL string, resp *http.Response, sniffed []byte) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return syntheticName()
	}

	var candidate string
	if _, name, cdErr := httpheader.ContentDisposition(resp.Header); cdErr == nil && name != "" {
		candidate = name
	}

	if candidate == "" {
		q := parsed.Query()
		if name := q.Get("filename"); name != "" {
			candidate = name
		} else if name := q.Get("file"); name != "" {
			candidate = name
		}
	}

	if candidate == "" {
		if base := path.Base(parsed.Path); base != "" && base != "." && base != "/" {
			if decoded, derr := url.PathUnescape(base); derr == nil {
				candidate = decoded
			} else {
				candidate = base
			}
		}
	}

	filename := sanitizeFilename(candidate)

	if filename == "" || filename == "." || filename == "/" {
		filename = syntheticName()
	}

	if path.Ext(filename) == "" && len(sniffed) > 0 {
		if kind, _ := filetype.Match(sniffed); kind != filetype.Unknown && kind.Extension != "" {
			filename = filename + "." + kind.Extension
		}
	}

	return filename
}

func syntheticName() string {
	return fmt.Sprintf("download_%d", time.Now().Unix())
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer(
		"/", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_",
	)
	return replacer.Replace(name)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
