// Package download provides singleflight-based deduplication for concurrent
// origin fetches. When several requests revalidate the same asset at once,
// only one fetch (and one ordered cache write) is performed.
package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	offlineshell "github.com/wolfeidau/offline-shell"
	"golang.org/x/sync/singleflight"
)

// Result holds a response captured in full from the origin.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Digest     offlineshell.Digest
}

// OK reports whether the origin answered with a 2xx status.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Response builds a fresh response for req with its own unread body.
// Every waiter of a shared flight gets an independent copy. Origins that send
// no ETag get one derived from the body digest, matching what the cache
// serves for the same body later.
func (r *Result) Response(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("ETag") == "" && !r.Digest.IsZero() {
		header.Set("ETag", r.Digest.ETag())
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// FetchFunc fetches from the origin and stores the result in the cache.
// The context passed to FetchFunc is detached from any single request so
// that one caller timing out does not cancel the fetch for other waiters.
type FetchFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches for the same cache key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for the same key.
// The fn receives a detached context (not tied to any single request).
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn FetchFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("joined in-flight fetch", "key", key)
		}
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to start a new fetch while an older one is still running.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}
