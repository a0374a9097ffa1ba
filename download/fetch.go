package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	offlineshell "github.com/wolfeidau/offline-shell"
)

// ErrTooLarge is returned by Capture when the body exceeds the configured limit.
var ErrTooLarge = errors.New("download: response body too large to capture")

// hopHeaders are connection-scoped headers that are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// OutboundRequest clones an inbound request for the origin at target.
// Hop-by-hop headers are dropped and the request is bound to ctx.
func OutboundRequest(ctx context.Context, r *http.Request, origin string) (*http.Request, error) {
	target := origin + r.URL.RequestURI()
	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, fmt.Errorf("creating origin request: %w", err)
	}
	out.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.ContentLength = r.ContentLength
	return out, nil
}

// Capture performs req with client and reads the full response body.
// Bodies larger than maxBody fail with ErrTooLarge.
func Capture(client *http.Client, req *http.Request, maxBody int64) (*Result, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.ContentLength > maxBody {
		return nil, ErrTooLarge
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", req.URL.Path, err)
	}
	if int64(len(body)) > maxBody {
		return nil, ErrTooLarge
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		Digest:     offlineshell.DigestBytes(body),
	}, nil
}
