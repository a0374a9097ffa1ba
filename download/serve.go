package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// NetworkErrorBody is the body of the generic response written when neither
// cache nor network could answer.
const NetworkErrorBody = "network error"

// WriteNetworkError writes the generic network-error response. The raw
// failure is logged and never exposed to the client.
func WriteNetworkError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		logger.Debug("client went away during fetch", "error", err)
	} else {
		logger.Warn("fetch failed", "error", err)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, NetworkErrorBody)
}

// Serve writes resp to w: headers (minus hop-by-hop ones), status and body.
// For HEAD requests, it writes headers but skips the body.
// The response body is always closed.
func Serve(w http.ResponseWriter, r *http.Request, resp *http.Response, logger *slog.Logger) {
	defer func() { _ = resp.Body.Close() }()

	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append([]string(nil), vv...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	if resp.ContentLength >= 0 {
		dst.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}

	w.WriteHeader(resp.StatusCode)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("failed to stream response", "path", r.URL.Path, "error", err)
	}
}

// ForgetOnFetchError calls Forget on the downloader if the error represents
// a real fetch failure (not a caller context timeout).
func ForgetOnFetchError(d *Downloader, key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
