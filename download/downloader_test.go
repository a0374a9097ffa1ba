package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	offlineshell "github.com/wolfeidau/offline-shell"
)

func newResult(body string) *Result {
	return &Result{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/css"}},
		Body:       []byte(body),
		Digest:     offlineshell.DigestBytes([]byte(body)),
	}
}

func TestDo_SingleCall(t *testing.T) {
	d := New()

	expected := newResult("hello")

	result, shared, err := d.Do(context.Background(), "/app.css", func(ctx context.Context) (*Result, error) {
		return expected, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, expected.Digest, result.Digest)
	require.True(t, result.OK())
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expected := newResult("data")
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*Result, 10)
	errs := make([]error, 10)

	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = d.Do(context.Background(), "/shared.js", func(ctx context.Context) (*Result, error) {
				callCount.Add(1)
				<-release
				return expected, nil
			})
		}(i)
	}

	// Let the goroutines pile up on the flight before it completes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "fetch func should be called exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, expected.Digest, results[i].Digest)
	}
}

func TestDo_CallerTimeout(t *testing.T) {
	d := New()

	var fetchCompleted atomic.Bool
	expected := newResult("slow")

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	started := make(chan struct{})
	var slowErr error
	var slowWg sync.WaitGroup
	slowWg.Add(1)
	go func() {
		defer slowWg.Done()
		_, _, slowErr = d.Do(shortCtx, "/slow.js", func(ctx context.Context) (*Result, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			// The detached context survives the first caller's deadline
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			fetchCompleted.Store(true)
			return expected, nil
		})
	}()

	<-started

	longCtx, longCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer longCancel()

	result, shared, err := d.Do(longCtx, "/slow.js", func(ctx context.Context) (*Result, error) {
		t.Error("should not be called - fetch already in flight")
		return nil, nil
	})

	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, expected.Digest, result.Digest)
	require.True(t, fetchCompleted.Load())

	slowWg.Wait()
	require.ErrorIs(t, slowErr, context.DeadlineExceeded)
}

func TestDo_FetchError(t *testing.T) {
	d := New()

	expectedErr := errors.New("origin unavailable")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 5)

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = d.Do(context.Background(), "/error.js", func(ctx context.Context) (*Result, error) {
				<-release
				return nil, expectedErr
			})
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_DifferentKeys(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	errs := make([]error, 5)
	var wg sync.WaitGroup

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := "/asset-" + string(rune('a'+idx)) + ".js"
			_, _, errs[idx] = d.Do(context.Background(), key, func(ctx context.Context) (*Result, error) {
				callCount.Add(1)
				return newResult(key), nil
			})
		}(i)
	}

	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
	}
	require.Equal(t, int32(5), callCount.Load(), "each key should trigger its own fetch")
}

func TestForgetOnFetchError_SkipsContextErrors(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expected := newResult("data")

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _, _ = d.Do(context.Background(), "/forget.js", func(ctx context.Context) (*Result, error) {
			callCount.Add(1)
			close(started)
			<-release
			return expected, nil
		})
	}()

	<-started

	// A caller that timed out must not forget the in-flight fetch
	ForgetOnFetchError(d, "/forget.js", context.DeadlineExceeded)

	done := make(chan struct{})
	var (
		result *Result
		shared bool
		err    error
	)
	go func() {
		defer close(done)
		result, shared, err = d.Do(context.Background(), "/forget.js", func(ctx context.Context) (*Result, error) {
			callCount.Add(1)
			return expected, nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done

	require.NoError(t, err)
	require.True(t, shared, "should share the in-flight fetch")
	require.Equal(t, expected.Digest, result.Digest)
	require.Equal(t, int32(1), callCount.Load(), "fetch func should be called exactly once")
}

func TestForgetOnFetchError_ForgetsRealErrors(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expectedErr := errors.New("origin error")

	_, _, err := d.Do(context.Background(), "/forget-err.js", func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return nil, expectedErr
	})
	require.ErrorIs(t, err, expectedErr)

	ForgetOnFetchError(d, "/forget-err.js", expectedErr)

	result, shared, err := d.Do(context.Background(), "/forget-err.js", func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return newResult("retry"), nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, []byte("retry"), result.Body)
	require.Equal(t, int32(2), callCount.Load())
}

func TestResult_ResponseIsIndependent(t *testing.T) {
	res := newResult("shared body")
	req := httptest.NewRequest(http.MethodGet, "/app.css", nil)

	a := res.Response(req)
	b := res.Response(req)

	aBody, err := io.ReadAll(a.Body)
	require.NoError(t, err)
	bBody, err := io.ReadAll(b.Body)
	require.NoError(t, err)

	require.Equal(t, "shared body", string(aBody))
	require.Equal(t, "shared body", string(bBody))
	require.Equal(t, "200 OK", a.Status)
	require.EqualValues(t, len("shared body"), a.ContentLength)

	a.Header.Set("X-Test", "1")
	require.Empty(t, b.Header.Get("X-Test"))
}

func TestResult_ResponseETag(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/app.css", nil)

	res := newResult("body")
	require.Equal(t, offlineshell.DigestBytes([]byte("body")).ETag(), res.Response(req).Header.Get("ETag"))

	res.Header.Set("ETag", `"origin"`)
	require.Equal(t, `"origin"`, res.Response(req).Header.Get("ETag"))

	require.Empty(t, (&Result{StatusCode: http.StatusOK}).Response(req).Header.Get("ETag"))
}

func TestCapture(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/big.js":
			_, _ = io.WriteString(w, strings.Repeat("x", 64))
		case "/missing.js":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/javascript")
			_, _ = io.WriteString(w, "ok")
		}
	}))
	defer origin.Close()

	t.Run("captures status headers and body", func(t *testing.T) {
		req, err := OutboundRequest(context.Background(), httptest.NewRequest(http.MethodGet, "/app.js", nil), origin.URL)
		require.NoError(t, err)

		res, err := Capture(origin.Client(), req, 1024)
		require.NoError(t, err)
		require.True(t, res.OK())
		require.Equal(t, "ok", string(res.Body))
		require.Equal(t, "text/javascript", res.Header.Get("Content-Type"))
		require.Equal(t, offlineshell.DigestBytes([]byte("ok")), res.Digest)
	})

	t.Run("non-2xx is captured not failed", func(t *testing.T) {
		req, err := OutboundRequest(context.Background(), httptest.NewRequest(http.MethodGet, "/missing.js", nil), origin.URL)
		require.NoError(t, err)

		res, err := Capture(origin.Client(), req, 1024)
		require.NoError(t, err)
		require.False(t, res.OK())
		require.Equal(t, http.StatusNotFound, res.StatusCode)
	})

	t.Run("body over limit", func(t *testing.T) {
		req, err := OutboundRequest(context.Background(), httptest.NewRequest(http.MethodGet, "/big.js", nil), origin.URL)
		require.NoError(t, err)

		_, err = Capture(origin.Client(), req, 16)
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("connection failure", func(t *testing.T) {
		req, err := OutboundRequest(context.Background(), httptest.NewRequest(http.MethodGet, "/app.js", nil), "http://127.0.0.1:1")
		require.NoError(t, err)

		_, err = Capture(http.DefaultClient, req, 1024)
		require.Error(t, err)
	})
}

func TestServe(t *testing.T) {
	res := newResult("body")
	res.Header.Set("Connection", "close")

	t.Run("GET writes body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/app.css", nil)
		w := httptest.NewRecorder()
		Serve(w, r, res.Response(r), slogDiscard())

		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "body", w.Body.String())
		require.Equal(t, "4", w.Header().Get("Content-Length"))
		require.Empty(t, w.Header().Get("Connection"))
	})

	t.Run("HEAD skips body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodHead, "/app.css", nil)
		w := httptest.NewRecorder()
		Serve(w, r, res.Response(r), slogDiscard())

		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, w.Body.String())
	})
}

func TestWriteNetworkError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNetworkError(w, slogDiscard(), errors.New("dial tcp: connection refused"))

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, NetworkErrorBody, w.Body.String())
	require.NotContains(t, w.Body.String(), "connection refused")
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
