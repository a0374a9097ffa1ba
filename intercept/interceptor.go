// Package intercept implements the fetch interceptor: every request for the
// app is classified and either forwarded to the origin untouched or served
// cache-first from the active generation with background revalidation.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	offlineshell "github.com/wolfeidau/offline-shell"
	"github.com/wolfeidau/offline-shell/download"
	"github.com/wolfeidau/offline-shell/store"
	"github.com/wolfeidau/offline-shell/telemetry"
)

const (
	// ResultHeader reports how a response was produced.
	ResultHeader = "X-Offline-Shell"

	// fetchTimeout bounds one background origin fetch.
	fetchTimeout = 30 * time.Second
)

// Interceptor serves app requests according to their Strategy.
type Interceptor struct {
	store      store.Store
	origin     string
	generation offlineshell.Generation
	client     *http.Client
	classifier Classifier
	downloader *download.Downloader
	assets     []string
	onActivate []func(ctx context.Context, gen offlineshell.Generation)
	logger     *slog.Logger

	installed atomic.Pointer[cacheRef]
	active    atomic.Pointer[cacheRef]

	// Lifecycle management for background revalidations
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type cacheRef struct {
	cache store.Cache
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the logger for the interceptor.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) {
		i.logger = logger
	}
}

// WithClient sets the HTTP client used to reach the origin.
func WithClient(client *http.Client) Option {
	return func(i *Interceptor) {
		i.client = client
	}
}

// WithAPIPrefix sets the path prefix of the app's REST API.
func WithAPIPrefix(prefix string) Option {
	return func(i *Interceptor) {
		i.classifier.APIPrefix = prefix
	}
}

// WithAssets sets the core assets fetched on install.
func WithAssets(assets []string) Option {
	return func(i *Interceptor) {
		i.assets = assets
	}
}

// WithDownloader sets the downloader used to collapse concurrent fetches.
func WithDownloader(d *download.Downloader) Option {
	return func(i *Interceptor) {
		i.downloader = d
	}
}

// WithOnActivate registers a hook run after a generation takes control.
func WithOnActivate(fn func(ctx context.Context, gen offlineshell.Generation)) Option {
	return func(i *Interceptor) {
		i.onActivate = append(i.onActivate, fn)
	}
}

// New creates an interceptor for origin backed by s. gen is the generation
// this instance installs and activates.
func New(s store.Store, origin string, gen offlineshell.Generation, opts ...Option) (*Interceptor, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parsing origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute http(s) URL: %q", origin)
	}
	if _, err := offlineshell.ParseGeneration(string(gen)); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	i := &Interceptor{
		store:      s,
		origin:     strings.TrimSuffix(origin, "/"),
		generation: gen,
		client:     &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, telemetry.TargetOrigin)},
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.downloader == nil {
		i.downloader = download.New(download.WithLogger(i.logger))
	}
	i.logger = i.logger.With("component", "intercept", "generation", gen)
	return i, nil
}

// Close shuts down the interceptor and waits for background revalidations to complete.
func (i *Interceptor) Close() {
	i.cancel()
	i.wg.Wait()
}

// Generation returns the generation this interceptor installs.
func (i *Interceptor) Generation() offlineshell.Generation {
	return i.generation
}

// Active reports whether a generation has taken control of requests.
func (i *Interceptor) Active() bool {
	return i.active.Load() != nil
}

// ServeHTTP classifies the request and applies its strategy.
// Until a generation is active every request is bypassed.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ref := i.active.Load()
	if ref == nil || i.classifier.ClassifyRequest(r) == Bypass {
		telemetry.SetRoute(r, "bypass")
		i.bypass(w, r)
		return
	}

	telemetry.SetRoute(r, "asset")
	i.cacheFirst(w, r, ref.cache)
}

// revalidationStrip are request headers dropped from background fetches so the
// origin always answers with the full, transport-decoded representation.
var revalidationStrip = []string{"If-None-Match", "If-Modified-Since", "If-Match", "If-Range", "Range", "Accept-Encoding"}

type flightResult struct {
	res *download.Result
	err error
}

// cacheFirst starts the origin fetch and the cache lookup together. A hit is
// written immediately while the fetch keeps running in the background.
func (i *Interceptor) cacheFirst(w http.ResponseWriter, r *http.Request, cache store.Cache) {
	key, err := store.CacheKey(r)
	if err != nil {
		i.bypass(w, r)
		return
	}

	snapshot := r.Clone(context.Background())
	flight := make(chan flightResult, 1)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		res, _, err := i.downloader.Do(context.Background(), key, func(context.Context) (*download.Result, error) {
			return i.revalidate(cache, snapshot)
		})
		if err != nil {
			download.ForgetOnFetchError(i.downloader, key, err)
		}
		flight <- flightResult{res: res, err: err}
	}()

	cached, err := cache.Match(r.Context(), r)
	if err == nil {
		i.logger.Debug("cache hit", "key", key)
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		w.Header().Set(ResultHeader, string(telemetry.CacheHit))
		download.Serve(w, r, cached, i.logger)
		return
	}
	if !errors.Is(err, store.ErrNoMatch) {
		i.logger.Warn("cache lookup failed", "key", key, "error", err)
	}

	var fr flightResult
	select {
	case fr = <-flight:
	case <-r.Context().Done():
		return
	}

	if errors.Is(fr.err, download.ErrTooLarge) {
		i.bypass(w, r)
		return
	}
	if fr.err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheNetworkError)
		w.Header().Set(ResultHeader, string(telemetry.CacheNetworkError))
		download.WriteNetworkError(w, i.logger, fr.err)
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	w.Header().Set(ResultHeader, string(telemetry.CacheMiss))
	download.Serve(w, r, fr.res.Response(r), i.logger)
}

// revalidate fetches the asset from the origin and stores qualifying responses
// under the inbound request's key, which is what Match looks up. The put is
// sequenced after the fetch inside one flight, so writes for a key never run
// out of order.
func (i *Interceptor) revalidate(cache store.Cache, r *http.Request) (*download.Result, error) {
	ctx, cancel := context.WithTimeout(telemetry.WithOperation(i.ctx, "revalidate"), fetchTimeout)
	defer cancel()

	req, err := download.OutboundRequest(ctx, r, i.origin)
	if err != nil {
		return nil, err
	}
	req.Body = http.NoBody
	for _, h := range revalidationStrip {
		req.Header.Del(h)
	}

	res, err := download.Capture(i.client, req, store.MaxBodySize)
	if err != nil {
		telemetry.RecordRevalidation(ctx, "error")
		return nil, err
	}

	switch {
	case !res.OK():
		telemetry.RecordRevalidation(ctx, "not_ok")
	case !Cacheable(r.URL.Path):
		telemetry.RecordRevalidation(ctx, "uncacheable")
	default:
		if err := cache.Put(ctx, r, res.Response(r)); err != nil {
			if errors.Is(err, store.ErrGenerationGone) {
				i.logger.Debug("generation purged during revalidation", "path", r.URL.Path)
			} else {
				i.logger.Warn("failed to cache response", "path", r.URL.Path, "error", err)
			}
			telemetry.RecordRevalidation(ctx, "error")
			break
		}
		telemetry.RecordRevalidation(ctx, "stored")
	}

	return res, nil
}

// bypass forwards the request to the origin and streams the response back.
func (i *Interceptor) bypass(w http.ResponseWriter, r *http.Request) {
	telemetry.SetCacheResult(r, telemetry.CacheBypass)

	req, err := download.OutboundRequest(telemetry.WithOperation(r.Context(), "bypass"), r, i.origin)
	if err != nil {
		download.WriteNetworkError(w, i.logger, err)
		return
	}

	resp, err := i.client.Do(req)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheNetworkError)
		w.Header().Set(ResultHeader, string(telemetry.CacheNetworkError))
		download.WriteNetworkError(w, i.logger, err)
		return
	}

	w.Header().Set(ResultHeader, string(telemetry.CacheBypass))
	download.Serve(w, r, resp, i.logger)
}
