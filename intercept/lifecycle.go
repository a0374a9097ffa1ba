package intercept

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wolfeidau/offline-shell/download"
	"github.com/wolfeidau/offline-shell/store"
	"github.com/wolfeidau/offline-shell/telemetry"
	"golang.org/x/sync/errgroup"
)

// installConcurrency bounds parallel core asset fetches during install.
const installConcurrency = 8

var (
	// ErrNetworkFailure is returned when a core asset could not be fetched during install.
	ErrNetworkFailure = errors.New("intercept: network failure")

	// ErrNotInstalled is returned by Activate before a successful Install.
	ErrNotInstalled = errors.New("intercept: generation not installed")
)

// Install opens the generation and caches every core asset. It returns only
// once all assets are stored; any fetch failure or non-2xx response fails the
// whole install with ErrNetworkFailure. Store failures propagate unchanged.
func (i *Interceptor) Install(ctx context.Context) error {
	start := time.Now()

	cache, err := i.store.Open(ctx, i.generation)
	if err != nil {
		return fmt.Errorf("opening generation: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)

	for _, asset := range i.assets {
		g.Go(func() error {
			err := i.installAsset(gctx, cache, asset)
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			telemetry.RecordInstallAsset(gctx, outcome)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		i.logger.Error("install failed", "error", err)
		return err
	}

	i.installed.Store(&cacheRef{cache: cache})
	i.logger.Info("installed generation", "assets", len(i.assets), "duration", time.Since(start))
	return nil
}

func (i *Interceptor) installAsset(ctx context.Context, cache store.Cache, asset string) error {
	req, err := http.NewRequestWithContext(telemetry.WithOperation(ctx, "install"), http.MethodGet, i.origin+asset, nil)
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", asset, err)
	}

	res, err := download.Capture(i.client, req, store.MaxBodySize)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNetworkFailure, asset, err)
	}
	if !res.OK() {
		return fmt.Errorf("%w: %s: status %d", ErrNetworkFailure, asset, res.StatusCode)
	}

	// Keyed by the path pages request, not the origin URL it was fetched from.
	key, err := http.NewRequestWithContext(ctx, http.MethodGet, asset, nil)
	if err != nil {
		return fmt.Errorf("creating cache key for %s: %w", asset, err)
	}
	if err := cache.Put(ctx, key, res.Response(key)); err != nil {
		return fmt.Errorf("caching %s: %w", asset, err)
	}
	i.logger.Debug("cached core asset", "asset", asset, "size", len(res.Body))
	return nil
}

// Activate deletes every other generation and then switches all new requests
// to this one without a restart.
func (i *Interceptor) Activate(ctx context.Context) error {
	ref := i.installed.Load()
	if ref == nil {
		return ErrNotInstalled
	}

	deleted, err := i.store.PurgeOthers(ctx, i.generation)
	if err != nil {
		return fmt.Errorf("activating generation: %w", err)
	}

	i.active.Store(ref)
	i.logger.Info("activated generation", "purged", len(deleted))

	for _, fn := range i.onActivate {
		fn(ctx, i.generation)
	}
	return nil
}
