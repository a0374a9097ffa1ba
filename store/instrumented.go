package store

import (
	"context"
	"errors"
	"net/http"
	"time"

	offlineshell "github.com/wolfeidau/offline-shell"
	"github.com/wolfeidau/offline-shell/telemetry"
)

// InstrumentedStore wraps a Store with metrics recording.
type InstrumentedStore struct {
	store Store
}

// NewInstrumentedStore creates a new instrumented store wrapper.
func NewInstrumentedStore(s Store) *InstrumentedStore {
	return &InstrumentedStore{store: s}
}

func (is *InstrumentedStore) Open(ctx context.Context, gen offlineshell.Generation) (Cache, error) {
	start := time.Now()
	c, err := is.store.Open(ctx, gen)
	telemetry.RecordStoreOp(ctx, "open", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return &instrumentedCache{cache: c}, nil
}

func (is *InstrumentedStore) PurgeOthers(ctx context.Context, current offlineshell.Generation) ([]offlineshell.Generation, error) {
	start := time.Now()
	deleted, err := is.store.PurgeOthers(ctx, current)
	telemetry.RecordStoreOp(ctx, "purge", outcomeFromError(err), time.Since(start), 0)
	if err == nil {
		telemetry.RecordGenerationsPurged(ctx, len(deleted))
	}
	return deleted, err
}

func (is *InstrumentedStore) Generations(ctx context.Context) ([]GenerationInfo, error) {
	start := time.Now()
	infos, err := is.store.Generations(ctx)
	telemetry.RecordStoreOp(ctx, "generations", outcomeFromError(err), time.Since(start), 0)
	return infos, err
}

// Unwrap returns the underlying store.
func (is *InstrumentedStore) Unwrap() Store {
	return is.store
}

type instrumentedCache struct {
	cache Cache
}

func (ic *instrumentedCache) Generation() offlineshell.Generation {
	return ic.cache.Generation()
}

func (ic *instrumentedCache) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	start := time.Now()
	err := ic.cache.Put(ctx, req, resp)
	var size int64
	if err == nil && resp.ContentLength > 0 {
		size = resp.ContentLength
	}
	telemetry.RecordStoreOp(ctx, "put", outcomeFromError(err), time.Since(start), size)
	return err
}

func (ic *instrumentedCache) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := ic.cache.Match(ctx, req)
	var size int64
	if err == nil {
		size = resp.ContentLength
	}
	telemetry.RecordStoreOp(ctx, "match", outcomeFromError(err), time.Since(start), size)
	return resp, err
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNoMatch):
		return "no_match"
	case errors.Is(err, ErrGenerationGone):
		return "generation_gone"
	default:
		return "error"
	}
}

// Compile-time interface checks
var (
	_ Store = (*InstrumentedStore)(nil)
	_ Cache = (*instrumentedCache)(nil)
)
