// Package store provides the versioned asset cache: one bucket of captured
// responses per cache generation, persisted in bbolt.
package store

import (
	"context"
	"errors"
	"net/http"
	"time"

	offlineshell "github.com/wolfeidau/offline-shell"
)

var (
	// ErrStorageUnavailable is returned when the database cannot allocate storage for a generation.
	ErrStorageUnavailable = errors.New("store: storage unavailable")

	// ErrNoMatch is returned by Match when no entry exists for the request.
	ErrNoMatch = errors.New("store: no match")

	// ErrGenerationGone is returned when writing into a generation that has been purged.
	ErrGenerationGone = errors.New("store: generation purged")

	// ErrMethodNotCacheable is returned for requests other than GET and HEAD.
	ErrMethodNotCacheable = errors.New("store: method not cacheable")

	// ErrBodyTooLarge is returned when a response body exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("store: body exceeds maximum size")
)

// Store manages cache generations.
type Store interface {
	// Open acquires the cache for a generation, creating it if absent.
	Open(ctx context.Context, gen offlineshell.Generation) (Cache, error)

	// PurgeOthers deletes every generation other than current and returns the deleted ones.
	PurgeOthers(ctx context.Context, current offlineshell.Generation) ([]offlineshell.Generation, error)

	// Generations lists the stored generations.
	Generations(ctx context.Context) ([]GenerationInfo, error)
}

// Cache is the set of captured responses belonging to one generation.
type Cache interface {
	// Generation returns the generation this cache belongs to.
	Generation() offlineshell.Generation

	// Put stores a duplicate of resp keyed by the request URL, replacing any prior entry.
	// resp.Body is replaced with an equivalent unread reader so the caller can still consume it.
	Put(ctx context.Context, req *http.Request, resp *http.Response) error

	// Match returns the stored response for req or ErrNoMatch.
	// The caller must close the returned body.
	Match(ctx context.Context, req *http.Request) (*http.Response, error)
}

// GenerationInfo describes a stored generation.
type GenerationInfo struct {
	Generation offlineshell.Generation `json:"generation"`
	Entries    int                     `json:"entries"`
	Bytes      int64                   `json:"bytes"`
	CreatedAt  time.Time               `json:"created_at"`
}

// CacheKey returns the canonical key for a request: path plus query.
// The host is ignored because the shell fronts a single origin.
func CacheKey(req *http.Request) (string, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return "", ErrMethodNotCacheable
	}
	key := req.URL.EscapedPath()
	if key == "" {
		key = "/"
	}
	if req.URL.RawQuery != "" {
		key += "?" + req.URL.RawQuery
	}
	return key, nil
}
