package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	offlineshell "github.com/wolfeidau/offline-shell"
	"go.etcd.io/bbolt"
)

// Bucket names for bbolt storage.
var (
	// bucketGenerations holds one nested bucket per generation: canonical key -> framed entry.
	bucketGenerations = []byte("cache_generations")

	// bucketGenerationCreated maps generation -> 8-byte creation timestamp.
	bucketGenerationCreated = []byte("cache_generation_created")
)

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a BoltStore instance.
type Option func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *BoltStore) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *BoltStore) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *BoltStore) {
		s.noSync = noSync
	}
}

// New opens (creating if absent) the database at path.
func New(path string, opts ...Option) (*BoltStore, error) {
	s := &BoltStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %w", ErrStorageUnavailable, err)
	}
	s.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketGenerations, bucketGenerationCreated} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating entry codec: %w", err)
	}
	s.codec = codec

	s.logger.Debug("opened store", "path", path, "noSync", s.noSync)
	return s, nil
}

// Close closes the database and releases resources.
func (s *BoltStore) Close() error {
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing store")
	return s.db.Close()
}

// DB returns the underlying bbolt database.
// Used by the native scheduler and push subscriptions to manage their own buckets.
func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

// Open acquires the cache for a generation, creating its bucket if absent.
func (s *BoltStore) Open(_ context.Context, gen offlineshell.Generation) (Cache, error) {
	if _, err := offlineshell.ParseGeneration(string(gen)); err != nil {
		return nil, err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketGenerations)
		if root.Bucket([]byte(gen)) != nil {
			return nil
		}
		if _, err := root.CreateBucket([]byte(gen)); err != nil {
			return fmt.Errorf("creating generation bucket: %w", err)
		}
		return tx.Bucket(bucketGenerationCreated).Put([]byte(gen), encodeTimestamp(s.now()))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return &boltCache{store: s, gen: gen}, nil
}

// PurgeOthers deletes every generation other than current in a single write transaction.
func (s *BoltStore) PurgeOthers(_ context.Context, current offlineshell.Generation) ([]offlineshell.Generation, error) {
	var deleted []offlineshell.Generation

	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketGenerations)
		created := tx.Bucket(bucketGenerationCreated)

		var names [][]byte
		if err := root.ForEachBucket(func(k []byte) error {
			if !bytes.Equal(k, []byte(current)) {
				names = append(names, bytes.Clone(k))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, name := range names {
			if err := root.DeleteBucket(name); err != nil {
				return fmt.Errorf("deleting generation %s: %w", name, err)
			}
			if err := created.Delete(name); err != nil {
				return fmt.Errorf("deleting generation record %s: %w", name, err)
			}
			deleted = append(deleted, offlineshell.Generation(name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("purging generations: %w", err)
	}

	if len(deleted) > 0 {
		s.logger.Info("purged cache generations", "current", current, "deleted", deleted)
	}
	return deleted, nil
}

// Generations lists stored generations sorted by creation time.
func (s *BoltStore) Generations(_ context.Context) ([]GenerationInfo, error) {
	var infos []GenerationInfo

	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketGenerations)
		created := tx.Bucket(bucketGenerationCreated)

		return root.ForEachBucket(func(name []byte) error {
			info := GenerationInfo{
				Generation: offlineshell.Generation(name),
				CreatedAt:  decodeTimestamp(created.Get(name)),
			}
			err := root.Bucket(name).ForEach(func(_, v []byte) error {
				info.Entries++
				info.Bytes += int64(len(v))
				return nil
			})
			infos = append(infos, info)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing generations: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos, nil
}

// boltCache is the Cache for one generation.
type boltCache struct {
	store *BoltStore
	gen   offlineshell.Generation
}

func (c *boltCache) Generation() offlineshell.Generation {
	return c.gen
}

func (c *boltCache) Put(_ context.Context, req *http.Request, resp *http.Response) error {
	key, err := CacheKey(req)
	if err != nil {
		return err
	}

	body, err := duplicateBody(resp)
	if err != nil {
		return err
	}

	entry := &Entry{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   storableHeader(resp.Header),
		Body:     body,
		StoredAt: c.store.now().UTC(),
	}
	data, err := c.store.codec.Encode(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	err = c.store.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketGenerations).Bucket([]byte(c.gen))
		if bucket == nil {
			return ErrGenerationGone
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		if errors.Is(err, ErrGenerationGone) {
			return err
		}
		return fmt.Errorf("putting entry: %w", err)
	}

	c.store.logger.Debug("cached response", "generation", c.gen, "key", key, "size", len(body), "digest", entry.Digest.ShortString())
	return nil
}

func (c *boltCache) Match(_ context.Context, req *http.Request) (*http.Response, error) {
	key, err := CacheKey(req)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = c.store.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketGenerations).Bucket([]byte(c.gen))
		if bucket == nil {
			return ErrNoMatch
		}
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNoMatch
		}
		data = bytes.Clone(val)
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry, err := c.store.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding entry %s: %w", key, err)
	}
	return entry.Response(req), nil
}

// duplicateBody reads resp.Body in full and replaces it with an unread copy.
func duplicateBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		resp.Body = http.NoBody
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if len(body) > MaxBodySize {
		// Hand back the consumed prefix followed by the rest of the stream.
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return nil, ErrBodyTooLarge
	}

	_ = resp.Body.Close()
	resp.Body = nopCloser(body)
	resp.ContentLength = int64(len(body))
	return body, nil
}

// hopHeaders are connection-scoped headers never persisted with an entry.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Set-Cookie",
	"Content-Length",
}

func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return make(http.Header)
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

func nopCloser(b []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(b))
}

var _ Store = (*BoltStore)(nil)
