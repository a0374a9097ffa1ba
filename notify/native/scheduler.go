package native

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/offline-shell/notify"
	"github.com/wolfeidau/offline-shell/telemetry"
	"go.etcd.io/bbolt"
)

// bucketPending maps an 8-byte notification ID plus channel to its
// JSON-encoded Pending record.
var bucketPending = []byte("native_pending")

// DefaultCheckInterval is how often the scheduler looks for due notifications.
const DefaultCheckInterval = time.Second

// Scheduler is a durable local Platform. Pending notifications are persisted
// in bbolt so they survive restarts, and a background loop fires due entries
// through a Presenter.
type Scheduler struct {
	db        *bbolt.DB
	presenter notify.Presenter
	logger    *slog.Logger
	now       func() time.Time
	interval  time.Duration

	permMu     sync.RWMutex
	permission Permission
	channels   map[string]notify.Channel

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger for the scheduler.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSchedulerNow sets the time function for testing.
func WithSchedulerNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithCheckInterval sets how often due notifications are fired.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPermission sets the initial permission state. Prompt becomes granted
// on the first request.
func WithPermission(p Permission) SchedulerOption {
	return func(s *Scheduler) {
		s.permission = p
	}
}

// NewScheduler creates a scheduler persisting into db.
func NewScheduler(db *bbolt.DB, presenter notify.Presenter, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{
		db:         db,
		presenter:  presenter,
		logger:     slog.Default(),
		now:        time.Now,
		interval:   DefaultCheckInterval,
		permission: PermissionPrompt,
		channels:   make(map[string]notify.Channel),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "native-scheduler")

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating pending bucket: %w", err)
	}
	return s, nil
}

// Available implements Platform.
func (s *Scheduler) Available(context.Context) bool { return true }

// RequestPermission implements Platform.
func (s *Scheduler) RequestPermission(context.Context) (Permission, error) {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	if s.permission == PermissionPrompt {
		s.permission = PermissionGranted
	}
	return s.permission, nil
}

// CheckPermission implements Platform.
func (s *Scheduler) CheckPermission(context.Context) (Permission, error) {
	s.permMu.RLock()
	defer s.permMu.RUnlock()
	return s.permission, nil
}

// CreateChannel implements Platform.
func (s *Scheduler) CreateChannel(_ context.Context, ch notify.Channel) error {
	if ch.ID == "" {
		return errors.New("channel id is required")
	}
	s.permMu.Lock()
	defer s.permMu.Unlock()
	s.channels[ch.ID] = ch
	return nil
}

// Channels returns the created channels sorted by ID.
func (s *Scheduler) Channels() []notify.Channel {
	s.permMu.RLock()
	defer s.permMu.RUnlock()
	out := make([]notify.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Schedule persists pending notifications, replacing any with the same ID in
// the same channel.
func (s *Scheduler) Schedule(ctx context.Context, pending []Pending) error {
	perm, _ := s.CheckPermission(ctx)
	if perm != PermissionGranted {
		return notify.ErrPermissionDenied
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPending)
		for _, p := range pending {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encoding pending %d: %w", p.ID, err)
			}
			if err := b.Put(pendingKey(p.ID, p.Options.ChannelOrDefault()), data); err != nil {
				return fmt.Errorf("storing pending %d: %w", p.ID, err)
			}
		}
		return nil
	})
}

// Cancel implements Platform. An ID is cancelled in every channel. Unknown
// IDs are ignored.
func (s *Scheduler) Cancel(_ context.Context, ids []int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPending)
		for _, id := range ids {
			prefix := idPrefix(id)
			var keys [][]byte
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("deleting pending %d: %w", id, err)
				}
			}
		}
		return nil
	})
}

// Pending implements Platform, ordered by delivery time.
func (s *Scheduler) Pending(context.Context) ([]Pending, error) {
	var out []Pending
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			var p Pending
			if err := json.Unmarshal(v, &p); err != nil {
				s.logger.Warn("skipping undecodable pending notification", "key", k, "error", err)
				return nil
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// Start begins firing due notifications in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Entries that came due while the process was down fire immediately.
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce fires every due notification and returns how many were presented.
// Entries are removed before presentation so each fires at most once.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := s.now()

	due, err := s.claimDue(start)
	if err != nil {
		s.logger.Error("failed to claim due notifications", "error", err)
		return 0
	}

	fired := 0
	for _, p := range due {
		if err := s.presenter.Present(ctx, p.Title, p.Options); err != nil {
			s.logger.Error("failed to present notification", "id", p.ID, "error", err)
			continue
		}
		fired++
	}

	if len(due) > 0 {
		s.logger.Debug("fired due notifications", "due", len(due), "fired", fired)
	}
	telemetry.RecordSchedulerCycle(ctx, fired, s.now().Sub(start))
	return fired
}

func (s *Scheduler) claimDue(now time.Time) ([]Pending, error) {
	var due []Pending
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPending)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var p Pending
			if err := json.Unmarshal(v, &p); err != nil {
				// Drop undecodable entries.
				keys = append(keys, append([]byte(nil), k...))
				return nil
			}
			if !p.At.After(now) {
				due = append(due, p)
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool { return due[i].At.Before(due[j].At) })
	return due, nil
}

// pendingKey is the big-endian ID followed by the channel, so one ID can be
// pending in several channels.
func pendingKey(id int, channel string) []byte {
	return append(idPrefix(id), channel...)
}

func idPrefix(id int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id)) //nolint:gosec // negative IDs map to distinct keys
	return buf
}
