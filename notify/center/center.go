// Package center keeps the set of visible notifications. It is the
// presentation surface for the worker and the native scheduler, and
// forwards every shown notification to the configured delivery sinks.
package center

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/offline-shell/notify"
)

// Notification is one visible entry.
type Notification struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Options notify.Options `json:"options"`
	ShownAt time.Time      `json:"shown_at"`

	// Alert is false when a same-tag replacement should update silently.
	Alert bool `json:"alert"`
}

// Sink receives every shown notification.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// DismissSink is implemented by sinks that can retract a closed notification.
type DismissSink interface {
	Dismiss(ctx context.Context, n Notification)
}

// Center implements notify.Presenter.
type Center struct {
	logger    *slog.Logger
	now       func() time.Time
	afterFunc func(d time.Duration, f func())

	mu      sync.Mutex
	entries []Notification
	sinks   []Sink
}

// Option configures a Center.
type Option func(*Center)

// WithLogger sets the logger for the center.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Center) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Center) {
		c.now = now
	}
}

// WithAfterFunc replaces the timer factory used for TTL expiry.
func WithAfterFunc(fn func(d time.Duration, f func())) Option {
	return func(c *Center) {
		c.afterFunc = fn
	}
}

// WithSink adds a delivery sink.
func WithSink(s Sink) Option {
	return func(c *Center) {
		c.sinks = append(c.sinks, s)
	}
}

// New creates an empty notification center.
func New(opts ...Option) *Center {
	c := &Center{
		logger: slog.Default(),
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "center")
	return c
}

// AddSink registers a sink after construction.
func (c *Center) AddSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Present implements notify.Presenter.
func (c *Center) Present(ctx context.Context, title string, opts notify.Options) error {
	c.Show(ctx, title, opts)
	return nil
}

// Show records a notification. An entry with the same tag is replaced so
// the center never holds two; sinks see the replaced entry dismissed before
// the replacement is delivered. The replacement re-alerts only when Renotify
// is set.
func (c *Center) Show(ctx context.Context, title string, opts notify.Options) Notification {
	n := Notification{
		ID:      uuid.NewString(),
		Title:   title,
		Options: opts,
		ShownAt: c.now(),
		Alert:   true,
	}

	var (
		replaced    Notification
		hasReplaced bool
	)
	c.mu.Lock()
	if idx := c.indexByTag(opts.Tag); idx >= 0 {
		replaced, hasReplaced = c.entries[idx], true
		n.Alert = opts.Renotify
		c.entries = slices.Delete(c.entries, idx, idx+1)
	}
	c.entries = append(c.entries, n)
	sinks := slices.Clone(c.sinks)
	c.mu.Unlock()

	if hasReplaced {
		dismiss(ctx, sinks, replaced)
	}

	if opts.TTL > 0 {
		id := n.ID
		c.afterFunc(opts.TTL, func() {
			c.Close(context.Background(), id)
		})
	}

	for _, s := range sinks {
		if err := s.Deliver(ctx, n); err != nil {
			c.logger.Warn("sink delivery failed", "id", n.ID, "error", err)
		}
	}

	c.logger.Debug("notification shown", "id", n.ID, "tag", opts.Tag, "alert", n.Alert)
	return n
}

// Close removes a notification. It reports whether it was present.
func (c *Center) Close(ctx context.Context, id string) bool {
	c.mu.Lock()
	idx := slices.IndexFunc(c.entries, func(n Notification) bool { return n.ID == id })
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	n := c.entries[idx]
	c.entries = slices.Delete(c.entries, idx, idx+1)
	sinks := slices.Clone(c.sinks)
	c.mu.Unlock()

	dismiss(ctx, sinks, n)
	return true
}

func dismiss(ctx context.Context, sinks []Sink, n Notification) {
	for _, s := range sinks {
		if d, ok := s.(DismissSink); ok {
			d.Dismiss(ctx, n)
		}
	}
}

// CloseTag removes the notification carrying tag, if any.
func (c *Center) CloseTag(ctx context.Context, tag string) bool {
	c.mu.Lock()
	idx := c.indexByTag(tag)
	var id string
	if idx >= 0 {
		id = c.entries[idx].ID
	}
	c.mu.Unlock()

	if idx < 0 {
		return false
	}
	return c.Close(ctx, id)
}

// Get returns the notification with id.
func (c *Center) Get(id string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := slices.IndexFunc(c.entries, func(n Notification) bool { return n.ID == id })
	if idx < 0 {
		return Notification{}, false
	}
	return c.entries[idx], true
}

// List returns the visible notifications, oldest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.entries)
}

// indexByTag must be called with c.mu held.
func (c *Center) indexByTag(tag string) int {
	if tag == "" {
		return -1
	}
	return slices.IndexFunc(c.entries, func(n Notification) bool { return n.Options.Tag == tag })
}
