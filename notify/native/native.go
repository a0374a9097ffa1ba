// Package native implements the notification backend for pages running
// inside the embedded native shell. Delivery goes through a Platform whose
// scheduling survives process termination.
package native

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/offline-shell/notify"
)

// Name is the backend name reported to callers and metrics.
const Name = "native"

// showDelay is the shortest lead time the platform scheduling primitive accepts.
const showDelay = time.Second

// Permission is the platform's notification permission state.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionPrompt  Permission = "prompt"
)

// ParsePermission validates a permission name.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(s); p {
	case PermissionGranted, PermissionDenied, PermissionPrompt:
		return p, nil
	default:
		return "", fmt.Errorf("invalid permission %q: must be granted, denied or prompt", s)
	}
}

// Pending is a notification handed to the platform for delivery at At.
type Pending struct {
	ID      int            `json:"id"`
	Title   string         `json:"title"`
	At      time.Time      `json:"at"`
	Options notify.Options `json:"options"`
}

// Platform is the native scheduling bridge.
type Platform interface {
	Available(ctx context.Context) bool
	RequestPermission(ctx context.Context) (Permission, error)
	CheckPermission(ctx context.Context) (Permission, error)
	CreateChannel(ctx context.Context, ch notify.Channel) error
	Schedule(ctx context.Context, pending []Pending) error
	Cancel(ctx context.Context, ids []int) error
	Pending(ctx context.Context) ([]Pending, error)
}

// Adapter implements notify.Backend over a Platform.
type Adapter struct {
	platform Platform
	logger   *slog.Logger
	now      func() time.Time
	nextID   atomic.Int64

	channelsMu      sync.Mutex
	channelsCreated bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger for the adapter.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// NewAdapter creates a native backend over platform.
func NewAdapter(platform Platform, opts ...Option) *Adapter {
	a := &Adapter{
		platform: platform,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("backend", Name)
	a.nextID.Store(a.now().UnixMilli() % (1 << 31))
	return a
}

// Name implements notify.Backend.
func (a *Adapter) Name() string { return Name }

// Capabilities implements notify.Backend.
func (a *Adapter) Capabilities() notify.Capabilities {
	return notify.Capabilities{Durable: true, Cancellable: true}
}

func (a *Adapter) available(ctx context.Context) error {
	if a.platform == nil || !a.platform.Available(ctx) {
		return notify.ErrBackendUnavailable
	}
	return nil
}

// RequestPermission asks the platform for notification rights and creates
// the static channels the first time they are granted.
func (a *Adapter) RequestPermission(ctx context.Context) (bool, error) {
	if err := a.available(ctx); err != nil {
		return false, err
	}

	perm, err := a.platform.RequestPermission(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: requesting permission: %w", notify.ErrBackendUnavailable, err)
	}
	if perm != PermissionGranted {
		return false, notify.ErrPermissionDenied
	}

	if err := a.createChannels(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) createChannels(ctx context.Context) error {
	a.channelsMu.Lock()
	defer a.channelsMu.Unlock()

	if a.channelsCreated {
		return nil
	}
	for _, ch := range notify.DefaultChannels() {
		if err := a.platform.CreateChannel(ctx, ch); err != nil {
			return fmt.Errorf("%w: creating channel %s: %w", notify.ErrBackendUnavailable, ch.ID, err)
		}
	}
	a.channelsCreated = true
	a.logger.Debug("notification channels created")
	return nil
}

// HasPermission reports whether permission is currently granted.
func (a *Adapter) HasPermission(ctx context.Context) (bool, error) {
	if err := a.available(ctx); err != nil {
		return false, err
	}
	perm, err := a.platform.CheckPermission(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: checking permission: %w", notify.ErrBackendUnavailable, err)
	}
	return perm == PermissionGranted, nil
}

// Schedule hands the request to the platform regardless of how far in the
// past ScheduledAt is; the platform fires past-due entries itself.
func (a *Adapter) Schedule(ctx context.Context, req notify.Request) (bool, error) {
	if err := a.available(ctx); err != nil {
		return false, err
	}
	p := Pending{
		ID:      req.ID,
		Title:   req.Title,
		At:      req.ScheduledAt,
		Options: req.Options(),
	}
	if err := a.platform.Schedule(ctx, []Pending{p}); err != nil {
		return false, fmt.Errorf("scheduling notification %d: %w", req.ID, err)
	}
	return true, nil
}

// Show schedules the notification one second from now.
func (a *Adapter) Show(ctx context.Context, title string, opts notify.Options) error {
	if err := a.available(ctx); err != nil {
		return err
	}
	p := Pending{
		ID:      int(a.nextID.Add(1)),
		Title:   title,
		At:      a.now().Add(showDelay),
		Options: opts,
	}
	if err := a.platform.Schedule(ctx, []Pending{p}); err != nil {
		return fmt.Errorf("showing notification: %w", err)
	}
	return nil
}

// Cancel removes one pending notification.
func (a *Adapter) Cancel(ctx context.Context, id int) (bool, error) {
	if err := a.available(ctx); err != nil {
		return false, err
	}
	if err := a.platform.Cancel(ctx, []int{id}); err != nil {
		return false, fmt.Errorf("cancelling notification %d: %w", id, err)
	}
	return true, nil
}

// CancelAll removes every pending notification.
func (a *Adapter) CancelAll(ctx context.Context) (bool, error) {
	if err := a.available(ctx); err != nil {
		return false, err
	}
	pending, err := a.platform.Pending(ctx)
	if err != nil {
		return false, fmt.Errorf("listing pending notifications: %w", err)
	}
	if len(pending) == 0 {
		return true, nil
	}

	ids := make([]int, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	if err := a.platform.Cancel(ctx, ids); err != nil {
		return false, fmt.Errorf("cancelling %d notifications: %w", len(ids), err)
	}
	return true, nil
}
