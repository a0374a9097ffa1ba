// Package web implements the notification backend for plain browser pages.
// Delivery is best-effort: scheduled notifications live in in-process timers
// and presentation needs either the background worker or an open page.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/offline-shell/notify"
)

// Name is the backend name reported to callers and metrics.
const Name = "web"

// ErrNoForeground is returned when presentation needs an open page and none is connected.
var ErrNoForeground = errors.New("web: no open page")

// MessageNotify is the worker message type that presents a notification.
const MessageNotify = "notify"

// Message is posted into the worker context.
type Message struct {
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
}

// Payload carries a notification to present.
type Payload struct {
	Title   string         `json:"title"`
	Options notify.Options `json:"options"`
}

// WorkerContext is the persistent background context.
type WorkerContext interface {
	Active() bool
	Post(ctx context.Context, msg Message) error
}

// Foreground presents notifications through open pages.
type Foreground interface {
	notify.Presenter
	Connected() int
}

// State is the browser notification permission.
type State string

const (
	StateGranted State = "granted"
	StateDenied  State = "denied"
	StateDefault State = "default"
)

// ParseState validates a permission state reported by a page.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateGranted, StateDenied, StateDefault:
		return st, nil
	default:
		return "", fmt.Errorf("invalid permission state %q", s)
	}
}

// PermissionSource reports the browser permission.
type PermissionSource interface {
	Permission(ctx context.Context) State
}

// PermissionState holds the last permission reported by a page.
type PermissionState struct {
	v atomic.Value
}

// Set records the reported permission.
func (p *PermissionState) Set(s State) {
	p.v.Store(s)
}

// Permission implements PermissionSource. It is StateDefault until a page reports.
func (p *PermissionState) Permission(context.Context) State {
	if s, ok := p.v.Load().(State); ok {
		return s
	}
	return StateDefault
}

// Adapter implements notify.Backend for browser pages.
type Adapter struct {
	worker     WorkerContext
	foreground Foreground
	permission PermissionSource
	logger     *slog.Logger
	now        func() time.Time
	afterFunc  func(d time.Duration, f func())
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

// WithAfterFunc replaces the timer factory used by Schedule.
func WithAfterFunc(fn func(d time.Duration, f func())) Option {
	return func(a *Adapter) {
		a.afterFunc = fn
	}
}

// WithWorker registers the background worker context.
func WithWorker(w WorkerContext) Option {
	return func(a *Adapter) {
		a.worker = w
	}
}

// NewAdapter creates a web backend presenting through foreground pages when
// no worker context is active.
func NewAdapter(foreground Foreground, permission PermissionSource, opts ...Option) *Adapter {
	a := &Adapter{
		foreground: foreground,
		permission: permission,
		logger:     slog.Default(),
		now:        time.Now,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("backend", Name)
	return a
}

// Name implements notify.Backend.
func (a *Adapter) Name() string { return Name }

// Capabilities implements notify.Backend.
func (a *Adapter) Capabilities() notify.Capabilities {
	return notify.Capabilities{ForegroundOnly: true}
}

// RequestPermission reports the permission the page obtained from the user.
func (a *Adapter) RequestPermission(ctx context.Context) (bool, error) {
	switch a.permission.Permission(ctx) {
	case StateGranted:
		return true, nil
	case StateDenied:
		return false, notify.ErrPermissionDenied
	default:
		return false, nil
	}
}

// HasPermission implements notify.Backend.
func (a *Adapter) HasPermission(ctx context.Context) (bool, error) {
	return a.permission.Permission(ctx) == StateGranted, nil
}

// Schedule arms an in-process timer that shows the notification when
// ScheduledAt arrives. A request already due is reported as missed and never
// fires. The timer does not survive a restart.
func (a *Adapter) Schedule(_ context.Context, req notify.Request) (bool, error) {
	delay := req.ScheduledAt.Sub(a.now())
	if delay <= 0 {
		return false, nil
	}

	title, opts := req.Title, req.Options()
	a.afterFunc(delay, func() {
		if err := a.Show(context.Background(), title, opts); err != nil {
			a.logger.Warn("scheduled notification not shown", "id", req.ID, "error", err)
		}
	})
	return true, nil
}

// Show delegates to the worker context when it is active, otherwise
// presents through an open page.
func (a *Adapter) Show(ctx context.Context, title string, opts notify.Options) error {
	if a.permission.Permission(ctx) != StateGranted {
		return notify.ErrPermissionDenied
	}

	if a.worker != nil && a.worker.Active() {
		msg := Message{Type: MessageNotify, Payload: Payload{Title: title, Options: opts}}
		if err := a.worker.Post(ctx, msg); err != nil {
			return fmt.Errorf("posting to worker: %w", err)
		}
		return nil
	}

	if a.foreground == nil || a.foreground.Connected() == 0 {
		return ErrNoForeground
	}
	if err := a.foreground.Present(ctx, title, opts); err != nil {
		return fmt.Errorf("presenting in page: %w", err)
	}
	return nil
}

// Cancel always reports false: armed timers are not retained.
func (a *Adapter) Cancel(context.Context, int) (bool, error) {
	return false, nil
}

// CancelAll always reports false: armed timers are not retained.
func (a *Adapter) CancelAll(context.Context) (bool, error) {
	return false, nil
}
