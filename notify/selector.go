package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wolfeidau/offline-shell/telemetry"
)

// Detector probes for the embedded native bridge.
type Detector interface {
	NativeAvailable(ctx context.Context) bool
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context) bool

// NativeAvailable implements Detector.
func (f DetectorFunc) NativeAvailable(ctx context.Context) bool {
	return f(ctx)
}

// ChannelGate decides whether a channel may fire at all.
type ChannelGate interface {
	Allowed(ctx context.Context, channel string) bool
}

// Selector is the single entry point for notification operations. The
// backend is chosen on every call; backend errors never reach callers and
// are reported as false plus a log line.
type Selector struct {
	detector Detector
	native   Backend
	web      Backend
	gate     ChannelGate
	logger   *slog.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithLogger sets the logger for the selector.
func WithLogger(logger *slog.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = logger
	}
}

// WithChannelGate sets the gate consulted before schedule and show.
func WithChannelGate(gate ChannelGate) SelectorOption {
	return func(s *Selector) {
		s.gate = gate
	}
}

// NewSelector creates a selector choosing native when detector reports the
// bridge, web otherwise.
func NewSelector(detector Detector, native, web Backend, opts ...SelectorOption) *Selector {
	s := &Selector{
		detector: detector,
		native:   native,
		web:      web,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "notify")
	return s
}

func (s *Selector) backend(ctx context.Context) Backend {
	if s.native != nil && s.detector != nil && s.detector.NativeAvailable(ctx) {
		return s.native
	}
	return s.web
}

// Active returns the name of the backend the next call would use.
func (s *Selector) Active(ctx context.Context) string {
	return s.backend(ctx).Name()
}

// Capabilities returns the capabilities of the active backend.
func (s *Selector) Capabilities(ctx context.Context) Capabilities {
	return s.backend(ctx).Capabilities()
}

// Initialize requests delivery permission from the active backend.
func (s *Selector) Initialize(ctx context.Context) bool {
	b := s.backend(ctx)
	ok, err := b.RequestPermission(ctx)
	return s.result(ctx, b, "initialize", ok, err)
}

// HasPermission reports whether the active backend may deliver. It has no side effects.
func (s *Selector) HasPermission(ctx context.Context) bool {
	b := s.backend(ctx)
	ok, err := b.HasPermission(ctx)
	if err != nil {
		s.logger.Warn("permission check failed", "backend", b.Name(), "error", err)
		return false
	}
	return ok
}

// Schedule hands the request to the active backend.
func (s *Selector) Schedule(ctx context.Context, req Request) bool {
	b := s.backend(ctx)
	if !s.allowed(ctx, req.ChannelOrDefault()) {
		telemetry.RecordNotificationOp(ctx, b.Name(), "schedule", false)
		return false
	}
	ok, err := b.Schedule(ctx, req)
	if err == nil && !ok {
		s.logger.Info("schedule not accepted", "backend", b.Name(), "id", req.ID, "scheduled_at", req.ScheduledAt)
	}
	return s.result(ctx, b, "schedule", ok, err)
}

// Show presents a notification as soon as the active backend allows.
func (s *Selector) Show(ctx context.Context, title string, opts Options) bool {
	b := s.backend(ctx)
	if !s.allowed(ctx, opts.ChannelOrDefault()) {
		telemetry.RecordNotificationOp(ctx, b.Name(), "show", false)
		return false
	}
	err := b.Show(ctx, title, opts)
	return s.result(ctx, b, "show", err == nil, err)
}

// Cancel cancels one scheduled notification.
func (s *Selector) Cancel(ctx context.Context, id int) bool {
	b := s.backend(ctx)
	ok, err := b.Cancel(ctx, id)
	return s.result(ctx, b, "cancel", ok, err)
}

// CancelAll cancels every scheduled notification.
func (s *Selector) CancelAll(ctx context.Context) bool {
	b := s.backend(ctx)
	ok, err := b.CancelAll(ctx)
	return s.result(ctx, b, "cancel_all", ok, err)
}

func (s *Selector) allowed(ctx context.Context, channel string) bool {
	if s.gate == nil || s.gate.Allowed(ctx, channel) {
		return true
	}
	s.logger.Info("channel disabled by preferences", "channel", channel)
	return false
}

// result converts a backend outcome into the boolean reported to callers.
func (s *Selector) result(ctx context.Context, b Backend, op string, ok bool, err error) bool {
	if err != nil {
		ok = false
		switch {
		case errors.Is(err, ErrPermissionDenied):
			s.logger.Info("notification permission denied", "backend", b.Name(), "op", op)
		default:
			s.logger.Error("notification backend failed", "backend", b.Name(), "op", op, "error", err)
		}
	}
	telemetry.RecordNotificationOp(ctx, b.Name(), op, ok)
	return ok
}
