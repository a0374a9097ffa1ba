// Package prefs keeps a snapshot of the user's notification preferences and
// uses it to gate notification channels.
package prefs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wolfeidau/offline-shell/api"
	"github.com/wolfeidau/offline-shell/notify"
)

// Remote reads and writes preferences on the app server.
type Remote interface {
	Settings(ctx context.Context) (api.Settings, error)
	UpdateSettings(ctx context.Context, s api.Settings) (api.Settings, error)
	SendTest(ctx context.Context) error
}

// Sync implements notify.ChannelGate from the last loaded preferences.
type Sync struct {
	remote Remote
	logger *slog.Logger

	mu       sync.RWMutex
	settings api.Settings
	loaded   bool
}

var _ notify.ChannelGate = (*Sync)(nil)

// Option configures a Sync.
type Option func(*Sync)

// WithLogger sets the logger for the sync.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sync) {
		s.logger = logger
	}
}

// New creates a preference sync over remote.
func New(remote Remote, opts ...Option) *Sync {
	s := &Sync{
		remote: remote,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "prefs")
	return s
}

// Load fetches the preferences and replaces the snapshot.
func (s *Sync) Load(ctx context.Context) (api.Settings, error) {
	settings, err := s.remote.Settings(ctx)
	if err != nil {
		return api.Settings{}, fmt.Errorf("loading preferences: %w", err)
	}
	s.store(settings)
	return settings, nil
}

// Save validates and stores the preferences, replacing the snapshot with
// what the server saved.
func (s *Sync) Save(ctx context.Context, settings api.Settings) (api.Settings, error) {
	if err := settings.Validate(); err != nil {
		return api.Settings{}, err
	}
	saved, err := s.remote.UpdateSettings(ctx, settings)
	if err != nil {
		return api.Settings{}, fmt.Errorf("saving preferences: %w", err)
	}
	s.store(saved)
	return saved, nil
}

// SendTest asks the server to send a test notification.
func (s *Sync) SendTest(ctx context.Context) error {
	if err := s.remote.SendTest(ctx); err != nil {
		return fmt.Errorf("sending test notification: %w", err)
	}
	return nil
}

// Snapshot returns the last loaded preferences and whether any were loaded.
func (s *Sync) Snapshot() (api.Settings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, s.loaded
}

// Allowed reports whether channel may fire. Every channel is allowed until
// preferences have been loaded once.
func (s *Sync) Allowed(_ context.Context, channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.loaded {
		return true
	}
	if channel == notify.ChannelReminders {
		return s.settings.RemindersEnabled
	}
	return s.settings.InAppEnabled
}

func (s *Sync) store(settings api.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.loaded = true
	s.mu.Unlock()

	s.logger.Debug("preferences updated",
		"in_app", settings.InAppEnabled,
		"reminders", settings.RemindersEnabled,
		"digest_hour", settings.DigestHour,
	)
}
