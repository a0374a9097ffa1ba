// Package notify defines the notification capability shared by every
// delivery backend and the Selector that routes calls to the backend
// matching the current environment.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the user or platform refused notification rights.
	ErrPermissionDenied = errors.New("notify: permission denied")

	// ErrBackendUnavailable is returned when a platform bridge is missing or failed.
	ErrBackendUnavailable = errors.New("notify: backend unavailable")
)

// Channel names created at startup.
const (
	ChannelReminders = "reminders"
	ChannelGeneral   = "general"
)

// Importance is the presentation priority of a channel.
type Importance string

const (
	ImportanceDefault Importance = "default"
	ImportanceHigh    Importance = "high"
)

// Channel is a named delivery bucket with shared presentation attributes.
type Channel struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Importance Importance `json:"importance"`
	Vibration  bool       `json:"vibration"`
	Sound      string     `json:"sound,omitempty"`
}

// DefaultChannels returns the static channels created once at startup.
func DefaultChannels() []Channel {
	return []Channel{
		{ID: ChannelReminders, Name: "Reminders", Importance: ImportanceHigh, Vibration: true, Sound: "default"},
		{ID: ChannelGeneral, Name: "General", Importance: ImportanceDefault},
	}
}

// Request is a notification to deliver at ScheduledAt.
// ID is unique within its channel.
type Request struct {
	ID          int            `json:"id"`
	Channel     string         `json:"channel,omitempty"`
	Title       string         `json:"title"`
	Body        string         `json:"body,omitempty"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Options converts the request into presentation options.
func (r Request) Options() Options {
	return Options{
		Body:    r.Body,
		Data:    r.Extra,
		Channel: r.ChannelOrDefault(),
	}
}

// ChannelOrDefault returns the request channel, defaulting to general.
func (r Request) ChannelOrDefault() string {
	if r.Channel == "" {
		return ChannelGeneral
	}
	return r.Channel
}

// Action is an interactive button offered on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Options controls how a notification is presented.
type Options struct {
	Body               string         `json:"body,omitempty"`
	Tag                string         `json:"tag,omitempty"`
	Renotify           bool           `json:"renotify,omitempty"`
	RequireInteraction bool           `json:"requireInteraction"`
	Actions            []Action       `json:"actions,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
	Channel            string         `json:"channel,omitempty"`
	Icon               string         `json:"icon,omitempty"`
	TTL                time.Duration  `json:"ttl,omitempty"`
}

// ChannelOrDefault returns the options channel, defaulting to general.
func (o Options) ChannelOrDefault() string {
	if o.Channel == "" {
		return ChannelGeneral
	}
	return o.Channel
}

// Capabilities describes what a backend can guarantee so callers can make an
// informed choice.
type Capabilities struct {
	// Durable deliveries survive process termination.
	Durable bool `json:"durable"`

	// ForegroundOnly deliveries need an open page or a live worker context.
	ForegroundOnly bool `json:"foreground_only"`

	// Cancellable backends can cancel scheduled deliveries.
	Cancellable bool `json:"cancellable"`
}

// Backend is one implementation of the notification capability.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	RequestPermission(ctx context.Context) (bool, error)
	HasPermission(ctx context.Context) (bool, error)

	// Schedule reports whether the request was accepted for delivery.
	Schedule(ctx context.Context, req Request) (bool, error)
	Show(ctx context.Context, title string, opts Options) error
	Cancel(ctx context.Context, id int) (bool, error)
	CancelAll(ctx context.Context) (bool, error)
}

// Presenter makes a notification visible.
type Presenter interface {
	Present(ctx context.Context, title string, opts Options) error
}

// PresenterFunc adapts a function to the Presenter interface.
type PresenterFunc func(ctx context.Context, title string, opts Options) error

// Present implements Presenter.
func (f PresenterFunc) Present(ctx context.Context, title string, opts Options) error {
	return f(ctx, title, opts)
}
