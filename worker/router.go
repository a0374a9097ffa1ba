package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/wolfeidau/offline-shell/clients"
	"github.com/wolfeidau/offline-shell/notify"
	"github.com/wolfeidau/offline-shell/telemetry"
)

// Notification actions.
const (
	ActionSnooze  = "snooze"
	ActionDismiss = "dismiss"
)

// confirmationTTL is how long the snooze confirmation stays visible.
const confirmationTTL = 5 * time.Second

// Interaction is a user interaction with a delivered notification.
type Interaction struct {
	NotificationID string         `json:"notification_id"`
	Action         string         `json:"action,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// EventID returns the event the notification refers to.
func (in Interaction) EventID() (string, bool) {
	return eventID(in.Data)
}

// URL returns the destination stored with the notification.
func (in Interaction) URL() string {
	u, _ := in.Data["url"].(string)
	return u
}

// Outcome reports what the router did.
type Outcome struct {
	Closed        bool   `json:"closed"`
	Action        string `json:"action"`
	WindowID      string `json:"window_id,omitempty"`
	Navigate      string `json:"navigate,omitempty"`
	SnoozeMinutes int    `json:"snooze_minutes,omitempty"`
	Failed        bool   `json:"failed,omitempty"`
}

// Outcome actions.
const (
	OutcomeNone    = "none"
	OutcomeFocus   = "focus"
	OutcomeOpen    = "open"
	OutcomeSnooze  = "snooze"
	OutcomeDismiss = "dismiss"
)

// Closer closes a visible notification.
type Closer interface {
	Close(ctx context.Context, id string) bool
}

// Windows finds, focuses and opens application windows.
type Windows interface {
	List(ctx context.Context) ([]clients.Window, error)
	Focus(ctx context.Context, id string) error
	Open(ctx context.Context, location string) (bool, error)
}

// Reminders acts on calendar reminders on the app server.
type Reminders interface {
	Snooze(ctx context.Context, eventID string) (int, error)
	Dismiss(ctx context.Context, eventID string) error
}

// Router reacts to notification interactions.
type Router struct {
	closer    Closer
	windows   Windows
	reminders Reminders
	presenter notify.Presenter
	logger    *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger for the router.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates a router. Confirmations are shown through presenter.
func NewRouter(closer Closer, windows Windows, reminders Reminders, presenter notify.Presenter, opts ...RouterOption) *Router {
	r := &Router{
		closer:    closer,
		windows:   windows,
		reminders: reminders,
		presenter: presenter,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Handle closes the originating notification, then performs the follow-up
// for the interaction. Server call failures are logged and reported in the
// outcome, never returned.
func (r *Router) Handle(ctx context.Context, in Interaction) (Outcome, error) {
	out := Outcome{Action: OutcomeNone}
	if in.NotificationID != "" {
		out.Closed = r.closer.Close(ctx, in.NotificationID)
	}

	eventID, hasEvent := in.EventID()

	switch in.Action {
	case ActionSnooze:
		if hasEvent {
			r.snooze(ctx, eventID, &out)
		}
	case ActionDismiss:
		if hasEvent {
			r.dismiss(ctx, eventID, &out)
		}
	default:
		if dest := in.URL(); dest != "" {
			if err := r.navigate(ctx, dest, &out); err != nil {
				telemetry.RecordRouterAction(ctx, "tap", "error")
				return out, err
			}
		}
	}

	telemetry.RecordRouterAction(ctx, actionName(in.Action), outcomeName(out))
	return out, nil
}

func (r *Router) snooze(ctx context.Context, eventID string, out *Outcome) {
	out.Action = OutcomeSnooze
	minutes, err := r.reminders.Snooze(ctx, eventID)
	if err != nil {
		out.Failed = true
		r.logger.Error("failed to snooze reminder", "event_id", eventID, "error", err)
		return
	}
	out.SnoozeMinutes = minutes

	err = r.presenter.Present(ctx, "Snoozed", notify.Options{
		Body:    fmt.Sprintf("Reminding you again in %d minutes", minutes),
		Tag:     "snooze-" + eventID,
		TTL:     confirmationTTL,
		Channel: notify.ChannelReminders,
	})
	if err != nil {
		r.logger.Warn("failed to show snooze confirmation", "event_id", eventID, "error", err)
	}
}

func (r *Router) dismiss(ctx context.Context, eventID string, out *Outcome) {
	out.Action = OutcomeDismiss
	if err := r.reminders.Dismiss(ctx, eventID); err != nil {
		out.Failed = true
		r.logger.Error("failed to dismiss reminder", "event_id", eventID, "error", err)
	}
}

// navigate focuses a window already at dest, otherwise opens one.
func (r *Router) navigate(ctx context.Context, dest string, out *Outcome) error {
	windows, err := r.windows.List(ctx)
	if err != nil {
		return fmt.Errorf("listing windows: %w", err)
	}
	for _, w := range windows {
		if !clients.SameLocation(w.Location, dest) {
			continue
		}
		if err := r.windows.Focus(ctx, w.ID); err != nil {
			return fmt.Errorf("focusing window %s: %w", w.ID, err)
		}
		out.Action = OutcomeFocus
		out.WindowID = w.ID
		return nil
	}

	out.Action = OutcomeOpen
	opened, err := r.windows.Open(ctx, dest)
	if err != nil {
		return fmt.Errorf("opening window: %w", err)
	}
	if !opened {
		out.Navigate = dest
	}
	return nil
}

func actionName(action string) string {
	switch action {
	case ActionSnooze, ActionDismiss:
		return action
	default:
		return "tap"
	}
}

func outcomeName(out Outcome) string {
	if out.Failed {
		return "error"
	}
	return out.Action
}

// eventID normalises the event_id carried in notification data.
func eventID(data map[string]any) (string, bool) {
	switch v := data["event_id"].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}
