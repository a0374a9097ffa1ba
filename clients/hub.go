// Package clients tracks the application pages connected over server-sent
// events. It lets the background router focus or open windows and lets the
// web backend present notifications in an open page.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/offline-shell/notify"
	"github.com/wolfeidau/offline-shell/notify/center"
)

// Event types sent to pages.
const (
	EventReady        = "ready"
	EventNotification = "notification"
	EventFocus        = "focus"
	EventOpen         = "open"
	EventCenterShown  = "center.shown"
	EventCenterClosed = "center.closed"
)

const (
	defaultBuffer    = 16
	defaultHeartbeat = 25 * time.Second
)

var (
	// ErrNoPages is returned when an event needs a connected page and none is.
	ErrNoPages = errors.New("clients: no connected page")

	// ErrUnknownWindow is returned when focusing a window that has disconnected.
	ErrUnknownWindow = errors.New("clients: unknown window")
)

// Window is a connected application page.
type Window struct {
	ID          string    `json:"id"`
	Location    string    `json:"location"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Event is one server-sent event.
type Event struct {
	Type string
	Data any
}

type page struct {
	window Window
	seq    uint64
	events chan Event
}

// Hub holds connected pages.
type Hub struct {
	logger    *slog.Logger
	now       func() time.Time
	buffer    int
	heartbeat time.Duration

	mu    sync.RWMutex
	seq   uint64
	pages map[string]*page
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger for the hub.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithHeartbeat sets the interval of keep-alive comments on idle streams.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:    slog.Default(),
		now:       time.Now,
		buffer:    defaultBuffer,
		heartbeat: defaultHeartbeat,
		pages:     make(map[string]*page),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "clients")
	return h
}

// Connect registers a page at location. The returned channel receives its
// events until release is called.
func (h *Hub) Connect(location string) (w Window, events <-chan Event, release func()) {
	p := &page{
		window: Window{
			ID:          uuid.NewString(),
			Location:    location,
			ConnectedAt: h.now().UTC(),
		},
		events: make(chan Event, h.buffer),
	}

	h.mu.Lock()
	h.seq++
	p.seq = h.seq
	h.pages[p.window.ID] = p
	h.mu.Unlock()

	h.logger.Debug("page connected", "window", p.window.ID, "location", location)

	return p.window, p.events, func() {
		h.mu.Lock()
		delete(h.pages, p.window.ID)
		h.mu.Unlock()
		h.logger.Debug("page disconnected", "window", p.window.ID)
	}
}

// Connected returns the number of connected pages.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pages)
}

// List returns the connected windows, most recently connected first.
func (h *Hub) List(context.Context) ([]Window, error) {
	pages := h.snapshot()
	windows := make([]Window, len(pages))
	for i, p := range pages {
		windows[i] = p.window
	}
	return windows, nil
}

// snapshot returns the connected pages, most recently connected first.
func (h *Hub) snapshot() []*page {
	h.mu.RLock()
	pages := make([]*page, 0, len(h.pages))
	for _, p := range h.pages {
		pages = append(pages, p)
	}
	h.mu.RUnlock()

	sort.Slice(pages, func(i, j int) bool { return pages[i].seq > pages[j].seq })
	return pages
}

// Focus asks the window with id to take focus.
func (h *Hub) Focus(_ context.Context, id string) error {
	h.mu.RLock()
	p, ok := h.pages[id]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownWindow
	}
	if !h.send(p, Event{Type: EventFocus, Data: map[string]string{"id": id}}) {
		return fmt.Errorf("window %s is not reading events", id)
	}
	return nil
}

// Open asks the most recently connected page to open a new window at
// location. It reports false when no page is connected.
func (h *Hub) Open(_ context.Context, location string) (bool, error) {
	for _, p := range h.snapshot() {
		if h.send(p, Event{Type: EventOpen, Data: map[string]string{"url": location}}) {
			return true, nil
		}
	}
	return false, nil
}

// Present shows a notification in every connected page.
func (h *Hub) Present(_ context.Context, title string, opts notify.Options) error {
	if h.broadcast(Event{Type: EventNotification, Data: map[string]any{"title": title, "options": opts}}) == 0 {
		return ErrNoPages
	}
	return nil
}

// Deliver implements center.Sink by mirroring the center into open pages.
func (h *Hub) Deliver(_ context.Context, n center.Notification) error {
	h.broadcast(Event{Type: EventCenterShown, Data: n})
	return nil
}

// Dismiss implements center.DismissSink.
func (h *Hub) Dismiss(_ context.Context, n center.Notification) {
	h.broadcast(Event{Type: EventCenterClosed, Data: map[string]string{"id": n.ID}})
}

func (h *Hub) broadcast(ev Event) int {
	delivered := 0
	for _, p := range h.snapshot() {
		if h.send(p, ev) {
			delivered++
		}
	}
	return delivered
}

// send never blocks; a page that stopped reading loses the event.
func (h *Hub) send(p *page, ev Event) bool {
	select {
	case p.events <- ev:
		return true
	default:
		h.logger.Warn("dropping event for slow page", "window", p.window.ID, "type", ev.Type)
		return false
	}
}

// ServeHTTP streams events to a page. The page reports its location in the
// location query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	location := r.URL.Query().Get("location")
	if location == "" {
		location = r.Referer()
	}

	win, events, release := h.Connect(location)
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeEvent(w, Event{Type: EventReady, Data: win}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("failed to write event", "window", win.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// SameLocation reports whether two page locations address the same
// resource, ignoring scheme, host and fragment.
func SameLocation(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	pa, pb := ua.EscapedPath(), ub.EscapedPath()
	if pa == "" {
		pa = "/"
	}
	if pb == "" {
		pb = "/"
	}
	return pa == pb && ua.RawQuery == ub.RawQuery
}
