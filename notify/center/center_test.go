package center

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-shell/notify"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered []Notification
	dismissed []string
	err       error
}

func (s *recordingSink) Deliver(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, n)
	return s.err
}

func (s *recordingSink) Dismiss(_ context.Context, n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dismissed = append(s.dismissed, n.ID)
}

type fakeTimers struct {
	delays []time.Duration
	fires  []func()
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) {
	f.delays = append(f.delays, d)
	f.fires = append(f.fires, fn)
}

func newTestCenter(opts ...Option) *Center {
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return New(opts...)
}

func TestShow_RecordsAndForwards(t *testing.T) {
	sink := &recordingSink{}
	c := newTestCenter(WithSink(sink))

	n := c.Show(context.Background(), "Hello", notify.Options{Body: "world"})
	require.NotEmpty(t, n.ID)
	assert.True(t, n.Alert)

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Hello", list[0].Title)
	assert.Equal(t, "world", list[0].Options.Body)

	require.Len(t, sink.delivered, 1)
	assert.Equal(t, n.ID, sink.delivered[0].ID)
}

func TestShow_ReplacesByTag(t *testing.T) {
	sink := &recordingSink{}
	c := newTestCenter(WithSink(sink))
	ctx := context.Background()

	first := c.Show(ctx, "Reminder", notify.Options{Tag: "reminder-42", Renotify: true})
	second := c.Show(ctx, "Reminder", notify.Options{Tag: "reminder-42", Renotify: true})
	c.Show(ctx, "Other", notify.Options{Tag: "reminder-7"})

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.Alert)

	_, ok := c.Get(first.ID)
	assert.False(t, ok)
	assert.Len(t, sink.delivered, 3)
	assert.Equal(t, []string{first.ID}, sink.dismissed)
}

func TestShow_ReplacementRetractsMirroredEntry(t *testing.T) {
	sink := &recordingSink{}
	c := newTestCenter(WithSink(sink))
	ctx := context.Background()

	c.Show(ctx, "Standup", notify.Options{Tag: "reminder-42", Renotify: true})
	c.Show(ctx, "Standup", notify.Options{Tag: "reminder-42", Renotify: true})
	c.Show(ctx, "Standup", notify.Options{Tag: "reminder-42", Renotify: true})

	// A mirror applying delivered then dismissed events holds what the center holds.
	visible := map[string]bool{}
	for _, n := range sink.delivered {
		visible[n.ID] = true
	}
	for _, id := range sink.dismissed {
		delete(visible, id)
	}
	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, map[string]bool{list[0].ID: true}, visible)
	assert.Len(t, sink.dismissed, 2)
}

func TestShow_ReplacementWithoutRenotifyIsSilent(t *testing.T) {
	c := newTestCenter()
	ctx := context.Background()

	c.Show(ctx, "a", notify.Options{Tag: "t"})
	n := c.Show(ctx, "b", notify.Options{Tag: "t"})
	assert.False(t, n.Alert)
	assert.Len(t, c.List(), 1)
}

func TestShow_UntaggedStack(t *testing.T) {
	c := newTestCenter()
	c.Show(context.Background(), "a", notify.Options{})
	c.Show(context.Background(), "a", notify.Options{})
	assert.Len(t, c.List(), 2)
}

func TestShow_TTLClosesAutomatically(t *testing.T) {
	timers := &fakeTimers{}
	sink := &recordingSink{}
	c := newTestCenter(WithAfterFunc(timers.AfterFunc), WithSink(sink))

	n := c.Show(context.Background(), "Snoozed", notify.Options{TTL: 5 * time.Second})
	require.Len(t, timers.fires, 1)
	assert.Equal(t, 5*time.Second, timers.delays[0])
	assert.Len(t, c.List(), 1)

	timers.fires[0]()
	assert.Empty(t, c.List())
	assert.Equal(t, []string{n.ID}, sink.dismissed)
}

func TestShow_TTLAfterReplaceKeepsReplacement(t *testing.T) {
	timers := &fakeTimers{}
	c := newTestCenter(WithAfterFunc(timers.AfterFunc))
	ctx := context.Background()

	c.Show(ctx, "old", notify.Options{Tag: "snooze-1", TTL: time.Second})
	replacement := c.Show(ctx, "new", notify.Options{Tag: "snooze-1"})

	timers.fires[0]()
	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, replacement.ID, list[0].ID)
}

func TestClose(t *testing.T) {
	sink := &recordingSink{}
	c := newTestCenter(WithSink(sink))
	ctx := context.Background()

	n := c.Show(ctx, "x", notify.Options{Tag: "t"})
	assert.True(t, c.Close(ctx, n.ID))
	assert.False(t, c.Close(ctx, n.ID))
	assert.Empty(t, c.List())
	assert.Equal(t, []string{n.ID}, sink.dismissed)

	c.Show(ctx, "y", notify.Options{Tag: "t2"})
	assert.True(t, c.CloseTag(ctx, "t2"))
	assert.False(t, c.CloseTag(ctx, "t2"))
	assert.False(t, c.CloseTag(ctx, ""))
}

func TestPresent_SinkFailureDoesNotFail(t *testing.T) {
	sink := &recordingSink{err: errors.New("push service down")}
	c := newTestCenter()
	c.AddSink(sink)

	require.NoError(t, c.Present(context.Background(), "x", notify.Options{}))
	assert.Len(t, c.List(), 1)
	assert.Len(t, sink.delivered, 1)
}
