package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name       string
	permission bool
	err        error
	accept     bool
	shown      []string
	scheduled  []Request
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Capabilities() Capabilities {
	return Capabilities{Durable: f.name == "native", ForegroundOnly: f.name == "web"}
}

func (f *fakeBackend) RequestPermission(context.Context) (bool, error) {
	return f.permission, f.err
}

func (f *fakeBackend) HasPermission(context.Context) (bool, error) {
	return f.permission, f.err
}

func (f *fakeBackend) Schedule(_ context.Context, req Request) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.scheduled = append(f.scheduled, req)
	return f.accept, nil
}

func (f *fakeBackend) Show(_ context.Context, title string, _ Options) error {
	if f.err != nil {
		return f.err
	}
	f.shown = append(f.shown, title)
	return nil
}

func (f *fakeBackend) Cancel(context.Context, int) (bool, error) {
	return f.accept, f.err
}

func (f *fakeBackend) CancelAll(context.Context) (bool, error) {
	return f.accept, f.err
}

type gateFunc func(channel string) bool

func (g gateFunc) Allowed(_ context.Context, channel string) bool { return g(channel) }

func newTestSelector(native bool, opts ...SelectorOption) (*Selector, *fakeBackend, *fakeBackend) {
	nb := &fakeBackend{name: "native", permission: true, accept: true}
	wb := &fakeBackend{name: "web", permission: true, accept: true}
	detector := DetectorFunc(func(context.Context) bool { return native })
	opts = append([]SelectorOption{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return NewSelector(detector, nb, wb, opts...), nb, wb
}

func TestSelector_ChoosesBackendPerCall(t *testing.T) {
	var native atomic.Bool
	nb := &fakeBackend{name: "native", accept: true}
	wb := &fakeBackend{name: "web", accept: true}
	s := NewSelector(DetectorFunc(func(context.Context) bool { return native.Load() }), nb, wb,
		WithLogger(slog.New(slog.DiscardHandler)))

	ctx := context.Background()
	assert.Equal(t, "web", s.Active(ctx))
	assert.True(t, s.Show(ctx, "first", Options{}))

	native.Store(true)
	assert.Equal(t, "native", s.Active(ctx))
	assert.True(t, s.Show(ctx, "second", Options{}))

	assert.Equal(t, []string{"first"}, wb.shown)
	assert.Equal(t, []string{"second"}, nb.shown)
	assert.True(t, s.Capabilities(ctx).Durable)
}

func TestSelector_NilDetectorUsesWeb(t *testing.T) {
	wb := &fakeBackend{name: "web"}
	s := NewSelector(nil, &fakeBackend{name: "native"}, wb, WithLogger(slog.New(slog.DiscardHandler)))
	assert.Equal(t, "web", s.Active(context.Background()))
}

func TestSelector_ErrorsBecomeFalse(t *testing.T) {
	s, nb, _ := newTestSelector(true)
	ctx := context.Background()

	for _, err := range []error{ErrPermissionDenied, ErrBackendUnavailable, errors.New("bridge threw")} {
		nb.err = err
		assert.False(t, s.Initialize(ctx))
		assert.False(t, s.HasPermission(ctx))
		assert.False(t, s.Schedule(ctx, Request{ID: 1, ScheduledAt: time.Now()}))
		assert.False(t, s.Show(ctx, "x", Options{}))
		assert.False(t, s.Cancel(ctx, 1))
		assert.False(t, s.CancelAll(ctx))
	}
}

func TestSelector_ReportsBackendOutcome(t *testing.T) {
	s, _, wb := newTestSelector(false)
	ctx := context.Background()

	assert.True(t, s.Initialize(ctx))
	assert.True(t, s.HasPermission(ctx))

	wb.accept = false
	assert.False(t, s.Schedule(ctx, Request{ID: 7, Title: "late", ScheduledAt: time.Now().Add(-time.Minute)}))
	assert.False(t, s.Cancel(ctx, 7))
	assert.False(t, s.CancelAll(ctx))
	require.Len(t, wb.scheduled, 1)
	assert.Equal(t, 7, wb.scheduled[0].ID)
}

func TestSelector_ChannelGate(t *testing.T) {
	gate := gateFunc(func(channel string) bool { return channel != ChannelReminders })
	s, _, wb := newTestSelector(false, WithChannelGate(gate))
	ctx := context.Background()

	assert.False(t, s.Schedule(ctx, Request{ID: 1, Channel: ChannelReminders, ScheduledAt: time.Now().Add(time.Hour)}))
	assert.Empty(t, wb.scheduled)

	assert.False(t, s.Show(ctx, "muted", Options{Channel: ChannelReminders}))
	assert.True(t, s.Show(ctx, "allowed", Options{}))
	assert.Equal(t, []string{"allowed"}, wb.shown)
}

func TestRequest_Options(t *testing.T) {
	req := Request{ID: 3, Title: "t", Body: "b", Extra: map[string]any{"url": "/x"}}
	opts := req.Options()
	assert.Equal(t, "b", opts.Body)
	assert.Equal(t, ChannelGeneral, opts.Channel)
	assert.Equal(t, "/x", opts.Data["url"])

	req.Channel = ChannelReminders
	assert.Equal(t, ChannelReminders, req.Options().Channel)
}

func TestDefaultChannels(t *testing.T) {
	channels := DefaultChannels()
	require.Len(t, channels, 2)
	assert.Equal(t, ChannelReminders, channels[0].ID)
	assert.Equal(t, ImportanceHigh, channels[0].Importance)
	assert.True(t, channels[0].Vibration)
	assert.Equal(t, "default", channels[0].Sound)
	assert.Equal(t, ChannelGeneral, channels[1].ID)
}
