package worker

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-shell/notify"
	"github.com/wolfeidau/offline-shell/notify/center"
	"github.com/wolfeidau/offline-shell/notify/web"
)

func newTestWorker(t *testing.T) (*Worker, *center.Center, *routerFixture) {
	t.Helper()
	f := newRouterFixture(t)
	w := New(f.center, f.router, WithLogger(slog.New(slog.DiscardHandler)))
	w.Start(context.Background())
	t.Cleanup(w.Stop)
	return w, f.center, f
}

func TestWorker_Lifecycle(t *testing.T) {
	f := newRouterFixture(t)
	w := New(f.center, f.router, WithLogger(slog.New(slog.DiscardHandler)))
	ctx := context.Background()

	assert.False(t, w.Active())
	require.ErrorIs(t, w.HandlePush(ctx, []byte(`{}`)), ErrInactive)

	w.Start(ctx)
	w.Start(ctx)
	assert.True(t, w.Active())
	require.NoError(t, w.HandlePush(ctx, []byte(`{"title":"x"}`)))

	w.Stop()
	w.Stop()
	assert.False(t, w.Active())
	require.ErrorIs(t, w.Post(ctx, web.Message{Type: web.MessageNotify}), ErrInactive)
}

func TestWorker_Post(t *testing.T) {
	w, c, _ := newTestWorker(t)
	ctx := context.Background()

	err := w.Post(ctx, web.Message{
		Type:    web.MessageNotify,
		Payload: web.Payload{Title: "From page", Options: notify.Options{Body: "b"}},
	})
	require.NoError(t, err)

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "From page", list[0].Title)

	require.ErrorIs(t, w.Post(ctx, web.Message{Type: "ping"}), ErrUnknownMessage)
}

func TestWorker_RepeatedPushReplacesByEvent(t *testing.T) {
	w, c, _ := newTestWorker(t)
	ctx := context.Background()
	payload := []byte(`{"title":"Standup","body":"in 5 minutes","data":{"event_id":42},"actions":[{"action":"snooze","title":"Snooze"}]}`)

	require.NoError(t, w.HandlePush(ctx, payload))
	require.NoError(t, w.HandlePush(ctx, payload))

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "reminder-42", list[0].Options.Tag)
	assert.True(t, list[0].Options.RequireInteraction)
	assert.True(t, list[0].Alert, "re-alerts on the duplicate tag")
}

func TestWorker_MalformedPushIsShown(t *testing.T) {
	w, c, _ := newTestWorker(t)

	require.NoError(t, w.HandlePush(context.Background(), []byte("plain text")))
	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, DefaultTitle, list[0].Title)
	assert.Equal(t, "plain text", list[0].Options.Body)
}

func TestWorker_HandleInteraction(t *testing.T) {
	w, c, f := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, w.HandlePush(ctx, []byte(`{"title":"Standup","data":{"event_id":42}}`)))
	n := c.List()[0]

	out, err := w.HandleInteraction(ctx, Interaction{NotificationID: n.ID, Action: ActionSnooze, Data: n.Options.Data})
	require.NoError(t, err)
	assert.Equal(t, 15, out.SnoozeMinutes)
	assert.Equal(t, 1, f.app.count("POST /api/calendar/events/42/snooze"))

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Snoozed", list[0].Title)
}

func TestWorker_BacksWebAdapter(t *testing.T) {
	w, c, _ := newTestWorker(t)
	perm := &web.PermissionState{}
	perm.Set(web.StateGranted)
	a := web.NewAdapter(nil, perm, web.WithWorker(w), web.WithLogger(slog.New(slog.DiscardHandler)))

	require.NoError(t, a.Show(context.Background(), "via worker", notify.Options{}))
	require.Len(t, c.List(), 1)

	w.Stop()
	require.ErrorIs(t, a.Show(context.Background(), "no page", notify.Options{}), web.ErrNoForeground)
}
