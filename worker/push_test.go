package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-shell/notify"
)

func TestDecodePush_RequireInteractionFollowsActions(t *testing.T) {
	title, opts, err := DecodePush([]byte(`{"title":"Hi","body":"Test"}`))
	require.NoError(t, err)
	assert.Equal(t, "Hi", title)
	assert.Equal(t, "Test", opts.Body)
	assert.False(t, opts.RequireInteraction)

	_, opts, err = DecodePush([]byte(`{"title":"Hi","body":"Test","actions":[{"action":"snooze","title":"Snooze"}]}`))
	require.NoError(t, err)
	assert.True(t, opts.RequireInteraction)
	assert.Equal(t, []notify.Action{{Action: "snooze", Title: "Snooze"}}, opts.Actions)
}

func TestDecodePush_MalformedFallsBackToText(t *testing.T) {
	title, opts, err := DecodePush([]byte("server restarted"))
	require.ErrorIs(t, err, ErrMalformedPush)
	assert.Equal(t, DefaultTitle, title)
	assert.Equal(t, "server restarted", opts.Body)
	assert.False(t, opts.RequireInteraction)
}

func TestDecodePush_MissingTitle(t *testing.T) {
	title, _, err := DecodePush([]byte(`{"body":"only body"}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, title)
}

func TestDecodePush_EventTag(t *testing.T) {
	_, opts, err := DecodePush([]byte(`{"title":"Standup","data":{"event_id":42,"url":"/calendar"}}`))
	require.NoError(t, err)
	assert.Equal(t, "reminder-42", opts.Tag)
	assert.True(t, opts.Renotify)
	assert.Equal(t, notify.ChannelReminders, opts.Channel)
	assert.Equal(t, "/calendar", opts.Data["url"])

	_, opts, err = DecodePush([]byte(`{"title":"News"}`))
	require.NoError(t, err)
	assert.Empty(t, opts.Tag)
	assert.False(t, opts.Renotify)
	assert.Equal(t, notify.ChannelGeneral, opts.Channel)
}
