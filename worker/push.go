package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfeidau/offline-shell/notify"
)

// DefaultTitle is used when a push carries no usable title.
const DefaultTitle = "Notification"

// ErrMalformedPush is reported when a push payload is not valid JSON. The
// message is still shown with a generic title.
var ErrMalformedPush = errors.New("worker: malformed push payload")

// PushPayload is the server-initiated push message.
type PushPayload struct {
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Data    map[string]any  `json:"data"`
	Actions []notify.Action `json:"actions"`
}

// DecodePush turns a raw push into presentation arguments. Undecodable
// payloads fall back to the raw text as the body and return ErrMalformedPush
// alongside a usable result.
func DecodePush(raw []byte) (string, notify.Options, error) {
	var p PushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		opts := notify.Options{
			Body:    strings.TrimSpace(string(raw)),
			Channel: notify.ChannelGeneral,
		}
		return DefaultTitle, opts, fmt.Errorf("%w: %w", ErrMalformedPush, err)
	}

	title := p.Title
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}

	opts := notify.Options{
		Body:               p.Body,
		Data:               p.Data,
		Actions:            p.Actions,
		RequireInteraction: len(p.Actions) > 0,
		Channel:            notify.ChannelGeneral,
	}
	if id, ok := eventID(p.Data); ok {
		opts.Tag = "reminder-" + id
		opts.Renotify = true
		opts.Channel = notify.ChannelReminders
	}
	return title, opts, nil
}
