package webpush

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-shell/notify"
	"github.com/wolfeidau/offline-shell/notify/center"
	"go.etcd.io/bbolt"
)

type pushService struct {
	mu       sync.Mutex
	requests []*http.Request
	srv      *httptest.Server
}

func newPushService(t *testing.T) *pushService {
	t.Helper()
	p := &pushService{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.requests = append(p.requests, r.Clone(context.Background()))
		p.mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/gone"):
			w.WriteHeader(http.StatusGone)
		case strings.HasPrefix(r.URL.Path, "/broken"):
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *pushService) received() []*http.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*http.Request(nil), p.requests...)
}

func newSubscription(t *testing.T, endpoint string) Subscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	return Subscription{
		Endpoint: endpoint,
		Keys: Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func newTestSender(t *testing.T, client *http.Client) *Sender {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "push.db"), 0o600, &bbolt.Options{Timeout: time.Second, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pub, priv, err := GenerateKeys()
	require.NoError(t, err)

	s, err := NewSender(db, Config{VAPIDPublicKey: pub, VAPIDPrivateKey: priv, RatePerSec: 1000},
		WithLogger(slog.New(slog.DiscardHandler)),
		WithHTTPClient(client))
	require.NoError(t, err)
	return s
}

func TestSubscribe(t *testing.T) {
	s := newTestSender(t, http.DefaultClient)
	ctx := context.Background()

	sub := newSubscription(t, "https://push.example/b")
	require.NoError(t, s.Subscribe(ctx, sub))
	require.NoError(t, s.Subscribe(ctx, sub))
	require.NoError(t, s.Subscribe(ctx, newSubscription(t, "https://push.example/a")))

	subs, err := s.Subscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "https://push.example/a", subs[0].Endpoint)
	assert.False(t, subs[1].CreatedAt.IsZero())

	require.NoError(t, s.Unsubscribe(ctx, "https://push.example/a"))
	subs, err = s.Subscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestSubscribe_Invalid(t *testing.T) {
	s := newTestSender(t, http.DefaultClient)
	ctx := context.Background()

	require.ErrorIs(t, s.Subscribe(ctx, Subscription{Endpoint: "not a url"}), ErrInvalidSubscription)
	require.ErrorIs(t, s.Subscribe(ctx, Subscription{Endpoint: "https://push.example/x"}), ErrInvalidSubscription)
}

func TestSend_DeliversWithTopicAndTTL(t *testing.T) {
	push := newPushService(t)
	s := newTestSender(t, push.srv.Client())
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, newSubscription(t, push.srv.URL+"/ok/1")))

	sent, err := s.Send(ctx, Message{Title: "Hi", Tag: "reminder-42", RequireInteraction: true}, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	reqs := push.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, "reminder-42", reqs[0].Header.Get("Topic"))
	assert.Equal(t, "90", reqs[0].Header.Get("TTL"))
	assert.Equal(t, "high", reqs[0].Header.Get("Urgency"))
	assert.Equal(t, "aes128gcm", reqs[0].Header.Get("Content-Encoding"))
	assert.True(t, strings.HasPrefix(reqs[0].Header.Get("Authorization"), "vapid "))
}

func TestSend_RemovesGoneSubscriptions(t *testing.T) {
	push := newPushService(t)
	s := newTestSender(t, push.srv.Client())
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, newSubscription(t, push.srv.URL+"/ok/1")))
	require.NoError(t, s.Subscribe(ctx, newSubscription(t, push.srv.URL+"/gone/1")))

	sent, err := s.Send(ctx, Message{Title: "Hi"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	subs, err := s.Subscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, push.srv.URL+"/ok/1", subs[0].Endpoint)
}

func TestSend_GoneOnlyCountsNothing(t *testing.T) {
	push := newPushService(t)
	s := newTestSender(t, push.srv.Client())
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, newSubscription(t, push.srv.URL+"/gone/1")))
	require.NoError(t, s.Subscribe(ctx, newSubscription(t, push.srv.URL+"/gone/2")))

	sent, err := s.Send(ctx, Message{Title: "Hi"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	subs, err := s.Subscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSend_ReportsServiceErrors(t *testing.T) {
	push := newPushService(t)
	s := newTestSender(t, push.srv.Client())
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, newSubscription(t, push.srv.URL+"/broken/1")))
	require.NoError(t, s.Subscribe(ctx, newSubscription(t, push.srv.URL+"/ok/1")))

	sent, err := s.Send(ctx, Message{Title: "Hi"}, 0)
	require.Error(t, err)
	assert.Equal(t, 1, sent)

	subs, err := s.Subscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestSend_NoSubscriptions(t *testing.T) {
	s := newTestSender(t, http.DefaultClient)
	sent, err := s.Send(context.Background(), Message{Title: "Hi"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestDeliver_ImplementsSink(t *testing.T) {
	push := newPushService(t)
	s := newTestSender(t, push.srv.Client())
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, newSubscription(t, push.srv.URL+"/ok/1")))

	c := center.New(center.WithLogger(slog.New(slog.DiscardHandler)), center.WithSink(s))
	c.Show(ctx, "Reminder", notify.Options{Tag: "reminder-1"})

	reqs := push.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, "reminder-1", reqs[0].Header.Get("Topic"))
}

func TestMessageFor(t *testing.T) {
	n := center.Notification{
		Title: "Reminder",
		Options: notify.Options{
			Body:    "Standup",
			Tag:     "reminder-1",
			Actions: []notify.Action{{Action: "snooze", Title: "Snooze"}},
			Data:    map[string]any{"event_id": 1},
		},
	}
	msg := MessageFor(n)
	assert.Equal(t, "Standup", msg.Body)
	assert.Len(t, msg.Actions, 1)
	assert.True(t, msg.Silent)

	n.Alert = true
	assert.False(t, MessageFor(n).Silent)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "", Topic(""))
	assert.Equal(t, "snooze-42", Topic("snooze-42"))

	long := Topic("reminder with spaces and a very long suffix")
	assert.Len(t, long, 32)
	assert.Equal(t, long, Topic("reminder with spaces and a very long suffix"))
	assert.NotEqual(t, long, Topic("another tag with spaces"))
}

func TestNewSender_GeneratesKeys(t *testing.T) {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "push.db"), 0o600, &bbolt.Options{Timeout: time.Second, NoSync: true})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s, err := NewSender(db, Config{}, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	assert.NotEmpty(t, s.PublicKey())
}
