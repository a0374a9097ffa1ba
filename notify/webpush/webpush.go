// Package webpush delivers notifications to browser push subscriptions so
// they reach the user after every page has closed.
package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	offlineshell "github.com/wolfeidau/offline-shell"
	"github.com/wolfeidau/offline-shell/notify"
	"github.com/wolfeidau/offline-shell/notify/center"
	"github.com/wolfeidau/offline-shell/telemetry"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"
)

// bucketSubscriptions maps a push endpoint to its JSON-encoded Subscription.
var bucketSubscriptions = []byte("push_subscriptions")

const (
	// DefaultTTL is how long the push service holds an undelivered message.
	DefaultTTL = 24 * time.Hour

	// DefaultRatePerSec bounds outbound sends.
	DefaultRatePerSec = 20

	// DefaultSubscriber is the VAPID contact used when none is configured.
	DefaultSubscriber = "mailto:admin@example.com"

	maxTopicLength = 32
)

// ErrInvalidSubscription is returned for subscriptions missing an endpoint or keys.
var ErrInvalidSubscription = errors.New("webpush: invalid subscription")

// errGone marks a subscription the push service no longer knows; it has been removed.
var errGone = errors.New("webpush: subscription gone")

var topicPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Keys are the client public key and auth secret of a subscription.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is a browser push subscription.
type Subscription struct {
	Endpoint  string    `json:"endpoint"`
	Keys      Keys      `json:"keys"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that the subscription can be sent to.
func (s Subscription) Validate() error {
	u, err := url.Parse(s.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: endpoint %q is not an absolute URL", ErrInvalidSubscription, s.Endpoint)
	}
	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return fmt.Errorf("%w: keys.p256dh and keys.auth are required", ErrInvalidSubscription)
	}
	return nil
}

// Message is the push payload; it matches the shape the worker decodes.
type Message struct {
	Title              string          `json:"title"`
	Body               string          `json:"body,omitempty"`
	Data               map[string]any  `json:"data,omitempty"`
	Actions            []notify.Action `json:"actions,omitempty"`
	Tag                string          `json:"tag,omitempty"`
	Renotify           bool            `json:"renotify,omitempty"`
	RequireInteraction bool            `json:"requireInteraction,omitempty"`
	Silent             bool            `json:"silent,omitempty"`
}

// Config holds VAPID credentials and send limits.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	RatePerSec      int
}

// Sender stores subscriptions and sends push messages to them.
type Sender struct {
	db      *bbolt.DB
	cfg     Config
	client  webpush.HTTPClient
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Sender.
type Option func(*Sender)

// WithLogger sets the logger for the sender.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) {
		s.logger = logger
	}
}

// WithHTTPClient sets the client used to reach push services.
func WithHTTPClient(c webpush.HTTPClient) Option {
	return func(s *Sender) {
		s.client = c
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Sender) {
		s.now = now
	}
}

// GenerateKeys creates a VAPID key pair.
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generating VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}

// NewSender creates a sender persisting subscriptions into db. A VAPID key
// pair is generated when cfg does not carry one.
func NewSender(db *bbolt.DB, cfg Config, opts ...Option) (*Sender, error) {
	s := &Sender{
		db:     db,
		client: &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, telemetry.TargetPush)},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "webpush")

	if cfg.Subscriber == "" {
		cfg.Subscriber = DefaultSubscriber
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		pub, priv, err := GenerateKeys()
		if err != nil {
			return nil, err
		}
		cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey = pub, priv
		s.logger.Warn("VAPID keys not configured, generated an ephemeral pair; existing subscriptions will stop working on restart",
			"vapid_public_key", pub)
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSubscriptions)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating subscriptions bucket: %w", err)
	}
	return s, nil
}

// PublicKey returns the VAPID public key pages subscribe with.
func (s *Sender) PublicKey() string {
	return s.cfg.VAPIDPublicKey
}

// Subscribe stores sub, replacing any subscription with the same endpoint.
func (s *Sender) Subscribe(_ context.Context, sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encoding subscription: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Put([]byte(sub.Endpoint), data)
	})
}

// Unsubscribe removes the subscription for endpoint.
func (s *Sender) Unsubscribe(_ context.Context, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete([]byte(endpoint))
	})
}

// Subscriptions lists stored subscriptions ordered by endpoint.
func (s *Sender) Subscriptions(_ context.Context) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(k, v []byte) error {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				s.logger.Warn("skipping undecodable subscription", "endpoint", string(k), "error", err)
				return nil
			}
			subs = append(subs, sub)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Endpoint < subs[j].Endpoint })
	return subs, nil
}

// Deliver implements center.Sink.
func (s *Sender) Deliver(ctx context.Context, n center.Notification) error {
	_, err := s.Send(ctx, MessageFor(n), n.Options.TTL)
	return err
}

// MessageFor builds the push payload for a shown notification.
func MessageFor(n center.Notification) Message {
	return Message{
		Title:              n.Title,
		Body:               n.Options.Body,
		Data:               n.Options.Data,
		Actions:            n.Options.Actions,
		Tag:                n.Options.Tag,
		Renotify:           n.Options.Renotify,
		RequireInteraction: n.Options.RequireInteraction,
		Silent:             !n.Alert,
	}
}

// Send pushes msg to every subscription and returns how many accepted it.
// Subscriptions the push service reports as gone are removed.
func (s *Sender) Send(ctx context.Context, msg Message, ttl time.Duration) (int, error) {
	subs, err := s.Subscriptions(ctx)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encoding push message: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts := &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             int(ttl / time.Second),
		Topic:           Topic(msg.Tag),
		Urgency:         webpush.UrgencyNormal,
	}
	if msg.RequireInteraction {
		opts.Urgency = webpush.UrgencyHigh
	}

	sent := 0
	var errs []error
	for _, sub := range subs {
		if err := s.limiter.Wait(ctx); err != nil {
			return sent, fmt.Errorf("waiting for send slot: %w", err)
		}
		err := s.sendOne(ctx, payload, sub, opts)
		switch {
		case errors.Is(err, errGone):
		case err != nil:
			errs = append(errs, err)
		default:
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

func (s *Sender) sendOne(ctx context.Context, payload []byte, sub Subscription, opts *webpush.Options) error {
	resp, err := webpush.SendNotificationWithContext(telemetry.WithOperation(ctx, "send"), payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, opts)
	if err != nil {
		telemetry.RecordPushSend(ctx, "error")
		return fmt.Errorf("sending to %s: %w", sub.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		telemetry.RecordPushSend(ctx, "gone")
		s.logger.Info("removing expired push subscription", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		if err := s.Unsubscribe(ctx, sub.Endpoint); err != nil {
			return fmt.Errorf("removing subscription: %w", err)
		}
		return errGone
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		telemetry.RecordPushSend(ctx, "sent")
		return nil
	default:
		telemetry.RecordPushSend(ctx, "error")
		return fmt.Errorf("sending to %s: push service returned %d", sub.Endpoint, resp.StatusCode)
	}
}

// Topic derives the push Topic header from a notification tag so the push
// service replaces an undelivered message carrying the same tag. Tags that
// are not URL-safe or too long are hashed.
func Topic(tag string) string {
	if tag == "" {
		return ""
	}
	if len(tag) <= maxTopicLength && topicPattern.MatchString(tag) {
		return tag
	}
	return offlineshell.DigestBytes([]byte(tag)).String()[:maxTopicLength]
}
