// Package api is the client for the productivity app's REST endpoints used
// by reminder actions and notification preferences.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/offline-shell/telemetry"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 * 1024
	maxBody        = 1024 * 1024
)

// ErrInvalidSettings is returned when settings fail validation.
var ErrInvalidSettings = errors.New("api: invalid settings")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Settings are the user's notification preferences.
type Settings struct {
	InAppEnabled     bool `json:"in_app_enabled"`
	EmailEnabled     bool `json:"email_enabled"`
	PushEnabled      bool `json:"push_enabled"`
	RemindersEnabled bool `json:"reminders_enabled"`
	DigestEnabled    bool `json:"digest_enabled"`
	DigestHour       int  `json:"digest_hour"`
}

// Validate checks field ranges.
func (s Settings) Validate() error {
	if s.DigestHour < 0 || s.DigestHour > 23 {
		return fmt.Errorf("%w: digest_hour %d must be between 0 and 23", ErrInvalidSettings, s.DigestHour)
	}
	return nil
}

// Credentials are forwarded from the page that triggered a call.
type Credentials struct {
	Authorization string
	Cookie        string
}

type credentialsKey struct{}

// WithCredentials attaches page credentials to ctx.
func WithCredentials(ctx context.Context, c Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, c)
}

// CredentialsFromRequest extracts the credentials a page sent.
func CredentialsFromRequest(r *http.Request) Credentials {
	return Credentials{
		Authorization: r.Header.Get("Authorization"),
		Cookie:        r.Header.Get("Cookie"),
	}
}

func credentialsFromContext(ctx context.Context) Credentials {
	c, _ := ctx.Value(credentialsKey{}).(Credentials)
	return c
}

// Client calls the app server.
type Client struct {
	baseURL string
	client  *http.Client
	token   string
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.client = c
	}
}

// WithBearerToken authenticates calls that carry no forwarded credentials.
func WithBearerToken(token string) Option {
	return func(cl *Client) {
		cl.token = token
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, telemetry.TargetAPI, telemetry.WithOperationFunc(operation)),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api")
	return c, nil
}

// operation labels outbound metrics by the API call being made.
func operation(req *http.Request) string {
	p := req.URL.Path
	switch {
	case strings.HasSuffix(p, "/snooze"):
		return "snooze"
	case strings.HasSuffix(p, "/dismiss"):
		return "dismiss"
	case strings.HasSuffix(p, "/api/notifications/settings") && req.Method == http.MethodGet:
		return "settings_get"
	case strings.HasSuffix(p, "/api/notifications/settings"):
		return "settings_put"
	case strings.HasSuffix(p, "/api/notifications"):
		return "send_test"
	default:
		return ""
	}
}

// Snooze postpones the reminder for an event and returns the server-chosen
// delay in minutes.
func (c *Client) Snooze(ctx context.Context, eventID string) (int, error) {
	var resp struct {
		SnoozeMinutes int `json:"snooze_minutes"`
	}
	path := "/api/calendar/events/" + url.PathEscape(eventID) + "/snooze"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.SnoozeMinutes, nil
}

// Dismiss dismisses the reminder for an event.
func (c *Client) Dismiss(ctx context.Context, eventID string) error {
	path := "/api/calendar/events/" + url.PathEscape(eventID) + "/dismiss"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Settings fetches the notification preferences.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	if err := c.do(ctx, http.MethodGet, "/api/notifications/settings", nil, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// UpdateSettings stores the notification preferences and returns what the
// server saved.
func (c *Client) UpdateSettings(ctx context.Context, s Settings) (Settings, error) {
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	var saved Settings
	if err := c.do(ctx, http.MethodPut, "/api/notifications/settings", s, &saved); err != nil {
		return Settings{}, err
	}
	return saved, nil
}

// SendTest asks the server to send a test notification.
func (c *Client) SendTest(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications", map[string]string{"type": "test"}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) {
	creds := credentialsFromContext(ctx)
	if creds.Cookie != "" {
		req.Header.Set("Cookie", creds.Cookie)
	}
	switch {
	case creds.Authorization != "":
		req.Header.Set("Authorization", creds.Authorization)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
