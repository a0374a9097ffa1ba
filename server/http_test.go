package server

import (
	"context"
	"encoding/json"
	"io"
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
	"github.com/wolfeidau/offline-shell/intercept"
	"github.com/wolfeidau/offline-shell/notify/center"
	"github.com/wolfeidau/offline-shell/notify/native"
	"github.com/wolfeidau/offline-shell/notify/webpush"
)

// origin serves the app: static assets plus the reminder and settings API.
type origin struct {
	mu       sync.Mutex
	hits     map[string]int
	settings string
}

func newOrigin(t *testing.T) (*origin, *httptest.Server) {
	t.Helper()
	o := &origin{
		hits:     make(map[string]int),
		settings: `{"in_app_enabled":true,"reminders_enabled":true,"digest_hour":8}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.Method+" "+r.URL.Path]++
		settings := o.settings
		o.mu.Unlock()

		switch r.URL.Path {
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = io.WriteString(w, "console.log('shell')")
		case "/api/calendar/events/42/snooze":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"snooze_minutes":10}`)
		case "/api/notifications/settings":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, settings)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return o, srv
}

func (o *origin) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

func (o *origin) setSettings(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings = s
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *origin) {
	t.Helper()
	o, srv := newOrigin(t)

	pub, priv, err := webpush.GenerateKeys()
	require.NoError(t, err)

	cfg := Config{
		DBPath:            filepath.Join(t.TempDir(), "shell.db"),
		Origin:            srv.URL,
		Generation:        "v1",
		Assets:            []string{"/app.js"},
		VAPIDPublicKey:    pub,
		VAPIDPrivateKey:   priv,
		NativePermission:  native.PermissionPrompt,
		SchedulerInterval: time.Hour,
		Logger:            slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
	})

	ctx := context.Background()
	require.NoError(t, s.Install(ctx))
	s.worker.Start(ctx)
	return s, o
}

func do(t *testing.T, s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_ServesInstalledAssetFromCache(t *testing.T) {
	s, o := newTestServer(t, nil)
	require.Equal(t, 1, o.count("GET /app.js"), "install fetched the core asset")

	rec := do(t, s, http.MethodGet, "/app.js", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get(intercept.ResultHeader))
	assert.Equal(t, "console.log('shell')", rec.Body.String())
}

func TestServer_UnknownShellPathNotForwarded(t *testing.T) {
	s, o := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/_shell/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, o.count("GET /_shell/nope"))
}

func TestServer_WebShowRequiresReportedPermission(t *testing.T) {
	s, _ := newTestServer(t, nil)

	var res resultResponse
	rec := do(t, s, http.MethodPost, "/_shell/notifications/show", `{"title":"Hello","options":{"body":"b"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.Equal(t, "web", res.Backend)
	assert.False(t, res.OK)

	rec = do(t, s, http.MethodPost, "/_shell/notifications/permission", `{"state":"granted"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var perm permissionResponse
	decode(t, rec, &perm)
	assert.True(t, perm.Granted)
	assert.True(t, perm.Capabilities.ForegroundOnly)

	rec = do(t, s, http.MethodPost, "/_shell/notifications/show", `{"title":"Hello","options":{"body":"b"}}`, nil)
	decode(t, rec, &res)
	assert.True(t, res.OK)

	rec = do(t, s, http.MethodGet, "/_shell/notifications/center", "", nil)
	var list struct {
		Notifications []center.Notification `json:"notifications"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, "Hello", list.Notifications[0].Title)
}

func TestServer_NativeBridgeSchedulesDurably(t *testing.T) {
	s, _ := newTestServer(t, nil)
	bridge := map[string]string{native.PlatformHeader: native.Name}

	var res resultResponse
	rec := do(t, s, http.MethodPost, "/_shell/notifications/initialize", "", bridge)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.Equal(t, "native", res.Backend)
	assert.True(t, res.OK)

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = do(t, s, http.MethodPost, "/_shell/notifications/schedule", `{"id":7,"title":"Standup","scheduled_at":"`+at+`"}`, bridge)
	decode(t, rec, &res)
	assert.True(t, res.OK)

	pending, err := s.scheduler.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 7, pending[0].ID)

	rec = do(t, s, http.MethodDelete, "/_shell/notifications/7", "", bridge)
	decode(t, rec, &res)
	assert.True(t, res.OK)

	pending, err = s.scheduler.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestServer_WebCancelReportsFalse(t *testing.T) {
	s, _ := newTestServer(t, nil)

	var res resultResponse
	rec := do(t, s, http.MethodDelete, "/_shell/notifications", "", nil)
	decode(t, rec, &res)
	assert.Equal(t, "web", res.Backend)
	assert.False(t, res.OK)

	rec = do(t, s, http.MethodDelete, "/_shell/notifications/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ScheduleValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/_shell/notifications/schedule", `{"id":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/_shell/notifications/schedule", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PushRequiresToken(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) { c.AuthToken = "secret" })
	payload := `{"title":"Standup","data":{"event_id":42},"actions":[{"action":"snooze","title":"Snooze"}]}`

	rec := do(t, s, http.MethodPost, "/_shell/worker/push", payload, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPost, "/_shell/worker/push", payload, map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	list := s.center.List()
	require.Len(t, list, 1)
	assert.Equal(t, "reminder-42", list[0].Options.Tag)

	rec = do(t, s, http.MethodGet, "/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_SnoozeInteraction(t *testing.T) {
	s, o := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/_shell/worker/push", `{"title":"Standup","data":{"event_id":42}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := s.center.List()[0].ID

	rec = do(t, s, http.MethodPost, "/_shell/worker/interactions",
		`{"notification_id":"`+id+`","action":"snooze","data":{"event_id":42}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Closed        bool   `json:"closed"`
		Action        string `json:"action"`
		SnoozeMinutes int    `json:"snooze_minutes"`
	}
	decode(t, rec, &out)
	assert.True(t, out.Closed)
	assert.Equal(t, "snooze", out.Action)
	assert.Equal(t, 10, out.SnoozeMinutes)
	assert.Equal(t, 1, o.count("POST /api/calendar/events/42/snooze"))

	list := s.center.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Snoozed", list[0].Title)
}

func TestServer_WorkerMessage(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/_shell/worker/messages", `{"type":"notify","payload":{"title":"From page"}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, s.center.List(), 1)

	rec = do(t, s, http.MethodPost, "/_shell/worker/messages", `{"type":"ping"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.worker.Stop()
	rec = do(t, s, http.MethodPost, "/_shell/worker/messages", `{"type":"notify","payload":{"title":"x"}}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_PreferencesGateReminders(t *testing.T) {
	s, o := newTestServer(t, nil)
	do(t, s, http.MethodPost, "/_shell/notifications/permission", `{"state":"granted"}`, nil)

	o.setSettings(`{"in_app_enabled":true,"reminders_enabled":false,"digest_hour":8}`)
	rec := do(t, s, http.MethodPost, "/_shell/preferences/sync", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, o.count("GET /api/notifications/settings"))

	var res resultResponse
	rec = do(t, s, http.MethodPost, "/_shell/notifications/show", `{"title":"Standup","options":{"channel":"reminders"}}`, nil)
	decode(t, rec, &res)
	assert.False(t, res.OK, "reminders are switched off")

	rec = do(t, s, http.MethodPost, "/_shell/notifications/show", `{"title":"News"}`, nil)
	decode(t, rec, &res)
	assert.True(t, res.OK)

	rec = do(t, s, http.MethodPost, "/_shell/preferences/sync", `{"digest_hour":30}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PushSubscriptions(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/_shell/push/vapid", "", nil)
	var vapid map[string]string
	decode(t, rec, &vapid)
	assert.Equal(t, s.push.PublicKey(), vapid["public_key"])

	rec = do(t, s, http.MethodPost, "/_shell/push/subscriptions", `{"endpoint":"relative"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodDelete, "/_shell/push/subscriptions", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeriveRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "internal"},
		{"/metrics", "internal"},
		{"/_shell/events", "shell"},
		{"/app.js", "app"},
		{"/", "app"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, deriveRoute(tt.path), tt.path)
	}
}
