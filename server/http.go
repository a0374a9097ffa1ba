// Package server provides the HTTP server for the offline shell.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	offlineshell "github.com/wolfeidau/offline-shell"
	"github.com/wolfeidau/offline-shell/api"
	"github.com/wolfeidau/offline-shell/clients"
	"github.com/wolfeidau/offline-shell/intercept"
	"github.com/wolfeidau/offline-shell/notify"
	"github.com/wolfeidau/offline-shell/notify/center"
	"github.com/wolfeidau/offline-shell/notify/native"
	"github.com/wolfeidau/offline-shell/notify/web"
	"github.com/wolfeidau/offline-shell/notify/webpush"
	"github.com/wolfeidau/offline-shell/prefs"
	"github.com/wolfeidau/offline-shell/store"
	"github.com/wolfeidau/offline-shell/telemetry"
	"github.com/wolfeidau/offline-shell/worker"
)

// ShellPrefix is the path prefix of the shell's own endpoints. Requests under
// it are never forwarded to the origin.
const ShellPrefix = "/_shell/"

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DBPath is the bbolt database holding the cache, pending notifications
	// and push subscriptions.
	DBPath string

	// Origin is the app's origin server URL.
	Origin string

	// Generation is the cache generation this deployment installs.
	Generation offlineshell.Generation

	// APIPrefix is the path prefix of the app's REST API.
	// Default: /api/
	APIPrefix string

	// Assets are the core asset paths fetched on install.
	Assets []string

	// APIBaseURL is where the app's REST API is reached.
	// Default: Origin
	APIBaseURL string

	// APIToken is sent as a bearer token to the app's REST API when the
	// calling page forwarded no credentials.
	APIToken string

	// AuthToken protects the operator endpoints (/stats and push injection).
	// Empty disables authentication.
	AuthToken string

	// VAPIDPublicKey and VAPIDPrivateKey sign web push messages.
	// An ephemeral pair is generated when either is empty.
	VAPIDPublicKey  string
	VAPIDPrivateKey string

	// VAPIDSubscriber is the contact sent to push services.
	VAPIDSubscriber string

	// PushRatePerSec bounds outbound push sends.
	PushRatePerSec int

	// NativePermission is the initial permission of the native platform.
	// Default: prompt
	NativePermission native.Permission

	// SchedulerInterval is how often due native notifications are fired.
	// Default: 1 second
	SchedulerInterval time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the offline shell.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	db          *store.BoltStore
	store       store.Store
	interceptor *intercept.Interceptor
	center      *center.Center
	hub         *clients.Hub
	push        *webpush.Sender
	scheduler   *native.Scheduler
	permission  *web.PermissionState
	selector    *notify.Selector
	worker      *worker.Worker
	prefs       *prefs.Sync
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./offline-shell.db"
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = intercept.DefaultAPIPrefix
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = cfg.Origin
	}
	if cfg.NativePermission == "" {
		cfg.NativePermission = native.PermissionPrompt
	}
	if _, err := offlineshell.ParseGeneration(string(cfg.Generation)); err != nil {
		return nil, err
	}

	db, err := store.New(cfg.DBPath, store.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	s, err := build(cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.loggingMiddleware(mux),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /_shell/events is a long-lived stream.
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// build wires the components on top of an open database.
func build(cfg Config, db *store.BoltStore) (*Server, error) {
	logger := cfg.Logger
	cacheStore := store.NewInstrumentedStore(db)

	interceptor, err := intercept.New(cacheStore, cfg.Origin, cfg.Generation,
		intercept.WithAPIPrefix(cfg.APIPrefix),
		intercept.WithAssets(cfg.Assets),
		intercept.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating interceptor: %w", err)
	}

	apiClient, err := api.New(cfg.APIBaseURL, api.WithBearerToken(cfg.APIToken), api.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating api client: %w", err)
	}

	hub := clients.NewHub(clients.WithLogger(logger))

	sender, err := webpush.NewSender(db.DB(), webpush.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
		RatePerSec:      cfg.PushRatePerSec,
	}, webpush.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating push sender: %w", err)
	}

	notifications := center.New(
		center.WithLogger(logger),
		center.WithSink(hub),
		center.WithSink(sender),
	)

	scheduler, err := native.NewScheduler(db.DB(), notifications,
		native.WithSchedulerLogger(logger),
		native.WithCheckInterval(cfg.SchedulerInterval),
		native.WithPermission(cfg.NativePermission),
	)
	if err != nil {
		return nil, fmt.Errorf("creating native scheduler: %w", err)
	}

	router := worker.NewRouter(notifications, hub, apiClient, notifications, worker.WithRouterLogger(logger))
	bg := worker.New(notifications, router, worker.WithLogger(logger))

	permission := &web.PermissionState{}
	preferences := prefs.New(apiClient, prefs.WithLogger(logger))

	selector := notify.NewSelector(
		native.Detector,
		native.NewAdapter(scheduler, native.WithLogger(logger)),
		web.NewAdapter(hub, permission, web.WithWorker(bg), web.WithLogger(logger)),
		notify.WithLogger(logger),
		notify.WithChannelGate(preferences),
	)

	return &Server{
		config:      cfg,
		logger:      logger,
		db:          db,
		store:       cacheStore,
		interceptor: interceptor,
		center:      notifications,
		hub:         hub,
		push:        sender,
		scheduler:   scheduler,
		permission:  permission,
		selector:    selector,
		worker:      bg,
		prefs:       preferences,
	}, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.Handle("GET /stats", s.authMiddleware(http.HandlerFunc(s.handleStats)))

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Notification entry points used by pages
	mux.HandleFunc("POST /_shell/notifications/initialize", s.handleInitialize)
	mux.HandleFunc("GET /_shell/notifications/permission", s.handlePermission)
	mux.HandleFunc("POST /_shell/notifications/permission", s.handleReportPermission)
	mux.HandleFunc("POST /_shell/notifications/schedule", s.handleSchedule)
	mux.HandleFunc("POST /_shell/notifications/show", s.handleShow)
	mux.HandleFunc("DELETE /_shell/notifications/{id}", s.handleCancel)
	mux.HandleFunc("DELETE /_shell/notifications", s.handleCancelAll)
	mux.HandleFunc("GET /_shell/notifications/center", s.handleCenter)

	// Background worker
	mux.HandleFunc("POST /_shell/worker/messages", s.handleWorkerMessage)
	mux.Handle("POST /_shell/worker/push", s.authMiddleware(http.HandlerFunc(s.handleWorkerPush)))
	mux.HandleFunc("POST /_shell/worker/interactions", s.handleInteraction)

	// Web push
	mux.HandleFunc("GET /_shell/push/vapid", s.handleVAPID)
	mux.HandleFunc("POST /_shell/push/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /_shell/push/subscriptions", s.handleUnsubscribe)

	// Open pages
	mux.Handle("GET /_shell/events", s.hub)

	// Preferences
	mux.HandleFunc("POST /_shell/preferences/sync", s.handlePreferencesSync)
	mux.HandleFunc("POST /_shell/preferences/test", s.handlePreferencesTest)

	// Unknown shell paths must not leak to the origin.
	mux.HandleFunc("/_shell/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	// Everything else is the app.
	mux.Handle("/", s.interceptor)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports the stored generations and notification state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	gens, err := s.store.Generations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending, err := s.scheduler.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	subs, err := s.push.Subscriptions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"generation":         s.interceptor.Generation(),
		"active":             s.interceptor.Active(),
		"generations":        gens,
		"pending":            len(pending),
		"visible":            len(s.center.List()),
		"pages":              s.hub.Connected(),
		"push_subscriptions": len(subs),
		"worker_active":      s.worker.Active(),
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		route := deriveRoute(r.URL.Path)
		tags.Route = route
		if route != "app" {
			tags.CacheResult = telemetry.CacheNA
		}

		// Pages inside the native shell and their credentials travel with the request.
		if route == "shell" {
			r = native.BridgeFromRequest(r)
			r = r.WithContext(api.WithCredentials(r.Context(), api.CredentialsFromRequest(r)))
		}

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Install caches the core assets of the configured generation and activates it.
func (s *Server) Install(ctx context.Context) error {
	if err := s.interceptor.Install(ctx); err != nil {
		return fmt.Errorf("installing generation %s: %w", s.config.Generation, err)
	}
	if err := s.interceptor.Activate(ctx); err != nil {
		return fmt.Errorf("activating generation %s: %w", s.config.Generation, err)
	}
	return nil
}

// Start installs the generation, starts the background components and
// serves until Shutdown. A failed install leaves every request bypassed.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Install(ctx); err != nil {
		s.logger.Error("install failed, serving without offline cache", "error", err)
	}

	s.worker.Start(ctx)
	s.scheduler.Start(ctx)

	if _, err := s.prefs.Load(ctx); err != nil {
		s.logger.Warn("loading notification preferences failed, all channels allowed", "error", err)
	}

	s.logger.Info("starting server",
		"address", s.config.Address,
		"origin", s.config.Origin,
		"generation", s.config.Generation,
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	s.scheduler.Stop()
	s.worker.Stop()
	s.interceptor.Close()

	if cerr := s.db.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("closing store: %w", cerr))
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute classifies the request path for logs and metrics.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, ShellPrefix):
		return "shell"
	default:
		return "app"
	}
}
