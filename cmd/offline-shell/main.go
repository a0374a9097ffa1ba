// Command offline-shell serves a web app through an offline-first cache and
// delivers its notifications.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	offlineshell "github.com/wolfeidau/offline-shell"
	"github.com/wolfeidau/offline-shell/intercept"
	"github.com/wolfeidau/offline-shell/manifest"
	"github.com/wolfeidau/offline-shell/notify/native"
	"github.com/wolfeidau/offline-shell/notify/webpush"
	"github.com/wolfeidau/offline-shell/secrets"
	"github.com/wolfeidau/offline-shell/secrets/onepassword"
	"github.com/wolfeidau/offline-shell/server"
	"github.com/wolfeidau/offline-shell/store"
	"github.com/wolfeidau/offline-shell/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json" env:"LOG_FORMAT"`
	DB        string `help:"Database path." default:"./offline-shell.db" env:"OFFLINE_SHELL_DB" type:"path"`

	logger *slog.Logger
}

// AppFlags identify the app and the generation being deployed.
type AppFlags struct {
	Origin     string `help:"App origin URL." required:"" env:"OFFLINE_SHELL_ORIGIN"`
	Generation string `help:"Cache generation to install." required:"" env:"OFFLINE_SHELL_GENERATION"`
	APIPrefix  string `help:"Path prefix of the app's REST API." default:"/api/" env:"OFFLINE_SHELL_API_PREFIX"`
	Manifest   string `help:"YAML file listing the core assets." type:"existingfile" env:"OFFLINE_SHELL_MANIFEST"`
	Discover   string `help:"HTML page whose referenced assets are added to the core assets (e.g. /)." env:"OFFLINE_SHELL_DISCOVER"`
}

// CLI is the command line interface.
type CLI struct {
	Globals

	Version     kong.VersionFlag `help:"Print version and exit."`
	Serve       ServeCmd         `cmd:"" help:"Install the generation and serve the app."`
	Install     InstallCmd       `cmd:"" help:"Cache the core assets of a generation and exit."`
	Generations GenerationsCmd   `cmd:"" help:"List stored cache generations."`
	Purge       PurgeCmd         `cmd:"" help:"Delete every cache generation except one."`
	VAPIDKeys   VAPIDKeysCmd     `cmd:"" name:"vapid-keys" help:"Generate a VAPID key pair for web push."`
}

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	AppFlags

	Address           string        `help:"Address to listen on." default:":8080" env:"OFFLINE_SHELL_ADDRESS"`
	APIBaseURL        string        `name:"api-base-url" help:"App REST API base URL (default: origin)." env:"OFFLINE_SHELL_API_BASE_URL"`
	APIToken          string        `name:"api-token" help:"Bearer token for the app REST API." env:"OFFLINE_SHELL_API_TOKEN"`
	AuthToken         string        `help:"Bearer token protecting operator endpoints." env:"OFFLINE_SHELL_AUTH_TOKEN"`
	VAPIDPublicKey    string        `name:"vapid-public-key" help:"VAPID public key." env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey   string        `name:"vapid-private-key" help:"VAPID private key." env:"VAPID_PRIVATE_KEY"`
	VAPIDSubscriber   string        `name:"vapid-subscriber" help:"Contact sent to push services." env:"VAPID_SUBSCRIBER"`
	PushRate          int           `help:"Maximum push sends per second." default:"20" env:"OFFLINE_SHELL_PUSH_RATE"`
	NativePermission  string        `help:"Initial native notification permission." default:"prompt" enum:"granted,denied,prompt" env:"OFFLINE_SHELL_NATIVE_PERMISSION"`
	SchedulerInterval time.Duration `help:"How often due native notifications are fired." default:"1s" env:"OFFLINE_SHELL_SCHEDULER_INTERVAL"`
	MetricsPrometheus bool          `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"METRICS_PROMETHEUS"`
	OTLPEndpoint      string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Secrets           string        `help:"YAML secrets template (env, file and op functions); fills tokens and VAPID keys not set by flags." type:"existingfile" env:"OFFLINE_SHELL_SECRETS"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "offline-shell",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			g.logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	gen, err := offlineshell.ParseGeneration(c.Generation)
	if err != nil {
		return err
	}
	assets, err := c.assets(ctx, g.logger)
	if err != nil {
		return err
	}
	perm, err := native.ParsePermission(c.NativePermission)
	if err != nil {
		return err
	}
	if err := c.resolveSecrets(ctx, g.logger); err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Address:           c.Address,
		DBPath:            g.DB,
		Origin:            c.Origin,
		Generation:        gen,
		APIPrefix:         c.APIPrefix,
		Assets:            assets,
		APIBaseURL:        c.APIBaseURL,
		APIToken:          c.APIToken,
		AuthToken:         c.AuthToken,
		VAPIDPublicKey:    c.VAPIDPublicKey,
		VAPIDPrivateKey:   c.VAPIDPrivateKey,
		VAPIDSubscriber:   c.VAPIDSubscriber,
		PushRatePerSec:    c.PushRate,
		NativePermission:  perm,
		SchedulerInterval: c.SchedulerInterval,
		Logger:            g.logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return err
	}
}

// resolveSecrets fills unset credentials from the secrets template.
func (c *ServeCmd) resolveSecrets(ctx context.Context, logger *slog.Logger) error {
	if c.Secrets == "" {
		return nil
	}
	r := secrets.NewResolver(secrets.WithLogger(logger), onepassword.With())
	s, err := r.ResolveFile(ctx, c.Secrets)
	if err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}

	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&c.AuthToken, s.AuthToken)
	fill(&c.APIToken, s.APIToken)
	if c.VAPIDPublicKey == "" && c.VAPIDPrivateKey == "" {
		c.VAPIDPublicKey, c.VAPIDPrivateKey = s.VAPID.PublicKey, s.VAPID.PrivateKey
	}
	fill(&c.VAPIDSubscriber, s.VAPID.Subscriber)
	return nil
}

// InstallCmd caches a generation without activating it.
type InstallCmd struct {
	AppFlags
}

func (c *InstallCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen, err := offlineshell.ParseGeneration(c.Generation)
	if err != nil {
		return err
	}
	assets, err := c.assets(ctx, g.logger)
	if err != nil {
		return err
	}

	db, err := store.New(g.DB, store.WithLogger(g.logger))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	interceptor, err := intercept.New(db, c.Origin, gen,
		intercept.WithAPIPrefix(c.APIPrefix),
		intercept.WithAssets(assets),
		intercept.WithLogger(g.logger),
	)
	if err != nil {
		return err
	}
	defer interceptor.Close()

	if err := interceptor.Install(ctx); err != nil {
		return err
	}
	g.logger.Info("installed generation", "generation", gen, "assets", len(assets))
	return nil
}

// GenerationsCmd lists stored generations.
type GenerationsCmd struct{}

func (c *GenerationsCmd) Run(g *Globals) error {
	db, err := store.New(g.DB, store.WithLogger(g.logger))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	infos, err := db.Generations(context.Background())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GENERATION\tENTRIES\tBYTES\tCREATED")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", info.Generation, info.Entries, info.Bytes, info.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// PurgeCmd deletes every generation except Keep.
type PurgeCmd struct {
	Keep string `arg:"" help:"Generation to keep."`
}

func (c *PurgeCmd) Run(g *Globals) error {
	keep, err := offlineshell.ParseGeneration(c.Keep)
	if err != nil {
		return err
	}

	db, err := store.New(g.DB, store.WithLogger(g.logger))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	deleted, err := db.PurgeOthers(context.Background(), keep)
	if err != nil {
		return err
	}
	for _, gen := range deleted {
		fmt.Println(gen)
	}
	return nil
}

// VAPIDKeysCmd prints a new VAPID key pair.
type VAPIDKeysCmd struct{}

func (c *VAPIDKeysCmd) Run(*Globals) error {
	pub, priv, err := webpush.GenerateKeys()
	if err != nil {
		return err
	}
	fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
	return nil
}

// assets resolves the core asset list from the manifest file and the
// discovered shell references.
func (f *AppFlags) assets(ctx context.Context, logger *slog.Logger) ([]string, error) {
	classifier := intercept.Classifier{APIPrefix: f.APIPrefix}

	m := &manifest.Manifest{}
	if f.Manifest != "" {
		loaded, err := manifest.Load(f.Manifest, classifier)
		if err != nil {
			return nil, err
		}
		m = loaded
	}

	if f.Discover != "" {
		client := &http.Client{
			Timeout:   30 * time.Second,
			Transport: telemetry.NewInstrumentedTransport(nil, telemetry.TargetOrigin),
		}
		found, err := manifest.Discover(ctx, client, f.Origin, f.Discover, classifier)
		if err != nil {
			return nil, fmt.Errorf("discovering assets: %w", err)
		}
		m.Merge(found)
		logger.Info("discovered shell assets", "page", f.Discover, "found", len(found))
	}

	if len(m.Assets) == 0 {
		logger.Warn("no core assets configured; install caches nothing")
	}
	return m.Assets, nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func main() {
	// A missing .env is fine; flags and the environment still apply.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("offline-shell"),
		kong.Description("Offline-first app shell with notification delivery."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	cli.logger = logger

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}
