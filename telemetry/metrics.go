package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/offline-shell"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	outboundDuration   metric.Float64Histogram
	outboundTotal      metric.Int64Counter
	outboundBytesTotal metric.Int64Counter

	storeOpDuration metric.Float64Histogram
	storeOpsTotal   metric.Int64Counter
	storeBytesTotal metric.Int64Counter

	revalidationsTotal    metric.Int64Counter
	generationPurgedTotal metric.Int64Counter
	installAssetsTotal    metric.Int64Counter

	notificationOpsTotal metric.Int64Counter
	routerActionsTotal   metric.Int64Counter
	pushSendsTotal       metric.Int64Counter
	schedulerFiredTotal  metric.Int64Counter
	schedulerCycleTime   metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "offline-shell"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Still collect metrics with no exporter configured
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// instruments collects instrument creation errors so newMetrics reads top to bottom.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc, unit string) metric.Int64Counter {
	if in.err != nil {
		return nil
	}
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	in.err = err
	return c
}

func (in *instruments) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	if in.err != nil {
		return nil
	}
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit(unit)}
	if len(bounds) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.err = err
	return h
}

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	in := &instruments{meter: meter}

	m := &Metrics{
		requestsTotal:           in.counter("offline_shell_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal:      in.counter("offline_shell_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:         in.histogram("offline_shell_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets...),
		requestsByEndpointTotal: in.counter("offline_shell_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint (detail metric)", "{request}"),

		outboundDuration:   in.histogram("offline_shell_outbound_request_duration_seconds", "Duration of requests to the origin, app API and push services", "s", append(latencyBuckets, 20, 40, 60)...),
		outboundTotal:      in.counter("offline_shell_outbound_requests_total", "Total requests to the origin, app API and push services", "{request}"),
		outboundBytesTotal: in.counter("offline_shell_outbound_response_bytes_total", "Total bytes read from outbound responses", "By"),

		storeOpDuration: in.histogram("offline_shell_store_operation_duration_seconds", "Duration of asset cache store operations", "s", latencyBuckets...),
		storeOpsTotal:   in.counter("offline_shell_store_operations_total", "Total number of asset cache store operations", "{operation}"),
		storeBytesTotal: in.counter("offline_shell_store_bytes_total", "Total response body bytes written to or read from the asset cache", "By"),

		revalidationsTotal:    in.counter("offline_shell_revalidations_total", "Background revalidation results", "{revalidation}"),
		generationPurgedTotal: in.counter("offline_shell_generations_purged_total", "Cache generations deleted on activation", "{generation}"),
		installAssetsTotal:    in.counter("offline_shell_install_assets_total", "Core assets fetched during install", "{asset}"),

		notificationOpsTotal: in.counter("offline_shell_notification_operations_total", "Notification operations by backend and outcome", "{operation}"),
		routerActionsTotal:   in.counter("offline_shell_router_actions_total", "Notification interactions handled by the action router", "{action}"),
		pushSendsTotal:       in.counter("offline_shell_push_sends_total", "Web push messages sent to subscriptions", "{message}"),
		schedulerFiredTotal:  in.counter("offline_shell_scheduler_fired_total", "Scheduled notifications fired by the native scheduler", "{notification}"),
		schedulerCycleTime:   in.histogram("offline_shell_scheduler_cycle_duration_seconds", "Duration of one native scheduler cycle", "s", latencyBuckets...),
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	route := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {route, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("route", route),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// OutboundFetch describes one completed outbound request.
type OutboundFetch struct {
	Target    string
	Operation string
	Outcome   string
	// Status is zero when no response arrived.
	Status   int
	Duration time.Duration
	Bytes    int64
}

// RecordOutbound records a request to the origin, the app API or a push service.
func RecordOutbound(ctx context.Context, f OutboundFetch) {
	if globalMetrics == nil {
		return
	}

	statusClass := "none"
	if f.Status != 0 {
		statusClass = StatusClass(f.Status)
	}
	attrs := metric.WithAttributes(
		attribute.String("target", f.Target),
		attribute.String("operation", f.Operation),
		attribute.String("outcome", f.Outcome),
		attribute.String("status_class", statusClass),
	)
	globalMetrics.outboundDuration.Record(ctx, f.Duration.Seconds(), attrs)
	globalMetrics.outboundTotal.Add(ctx, 1, attrs)
	if f.Bytes > 0 {
		globalMetrics.outboundBytesTotal.Add(ctx, f.Bytes, attrs)
	}
}

// RecordStoreOp records an asset cache store operation.
func RecordStoreOp(ctx context.Context, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordRevalidation records the result of one network revalidation.
// outcome is "stored", "uncacheable", "not_ok" or "error".
func RecordRevalidation(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.revalidationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordGenerationsPurged records generations deleted during activation.
func RecordGenerationsPurged(ctx context.Context, deleted int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.generationPurgedTotal.Add(ctx, int64(deleted))
}

// RecordInstallAsset records one core asset fetched during install.
func RecordInstallAsset(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.installAssetsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordNotificationOp records a selector operation against a backend.
// op is "initialize", "schedule", "show", "cancel" or "cancel_all".
func RecordNotificationOp(ctx context.Context, backend, op string, ok bool) {
	if globalMetrics == nil {
		return
	}
	outcome := "false"
	if ok {
		outcome = "true"
	}
	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.notificationOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRouterAction records a notification interaction handled by the router.
func RecordRouterAction(ctx context.Context, action, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	}
	globalMetrics.routerActionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPushSend records one web push delivery attempt.
func RecordPushSend(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pushSendsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSchedulerCycle records one native scheduler cycle's fired count and duration.
func RecordSchedulerCycle(ctx context.Context, fired int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.schedulerFiredTotal.Add(ctx, int64(fired))
	globalMetrics.schedulerCycleTime.Record(ctx, duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
