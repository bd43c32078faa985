package observability

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// Config controls telemetry exporters and listeners.
type Config struct {
	ServiceName  string
	Version      string
	StoreDriver  string
	MetricsAddr  string
	OTLPEndpoint string
}

// NewLogger returns the process logger: JSON to stdout, RFC 3339 nano
// timestamps, tagged with the service name.
func NewLogger(service string, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("app", service).Logger()
}

// Resource describes this sync instance to trace backends.
func Resource(cfg Config) *resource.Resource {
	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = uuid.NewString()
	}
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
		attribute.String("service.instance.id", instance),
		attribute.String("fieldsync.store.driver", cfg.StoreDriver),
	)
}

// Start configures OpenTelemetry tracing and the Prometheus listener. The
// returned shutdown function stops both and reports every failure.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	var tracerProvider *sdktrace.TracerProvider
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(Resource(cfg)),
		)
		otel.SetTracerProvider(tracerProvider)
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Str("version", cfg.Version).Msg("otlp tracing enabled")
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server started")
	}

	return func(ctx context.Context) error {
		var errs error
		if metricsSrv != nil {
			errs = multierr.Append(errs, metricsSrv.Shutdown(ctx))
		}
		if tracerProvider != nil {
			errs = multierr.Append(errs, tracerProvider.Shutdown(ctx))
		}
		return errs
	}, nil
}

// LoggerWithTrace attaches trace context to the provided logger when available.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With().Str("trace_id", spanCtx.TraceID().String()).Str("span_id", spanCtx.SpanID().String()).Logger()
}

// RegisterCollectors exposes the build and uptime of this instance. Go
// runtime metrics come from the default registry's own collectors.
func RegisterCollectors(reg prometheus.Registerer, cfg Config) error {
	started := time.Now()

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Name:      "build_info",
		Help:      "Build and storage configuration of the running sync service.",
	}, []string{"version", "go_version", "store_driver"})
	buildInfo.WithLabelValues(cfg.Version, runtime.Version(), cfg.StoreDriver).Set(1)

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Name:      "uptime_seconds",
		Help:      "Seconds since the sync service started.",
	}, func() float64 {
		return time.Since(started).Seconds()
	})

	return multierr.Combine(reg.Register(buildInfo), reg.Register(uptime))
}
