package telemetry

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/ronappleton/tracker/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scope names the tracer and meter every tracker component reports under.
const Scope = "github.com/ronappleton/tracker"

// Init installs global trace and metric providers exporting over OTLP/gRPC.
// When telemetry is disabled the globals stay as the SDK's no-op defaults.
func Init(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	endpoint := firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.Endpoint)
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")

	traceExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	metricExp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	serviceName := firstNonEmpty(cfg.ServiceName, "workflow-tracker")
	attrs := []attribute.KeyValue{attribute.String("service.name", serviceName)}
	if env := os.Getenv("METRIC_SERVICE_ENV"); env != "" {
		attrs = append(attrs, attribute.String("deployment.environment", env))
	}
	if version := firstNonEmpty(os.Getenv("APP_VERSION"), os.Getenv("GIT_SHA")); version != "" {
		attrs = append(attrs, attribute.String("service.version", version))
	}
	if instance := os.Getenv("HOSTNAME"); instance != "" {
		attrs = append(attrs, attribute.String("service.instance.id", instance))
	}

	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)

	tp := trace.NewTracerProvider(trace.WithBatcher(traceExp), trace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))), sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		_ = mp.Shutdown(ctx)
		return tp.Shutdown(ctx)
	}, nil
}

// Meter returns the tracker meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(Scope)
}

// Counter creates an Int64Counter, falling back to a no-op instrument when the
// provider rejects the definition.
func Counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	if meter == nil {
		meter = Meter()
	}
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(Scope).Int64Counter(name)
	}
	return c
}

// UpDownCounter is Counter for gauges that move both ways.
func UpDownCounter(meter metric.Meter, name, desc string) metric.Int64UpDownCounter {
	if meter == nil {
		meter = Meter()
	}
	c, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(Scope).Int64UpDownCounter(name)
	}
	return c
}

func Module() fx.Option {
	return fx.Invoke(func(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) error {
		shutdown, err := Init(context.Background(), cfg.Telemetry)
		if err != nil {
			return err
		}
		if cfg.Telemetry.Enabled {
			logger.Info("telemetry enabled", zap.String("endpoint", cfg.Telemetry.Endpoint))
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return shutdown(ctx)
			},
		})
		return nil
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
