package telemetry

import (
	"context"
	"fmt"

	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Setup installs the global tracer provider. With tracing disabled it returns a no-op
// shutdown and leaves otel's default no-op provider in place.
func Setup(ctx context.Context, cfg *config.TracingConfig, logger *zap.Logger) (func(context.Context) error, error) {
	log := logger.Named("Telemetry")
	if !cfg.Enabled {
		log.Info("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info("Tracing initialized", zap.String("service", cfg.ServiceName))
	return tp.Shutdown, nil
}
