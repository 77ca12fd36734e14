package logctx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options configures the root logger.
type Options struct {
	Level          slog.Level
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables shipping records to an OTLP gRPC collector in
	// addition to stdout.
	OTLPEndpoint string
	Output       io.Writer
}

// Setup builds the process logger: JSON on stdout, fanned out to an OTLP
// log exporter when an endpoint is configured. The returned function flushes
// and stops the exporter.
func Setup(ctx context.Context, opts Options) (*slog.Logger, func(context.Context) error, error) {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(opts.Output, &slog.HandlerOptions{Level: opts.Level}),
	}

	shutdown := func(context.Context) error { return nil }

	if opts.OTLPEndpoint != "" {
		res, err := resource.New(ctx,
			resource.WithFromEnv(),
			resource.WithTelemetrySDK(),
			resource.WithAttributes(
				semconv.ServiceName(opts.ServiceName),
				semconv.ServiceVersion(opts.ServiceVersion),
			),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("creating resource: %w", err)
		}

		exporter, err := otlploggrpc.New(ctx,
			otlploggrpc.WithEndpoint(opts.OTLPEndpoint),
			otlploggrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("creating log exporter: %w", err)
		}

		provider := sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
			sdklog.WithResource(res),
		)
		global.SetLoggerProvider(provider)

		handlers = append(handlers, otelslog.NewHandler(
			opts.ServiceName,
			otelslog.WithLoggerProvider(provider),
		))

		shutdown = provider.Shutdown
	}

	return slog.New(NewTraceHandler(slogmulti.Fanout(handlers...))), shutdown, nil
}
