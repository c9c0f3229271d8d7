// Package observability configures logging and tracing for the process.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Format selects the console log encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Exporter selects where logs are shipped. ExporterNone keeps logs on the console.
type Exporter string

const (
	ExporterNone     Exporter = "none"
	ExporterStdout   Exporter = "stdout"
	ExporterOTLPHTTP Exporter = "otlp-http"
	ExporterOTLPGRPC Exporter = "otlp-grpc"
)

// Options configures Instrument.
type Options struct {
	ServiceName string
	Level       slog.Level
	Format      Format
	Exporter    Exporter

	// TraceEndpoint is an OTLP/HTTP URL. Tracing is disabled when empty.
	TraceEndpoint string

	// Output receives console logs and stdout exports. Defaults to os.Stderr.
	Output io.Writer
}

// ShutdownFunc flushes and stops the providers set up by Instrument.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger and the global trace propagator.
// The returned ShutdownFunc is never nil.
func Instrument(ctx context.Context, opts Options) (ShutdownFunc, error) {
	var shutdownFuncs []ShutdownFunc
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			errs = append(errs, shutdownFuncs[i](ctx))
		}
		return errors.Join(errs...)
	}

	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "ridergate"
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(opts.ServiceName)))
	if err != nil {
		return shutdown, fmt.Errorf("building resource: %w", err)
	}

	if opts.TraceEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(opts.TraceEndpoint))
		if err != nil {
			return shutdown, fmt.Errorf("creating trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	}

	handler, err := newHandler(ctx, opts, res, &shutdownFuncs)
	if err != nil {
		return shutdown, err
	}
	slog.SetDefault(slog.New(handler))

	return shutdown, nil
}

func newHandler(ctx context.Context, opts Options, res *resource.Resource, shutdownFuncs *[]ShutdownFunc) (slog.Handler, error) {
	if opts.Exporter == "" || opts.Exporter == ExporterNone {
		return newConsoleHandler(opts)
	}

	exporter, err := newLogExporter(ctx, opts)
	if err != nil {
		return nil, err
	}

	// minsev drops records below the configured level before they are batched
	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), minsev.Severity(opts.Level))
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(processor),
		sdklog.WithResource(res),
	)
	*shutdownFuncs = append(*shutdownFuncs, provider.Shutdown)

	return otelslog.NewHandler(opts.ServiceName, otelslog.WithLoggerProvider(provider)), nil
}

func newLogExporter(ctx context.Context, opts Options) (sdklog.Exporter, error) {
	switch opts.Exporter {
	case ExporterStdout:
		return stdoutlog.New(stdoutlog.WithWriter(opts.Output))
	case ExporterOTLPHTTP:
		// Endpoint and headers come from the standard OTEL_EXPORTER_OTLP_* variables
		return otlploghttp.New(ctx)
	case ExporterOTLPGRPC:
		return otlploggrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported log exporter: %s", opts.Exporter)
	}
}

func newConsoleHandler(opts Options) (slog.Handler, error) {
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var h slog.Handler
	switch opts.Format {
	case FormatText, "":
		h = slog.NewTextHandler(opts.Output, handlerOpts)
	case FormatJSON:
		h = slog.NewJSONHandler(opts.Output, handlerOpts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", opts.Format)
	}
	return &traceHandler{Handler: h}, nil
}
