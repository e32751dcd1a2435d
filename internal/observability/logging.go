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
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// instrumentationName identifies log records emitted through the OTel bridge.
const instrumentationName = "github.com/florianilch/chatdesk"

// Log export targets.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Exporter selects where log records are exported in addition to the console.
type Exporter struct {
	Kind     string
	Endpoint string
}

// ShutdownFunc flushes and stops exporters.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger and the global trace propagator.
// The returned func must be called before exit to flush exported records.
func Instrument(ctx context.Context, level slog.Level, format string, exporter Exporter) (ShutdownFunc, error) {
	return instrument(ctx, os.Stderr, level, format, exporter)
}

func instrument(ctx context.Context, w io.Writer, level slog.Level, format string, exporter Exporter) (ShutdownFunc, error) {
	console, err := consoleHandler(w, level, format)
	if err != nil {
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	noop := func(context.Context) error { return nil }

	logExporter, err := newLogExporter(ctx, exporter)
	if err != nil {
		return nil, err
	}
	if logExporter == nil {
		slog.SetDefault(slog.New(console))
		return noop, nil
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(logExporter), severity(level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))

	bridge := otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))
	slog.SetDefault(slog.New(&fanoutHandler{handlers: []slog.Handler{console, bridge}}))

	return provider.Shutdown, nil
}

func consoleHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func newLogExporter(ctx context.Context, e Exporter) (sdklog.Exporter, error) {
	switch e.Kind {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		return stdoutlog.New()
	case ExporterOTLPHTTP:
		var opts []otlploghttp.Option
		if e.Endpoint != "" {
			opts = append(opts, otlploghttp.WithEndpointURL(e.Endpoint))
		}
		return otlploghttp.New(ctx, opts...)
	case ExporterOTLPGRPC:
		var opts []otlploggrpc.Option
		if e.Endpoint != "" {
			opts = append(opts, otlploggrpc.WithEndpointURL(e.Endpoint))
		}
		return otlploggrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported telemetry exporter: %s", e.Kind)
	}
}

// severity maps a slog level onto the OTel severity scale (INFO=0 → 9).
type severity slog.Level

func (s severity) Severity() otellog.Severity {
	return otellog.Severity(int(s) + 9)
}

// fanoutHandler forwards each record to every handler that accepts its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: hs}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: hs}
}
