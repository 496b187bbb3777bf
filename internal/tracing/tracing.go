// Package tracing はOpenTelemetryのTracerProviderを設定する。
// Canvasクライアントと同期処理は otel.Tracer でスパンを作るため、
// ここで設定したプロバイダーがプロセス全体に適用される。
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName はトレースに付けるサービス名。
const ServiceName = "canvassync"

// Exporter はスパンの出力先の種類。
type Exporter string

const (
	ExporterNone   Exporter = "none"
	ExporterStdout Exporter = "stdout"
	ExporterOTLP   Exporter = "otlp"
)

// ParseExporter は文字列を Exporter に変換する。
func ParseExporter(s string) (Exporter, error) {
	switch e := Exporter(s); e {
	case ExporterNone, ExporterStdout, ExporterOTLP:
		return e, nil
	case "":
		return ExporterNone, nil
	default:
		return "", fmt.Errorf("unsupported tracing exporter: %q", s)
	}
}

// Config はトレースの設定。
type Config struct {
	Exporter     Exporter
	OTLPEndpoint string    // host:port。空ならOTLPの既定値
	Version      string    // service.version
	Output       io.Writer // stdout エクスポーターの出力先。nil なら標準出力
}

// ShutdownFunc は未送信のスパンを送ってプロバイダーを停止する。
type ShutdownFunc func(ctx context.Context) error

// Setup はグローバルなTracerProviderを設定する。
// Exporter が none の場合は何も記録しないプロバイダーを設定する。
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Output != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Output))
		}
		return stdouttrace.New(opts...)
	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %q", cfg.Exporter)
	}
}
