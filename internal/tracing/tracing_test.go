package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestParseExporter(t *testing.T) {
	tests := []struct {
		in      string
		want    Exporter
		wantErr bool
	}{
		{"", ExporterNone, false},
		{"none", ExporterNone, false},
		{"stdout", ExporterStdout, false},
		{"otlp", ExporterOTLP, false},
		{"jaeger", "", true},
	}
	for _, tt := range tests {
		got, err := ParseExporter(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseExporter(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseExporter(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetup_None(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Setup がエラーを返した: %v", err)
	}
	defer shutdown(context.Background())

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("none の場合にスパンが記録されている")
	}
	span.End()
}

func TestSetup_StdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()

	shutdown, err := Setup(ctx, Config{Exporter: ExporterStdout, Version: "test", Output: &buf})
	if err != nil {
		t.Fatalf("Setup がエラーを返した: %v", err)
	}
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	_, span := otel.Tracer("test").Start(ctx, "sync.job")
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown がエラーを返した: %v", err)
	}
	if !strings.Contains(buf.String(), "sync.job") {
		t.Errorf("スパンが出力されていない: %s", buf.String())
	}
}
