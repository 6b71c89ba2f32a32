// Package telemetry wires OpenTelemetry tracing for the discovery pipeline.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Settings struct {
	Endpoint string `env:"CF_OTEL_ENDPOINT"`
	Enabled  string `env:"CF_OTEL_ENABLED"`
}

// Active reports whether tracing should be exported.
func (s Settings) Active() bool {
	return s.Endpoint != "" && !strings.EqualFold(s.Enabled, "false")
}

func SettingsFromEnv() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// Setup initialises tracing for serviceName.
//
// Tracing is opt-in: when CF_OTEL_ENDPOINT is empty or CF_OTEL_ENABLED is
// "false", Setup returns a no-op shutdown function and the global provider is
// left alone.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	s, err := SettingsFromEnv()
	if err != nil {
		return noop, err
	}
	if !s.Active() {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(s.Endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}
