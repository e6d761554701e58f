// Package telemetry はOpenTelemetryトレーシングの初期化を行う。
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// ShutdownFunc はエクスポーターをフラッシュして停止する。
type ShutdownFunc func(ctx context.Context) error

// Setup はOTLP HTTPエクスポーターでトレーシングを初期化し、
// 停止関数とHTTPサーバー用ミドルウェアを返す。
// endpoint が空の場合はトレーシングを無効とし、何もしない停止関数と素通しのミドルウェアを返す。
func Setup(ctx context.Context, serviceName, endpoint string) (ShutdownFunc, func(http.Handler) http.Handler, error) {
	if serviceName == "" {
		return nil, nil, errors.New("telemetry: service name is required")
	}
	if endpoint == "" {
		noop := func(ctx context.Context) error { return nil }
		passthrough := func(next http.Handler) http.Handler { return next }
		return noop, passthrough, nil
	}

	exporter, err := newTraceExporter(ctx, endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create resource: %w", err)
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

	slog.Info("tracing enabled",
		slog.String("service", serviceName),
		slog.String("endpoint", endpoint),
	)

	middleware := func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	}
	return provider.Shutdown, middleware, nil
}

// Transport はクライアントリクエストにトレースコンテキストを伝搬するRoundTripperを返す。
// トレーシングが無効な場合もグローバルのno-opプロバイダーが使われるため安全に呼べる。
func Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}

// newTraceExporter は "http://host:4318/path" 形式と "host:4318" 形式のどちらのエンドポイントも受け付ける。
func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	opts, err := exporterOptions(endpoint)
	if err != nil {
		return nil, err
	}
	return otlptracehttp.New(ctx, opts...)
}

// exporterOptions はエンドポイント文字列をotlptracehttpのオプションに変換する。
func exporterOptions(endpoint string) ([]otlptracehttp.Option, error) {
	var opts []otlptracehttp.Option

	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" && parsed.Host != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(parsed.Host))
		if parsed.Path != "" && parsed.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
		}
		if parsed.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return opts, nil
	}
	if err == nil && parsed.Scheme != "" && parsed.Opaque == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
	}

	opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	return opts, nil
}
