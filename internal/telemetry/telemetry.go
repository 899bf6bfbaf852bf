// Package telemetry はOpenTelemetryのトレース出力を設定する。
package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown はトレースプロバイダーを停止する関数。
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup はOTEL_EXPORTER_OTLP_ENDPOINTが設定されている場合にOTLP(gRPC)エクスポーターを
// グローバルなトレースプロバイダーとして登録する。
// 未設定の場合やエクスポーターの生成に失敗した場合は何もしない停止関数を返す。
func Setup(ctx context.Context, serviceName string) Shutdown {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		slog.Warn("otel exporter setup failed", slog.String("error", err.Error()))
		return noop
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		slog.Warn("otel resource setup failed", slog.String("error", err.Error()))
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	slog.Info("otel tracing enabled",
		slog.String("endpoint", endpoint),
		slog.String("service", serviceName),
	)
	return provider.Shutdown
}
