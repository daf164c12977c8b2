//
// Tencent is pleased to support the open source community by making trpc-quantflow available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//

// Package telemetry wires OpenTelemetry tracing and metrics for the graph
// engine. Spans and metrics are exported over OTLP; every exported handle
// is a no-op until Start succeeds.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Service identity attached to every exported span and metric.
const (
	ServiceName    = "quantflow"
	ServiceVersion = "v0.1.0"
	InstrumentName = "trpc.quantflow"
)

const (
	// ProtocolGRPC uses gRPC transport for the OTLP exporters.
	ProtocolGRPC = "grpc"
	// ProtocolHTTP uses HTTP transport for the OTLP exporters.
	ProtocolHTTP = "http"
)

// grpcNewClient is a package-level variable to allow test injection of a
// custom dialer. In production it points to grpc.NewClient.
var grpcNewClient = grpc.NewClient

// Handles used across the engine. They stay no-ops when telemetry is
// disabled or Start was never called.
var (
	Tracer trace.Tracer = tracenoop.NewTracerProvider().Tracer(InstrumentName)
	Meter  metric.Meter = metricnoop.NewMeterProvider().Meter(InstrumentName)

	// JobCounter counts graph executions accepted by the queue.
	JobCounter metric.Int64Counter = metricnoop.Int64Counter{}
	// NodeDuration records per-node execution time in seconds.
	NodeDuration metric.Float64Histogram = metricnoop.Float64Histogram{}
	// TokenCounter counts prompt and completion tokens spent by chat nodes.
	TokenCounter metric.Int64Counter = metricnoop.Int64Counter{}
)

// Option configures Start.
type Option func(*options)

type options struct {
	endpoint       string
	protocol       string
	serviceName    string
	serviceVersion string
	enabled        bool
}

// WithEndpoint sets the endpoint (host and port) the exporters connect to.
// The provided endpoint should resemble "example.com:4317" (no scheme or
// path). When unset, the OTEL_EXPORTER_OTLP_TRACES_ENDPOINT /
// OTEL_EXPORTER_OTLP_METRICS_ENDPOINT / OTEL_EXPORTER_OTLP_ENDPOINT
// environment variables are consulted before the protocol default.
func WithEndpoint(endpoint string) Option {
	return func(opts *options) {
		opts.endpoint = endpoint
	}
}

// WithProtocol selects the OTLP transport. Supported protocols are "grpc"
// (default) and "http".
func WithProtocol(protocol string) Option {
	return func(opts *options) {
		opts.protocol = protocol
	}
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(serviceName string) Option {
	return func(opts *options) {
		opts.serviceName = serviceName
	}
}

// WithServiceVersion overrides the service.version resource attribute.
func WithServiceVersion(serviceVersion string) Option {
	return func(opts *options) {
		opts.serviceVersion = serviceVersion
	}
}

// WithEnabled toggles telemetry export. When disabled, Start leaves the
// no-op handles in place and returns a cleanup that does nothing.
func WithEnabled(enabled bool) Option {
	return func(opts *options) {
		opts.enabled = enabled
	}
}

// Start initializes the global tracer and meter providers and returns a
// cleanup function that flushes and shuts them down.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	options := &options{
		protocol:       ProtocolGRPC,
		serviceName:    ServiceName,
		serviceVersion: ServiceVersion,
		enabled:        true,
	}
	for _, opt := range opts {
		opt(options)
	}
	if !options.enabled {
		return func() error { return nil }, nil
	}

	res, err := buildResource(ctx, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// gRPC exporters share one client connection per endpoint.
	conns := connCache{}

	tracerProvider, err := newTracerProvider(ctx, res, options, conns)
	if err != nil {
		return nil, err
	}
	meterProvider, err := newMeterProvider(ctx, res, options, conns)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	Tracer = tracerProvider.Tracer(InstrumentName)
	Meter = meterProvider.Meter(InstrumentName)
	if err := initInstruments(Meter); err != nil {
		return nil, err
	}

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(
			tracerProvider.Shutdown(ctx),
			meterProvider.Shutdown(ctx),
		)
	}, nil
}

func newTracerProvider(ctx context.Context, res *resource.Resource, options *options, conns connCache) (*sdktrace.TracerProvider, error) {
	endpoint := options.endpoint
	if endpoint == "" {
		endpoint = tracesEndpoint(options.protocol)
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch options.protocol {
	case ProtocolHTTP:
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure())
	default:
		var conn *grpc.ClientConn
		if conn, err = conns.get(endpoint); err == nil {
			exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, options *options, conns connCache) (*sdkmetric.MeterProvider, error) {
	endpoint := options.endpoint
	if endpoint == "" {
		endpoint = metricsEndpoint(options.protocol)
	}

	var (
		exporter sdkmetric.Exporter
		err      error
	)
	switch options.protocol {
	case ProtocolHTTP:
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure())
	default:
		var conn *grpc.ClientConn
		if conn, err = conns.get(endpoint); err == nil {
			exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}

func initInstruments(meter metric.Meter) error {
	var err error
	if JobCounter, err = meter.Int64Counter("quantflow.jobs",
		metric.WithDescription("Graph executions accepted by the queue"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create job counter: %w", err)
	}
	if NodeDuration, err = meter.Float64Histogram("quantflow.node.duration",
		metric.WithDescription("Per-node execution time"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create node duration histogram: %w", err)
	}
	if TokenCounter, err = meter.Int64Counter("quantflow.llm.tokens",
		metric.WithDescription("Prompt and completion tokens spent by chat nodes"),
		metric.WithUnit("{token}"),
	); err != nil {
		return fmt.Errorf("failed to create token counter: %w", err)
	}
	return nil
}

func tracesEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	return defaultEndpoint(protocol)
}

func metricsEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	return defaultEndpoint(protocol)
}

func defaultEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	switch protocol {
	case ProtocolHTTP:
		return "localhost:4318" // HTTP endpoint base URL (the exporter adds the signal path).
	default:
		return "localhost:4317" // gRPC endpoint (host:port).
	}
}

func buildResource(ctx context.Context, options *options) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(options.serviceName),
			semconv.ServiceVersion(options.serviceVersion),
		),
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
}

// connCache hands out one gRPC client connection per endpoint so the trace
// and metric exporters can share a conn when they target the same
// collector.
type connCache map[string]*grpc.ClientConn

func (c connCache) get(endpoint string) (*grpc.ClientConn, error) {
	if conn, ok := c[endpoint]; ok {
		return conn, nil
	}
	// Note the use of insecure transport here. TLS is recommended in production.
	conn, err := grpcNewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	c[endpoint] = conn
	return conn, nil
}
