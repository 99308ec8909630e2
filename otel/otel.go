/*
 * Copyright (C) 2024 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not
 * use this file except in compliance with the License. You may obtain a copy of
 * the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
 * WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
 * License for the specific language governing permissions and limitations under
 * the License.
 */

package otelgo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/detectors/gcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Attributes label one recorded request.
type Attributes struct {
	Method    string
	Status    string
	QueryType string
}

var (
	attributeKeyKeyspace  = attribute.Key("keyspace")
	attributeKeyMethod    = attribute.Key("method")
	attributeKeyStatus    = attribute.Key("status")
	attributeKeyCluster   = attribute.Key("cluster")
	attributeKeyQueryType = attribute.Key("query_type")
)

// OTelConfig holds configuration for OpenTelemetry.
type OTelConfig struct {
	TraceEnabled         bool
	MetricEnabled        bool
	TracerEndpoint       string
	MetricEndpoint       string
	ServiceName          string
	TraceSampleRatio     float64
	OTELEnabled          bool
	Keyspace             string
	Cluster              string
	HealthCheckEnabled   bool
	HealthCheckEp        string
	ServiceVersion       string
	ServiceInstanceIDKey string
}

func (c *OTelConfig) tracing() bool { return c.OTELEnabled && c.TraceEnabled }
func (c *OTelConfig) metrics() bool { return c.OTELEnabled && c.MetricEnabled }

const (
	requestCountMetric = "cqldriver/request_count"
	latencyMetric      = "cqldriver/roundtrip_latencies"
	inFlightMetric     = "cqldriver/in_flight_requests"

	healthCheckTimeout = 5 * time.Second
)

// latencyBuckets are in milliseconds, growing by roughly 25% per bucket.
var latencyBuckets = func() []float64 {
	buckets := []float64{0}
	for b := 1.0; b < 60000; b *= 1.25 {
		buckets = append(buckets, float64(int64(b*100))/100)
	}
	return buckets
}()

// OpenTelemetry records a span and request metrics for every command a
// session runs. The zero configuration is a no-op.
type OpenTelemetry struct {
	Config         *OTelConfig
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Logger         *zap.Logger

	requestCount   metric.Int64Counter
	requestLatency metric.Float64Histogram
	inFlight       metric.Int64UpDownCounter
	common         []attribute.KeyValue
}

// NewOpenTelemetry exports spans and metrics over OTLP/gRPC to the configured
// collector. The returned shutdown flushes and stops the exporters; it is nil
// when telemetry is disabled.
func NewOpenTelemetry(ctx context.Context, config *OTelConfig, logger *zap.Logger) (*OpenTelemetry, func(context.Context) error, error) {
	o := &OpenTelemetry{Config: config, Logger: logger}
	if !config.OTELEnabled {
		return o, nil, nil
	}
	o.common = commonAttributes(config)

	if config.HealthCheckEnabled {
		if err := checkCollector(ctx, config.HealthCheckEp); err != nil {
			return o, nil, err
		}
		logger.Info("OTEL health check COMPLETE")
	}

	res := newResource(ctx, config)
	var shutdowns []func(context.Context) error
	if config.TraceEnabled {
		tp, err := newTracerProvider(ctx, config, res)
		if err != nil {
			logger.Error("error while initializing the tracer provider", zap.Error(err))
			return nil, nil, err
		}
		o.TracerProvider = tp
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}
	o.Tracer = otel.GetTracerProvider().Tracer(config.ServiceName)

	if config.MetricEnabled {
		mp, err := newMeterProvider(ctx, config, res)
		if err != nil {
			logger.Error("error while initializing the meter provider", zap.Error(err))
			return nil, nil, err
		}
		o.MeterProvider = mp
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}
	o.Meter = otel.GetMeterProvider().Meter(config.ServiceName)

	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}
	if err := o.registerInstruments(); err != nil {
		return o, shutdown, err
	}
	return o, shutdown, nil
}

// NewOpenTelemetryWithProviders wires caller owned providers instead of OTLP
// exporters. Shutting the providers down is left to the caller.
func NewOpenTelemetryWithProviders(config *OTelConfig, tp trace.TracerProvider, mp metric.MeterProvider, logger *zap.Logger) (*OpenTelemetry, error) {
	o := &OpenTelemetry{Config: config, Logger: logger, common: commonAttributes(config)}
	if !config.OTELEnabled {
		return o, nil
	}
	o.Tracer = tp.Tracer(config.ServiceName)
	o.Meter = mp.Meter(config.ServiceName)
	if err := o.registerInstruments(); err != nil {
		return nil, err
	}
	return o, nil
}

func commonAttributes(config *OTelConfig) []attribute.KeyValue {
	return []attribute.KeyValue{
		attributeKeyCluster.String(config.Cluster),
		attributeKeyKeyspace.String(config.Keyspace),
	}
}

// checkCollector fails unless the collector's health endpoint answers 200.
func checkCollector(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("OTEL collector health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("OTEL collector service is not up and running")
	}
	return nil
}

func (o *OpenTelemetry) registerInstruments() (err error) {
	o.requestCount, err = o.Meter.Int64Counter(requestCountMetric,
		metric.WithDescription("Number of requests sent to the cluster"),
		metric.WithUnit("1"))
	if err != nil {
		o.Logger.Error("error during registering instrument for metric "+requestCountMetric, zap.Error(err))
		return err
	}
	o.requestLatency, err = o.Meter.Float64Histogram(latencyMetric,
		metric.WithDescription("Round-trip latency of requests, including retries and re-prepares"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
		metric.WithUnit("ms"))
	if err != nil {
		o.Logger.Error("error during registering instrument for metric "+latencyMetric, zap.Error(err))
		return err
	}
	o.inFlight, err = o.Meter.Int64UpDownCounter(inFlightMetric,
		metric.WithDescription("Requests holding a session request slot"),
		metric.WithUnit("1"))
	if err != nil {
		o.Logger.Error("error during registering instrument for metric "+inFlightMetric, zap.Error(err))
		return err
	}
	return nil
}

func newTracerProvider(ctx context.Context, config *OTelConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.TracerEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.TraceSampleRatio))),
	), nil
}

func newMeterProvider(ctx context.Context, config *OTelConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.MetricEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	// The exporter's own gRPC client metrics are noise next to the driver's.
	dropGRPC := sdkmetric.NewView(
		sdkmetric.Instrument{Name: "rpc.client.*"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationDrop{}},
	)
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(dropGRPC),
	), nil
}

func newResource(ctx context.Context, config *OTelConfig) *resource.Resource {
	instanceID := config.ServiceInstanceIDKey
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(config.ServiceName),
		semconv.ServiceInstanceIDKey.String(instanceID),
		semconv.ServiceVersionKey.String(config.ServiceVersion),
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithDetectors(gcp.NewDetector()),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
	}
	return res
}

// StartSpan starts a span named after the driver operation. It returns a nil
// span when tracing is disabled.
func (o *OpenTelemetry) StartSpan(ctx context.Context, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if !o.Config.tracing() {
		return ctx, nil
	}
	return o.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError sets the span status from err.
func (o *OpenTelemetry) RecordError(span trace.Span, err error) {
	if !o.Config.tracing() || span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func (o *OpenTelemetry) EndSpan(span trace.Span) {
	if !o.Config.tracing() || span == nil {
		return
	}
	span.End()
}

func (o *OpenTelemetry) labels(attrs Attributes, withStatus bool) metric.MeasurementOption {
	kv := make([]attribute.KeyValue, 0, len(o.common)+3)
	kv = append(kv, o.common...)
	kv = append(kv, attributeKeyMethod.String(attrs.Method), attributeKeyQueryType.String(attrs.QueryType))
	if withStatus {
		kv = append(kv, attributeKeyStatus.String(attrs.Status))
	}
	return metric.WithAttributes(kv...)
}

// RecordLatencyMetric records how long a request took, in milliseconds.
func (o *OpenTelemetry) RecordLatencyMetric(ctx context.Context, elapsed time.Duration, attrs Attributes) {
	if !o.Config.metrics() {
		return
	}
	o.requestLatency.Record(ctx, float64(elapsed.Microseconds())/1000, o.labels(attrs, false))
}

// RecordRequestCountMetric counts one finished request.
func (o *OpenTelemetry) RecordRequestCountMetric(ctx context.Context, attrs Attributes) {
	if !o.Config.metrics() {
		return
	}
	o.requestCount.Add(ctx, 1, o.labels(attrs, true))
}

// AddInFlight moves the in-flight gauge by delta.
func (o *OpenTelemetry) AddInFlight(ctx context.Context, delta int64) {
	if !o.Config.metrics() {
		return
	}
	o.inFlight.Add(ctx, delta, metric.WithAttributes(o.common...))
}

// AddAnnotation add event to the span of the given ctx.
func AddAnnotation(ctx context.Context, event string) {
	trace.SpanFromContext(ctx).AddEvent(event)
}

// AddAnnotationWithAttr add event to the span of the given ctx with the necessary attributes.
func AddAnnotationWithAttr(ctx context.Context, event string, attr []attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(event, trace.WithAttributes(attr...))
}
