package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "nocturne-auth"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// scopePrefix is prepended to every meter and tracer name
	scopePrefix = "github.com/nocturne/nocturne-auth/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "nocturne-auth")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// LogClientIPs controls whether client IP addresses are included in traces and metrics
	// When false, client IP attributes will be omitted from observability data
	//
	// Privacy Note: client IP addresses are personal data under GDPR. Health
	// platforms in particular should leave this off unless required.
	LogClientIPs bool

	// PrometheusEnabled installs a Prometheus reader on the meter provider.
	// The scrape handler is available from MetricsHandler.
	PrometheusEnabled bool

	// OTLPEndpoint is the host:port of an OTLP/HTTP trace collector.
	// Empty disables trace export.
	OTLPEndpoint string

	// OTLPURLPath overrides the default /v1/traces path
	OTLPURLPath string

	// OTLPInsecure disables TLS towards the collector
	OTLPInsecure bool

	// TraceSampleRatio is the parent-based sampling ratio (default: 1.0)
	TraceSampleRatio float64

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	// Providers - these are used to create meters and tracers on demand
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	// registry backs MetricsHandler when the Prometheus reader is enabled
	registry *prometheus.Registry

	// Metrics holder provides pre-configured metric instruments
	metrics *Metrics

	// Shutdown functions (must be registered during New() only, not thread-safe after initialization)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.TraceSampleRatio <= 0 || config.TraceSampleRatio > 1 {
		config.TraceSampleRatio = 1.0
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(context.Background()); err != nil {
			_ = inst.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders wires the configured exporters. Each signal falls back
// to a no-op provider when its exporter is not configured.
func (i *Instrumentation) initializeProviders(ctx context.Context) error {
	if i.config.PrometheusEnabled {
		registry := prometheus.NewRegistry()
		exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("start prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(i.resource),
			sdkmetric.WithReader(exporter),
		)
		i.registry = registry
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	} else {
		i.meterProvider = noop.NewMeterProvider()
	}

	if i.config.OTLPEndpoint != "" {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(i.config.OTLPEndpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if i.config.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if i.config.OTLPURLPath != "" && i.config.OTLPURLPath != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(i.config.OTLPURLPath))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("start trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(i.resource),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(i.config.TraceSampleRatio))),
			sdktrace.WithBatcher(exporter),
		)
		i.tracerProvider = tp
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	} else {
		i.tracerProvider = tracenoop.NewTracerProvider()
	}

	return nil
}

// Shutdown gracefully shuts down all instrumentation providers
// This should be called when the application is terminating
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				// Capture first error, but continue shutting down other components
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope
// Scopes are layer names like "http", "server", "storage", "security"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// MetricsHandler returns the Prometheus scrape handler, or nil when the
// Prometheus reader is not enabled.
func (i *Instrumentation) MetricsHandler() http.Handler {
	if i.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses should be logged
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// StorageSizeCallbacks groups the gauges a store can report. Nil callbacks
// are skipped.
type StorageSizeCallbacks struct {
	Clients       StorageSizeCallback
	Grants        StorageSizeCallback
	Flows         StorageSizeCallback
	DeviceCodes   StorageSizeCallback
	RefreshTokens StorageSizeCallback
	Invites       StorageSizeCallback
	Revocations   StorageSizeCallback
}

// RegisterStorageSizeCallbacks registers callbacks for storage size metrics
// Storage implementations should call this after instrumentation is set
func (i *Instrumentation) RegisterStorageSizeCallbacks(cb StorageSizeCallbacks) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")
	m := i.metrics

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			observe := func(gauge metric.Int64ObservableGauge, fn StorageSizeCallback) {
				if fn != nil {
					observer.ObserveInt64(gauge, fn())
				}
			}
			observe(m.StorageClients, cb.Clients)
			observe(m.StorageGrants, cb.Grants)
			observe(m.StorageFlows, cb.Flows)
			observe(m.StorageDeviceCodes, cb.DeviceCodes)
			observe(m.StorageRefreshTokens, cb.RefreshTokens)
			observe(m.StorageInvites, cb.Invites)
			observe(m.StorageRevocations, cb.Revocations)
			return nil
		},
		m.StorageClients,
		m.StorageGrants,
		m.StorageFlows,
		m.StorageDeviceCodes,
		m.StorageRefreshTokens,
		m.StorageInvites,
		m.StorageRevocations,
	)

	return err
}
