package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	MeterProvider  *sdkmetric.MeterProvider
	MetricsHandler http.Handler
	Metrics        *Metrics
	Shutdown       func(ctx context.Context) error
	Config         Config
}

// Init configures the metrics pipeline. When cfg.Enabled is false the
// function is a no-op and returns nil providers.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "emag-erp"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	metrics, err := NewMetrics(meterProvider)
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create worker instruments: %w", err)
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return meterProvider.Shutdown(ctx)
	}

	return &Providers{
		MeterProvider:  meterProvider,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Metrics:        metrics,
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

// Metrics holds the worker pool's instruments. Error counts carry the error
// type and the category-rank timeout marker so the dominant timeout source
// stays visible on a dashboard without log trawling.
type Metrics struct {
	taskDuration metric.Float64Histogram
	taskTotal    metric.Int64Counter
	errorTotal   metric.Int64Counter
}

// NewMetrics creates the worker instruments on the given provider
func NewMetrics(meterProvider *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := meterProvider.Meter("emag-erp/worker")

	taskDuration, err := meter.Float64Histogram(
		"crawl.task.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to process one crawl task attempt"),
	)
	if err != nil {
		return nil, err
	}

	taskTotal, err := meter.Int64Counter(
		"crawl.task.completed_total",
		metric.WithDescription("Counts tasks completed by the worker pool"),
	)
	if err != nil {
		return nil, err
	}

	errorTotal, err := meter.Int64Counter(
		"crawl.task.error_total",
		metric.WithDescription("Counts failed task attempts by error type"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		taskDuration: taskDuration,
		taskTotal:    taskTotal,
		errorTotal:   errorTotal,
	}, nil
}

// ObserveTaskDuration records how long one attempt took
func (m *Metrics) ObserveTaskDuration(ctx context.Context, taskType string, d time.Duration) {
	m.taskDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("task.type", taskType)))
}

// CountTaskCompleted counts a successful task
func (m *Metrics) CountTaskCompleted(ctx context.Context, taskType string) {
	m.taskTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("task.type", taskType)))
}

// CountTaskError counts a failed attempt
func (m *Metrics) CountTaskError(ctx context.Context, taskType, errorType string, categoryRankTimeout bool) {
	m.errorTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("task.type", taskType),
			attribute.String("error.type", errorType),
			attribute.Bool("category_rank_timeout", categoryRankTimeout),
		))
}
