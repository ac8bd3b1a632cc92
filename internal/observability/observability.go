package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled      bool           `yaml:"enabled"`
	OTLPEndpoint string         `yaml:"otlp_endpoint"`
	Insecure     bool           `yaml:"insecure"`
	SampleRatio  float64        `yaml:"sample_ratio"`
	Resource     ResourceConfig `yaml:"resource"`
}

type ResourceConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

var (
	metricsEnabled int32
	tracingEnabled int32

	defaultTracer trace.Tracer

	opsTotal         *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	opLatencySec     *prometheus.HistogramVec
	methodCallsTotal *prometheus.CounterVec
	backendsActive   prometheus.Gauge
)

func MetricsEnabled() bool {
	return atomic.LoadInt32(&metricsEnabled) == 1
}

func TracingEnabled() bool {
	return atomic.LoadInt32(&tracingEnabled) == 1
}

func Tracer() trace.Tracer {
	if defaultTracer != nil {
		return defaultTracer
	}
	return otel.Tracer("hubdevice")
}

// NewMetrics registers the device metrics on reg. Init calls it with the
// default registerer; tests may pass their own.
func NewMetrics(reg prometheus.Registerer) {
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hubdevice_ops_total",
		Help: "Number of transport operations",
	}, []string{"op", "protocol"})
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hubdevice_errors_total",
		Help: "Transport errors by operation and kind",
	}, []string{"op", "kind"})
	opLatencySec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hubdevice_op_latency_seconds",
		Help:    "Transport operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	methodCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hubdevice_method_calls_total",
		Help: "Cloud-invoked method calls by method and outcome",
	}, []string{"method", "outcome"})
	backendsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hubdevice_backends_active",
		Help: "Open transport backends",
	})
	reg.MustRegister(opsTotal, errorsTotal, opLatencySec, methodCallsTotal, backendsActive)
	atomic.StoreInt32(&metricsEnabled, 1)
}

func Init(ctx context.Context, cfg Config, l *slog.Logger) (func(context.Context) error, error) {
	var shutdownFns []func(context.Context) error

	if cfg.Metrics.Enabled {
		shutdownFns = append(shutdownFns, serveMetrics(cfg.Metrics, l))
	}

	if cfg.Tracing.Enabled {
		shutdown, err := initTracing(ctx, cfg.Tracing)
		if err != nil {
			for i := len(shutdownFns) - 1; i >= 0; i-- {
				_ = shutdownFns[i](ctx)
			}
			return nil, err
		}
		shutdownFns = append(shutdownFns, shutdown)
	}

	return func(ctx context.Context) error {
		var errs []error
		for i := len(shutdownFns) - 1; i >= 0; i-- {
			if err := shutdownFns[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}, nil
}

func serveMetrics(cfg MetricsConfig, l *slog.Logger) func(context.Context) error {
	NewMetrics(prometheus.DefaultRegisterer)

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("metrics http server", "err", err)
		}
	}()
	l.Info("metrics server started", "addr", cfg.Addr, "path", path)
	return srv.Shutdown
}

func initTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	res, err := newResource(cfg.Resource)
	if err != nil {
		return nil, err
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	defaultTracer = tp.Tracer("hubdevice")
	atomic.StoreInt32(&tracingEnabled, 1)
	return tp.Shutdown, nil
}

// newResource describes the device process on top of the SDK defaults.
func newResource(cfg ResourceConfig) (*resource.Resource, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("merge tracing resource: %w", err)
	}
	return res, nil
}

func IncOp(op, protocol string) {
	if !MetricsEnabled() {
		return
	}
	opsTotal.WithLabelValues(op, protocol).Inc()
}

func IncError(op, kind string) {
	if !MetricsEnabled() {
		return
	}
	errorsTotal.WithLabelValues(op, kind).Inc()
}

func ObserveLatency(op string, d time.Duration) {
	if !MetricsEnabled() {
		return
	}
	opLatencySec.WithLabelValues(op).Observe(d.Seconds())
}

func IncMethodCall(method, outcome string) {
	if !MetricsEnabled() {
		return
	}
	methodCallsTotal.WithLabelValues(method, outcome).Inc()
}

func IncBackends(delta float64) {
	if !MetricsEnabled() {
		return
	}
	backendsActive.Add(delta)
}
