package observability

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	require.True(t, MetricsEnabled())

	IncOp("send_event", "mqtt")
	IncOp("send_event", "mqtt")
	IncError("send_event", "transient")
	ObserveLatency("send_event", 10*time.Millisecond)
	IncMethodCall("reboot", "ok")
	IncBackends(1)
	IncBackends(1)
	IncBackends(-1)

	assert.InDelta(t, 2, testutil.ToFloat64(opsTotal.WithLabelValues("send_event", "mqtt")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(errorsTotal.WithLabelValues("send_event", "transient")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(methodCallsTotal.WithLabelValues("reboot", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(backendsActive), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(opLatencySec))
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.False(t, TracingEnabled())
	assert.NotNil(t, Tracer())
}

func TestNewResource(t *testing.T) {
	res, err := newResource(ResourceConfig{ServiceName: "sim", ServiceVersion: "1.2.3", Environment: "lab"})
	require.NoError(t, err)

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "sim", attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
	assert.Equal(t, "lab", attrs["deployment.environment"])
	assert.Contains(t, attrs, "telemetry.sdk.name")
}
