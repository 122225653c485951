package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	InitMetrics(registry)

	BackendCalls.WithLabelValues("primary", "success").Inc()
	SimulatedCost.Add(0.5)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["imagechain_backend_calls_total"])
	assert.True(t, names["imagechain_runner_simulated_cost_total"])
	assert.GreaterOrEqual(t, testutil.ToFloat64(SimulatedCost), 0.5)

	assert.Panics(t, func() { InitMetrics(registry) }, "double registration must fail loudly")
}
