package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterVecLabels(t *testing.T) {
	counter := CommandsTotal.WithLabelValues("imap", "FETCH", "success")
	before := testutil.ToFloat64(counter)
	counter.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestGaugeWrite(t *testing.T) {
	gauge := ConnectionsCurrent.WithLabelValues("metrics-test")
	gauge.Inc()
	gauge.Inc()
	gauge.Dec()

	var m dto.Metric
	require.NoError(t, gauge.Write(&m))
	assert.Equal(t, 1.0, m.GetGauge().GetValue())
}

func TestMetricsRegistered(t *testing.T) {
	// Vectors only appear in the registry once a child exists.
	RelayAttempts.WithLabelValues("success")
	MessagesExpunged.Add(0)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["trove_relay_attempts_total"])
	assert.True(t, names["trove_messages_expunged_total"])
}
