package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradeguard/internal/mode"
)

func gather(t *testing.T, r *Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := r.Prometheus().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestObserveModeExportsPriority(t *testing.T) {
	r := NewRegistry()

	r.ObserveMode(mode.SafeModeDisconnected)
	fams := gather(t, r)

	mf, ok := fams["tradeguard_mode"]
	require.True(t, ok)
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, float64(mode.SafeModeDisconnected.Priority()), mf.GetMetric()[0].GetGauge().GetValue())
}

func TestTransitionCounterCarriesLabels(t *testing.T) {
	r := NewRegistry()

	r.ModeTransitions.WithLabelValues("SAFE_MODE", "MD_STALE").Inc()
	r.ModeTransitions.WithLabelValues("SAFE_MODE", "MD_STALE").Inc()
	r.ModeTransitions.WithLabelValues("HALT", "POSITION_MISMATCH").Inc()

	mf := gather(t, r)["tradeguard_mode_transitions_total"]
	require.NotNil(t, mf)
	require.Len(t, mf.GetMetric(), 2)

	byReason := map[string]float64{}
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "reason" {
				byReason[l.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, byReason["MD_STALE"])
	assert.Equal(t, 1.0, byReason["POSITION_MISMATCH"])
}

func TestRegistryIsSelfContained(t *testing.T) {
	// Two registries must not collide through the default global registry.
	a := NewRegistry()
	b := NewRegistry()
	a.BusDropped.Set(3)

	mf := gather(t, b)["tradeguard_bus_dropped_total"]
	require.NotNil(t, mf)
	assert.Equal(t, 0.0, mf.GetMetric()[0].GetGauge().GetValue())
}
