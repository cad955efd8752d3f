package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
	"github.com/sawpanic/tradeguard/internal/mode"
)

func newTestMatrix(t *testing.T) *Matrix {
	t.Helper()
	m, err := New(config.DefaultConfig().Matrix)
	require.NoError(t, err)
	return m
}

func TestDecideRepresentativeRules(t *testing.T) {
	m := newTestMatrix(t)

	tests := []struct {
		reason events.ReasonCode
		ctx    Context
		want   mode.SystemMode
		change bool
	}{
		{events.ReasonBrokerDisconnect, Context{}, mode.SafeModeDisconnected, true},
		{events.ReasonBrokerReconnected, Context{}, mode.Recovering, true},
		{events.ReasonMarketDataStale, Context{}, mode.SafeMode, true},
		{events.ReasonPositionTruthUnknown, Context{}, mode.Halt, true},
		{events.ReasonPositionMismatch, Context{}, mode.Halt, true},
		{events.ReasonDBBufferOverflow, Context{}, mode.SafeMode, true},
		{events.ReasonDBWriteFail, Context{}, mode.Degraded, true},
		{events.ReasonProbesHealthy, Context{}, mode.Normal, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			d := m.Decide(tt.reason, tt.ctx)
			assert.Equal(t, tt.change, d.ModeChange)
			if tt.change {
				assert.Equal(t, tt.want, d.Target)
			}
		})
	}
}

func TestDecideIsPureAndDeterministic(t *testing.T) {
	m := newTestMatrix(t)
	for i := 0; i < 50; i++ {
		d := m.Decide(events.ReasonBrokerDisconnect, Context{Consecutive: i})
		assert.True(t, d.ModeChange)
		assert.Equal(t, mode.SafeModeDisconnected, d.Target, "iteration %d must not depend on prior calls", i)
	}
}

func TestRiskTimeoutRequiresConsecutiveRun(t *testing.T) {
	m := newTestMatrix(t)

	assert.False(t, m.Decide(events.ReasonRiskTimeout, Context{Consecutive: 1}).ModeChange)
	assert.False(t, m.Decide(events.ReasonRiskTimeout, Context{Consecutive: 2}).ModeChange)

	d := m.Decide(events.ReasonRiskTimeout, Context{Consecutive: 3})
	assert.True(t, d.ModeChange)
	assert.Equal(t, mode.SafeMode, d.Target)

	// A 4th timeout keeps demanding SAFE_MODE; it never downgrades.
	d = m.Decide(events.ReasonRiskTimeout, Context{Consecutive: 4})
	assert.True(t, d.ModeChange)
	assert.Equal(t, mode.SafeMode, d.Target)
}

func TestWarningOnlyAndUnknownReasons(t *testing.T) {
	m := newTestMatrix(t)

	assert.False(t, m.Decide(events.ReasonAlertsChannelDown, Context{}).ModeChange)
	assert.False(t, m.Decide(events.ReasonCode("NEVER_CONFIGURED"), Context{}).ModeChange)
}

func TestNewRejectsUnknownTargetMode(t *testing.T) {
	_, err := New(config.MatrixConfig{Rules: map[string]config.MatrixRule{
		"BROKER_DISCONNECT": {Target: "PANIC_MODE"},
	}})
	assert.Error(t, err)
}
