package breaker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradeguard/internal/clock"
	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
	"github.com/sawpanic/tradeguard/internal/gate"
	"github.com/sawpanic/tradeguard/internal/mode"
)

type capturingBus struct {
	published []events.SystemEvent
}

func (c *capturingBus) Publish(ev events.SystemEvent) bool {
	c.published = append(c.published, ev)
	return true
}

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailThresholdCount:   3,
		FailThresholdWindow:  10 * time.Second,
		TripThresholdCount:   2,
		RecoveryStableWindow: 30 * time.Second,
		ProbeInterval:        5 * time.Second,
		RaisedProbeInterval:  1 * time.Second,
		EventTTL:             60 * time.Second,
	}
}

func newTestBreaker(clk clock.Clock, pub Publisher) (*Breaker, *gate.Gate) {
	g := gate.New(config.DefaultConfig().Recovery)
	b := New(events.SourceBroker, testBreakerConfig(),
		events.ReasonBrokerDisconnect, events.ReasonBrokerReconnected,
		clk, pub, g, zerolog.Nop())
	return b, g
}

func TestTransientFaultsDebouncedLocally(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pub := &capturingBus{}
	b, _ := newTestBreaker(clk, pub)

	// Two failures then a success: noise that never leaves the breaker.
	b.RecordFailure("conn reset")
	b.RecordFailure("conn reset")
	b.RecordSuccess()

	assert.Equal(t, mode.Healthy, b.Level())
	assert.Empty(t, pub.published)
}

func TestUnstableAfterCountThreshold(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pub := &capturingBus{}
	b, _ := newTestBreaker(clk, pub)

	for i := 0; i < 3; i++ {
		b.RecordFailure("timeout")
	}
	assert.Equal(t, mode.Unstable, b.Level())
	require.Len(t, pub.published, 1)
	assert.Equal(t, events.KindQualityDegraded, pub.published[0].Kind)
	assert.Equal(t, events.SeverityWarning, pub.published[0].Severity)
	assert.Equal(t, time.Second, b.ProbeInterval(), "unstable raises probe cadence")
}

func TestUnstableAfterDurationWindow(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pub := &capturingBus{}
	b, _ := newTestBreaker(clk, pub)

	b.RecordFailure("slow")
	clk.Advance(11 * time.Second)
	b.RecordFailure("slow")

	assert.Equal(t, mode.Unstable, b.Level())
}

func TestTripAfterContinuedFailure(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pub := &capturingBus{}
	b, _ := newTestBreaker(clk, pub)

	for i := 0; i < 5; i++ { // 3 to UNSTABLE + 2 more to TRIPPED
		b.RecordFailure("down")
	}
	assert.Equal(t, mode.Tripped, b.Level())

	last := pub.published[len(pub.published)-1]
	assert.Equal(t, events.KindFault, last.Kind)
	assert.Equal(t, events.ReasonBrokerDisconnect, last.Reason)
	assert.Equal(t, events.SeverityCritical, last.Severity)

	// Further failures while tripped re-publish the fault so the state
	// service can count the run.
	before := len(pub.published)
	b.RecordFailure("still down")
	require.Len(t, pub.published, before+1)
	repeat := pub.published[len(pub.published)-1]
	assert.Equal(t, events.KindFault, repeat.Kind)
	assert.Equal(t, events.ReasonBrokerDisconnect, repeat.Reason)
}

func TestHealthySuccessEmitsHeartbeatAtProbeCadence(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pub := &capturingBus{}
	b, _ := newTestBreaker(clk, pub)

	// Successes inside one probe interval coalesce into nothing.
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Empty(t, pub.published)

	clk.Advance(5 * time.Second)
	b.RecordSuccess()
	require.Len(t, pub.published, 1)
	assert.Equal(t, events.KindHeartbeat, pub.published[0].Kind)
	assert.Equal(t, events.SourceBroker, pub.published[0].Source)

	// Still inside the next interval: no second heartbeat yet.
	clk.Advance(time.Second)
	b.RecordSuccess()
	assert.Len(t, pub.published, 1)

	clk.Advance(5 * time.Second)
	b.RecordSuccess()
	assert.Len(t, pub.published, 2)
}

func TestRecoveryRequiresStableWindow(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pub := &capturingBus{}
	b, _ := newTestBreaker(clk, pub)

	for i := 0; i < 5; i++ {
		b.RecordFailure("down")
	}
	require.Equal(t, mode.Tripped, b.Level())

	// First success starts the recovery run but does not close the breaker.
	b.RecordSuccess()
	assert.Equal(t, mode.Tripped, b.Level())

	// Success continues but the stable window has not elapsed yet.
	clk.Advance(15 * time.Second)
	b.RecordSuccess()
	assert.Equal(t, mode.Tripped, b.Level())

	// A failure inside the window restarts the recovery run.
	b.RecordFailure("flap")
	clk.Advance(31 * time.Second)
	b.RecordSuccess()
	assert.Equal(t, mode.Tripped, b.Level(), "failure reset the stable window")

	// Full uninterrupted window closes the breaker and emits recovered.
	clk.Advance(31 * time.Second)
	b.RecordSuccess()
	assert.Equal(t, mode.Healthy, b.Level())

	last := pub.published[len(pub.published)-1]
	assert.Equal(t, events.KindRecovered, last.Kind)
	assert.Equal(t, events.ReasonBrokerReconnected, last.Reason)
}

func TestUnstableClearsOnSuccessWithoutRecoveredEvent(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pub := &capturingBus{}
	b, _ := newTestBreaker(clk, pub)

	for i := 0; i < 3; i++ {
		b.RecordFailure("blip")
	}
	require.Equal(t, mode.Unstable, b.Level())
	published := len(pub.published)

	b.RecordSuccess()
	assert.Equal(t, mode.Healthy, b.Level())
	assert.Len(t, pub.published, published, "UNSTABLE never changed mode, so no recovered event is owed")
}

func TestLocalCanOnlyTighten(t *testing.T) {
	clk := clock.NewFake(time.Now())
	pub := &capturingBus{}
	b, g := newTestBreaker(clk, pub)

	// Put the gate in NORMAL where everything is allowed.
	g.Set(mode.Normal, mode.StageIdle, "", "")
	require.True(t, b.Allow(gate.ActionSend).Allowed)

	for i := 0; i < 5; i++ {
		b.RecordFailure("down")
	}
	require.True(t, b.IsTripped())

	// Tripped breaker refuses what the gate would allow.
	d := b.Allow(gate.ActionSend)
	assert.False(t, d.Allowed)
	assert.Equal(t, events.ReasonBrokerDisconnect, d.Reason)

	// The breaker can never loosen: a HALT gate stays refused even when the
	// breaker itself is healthy again.
	g.Set(mode.Halt, mode.StageIdle, events.ReasonPositionMismatch, events.SourceRisk)
	b.RecordSuccess()
	clk.Advance(31 * time.Second)
	b.RecordSuccess()
	require.False(t, b.IsTripped())
	assert.False(t, b.Allow(gate.ActionSend).Allowed)
}
