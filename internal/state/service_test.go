package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradeguard/internal/alerts"
	"github.com/sawpanic/tradeguard/internal/breaker"
	"github.com/sawpanic/tradeguard/internal/clock"
	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
	"github.com/sawpanic/tradeguard/internal/gate"
	"github.com/sawpanic/tradeguard/internal/matrix"
	"github.com/sawpanic/tradeguard/internal/mode"
	"github.com/sawpanic/tradeguard/internal/store"
)

type fakeStore struct {
	mu   sync.Mutex
	rows []store.Transition
}

func (f *fakeStore) RecordTransition(_ context.Context, t store.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, t)
	return nil
}

func (f *fakeStore) transitions() []store.Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Transition(nil), f.rows...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alerts.Alert
	audits []alerts.AuditRecord
}

func (r *recordingNotifier) Emit(a alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingNotifier) Audit(rec alerts.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, rec)
}

func (r *recordingNotifier) alertsFor(reason events.ReasonCode) []alerts.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alerts.Alert
	for _, a := range r.alerts {
		if a.Reason == reason {
			out = append(out, a)
		}
	}
	return out
}

// faultAlertsFor counts event-level fault notifications only, excluding the
// alert the service raises for the mode transition itself.
func (r *recordingNotifier) faultAlertsFor(reason events.ReasonCode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Reason == reason && a.Message == "fault reported" {
			n++
		}
	}
	return n
}

type fixture struct {
	svc      *Service
	clk      *clock.Fake
	gate     *gate.Gate
	store    *fakeStore
	notifier *recordingNotifier
	cfg      *config.DegradationConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	m, err := matrix.New(cfg.Matrix)
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	g := gate.New(cfg.Recovery)
	fs := &fakeStore{}
	rn := &recordingNotifier{}
	svc := New(*cfg, clk, m, g, fs, rn, zerolog.Nop())
	return &fixture{svc: svc, clk: clk, gate: g, store: fs, notifier: rn, cfg: cfg}
}

func fault(src events.Source, reason events.ReasonCode, clk clock.Clock) events.SystemEvent {
	return events.New(events.KindFault, src, events.SeverityCritical, reason, clk.Now())
}

func recovered(src events.Source, reason events.ReasonCode, clk clock.Clock) events.SystemEvent {
	return events.New(events.KindRecovered, src, events.SeverityInfo, reason, clk.Now())
}

func TestColdStartIsRecovering(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, mode.Recovering, f.svc.Mode())
	assert.False(t, f.gate.Allows(gate.ActionOpen).Allowed, "cold start never assumes health")
}

func TestBrokerDisconnectLifecycle(t *testing.T) {
	f := newFixture(t)
	var recoveryKicks []events.ReasonCode
	f.svc.SetRecoveryTrigger(func(reason events.ReasonCode) {
		recoveryKicks = append(recoveryKicks, reason)
	})

	f.svc.Handle(fault(events.SourceBroker, events.ReasonBrokerDisconnect, f.clk))
	require.Equal(t, mode.SafeModeDisconnected, f.svc.Mode())
	assert.False(t, f.gate.Allows(gate.ActionSend).Allowed)
	assert.True(t, f.gate.Allows(gate.ActionQuery).FromCache, "disconnected queries serve from cache")

	// Reconnect inside the dwell window: the demand clears but the mode holds.
	f.clk.Advance(10 * time.Second)
	f.svc.Handle(recovered(events.SourceBroker, events.ReasonBrokerReconnected, f.clk))
	assert.Equal(t, mode.SafeModeDisconnected, f.svc.Mode(), "dwell holds the downward transition")

	// Past the dwell the same evidence moves the system to RECOVERING and
	// kicks the orchestrator.
	f.clk.Advance(f.cfg.State.RecoveryDwell)
	f.svc.Handle(recovered(events.SourceBroker, events.ReasonBrokerReconnected, f.clk))
	require.Equal(t, mode.Recovering, f.svc.Mode())
	assert.Contains(t, recoveryKicks, events.ReasonBrokerReconnected)

	// Probes all healthy after the stability window: NORMAL.
	f.clk.Advance(f.cfg.State.RecoveryDwell + time.Second)
	f.svc.Handle(recovered(events.SourceRecovery, events.ReasonProbesHealthy, f.clk))
	assert.Equal(t, mode.Normal, f.svc.Mode())
	assert.True(t, f.gate.Allows(gate.ActionOpen).Allowed)

	rows := f.store.transitions()
	require.NotEmpty(t, rows)
	assert.Equal(t, "NORMAL", rows[len(rows)-1].ToMode)
	for _, row := range rows {
		assert.NotEmpty(t, row.IdempotencyKey)
	}
}

func TestConcurrentFaultsResolveByPriorityNotOrder(t *testing.T) {
	md := func(f *fixture) events.SystemEvent {
		return fault(events.SourceMarketData, events.ReasonMarketDataStale, f.clk)
	}
	db := func(f *fixture) events.SystemEvent {
		return fault(events.SourceDatabase, events.ReasonDBWriteFail, f.clk)
	}
	orders := map[string][]func(*fixture) events.SystemEvent{
		"md_first": {md, db},
		"db_first": {db, md},
	}

	for name, evs := range orders {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			for _, mk := range evs {
				f.svc.Handle(mk(f))
			}
			assert.Equal(t, mode.SafeMode, f.svc.Mode(), "most severe target wins regardless of arrival order")
		})
	}
}

func TestResolveTakesMaximumPriority(t *testing.T) {
	f := newFixture(t)
	got := f.svc.Resolve([]mode.SystemMode{mode.Degraded, mode.Halt, mode.Normal, mode.SafeMode})
	assert.Equal(t, mode.Halt, got)
}

func TestRiskTimeoutNeedsConsecutiveRun(t *testing.T) {
	f := newFixture(t)

	f.svc.Handle(fault(events.SourceRisk, events.ReasonRiskTimeout, f.clk))
	f.svc.Handle(fault(events.SourceRisk, events.ReasonRiskTimeout, f.clk))
	assert.Equal(t, mode.Recovering, f.svc.Mode(), "two timeouts stay below the consecutive gate")

	f.svc.Handle(fault(events.SourceRisk, events.ReasonRiskTimeout, f.clk))
	assert.Equal(t, mode.SafeMode, f.svc.Mode(), "third consecutive timeout escalates")
}

func TestHeartbeatResetsConsecutiveRun(t *testing.T) {
	f := newFixture(t)

	f.svc.Handle(fault(events.SourceRisk, events.ReasonRiskTimeout, f.clk))
	f.svc.Handle(fault(events.SourceRisk, events.ReasonRiskTimeout, f.clk))
	f.svc.Handle(events.New(events.KindHeartbeat, events.SourceRisk, events.SeverityInfo, "", f.clk.Now()))
	f.svc.Handle(fault(events.SourceRisk, events.ReasonRiskTimeout, f.clk))
	f.svc.Handle(fault(events.SourceRisk, events.ReasonRiskTimeout, f.clk))

	assert.Equal(t, mode.Recovering, f.svc.Mode(), "the run restarted after healthy evidence")
}

func TestDuplicateFaultAlertsDeduped(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 4; i++ {
		f.svc.Handle(fault(events.SourceMarketData, events.ReasonMarketDataStale, f.clk))
		f.clk.Advance(time.Second)
	}
	assert.Equal(t, 1, f.notifier.faultAlertsFor(events.ReasonMarketDataStale),
		"repeats inside the dedupe window are suppressed")

	f.clk.Advance(f.cfg.State.DedupeWindow)
	f.svc.Handle(fault(events.SourceMarketData, events.ReasonMarketDataStale, f.clk))
	assert.Equal(t, 2, f.notifier.faultAlertsFor(events.ReasonMarketDataStale),
		"a fresh window alerts again")
}

func TestUnstableNeverChangesMode(t *testing.T) {
	f := newFixture(t)

	f.svc.Handle(events.New(events.KindQualityDegraded, events.SourceMarketData,
		events.SeverityWarning, events.ReasonMarketDataStale, f.clk.Now()))

	assert.Equal(t, mode.Recovering, f.svc.Mode())
	assert.Equal(t, "UNSTABLE", f.svc.SourceStatuses()[events.SourceMarketData])
	warns := f.notifier.alertsFor(events.ReasonMarketDataStale)
	require.Len(t, warns, 1)
	assert.Equal(t, events.SeverityWarning, warns[0].Severity)
}

func TestDownwardTransitionBlockedWhileDemandLive(t *testing.T) {
	f := newFixture(t)

	f.svc.Handle(fault(events.SourceMarketData, events.ReasonMarketDataStale, f.clk))
	require.Equal(t, mode.SafeMode, f.svc.Mode())

	// Dwell satisfied but MD_STALE is still live: no snap back.
	f.clk.Advance(f.cfg.State.RecoveryDwell + time.Second)
	assert.False(t, f.svc.Transition(mode.Normal, "", ""))
	assert.Equal(t, mode.SafeMode, f.svc.Mode())

	// The demand clears with recovered evidence; now RECOVERING is reachable.
	f.svc.Handle(recovered(events.SourceMarketData, events.ReasonMarketDataRecovered, f.clk))
	assert.Equal(t, mode.Recovering, f.svc.Mode())
}

func TestCriticalSourceTTLExpiryYieldsUnknown(t *testing.T) {
	f := newFixture(t)

	// Past the broker's event TTL with no signal at all.
	f.clk.Advance(f.cfg.Breakers.ForSource("broker").EventTTL + time.Second)
	f.svc.Sweep()

	statuses := f.svc.SourceStatuses()
	assert.Equal(t, "UNKNOWN", statuses[events.SourceBroker], "silence is never HEALTHY")
	assert.GreaterOrEqual(t, f.svc.Mode().Priority(), mode.Degraded.Priority())

	require.NotEmpty(t, f.notifier.alertsFor(events.ReasonSourceTTLExpired))

	// Fresh evidence replaces UNKNOWN.
	f.svc.Handle(events.New(events.KindHeartbeat, events.SourceBroker, events.SeverityInfo, "", f.clk.Now()))
	assert.Equal(t, "HEALTHY", f.svc.SourceStatuses()[events.SourceBroker])
}

func TestOperatorForcePinsModeUntilTTL(t *testing.T) {
	f := newFixture(t)

	tr := f.svc.Force(mode.Halt, time.Minute, "ops-7", "exchange maintenance drill")
	assert.Equal(t, mode.Halt, f.svc.Mode())
	assert.True(t, tr.Forced)
	assert.Equal(t, "ops-7", tr.Operator)

	// Events keep accumulating but cannot move the pinned mode.
	f.svc.Handle(fault(events.SourceMarketData, events.ReasonMarketDataStale, f.clk))
	assert.Equal(t, mode.Halt, f.svc.Mode())
	assert.False(t, f.svc.Transition(mode.Normal, "", ""))

	// On expiry the service re-evaluates from live events, dwell not applied.
	f.clk.Advance(61 * time.Second)
	f.svc.Sweep()
	assert.Equal(t, mode.SafeMode, f.svc.Mode(), "expired override yields to the live MD_STALE demand")

	var forceAudits int
	f.notifier.mu.Lock()
	for _, rec := range f.notifier.audits {
		if rec.Kind == "force" {
			forceAudits++
			assert.Equal(t, "ops-7", rec.Operator)
		}
	}
	f.notifier.mu.Unlock()
	assert.Equal(t, 1, forceAudits)
}

func TestForceZeroTTLUsesConfiguredDefault(t *testing.T) {
	f := newFixture(t)

	// Keep the monitored sources fresh so the TTL sweep stays out of the way.
	beat := func() {
		for _, src := range []events.Source{events.SourceBroker, events.SourceMarketData,
			events.SourceRisk, events.SourceDatabase, events.SourceAlerting} {
			f.svc.Handle(events.New(events.KindHeartbeat, src, events.SeverityInfo, "", f.clk.Now()))
		}
	}

	f.svc.Force(mode.SafeMode, 0, "ops-1", "")
	f.clk.Advance(f.cfg.State.ForceDefaultTTL - time.Second)
	beat()
	f.svc.Sweep()
	assert.Equal(t, mode.SafeMode, f.svc.Mode(), "default TTL still running")

	f.clk.Advance(2 * time.Second)
	beat()
	f.svc.Sweep()
	assert.Equal(t, mode.Recovering, f.svc.Mode(), "expired with no live demands, back to the floor")
}

func TestEmergencyDegradeBypassesQueue(t *testing.T) {
	f := newFixture(t)

	f.svc.EmergencyDegrade(fault(events.SourceDatabase, events.ReasonDBBufferOverflow, f.clk))
	assert.Equal(t, mode.SafeMode, f.svc.Mode())

	rows := f.store.transitions()
	require.NotEmpty(t, rows)
	assert.Equal(t, "SAFE_MODE", rows[len(rows)-1].ToMode)
	assert.Equal(t, string(events.ReasonDBBufferOverflow), rows[len(rows)-1].Reason)
}

func TestEmergencyDegradeLandsOnAtLeastSafeMode(t *testing.T) {
	f := newFixture(t)

	// DB_WRITE_FAIL alone maps to DEGRADED, but the emergency path is only
	// taken when delivery already failed, so the floor is SAFE_MODE.
	f.svc.EmergencyDegrade(fault(events.SourceDatabase, events.ReasonDBWriteFail, f.clk))
	assert.Equal(t, mode.SafeMode, f.svc.Mode())
}

func TestSubscribersSeeTransitions(t *testing.T) {
	f := newFixture(t)
	ch := f.svc.Subscribe()

	f.svc.Handle(fault(events.SourceBroker, events.ReasonBrokerDisconnect, f.clk))

	select {
	case tr := <-ch:
		assert.Equal(t, mode.Recovering, tr.From)
		assert.Equal(t, mode.SafeModeDisconnected, tr.To)
		assert.Equal(t, events.ReasonBrokerDisconnect, tr.Reason)
	default:
		t.Fatal("expected a broadcast transition")
	}
}

// handleBus feeds breaker output straight into the service, standing in for
// the event bus.
type handleBus struct{ svc *Service }

func (h handleBus) Publish(ev events.SystemEvent) bool {
	h.svc.Handle(ev)
	return true
}

func TestSustainedRiskTimeoutsEscalateThroughBreaker(t *testing.T) {
	f := newFixture(t)
	b := breaker.New(events.SourceRisk, f.cfg.Breakers.ForSource("risk"),
		events.ReasonRiskTimeout, events.ReasonRiskRecovered, f.clk, handleBus{f.svc}, f.gate, zerolog.Nop())

	// fail_threshold_count 3 + trip_threshold_count 2: the fifth failure trips
	// and publishes the first RISK_TIMEOUT fault; each further failure
	// re-publishes it, so the run keeps counting.
	for i := 0; i < 6; i++ {
		b.RecordFailure("risk check timed out")
	}
	assert.Equal(t, mode.Recovering, f.svc.Mode(), "two counted timeouts stay below the consecutive gate")

	b.RecordFailure("risk check timed out")
	assert.Equal(t, mode.SafeMode, f.svc.Mode(), "the sustained run reaches the matrix gate")
}

func TestBreakerHeartbeatsKeepCriticalSourceFresh(t *testing.T) {
	f := newFixture(t)
	cfg := f.cfg.Breakers.ForSource("broker")
	b := breaker.New(events.SourceBroker, cfg,
		events.ReasonBrokerDisconnect, events.ReasonBrokerReconnected, f.clk, handleBus{f.svc}, f.gate, zerolog.Nop())

	// Probe successes well past the broker's event TTL keep its status fresh.
	steps := int(cfg.EventTTL/cfg.ProbeInterval) + 3
	for i := 0; i < steps; i++ {
		f.clk.Advance(cfg.ProbeInterval)
		b.RecordSuccess()
	}
	f.svc.Sweep()

	statuses := f.svc.SourceStatuses()
	assert.Equal(t, "HEALTHY", statuses[events.SourceBroker], "heartbeats hold off the TTL sweep")
	assert.Equal(t, "UNKNOWN", statuses[events.SourceMarketData], "a silent critical source still expires")
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	f := newFixture(t)
	closing := f.svc.Subscribe()
	staying := f.svc.Subscribe()
	require.Equal(t, 2, f.svc.Subscribers())

	f.svc.Unsubscribe(closing)
	assert.Equal(t, 1, f.svc.Subscribers())
	_, open := <-closing
	assert.False(t, open, "unsubscribed channel is closed")

	f.svc.Handle(fault(events.SourceBroker, events.ReasonBrokerDisconnect, f.clk))
	select {
	case tr := <-staying:
		assert.Equal(t, mode.SafeModeDisconnected, tr.To)
	default:
		t.Fatal("remaining subscriber lost the transition")
	}
}

func TestSequenceIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ch := f.svc.Subscribe()

	f.svc.Handle(fault(events.SourceDatabase, events.ReasonDBWriteFail, f.clk))
	f.svc.Handle(fault(events.SourceMarketData, events.ReasonMarketDataStale, f.clk))
	f.svc.Handle(fault(events.SourceRisk, events.ReasonPositionMismatch, f.clk))

	var last uint64
	for i := 0; i < 3; i++ {
		tr := <-ch
		assert.Greater(t, tr.Seq, last)
		last = tr.Seq
	}
	assert.Equal(t, mode.Halt, f.svc.Mode())
}
