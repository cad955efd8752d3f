package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradeguard/internal/clock"
	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
	"github.com/sawpanic/tradeguard/internal/gate"
	"github.com/sawpanic/tradeguard/internal/mode"
	"github.com/sawpanic/tradeguard/internal/probes"
)

// Publisher is the bus surface a breaker needs. Publish must be non-blocking.
type Publisher interface {
	Publish(ev events.SystemEvent) bool
}

// Breaker is the per-dependency local circuit. It classifies raw failures,
// applies hysteresis so that transient noise never reaches the state service,
// and emits normalized SystemEvents on level changes.
//
// Level transitions: HEALTHY -> UNSTABLE after the configured count or window
// of continuous failure, UNSTABLE -> TRIPPED on continued failure, and
// TRIPPED -> HEALTHY only after the recovery-stable window of continuous
// success.
type Breaker struct {
	source        events.Source
	cfg           config.BreakerConfig
	faultReason   events.ReasonCode
	recoverReason events.ReasonCode

	clk    clock.Clock
	pub    Publisher
	gate   *gate.Gate
	logger zerolog.Logger

	mu             sync.Mutex
	level          mode.SystemLevel
	recovering     bool        // tripped, seeing success, waiting out the stable window
	failures       int         // consecutive failures
	failingSince   clock.Stamp // first failure of the current run
	successSince   clock.Stamp // first success of the current recovery run
	lastHeartbeat  clock.Stamp // last published heartbeat, rate-limited to probe cadence
	lastTransition clock.Stamp
}

// New creates a breaker for one monitored source. faultReason is emitted when
// the breaker trips; recoverReason (may be empty) when it fully recovers.
func New(source events.Source, cfg config.BreakerConfig, faultReason, recoverReason events.ReasonCode,
	clk clock.Clock, pub Publisher, g *gate.Gate, logger zerolog.Logger) *Breaker {
	return &Breaker{
		source:        source,
		cfg:           cfg,
		faultReason:   faultReason,
		recoverReason: recoverReason,
		clk:           clk,
		pub:           pub,
		gate:          g,
		logger:        logger.With().Str("component", "breaker").Str("source", string(source)).Logger(),
		level:         mode.Healthy,
		lastHeartbeat: clk.Now(),
	}
}

// RecordFailure feeds one classified failure into the hysteresis state.
func (b *Breaker) RecordFailure(detail string) {
	now := b.clk.Now()

	b.mu.Lock()
	if b.failures == 0 {
		b.failingSince = now
	}
	b.failures++
	b.recovering = false
	b.successSince = clock.Stamp{}

	var emit *events.SystemEvent
	switch b.level {
	case mode.Healthy:
		if b.failures >= b.cfg.FailThresholdCount || b.failingSince.Age(now) >= b.cfg.FailThresholdWindow {
			b.setLevel(mode.Unstable, now)
			ev := b.event(events.KindQualityDegraded, events.SeverityWarning, b.faultReason, now, detail)
			emit = &ev
		}
	case mode.Unstable:
		if b.failures >= b.cfg.FailThresholdCount+b.cfg.TripThresholdCount {
			b.setLevel(mode.Tripped, now)
			ev := b.event(events.KindFault, events.SeverityCritical, b.faultReason, now, detail)
			emit = &ev
		}
	case mode.Tripped:
		// Re-publish the fault so the state service sees every observed
		// failure of the run, not just the trip edge. Its consecutive
		// counter and the matrix min_consecutive gates feed off these.
		ev := b.event(events.KindFault, events.SeverityCritical, b.faultReason, now, detail)
		emit = &ev
	}
	b.mu.Unlock()

	if emit != nil {
		b.pub.Publish(*emit)
	}
}

// RecordSuccess feeds one success. A tripped breaker enters its recovery run;
// only after the configured stable window of uninterrupted success does it
// return to HEALTHY and emit its recovered event.
func (b *Breaker) RecordSuccess() {
	now := b.clk.Now()

	b.mu.Lock()
	b.failures = 0
	b.failingSince = clock.Stamp{}

	var emit *events.SystemEvent
	switch b.level {
	case mode.Healthy:
		// Steady state. A heartbeat per probe interval keeps the source's
		// event TTL from expiring into UNKNOWN while everything is fine.
		if b.lastHeartbeat.Age(now) >= b.cfg.ProbeInterval {
			b.lastHeartbeat = now
			ev := b.event(events.KindHeartbeat, events.SeverityInfo, "", now, "")
			emit = &ev
		}
	case mode.Unstable:
		// One clean success clears UNSTABLE; it never changed mode, so no
		// recovered event is owed.
		b.setLevel(mode.Healthy, now)
	case mode.Tripped:
		if !b.recovering {
			b.recovering = true
			b.successSince = now
			break
		}
		if b.successSince.Age(now) >= b.cfg.RecoveryStableWindow {
			b.setLevel(mode.Healthy, now)
			b.recovering = false
			if b.recoverReason != "" {
				ev := b.event(events.KindRecovered, events.SeverityInfo, b.recoverReason, now, "")
				emit = &ev
			}
		}
	}
	b.mu.Unlock()

	if emit != nil {
		b.pub.Publish(*emit)
	}
}

// setLevel assumes b.mu is held.
func (b *Breaker) setLevel(l mode.SystemLevel, now clock.Stamp) {
	if b.level == l {
		return
	}
	b.logger.Info().Str("from", b.level.String()).Str("to", l.String()).Msg("breaker level change")
	b.level = l
	b.lastTransition = now
}

func (b *Breaker) event(kind events.Kind, sev events.Severity, reason events.ReasonCode, now clock.Stamp, detail string) events.SystemEvent {
	ev := events.New(kind, b.source, sev, reason, now).WithTTL(b.cfg.EventTTL)
	if detail != "" {
		ev = ev.WithDetail("error", detail)
	}
	return ev
}

// Level returns the current hysteresis level.
func (b *Breaker) Level() mode.SystemLevel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// IsTripped reports whether the breaker currently refuses actions.
func (b *Breaker) IsTripped() bool {
	return b.Level() == mode.Tripped
}

// Allow applies the local-can-only-tighten rule: an action passes only when
// the global gate allows it and this breaker is not tripped. A breaker may
// refuse what the gate would allow, never the reverse.
func (b *Breaker) Allow(action gate.Action) gate.Decision {
	d := b.gate.Allows(action)
	if d.Allowed && b.IsTripped() {
		d.Allowed = false
		d.BestEffort = false
		d.Reason = b.faultReason
		d.Source = b.source
	}
	return d
}

// ProbeInterval returns the current probe cadence: the raised interval while
// the breaker is not healthy, the baseline otherwise.
func (b *Breaker) ProbeInterval() time.Duration {
	if b.Level() == mode.Healthy {
		return b.cfg.ProbeInterval
	}
	return b.cfg.RaisedProbeInterval
}

// Run probes the dependency until ctx is done, feeding outcomes into the
// hysteresis state. The ticker is re-armed after every probe so that cadence
// follows the current level.
func (b *Breaker) Run(ctx context.Context, probe probes.ComponentProbe) {
	timer := time.NewTimer(b.ProbeInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		sig := probe.HealthCheck(ctx)
		if sig.Healthy {
			b.RecordSuccess()
		} else {
			b.RecordFailure(sig.Err)
		}
		timer.Reset(b.ProbeInterval())
	}
}

// Source returns the monitored dependency's identifier.
func (b *Breaker) Source() events.Source { return b.source }
