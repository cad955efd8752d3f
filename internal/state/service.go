package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradeguard/internal/alerts"
	"github.com/sawpanic/tradeguard/internal/clock"
	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
	"github.com/sawpanic/tradeguard/internal/gate"
	"github.com/sawpanic/tradeguard/internal/matrix"
	"github.com/sawpanic/tradeguard/internal/mode"
	"github.com/sawpanic/tradeguard/internal/store"
)

// Transition is one applied mode change, broadcast to subscribers and
// persisted through the store.
type Transition struct {
	From     mode.SystemMode   `json:"from"`
	To       mode.SystemMode   `json:"to"`
	Reason   events.ReasonCode `json:"reason"`
	Source   events.Source     `json:"source"`
	Operator string            `json:"operator,omitempty"`
	Forced   bool              `json:"forced,omitempty"`
	Stamp    clock.Stamp       `json:"stamp"`
	Seq      uint64            `json:"seq"`
}

// TransitionStore persists applied transitions. Implemented by store.Store.
type TransitionStore interface {
	RecordTransition(ctx context.Context, t store.Transition) error
}

// liveTarget is one still-active mode demand derived from an event.
type liveTarget struct {
	target mode.SystemMode
	reason events.ReasonCode
	source events.Source
	stamp  clock.Stamp
	ttl    time.Duration
}

// sourceState is the service's view of one monitored source.
type sourceState struct {
	status      mode.SourceStatus
	lastSeen    clock.Stamp
	lastReason  events.ReasonCode
	consecutive int // run length of identical fault reasons
	critical    bool
	ttl         time.Duration
}

// forcedState is an operator override with an expiry.
type forcedState struct {
	target   mode.SystemMode
	reason   events.ReasonCode
	operator string
	until    clock.Stamp
	active   bool
}

// Service is the single writer of SystemMode. It consumes events from the
// bus, applies per-source hysteresis and the decision matrix, resolves
// concurrent targets by maximum priority, persists every transition, and
// publishes the result to the trading gate and subscribers.
//
// The mode starts at RECOVERING unconditionally: a cold start never assumes
// health.
type Service struct {
	cfg     config.DegradationConfig
	clk     clock.Clock
	matrix  *matrix.Matrix
	gate    *gate.Gate
	store   TransitionStore
	emitter alerts.Notifier
	logger  zerolog.Logger

	// onRecovering is invoked (outside the lock) whenever the mode enters
	// RECOVERING from a recovered-kind event, to kick the orchestrator.
	onRecovering func(reason events.ReasonCode)

	mu         sync.Mutex
	current    mode.SystemMode
	stage      mode.RecoveryStage
	floor      mode.SystemMode // minimum mode until recovery completes
	live       map[string]liveTarget
	sources    map[events.Source]*sourceState
	forced     forcedState
	lastChange clock.Stamp
	lastAlert  map[string]clock.Stamp // (source,reason) -> last alert stamp, for dedupe
	seq        uint64

	subsMu sync.Mutex
	subs   []chan Transition
}

// New constructs the service. It does not start the processing loop; call Run.
func New(cfg config.DegradationConfig, clk clock.Clock, m *matrix.Matrix, g *gate.Gate,
	ts TransitionStore, emitter alerts.Notifier, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:       cfg,
		clk:       clk,
		matrix:    m,
		gate:      g,
		store:     ts,
		emitter:   emitter,
		logger:    logger.With().Str("component", "state").Logger(),
		current:   mode.Recovering,
		stage:     mode.StageIdle,
		floor:     mode.Recovering,
		live:      make(map[string]liveTarget),
		sources:   make(map[events.Source]*sourceState),
		lastAlert: make(map[string]clock.Stamp),
	}
	now := clk.Now()
	s.lastChange = now
	for name, bc := range cfg.Breakers.Sources {
		s.sources[events.Source(name)] = &sourceState{
			status:   mode.StatusHealthy,
			lastSeen: now,
			critical: bc.Critical,
			ttl:      cfg.Breakers.ForSource(name).EventTTL,
		}
	}
	g.Set(s.current, s.stage, "", "")
	return s
}

// SetRecoveryTrigger installs the callback that starts a recovery run when the
// mode enters RECOVERING. Wired after the orchestrator is constructed.
func (s *Service) SetRecoveryTrigger(fn func(reason events.ReasonCode)) {
	s.onRecovering = fn
}

// Run consumes the bus until ctx is done. Events are processed strictly
// sequentially; this loop is the only long-lived writer of mode.
func (s *Service) Run(ctx context.Context, evs <-chan events.SystemEvent) {
	sweep := time.NewTicker(s.cfg.State.TTLSweepEvery)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			s.Handle(ev)
		case <-sweep.C:
			s.Sweep()
		}
	}
}

// Handle applies one event: hysteresis for the event's source, then the
// decision matrix when the source is TRIPPED. UNSTABLE raises probe cadence
// at the breaker and, when configured, emits a warning - it never changes
// mode.
func (s *Service) Handle(ev events.SystemEvent) {
	now := s.clk.Now()

	s.mu.Lock()
	src := s.sourceFor(ev.Source)
	src.lastSeen = now
	if src.status == mode.StatusUnknown {
		// Any signal from the source replaces UNKNOWN with evidence.
		delete(s.live, ttlKey(ev.Source))
	}

	switch ev.Kind {
	case events.KindHeartbeat:
		src.status = mode.StatusHealthy
		src.consecutive = 0
		s.mu.Unlock()
		s.reevaluate("heartbeat")
		return

	case events.KindQualityDegraded:
		src.status = mode.StatusUnstable
		warn := s.cfg.State.WarnOnUnstable && s.shouldAlert(ev, now)
		s.mu.Unlock()
		if warn {
			s.emitter.Emit(alerts.Alert{
				Severity: events.SeverityWarning,
				Reason:   ev.Reason,
				Source:   ev.Source,
				Message:  "source unstable, probe cadence raised",
				Stamp:    now,
			})
		}
		return

	case events.KindRecovered:
		src.status = mode.StatusHealthy
		src.consecutive = 0
		// The underlying fault is cleared; its live demands go with it.
		for key, lt := range s.live {
			if lt.source == ev.Source {
				delete(s.live, key)
			}
		}
		dec := s.matrix.Decide(ev.Reason, matrix.Context{})
		enterRecovering := dec.ModeChange && dec.Target == mode.Recovering
		if enterRecovering {
			s.floor = mode.Recovering
			s.stage = mode.StageIdle
		}
		if dec.ModeChange && dec.Target == mode.Normal {
			// Stability window satisfied; recovery owns this signal.
			s.floor = mode.Normal
		}
		s.mu.Unlock()
		s.reevaluate(string(ev.Reason))
		if enterRecovering && s.onRecovering != nil {
			s.onRecovering(ev.Reason)
		}
		return

	case events.KindFault:
		src.status = mode.StatusTripped
		if src.lastReason == ev.Reason {
			src.consecutive++
		} else {
			src.lastReason = ev.Reason
			src.consecutive = 1
		}
		dec := s.matrix.Decide(ev.Reason, matrix.Context{Consecutive: src.consecutive})
		alertNow := s.shouldAlert(ev, now)
		if dec.ModeChange {
			s.live[liveKey(ev.Source, ev.Reason)] = liveTarget{
				target: dec.Target,
				reason: ev.Reason,
				source: ev.Source,
				stamp:  now,
				ttl:    ev.TTL,
			}
		}
		s.mu.Unlock()

		if alertNow {
			s.emitter.Emit(alerts.Alert{
				Severity: ev.Severity,
				Reason:   ev.Reason,
				Source:   ev.Source,
				Message:  "fault reported",
				Details:  ev.Details,
				Stamp:    now,
			})
		}
		if dec.ModeChange {
			s.reevaluate(string(ev.Reason))
		}
		return
	}
	s.mu.Unlock()
}

// Resolve returns the most severe of the candidate modes. Arrival order never
// matters; only priority does.
func (s *Service) Resolve(candidates []mode.SystemMode) mode.SystemMode {
	return mode.Max(candidates...)
}

// reevaluate recomputes the desired mode from live targets and the recovery
// floor, then attempts the transition under the monotonicity rules.
func (s *Service) reevaluate(trigger string) {
	s.mu.Lock()
	if s.forced.active {
		s.mu.Unlock()
		return
	}
	desired, reason, source := s.desiredLocked()
	s.mu.Unlock()
	s.Transition(desired, reason, source)
}

// desiredLocked computes max(floor, resolve(live targets)). Caller holds mu.
func (s *Service) desiredLocked() (mode.SystemMode, events.ReasonCode, events.Source) {
	desired := s.floor
	reason := events.ReasonCode("")
	source := events.Source("")
	if s.floor == mode.Recovering {
		reason = events.ReasonCode("RECOVERY_FLOOR")
		source = events.SourceRecovery
	}
	for _, lt := range s.live {
		if lt.target.Priority() > desired.Priority() {
			desired = lt.target
			reason = lt.reason
			source = lt.source
		}
	}
	return desired, reason, source
}

// Transition attempts to move to target. Raising or holding priority is
// always allowed. Lowering requires the configured dwell to have elapsed and
// every live demand above the target to have cleared; there is no snapping
// back to normal while a reason is still live.
func (s *Service) Transition(target mode.SystemMode, reason events.ReasonCode, source events.Source) bool {
	now := s.clk.Now()

	s.mu.Lock()
	if s.forced.active {
		// An operator override pins the mode until its TTL elapses.
		s.mu.Unlock()
		return false
	}
	if target == s.current {
		s.mu.Unlock()
		return false
	}
	if target.Priority() < s.current.Priority() {
		if now.Mono-s.lastChange.Mono < s.cfg.State.RecoveryDwell {
			s.mu.Unlock()
			s.logger.Debug().Str("target", target.String()).Msg("downward transition held by dwell")
			return false
		}
		resolved, _, _ := s.desiredLocked()
		if resolved.Priority() > target.Priority() {
			s.mu.Unlock()
			s.logger.Debug().Str("target", target.String()).Str("resolved", resolved.String()).
				Msg("downward transition blocked by live demand")
			return false
		}
	}
	t := s.applyLocked(target, reason, source, "", false, now)
	s.mu.Unlock()

	s.announce(t)
	return true
}

// applyLocked commits the mode change. Caller holds mu.
func (s *Service) applyLocked(target mode.SystemMode, reason events.ReasonCode, source events.Source,
	operator string, forced bool, now clock.Stamp) Transition {
	s.seq++
	t := Transition{
		From:     s.current,
		To:       target,
		Reason:   reason,
		Source:   source,
		Operator: operator,
		Forced:   forced,
		Stamp:    now,
		Seq:      s.seq,
	}
	s.current = target
	s.lastChange = now
	if target == mode.Normal {
		s.floor = mode.Normal
		s.stage = mode.StageIdle
	}
	s.gate.Set(s.current, s.stage, reason, source)
	return t
}

// announce logs, persists, audits, alerts, and broadcasts one applied
// transition. Everything downstream of the decision is non-blocking or
// best-effort.
func (s *Service) announce(t Transition) {
	s.logger.Info().
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Str("reason", string(t.Reason)).
		Str("source", string(t.Source)).
		Str("operator", t.Operator).
		Time("wall", t.Stamp.Wall).
		Dur("mono", t.Stamp.Mono).
		Msg("mode transition")

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Store.QueryTimeout)
		if err := s.store.RecordTransition(ctx, store.Transition{
			FromMode:       t.From.String(),
			ToMode:         t.To.String(),
			Reason:         string(t.Reason),
			Source:         string(t.Source),
			Operator:       t.Operator,
			WallTS:         t.Stamp.Wall,
			MonoNS:         t.Stamp.Mono.Nanoseconds(),
			IdempotencyKey: store.TransitionKey(t.Seq, t.To.String(), t.Stamp),
		}); err != nil {
			s.logger.Error().Err(err).Msg("transition persist failed")
		}
		cancel()
	}

	sev := events.SeverityWarning
	if t.To.Priority() < t.From.Priority() {
		sev = events.SeverityInfo
	}
	s.emitter.Emit(alerts.Alert{
		Severity: sev,
		Reason:   t.Reason,
		Source:   t.Source,
		Message:  fmt.Sprintf("mode %s -> %s", t.From, t.To),
		Stamp:    t.Stamp,
	})
	s.emitter.Audit(alerts.AuditRecord{
		Kind:     "transition",
		Mode:     t.To.String(),
		FromMode: t.From.String(),
		Reason:   string(t.Reason),
		Source:   string(t.Source),
		Operator: t.Operator,
		WallTS:   t.Stamp.Wall,
		MonoNS:   t.Stamp.Mono.Nanoseconds(),
	})

	s.subsMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- t:
		default: // slow subscriber loses updates, never stalls the writer
		}
	}
	s.subsMu.Unlock()
}

// Force unconditionally sets the mode for ttl, recorded with the operator's
// identity. When the ttl elapses the service re-evaluates from live events as
// if the override never happened.
func (s *Service) Force(target mode.SystemMode, ttl time.Duration, operatorID, reason string) Transition {
	now := s.clk.Now()
	if ttl <= 0 {
		ttl = s.cfg.State.ForceDefaultTTL
	}

	s.mu.Lock()
	s.forced = forcedState{
		target:   target,
		reason:   events.ReasonOperatorForce,
		operator: operatorID,
		until:    clock.Stamp{Wall: now.Wall.Add(ttl), Mono: now.Mono + ttl},
		active:   true,
	}
	t := s.applyLocked(target, events.ReasonOperatorForce, events.SourceOperator, operatorID, true, now)
	s.mu.Unlock()

	s.emitter.Audit(alerts.AuditRecord{
		Kind:     "force",
		Mode:     target.String(),
		Operator: operatorID,
		Reason:   reason,
		Details:  map[string]string{"ttl": ttl.String()},
		WallTS:   now.Wall,
		MonoNS:   now.Mono.Nanoseconds(),
	})
	s.announce(t)
	return t
}

// EmergencyDegrade is the bus's local fallback: invoked synchronously when a
// must-deliver event cannot be enqueued. It applies the matrix decision for
// the event directly, bypassing the queue, and always lands on at least
// SAFE_MODE.
func (s *Service) EmergencyDegrade(ev events.SystemEvent) {
	dec := s.matrix.Decide(ev.Reason, matrix.Context{})
	target := mode.SafeMode
	if dec.ModeChange && dec.Target.Priority() > target.Priority() {
		target = dec.Target
	}
	now := s.clk.Now()

	s.mu.Lock()
	s.live[liveKey(ev.Source, ev.Reason)] = liveTarget{
		target: target, reason: ev.Reason, source: ev.Source, stamp: now, ttl: ev.TTL,
	}
	var t *Transition
	if target.Priority() > s.current.Priority() && !s.forced.active {
		applied := s.applyLocked(target, ev.Reason, ev.Source, "", false, now)
		t = &applied
	}
	s.mu.Unlock()

	if t != nil {
		s.announce(*t)
	}
}

// Sweep runs the periodic timers: operator-override expiry, live-target TTL
// expiry, and the critical-source UNKNOWN rule. A critical source whose last
// signal has aged past its TTL becomes UNKNOWN - never HEALTHY - and UNKNOWN
// demands at least DEGRADED.
func (s *Service) Sweep() {
	now := s.clk.Now()
	var unknownAlerts []events.Source

	s.mu.Lock()
	if s.forced.active && now.Mono >= s.forced.until.Mono {
		operator := s.forced.operator
		s.forced.active = false
		desired, reason, source := s.desiredLocked()
		if desired == s.current {
			s.mu.Unlock()
			s.logger.Info().Str("mode", desired.String()).Msg("operator override expired, live events imply the same mode")
		} else {
			t := s.applyLocked(desired, reason, source, operator, false, now)
			s.mu.Unlock()
			s.logger.Info().Str("mode", desired.String()).Msg("operator override expired, re-evaluated from live events")
			s.announce(t)
		}
		return
	}

	// Expire live targets from non-critical sources. Critical sources fall
	// through to the UNKNOWN rule instead of silently healing.
	for key, lt := range s.live {
		if lt.ttl <= 0 {
			continue
		}
		if lt.stamp.Age(now) <= lt.ttl {
			continue
		}
		src := s.sources[lt.source]
		if src != nil && src.critical {
			continue
		}
		delete(s.live, key)
	}

	for name, src := range s.sources {
		if !src.critical || src.ttl <= 0 {
			continue
		}
		if src.lastSeen.Age(now) <= src.ttl || src.status == mode.StatusUnknown {
			continue
		}
		src.status = mode.StatusUnknown
		dec := s.matrix.Decide(events.ReasonSourceTTLExpired, matrix.Context{})
		target := mode.Degraded
		if dec.ModeChange && dec.Target.Priority() > target.Priority() {
			target = dec.Target
		}
		s.live[ttlKey(name)] = liveTarget{
			target: target,
			reason: events.ReasonSourceTTLExpired,
			source: name,
			stamp:  now,
		}
		unknownAlerts = append(unknownAlerts, name)
	}
	s.mu.Unlock()

	for _, src := range unknownAlerts {
		s.emitter.Emit(alerts.Alert{
			Severity: events.SeverityCritical,
			Reason:   events.ReasonSourceTTLExpired,
			Source:   src,
			Message:  "critical source went silent past its TTL, status UNKNOWN",
			Stamp:    now,
		})
	}
	s.reevaluate("sweep")
}

// SetStage records the orchestrator's current recovery stage and republishes
// the gate snapshot. Only the orchestrator calls this.
func (s *Service) SetStage(stage mode.RecoveryStage) {
	s.mu.Lock()
	s.stage = stage
	s.gate.Set(s.current, s.stage, "", events.SourceRecovery)
	s.mu.Unlock()
}

// Mode returns the current system mode.
func (s *Service) Mode() mode.SystemMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stage returns the current recovery stage.
func (s *Service) Stage() mode.RecoveryStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Subscribe returns a channel of applied transitions. Slow consumers drop.
// Callers release the channel with Unsubscribe when done.
func (s *Service) Subscribe() <-chan Transition {
	ch := make(chan Transition, 16)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

// Unsubscribe removes a channel returned by Subscribe and closes it. Sends
// happen under the same lock, so closing here is safe.
func (s *Service) Unsubscribe(ch <-chan Transition) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for i, sub := range s.subs {
		if (<-chan Transition)(sub) == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Subscribers reports the number of active transition subscribers.
func (s *Service) Subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

// SourceStatuses reports each tracked source's status for the status surface.
func (s *Service) SourceStatuses() map[events.Source]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[events.Source]string, len(s.sources))
	for name, src := range s.sources {
		out[name] = src.status.String()
	}
	return out
}

// LiveReasons lists the currently live mode demands, most severe first wins.
func (s *Service) LiveReasons() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]string, 0, len(s.live))
	for _, lt := range s.live {
		out = append(out, map[string]string{
			"reason": string(lt.reason),
			"source": string(lt.source),
			"target": lt.target.String(),
		})
	}
	return out
}

// shouldAlert applies the event-level dedupe window per (source, reason).
// This timer is independent of the breakers' hysteresis cooldowns; the
// breaker debounces raw noise, this suppresses duplicate notifications for an
// already-applied reason.
func (s *Service) shouldAlert(ev events.SystemEvent, now clock.Stamp) bool {
	key := liveKey(ev.Source, ev.Reason)
	last, ok := s.lastAlert[key]
	if ok && last.Age(now) < s.cfg.State.DedupeWindow {
		return false
	}
	s.lastAlert[key] = now
	return true
}

func (s *Service) sourceFor(name events.Source) *sourceState {
	src, ok := s.sources[name]
	if !ok {
		src = &sourceState{status: mode.StatusHealthy, ttl: s.cfg.Breakers.Defaults.EventTTL}
		s.sources[name] = src
	}
	return src
}

func liveKey(source events.Source, reason events.ReasonCode) string {
	return string(source) + ":" + string(reason)
}

func ttlKey(source events.Source) string {
	return string(source) + ":" + string(events.ReasonSourceTTLExpired)
}
