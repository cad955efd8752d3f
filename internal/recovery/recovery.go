package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tradeguard/internal/alerts"
	"github.com/sawpanic/tradeguard/internal/clock"
	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
	"github.com/sawpanic/tradeguard/internal/mode"
	"github.com/sawpanic/tradeguard/internal/probes"
)

// Trigger identifies who started a recovery run.
type Trigger string

const (
	TriggerAuto   Trigger = "AUTO"
	TriggerManual Trigger = "MANUAL"
)

// ErrOperatorRequired is returned when a manual run is started without an
// operator identity.
var ErrOperatorRequired = errors.New("recovery: manual trigger requires operator id")

// Publisher is the bus surface the orchestrator emits events on.
type Publisher interface {
	Publish(ev events.SystemEvent) bool
}

// StageSetter receives stage updates; implemented by the state service.
type StageSetter interface {
	SetStage(stage mode.RecoveryStage)
}

// RunStatus describes the current (or last) recovery run.
type RunStatus struct {
	RunID     string             `json:"run_id"`
	Trigger   Trigger            `json:"trigger"`
	Operator  string             `json:"operator,omitempty"`
	Stage     mode.RecoveryStage `json:"stage"`
	Active    bool               `json:"active"`
	StartedAt clock.Stamp        `json:"started_at"`
	FailedAt  string             `json:"failed_at,omitempty"` // stage name, when the run failed
}

// Orchestrator walks the staged sequence CONNECT_BROKER ->
// CATCHUP_MARKETDATA -> VERIFY_RISK -> READY, each stage gated by the
// corresponding probe's EnsureReady. At most one run progresses at a time;
// starting a new run cancels any in-flight one. Progression within a run is
// monotonic.
type Orchestrator struct {
	cfg     config.RecoveryConfig
	clk     clock.Clock
	pub     Publisher
	stages  StageSetter
	emitter alerts.Notifier
	logger  zerolog.Logger

	broker     probes.ComponentProbe
	marketData probes.ComponentProbe
	risk       probes.ComponentProbe

	// wait blocks for d or until ctx is done, returning false on cancellation.
	// Swapped out by tests to avoid real sleeps.
	wait func(ctx context.Context, d time.Duration) bool

	mu     sync.Mutex
	cancel context.CancelFunc
	status RunStatus
	wg     sync.WaitGroup
}

// New constructs the orchestrator over the three staged probes.
func New(cfg config.RecoveryConfig, clk clock.Clock, pub Publisher, stages StageSetter,
	emitter alerts.Notifier, broker, marketData, risk probes.ComponentProbe, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		clk:        clk,
		pub:        pub,
		stages:     stages,
		emitter:    emitter,
		logger:     logger.With().Str("component", "recovery").Logger(),
		broker:     broker,
		marketData: marketData,
		risk:       risk,
		wait: func(ctx context.Context, d time.Duration) bool {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return false
			case <-t.C:
				return true
			}
		},
	}
}

// Start cancels any in-flight run and begins a fresh one, returning its run
// id. Manual triggers must carry an operator identity.
func (o *Orchestrator) Start(trigger Trigger, operatorID string) (string, error) {
	if trigger == TriggerManual && operatorID == "" {
		return "", ErrOperatorRequired
	}
	runID := uuid.NewString()
	now := o.clk.Now()

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.status = RunStatus{
		RunID:     runID,
		Trigger:   trigger,
		Operator:  operatorID,
		Stage:     mode.StageIdle,
		Active:    true,
		StartedAt: now,
	}
	o.mu.Unlock()

	o.emitter.Audit(alerts.AuditRecord{
		Kind:     "recovery",
		Reason:   string(trigger),
		Operator: operatorID,
		Details:  map[string]string{"run_id": runID},
		WallTS:   now.Wall,
		MonoNS:   now.Mono.Nanoseconds(),
	})
	o.logger.Info().Str("run_id", runID).Str("trigger", string(trigger)).Msg("recovery run started")

	o.wg.Add(1)
	go o.run(ctx, runID)
	return runID, nil
}

func (o *Orchestrator) run(ctx context.Context, runID string) {
	defer o.wg.Done()

	type stageStep struct {
		stage mode.RecoveryStage
		probe probes.ComponentProbe
	}
	steps := []stageStep{
		{mode.StageConnectBroker, o.broker},
		{mode.StageCatchupMarketData, o.marketData},
		{mode.StageVerifyRisk, o.risk},
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			return
		}
		if !o.enterStage(runID, step.stage) {
			return
		}
		if ok := o.runStage(ctx, step.stage, step.probe); !ok {
			if ctx.Err() != nil {
				return // superseded by a newer run, not a failure
			}
			o.failRun(runID, step.stage)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if !o.enterStage(runID, mode.StageReady) {
		return
	}
	if !o.wait(ctx, o.cfg.StabilityWindow) {
		return
	}

	o.mu.Lock()
	if o.status.RunID != runID {
		o.mu.Unlock()
		return
	}
	o.status.Active = false
	o.mu.Unlock()

	if o.cfg.AutoNormal {
		o.pub.Publish(events.New(events.KindRecovered, events.SourceRecovery, events.SeverityInfo,
			events.ReasonProbesHealthy, o.clk.Now()).
			WithDetail("run_id", runID).
			WithDetail("stability_window", o.cfg.StabilityWindow.String()))
	}
	o.logger.Info().Str("run_id", runID).Msg("recovery run complete, stability window held")
}

// runStage retries EnsureReady until it succeeds, the configured attempts are
// exhausted, or the run is cancelled.
func (o *Orchestrator) runStage(ctx context.Context, stage mode.RecoveryStage, probe probes.ComponentProbe) bool {
	for attempt := 1; attempt <= o.cfg.StageMaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		ready, err := probe.EnsureReady(attemptCtx)
		cancel()

		if ready && err == nil {
			return true
		}
		o.logger.Warn().Str("stage", stage.String()).Int("attempt", attempt).Err(err).
			Msg("stage probe not ready")
		if attempt < o.cfg.StageMaxAttempts {
			if !o.wait(ctx, o.cfg.StageRetryInterval) {
				return false
			}
		}
	}
	return false
}

// enterStage records the stage for the run that still owns status. A run
// superseded between its ctx check and here must not touch the successor's
// state; it reports false and the caller exits.
func (o *Orchestrator) enterStage(runID string, stage mode.RecoveryStage) bool {
	o.mu.Lock()
	if o.status.RunID != runID {
		o.mu.Unlock()
		return false
	}
	o.status.Stage = stage
	o.mu.Unlock()
	o.stages.SetStage(stage)
	o.logger.Info().Str("run_id", runID).Str("stage", stage.String()).Msg("recovery stage entered")
	return true
}

// failRun reports a stage failure. The event is must-deliver; the decision
// matrix maps it back to SAFE_MODE (or HALT when the stage's severity
// escalates through its own reason, e.g. a broker truth mismatch discovered
// during VERIFY_RISK arrives as POSITION_MISMATCH from the risk breaker).
func (o *Orchestrator) failRun(runID string, stage mode.RecoveryStage) {
	now := o.clk.Now()
	o.mu.Lock()
	if o.status.RunID != runID {
		// Superseded, not failed. The successor owns status now.
		o.mu.Unlock()
		return
	}
	o.status.Active = false
	o.status.FailedAt = stage.String()
	o.mu.Unlock()

	o.stages.SetStage(mode.StageIdle)
	o.pub.Publish(events.New(events.KindFault, events.SourceRecovery, events.SeverityCritical,
		events.ReasonRecoveryStageFailed, now).
		WithDetail("run_id", runID).
		WithDetail("stage", stage.String()))
	o.emitter.Emit(alerts.Alert{
		Severity: events.SeverityCritical,
		Reason:   events.ReasonRecoveryStageFailed,
		Source:   events.SourceRecovery,
		Message:  fmt.Sprintf("recovery stage %s failed after %d attempts", stage, o.cfg.StageMaxAttempts),
		Stamp:    now,
	})
	o.emitter.Audit(alerts.AuditRecord{
		Kind:    "recovery",
		Reason:  string(events.ReasonRecoveryStageFailed),
		Details: map[string]string{"run_id": runID, "stage": stage.String()},
		WallTS:  now.Wall,
		MonoNS:  now.Mono.Nanoseconds(),
	})
	o.logger.Error().Str("run_id", runID).Str("stage", stage.String()).Msg("recovery run failed")
}

// Status returns the current or last run's status.
func (o *Orchestrator) Status() RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Stop cancels any in-flight run and waits for its goroutine to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// SetWaiter replaces the stage wait function. Test hook.
func (o *Orchestrator) SetWaiter(fn func(ctx context.Context, d time.Duration) bool) {
	o.wait = fn
}
