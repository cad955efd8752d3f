package alerts

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sawpanic/tradeguard/internal/clock"
	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
)

// Sink receives alert notifications. Implementations are out-of-scope
// adapters (pager, chat, email); delivery failures are theirs to swallow and
// never propagate back into the decision path.
type Sink interface {
	Emit(ctx context.Context, a Alert) error
}

// Alert is one outbound notification.
type Alert struct {
	Severity events.Severity   `json:"severity"`
	Reason   events.ReasonCode `json:"reason"`
	Source   events.Source     `json:"source"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	Stamp    clock.Stamp       `json:"stamp"`
}

// AuditRecord is one line of the append-only audit trail. Both timestamps are
// recorded; wall time is for humans, mono for correlating with decisions.
type AuditRecord struct {
	Kind     string            `json:"kind"` // transition | force | recovery | alert
	Mode     string            `json:"mode,omitempty"`
	FromMode string            `json:"from_mode,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Source   string            `json:"source,omitempty"`
	Operator string            `json:"operator,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
	WallTS   time.Time         `json:"wall_ts"`
	MonoNS   int64             `json:"mono_ns"`
}

// Notifier is the notification surface consumed by the state service and the
// recovery orchestrator. Implemented by Emitter; tests substitute recorders.
type Notifier interface {
	Emit(a Alert)
	Audit(rec AuditRecord)
}

// Emitter fans alerts and audit records out asynchronously. Emit never blocks
// the caller: the queue is bounded and overflow is dropped (and counted), so a
// broken notification path can never affect trading permission.
type Emitter struct {
	cfg    config.AlertsConfig
	sink   Sink
	logger zerolog.Logger
	audit  *lumberjack.Logger

	ch   chan Alert
	wg   sync.WaitGroup
	stop chan struct{}

	mu       sync.Mutex
	limiters map[events.ReasonCode]*rate.Limiter
	dropped  int64
	muted    int64
}

// NewEmitter creates the emitter and its rotating audit log. sink may be nil,
// in which case alerts are only logged and audited.
func NewEmitter(cfg config.AlertsConfig, sink Sink, logger zerolog.Logger) *Emitter {
	return &Emitter{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With().Str("component", "alerts").Logger(),
		audit: &lumberjack.Logger{
			Filename:   cfg.AuditPath,
			MaxSize:    cfg.AuditMaxSizeMB,
			MaxBackups: cfg.AuditMaxBackups,
			Compress:   true,
		},
		ch:       make(chan Alert, cfg.QueueSize),
		stop:     make(chan struct{}),
		limiters: make(map[events.ReasonCode]*rate.Limiter),
	}
}

// Start launches the delivery worker.
func (e *Emitter) Start() {
	e.wg.Add(1)
	go e.run()
}

// Emit enqueues an alert without blocking. A full queue or an active cooldown
// for the reason code drops the alert; the audit record is still written by
// the caller through Audit, so nothing decision-relevant is lost.
func (e *Emitter) Emit(a Alert) {
	if !e.allow(a.Reason) {
		e.mu.Lock()
		e.muted++
		e.mu.Unlock()
		return
	}
	select {
	case e.ch <- a:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.logger.Warn().Str("reason", string(a.Reason)).Msg("alert queue full, alert dropped")
	}
}

// allow applies the per-reason cooldown. One alert per cooldown window per
// reason code; repeats inside the window are muted, not queued.
func (e *Emitter) allow(reason events.ReasonCode) bool {
	if e.cfg.Cooldown <= 0 {
		return true
	}
	e.mu.Lock()
	lim, ok := e.limiters[reason]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.cfg.Cooldown), 1)
		e.limiters[reason] = lim
	}
	e.mu.Unlock()
	return lim.Allow()
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case a := <-e.ch:
			e.deliver(a)
		}
	}
}

func (e *Emitter) deliver(a Alert) {
	e.logger.Info().Str("severity", a.Severity.String()).Str("reason", string(a.Reason)).
		Str("source", string(a.Source)).Msg(a.Message)
	if e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DeliverTimeout)
	defer cancel()
	if err := e.sink.Emit(ctx, a); err != nil {
		// Best effort only. The sink owns retries if it wants them.
		e.logger.Warn().Err(err).Str("reason", string(a.Reason)).Msg("alert sink delivery failed")
	}
}

// Audit appends one record to the rotating audit log. Failures are logged and
// swallowed; audit is best-effort by contract.
func (e *Emitter) Audit(rec AuditRecord) {
	b, err := json.Marshal(rec)
	if err != nil {
		e.logger.Error().Err(err).Msg("audit record marshal failed")
		return
	}
	if _, err := e.audit.Write(append(b, '\n')); err != nil {
		e.logger.Warn().Err(err).Msg("audit write failed")
	}
}

// Stats reports emitter counters.
func (e *Emitter) Stats() (dropped, muted int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped, e.muted
}

// Close stops the worker and closes the audit log.
func (e *Emitter) Close() error {
	close(e.stop)
	e.wg.Wait()
	return e.audit.Close()
}
