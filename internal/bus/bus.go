package bus

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
)

// FallbackLog persists must-deliver events locally when the queue cannot
// accept them. Implemented by appendlog.Log.
type FallbackLog interface {
	Append(v any) error
}

// DegradeFunc is the local emergency degrade callback, invoked synchronously
// when a must-deliver event cannot be enqueued. It forces a conservative mode
// without going through the bus.
type DegradeFunc func(ev events.SystemEvent)

// Bus is the non-blocking transport between local breakers and the state
// service. Publish never waits on downstream processing and never panics
// outward on backpressure.
type Bus struct {
	ch       chan events.SystemEvent
	fallback FallbackLog
	degrade  DegradeFunc
	logger   zerolog.Logger

	dropped   atomic.Int64
	published atomic.Int64
	rescued   atomic.Int64 // must-deliver events routed through the local path
}

// New creates a bus with the configured queue size. degrade and fallback may
// be nil early in wiring and set later via SetDegrade before first use.
func New(cfg config.BusConfig, fallback FallbackLog, degrade DegradeFunc, logger zerolog.Logger) *Bus {
	return &Bus{
		ch:       make(chan events.SystemEvent, cfg.QueueSize),
		fallback: fallback,
		degrade:  degrade,
		logger:   logger.With().Str("component", "bus").Logger(),
	}
}

// SetDegrade installs the emergency degrade callback. The state service is
// constructed after the bus, so wiring happens in two steps.
func (b *Bus) SetDegrade(fn DegradeFunc) {
	b.degrade = fn
}

// Publish attempts a bounded, non-blocking enqueue. It returns true when the
// event was accepted by the queue. On a full queue, ordinary events are
// counted and discarded; must-deliver events take the local emergency path
// (synchronous degrade callback plus fallback log) and still return false.
// Publish recovers its own panics; the bus must never be a silent single
// point of failure for the caller.
func (b *Bus) Publish(ev events.SystemEvent) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("reason", string(ev.Reason)).
				Msg("bus publish panicked, taking local emergency path")
			b.handleUndeliverable(ev)
			ok = false
		}
	}()

	select {
	case b.ch <- ev:
		b.published.Add(1)
		return true
	default:
		b.handleUndeliverable(ev)
		return false
	}
}

func (b *Bus) handleUndeliverable(ev events.SystemEvent) {
	if !ev.Reason.MustDeliver() {
		b.dropped.Add(1)
		b.logger.Warn().Str("reason", string(ev.Reason)).Str("source", string(ev.Source)).
			Int64("dropped_total", b.dropped.Load()).Msg("queue full, event dropped")
		return
	}

	b.rescued.Add(1)
	if b.degrade != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().Interface("panic", r).Msg("emergency degrade callback panicked")
				}
			}()
			b.degrade(ev)
		}()
	}
	if b.fallback != nil {
		if err := b.fallback.Append(ev); err != nil {
			b.logger.Error().Err(err).Str("reason", string(ev.Reason)).
				Msg("fallback log append failed for must-deliver event")
		}
	}
	b.logger.Error().Str("reason", string(ev.Reason)).Str("source", string(ev.Source)).
		Msg("must-deliver event took local emergency degrade path")
}

// Events exposes the consumption side for the state service's single reader.
func (b *Bus) Events() <-chan events.SystemEvent {
	return b.ch
}

// Stats reports transport counters for the status surface and metrics.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Rescued:   b.rescued.Load(),
		Depth:     len(b.ch),
		Capacity:  cap(b.ch),
	}
}

// Stats holds bus transport counters.
type Stats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Rescued   int64 `json:"rescued"`
	Depth     int   `json:"depth"`
	Capacity  int   `json:"capacity"`
}
