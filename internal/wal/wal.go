package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/tradeguard/internal/appendlog"
	"github.com/sawpanic/tradeguard/internal/clock"
	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
	"github.com/sawpanic/tradeguard/internal/store"
)

// ErrBufferFull is returned when any buffer limit (entry count, serialized
// bytes, buffered age) is breached. The caller's write is rejected, never
// silently queued past the bound.
var ErrBufferFull = errors.New("wal: buffer full")

// Entry is one buffered state transition. It records state only - resource
// type, id, and old/new snapshots - never an external action, so replay can
// never re-send an order or an alert.
type Entry struct {
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Seq          int64           `json:"seq"`
	OldState     json.RawMessage `json:"old_state"`
	NewState     json.RawMessage `json:"new_state"`
	Stamp        clock.Stamp     `json:"stamp"`
	Critical     bool            `json:"critical,omitempty"`
}

// IdempotencyKey identifies the entry across replays. It is derived from the
// resource coordinates and sequence number, not from any timestamp, so the
// same logical transition always dedupes to one durable row.
func (e Entry) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", e.ResourceType, e.ResourceID, e.Seq)
}

func (e Entry) row() store.WALRow {
	return store.WALRow{
		IdempotencyKey: e.IdempotencyKey(),
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		Seq:            e.Seq,
		OldState:       string(e.OldState),
		NewState:       string(e.NewState),
		WallTS:         e.Stamp.Wall,
		MonoNS:         e.Stamp.Mono.Nanoseconds(),
	}
}

// Applier is the durable side the buffer drains into. Implemented by
// store.Store.
type Applier interface {
	ApplyWAL(ctx context.Context, row store.WALRow) (bool, error)
}

// Publisher emits WAL health events (overflow, write failure, recovery).
type Publisher interface {
	Publish(ev events.SystemEvent) bool
}

type buffered struct {
	entry Entry
	size  int64
}

// Buffer is the bounded durable write buffer used while the database is
// unreachable. Writers serialize on enqueue; a single drain goroutine flushes,
// guarded by a circuit breaker so a down database is not hammered.
type Buffer struct {
	cfg     config.WALConfig
	clk     clock.Clock
	applier Applier
	pub     Publisher
	segment *appendlog.Log
	logger  zerolog.Logger
	flushCB *gobreaker.CircuitBreaker

	mu       sync.Mutex
	entries  []buffered
	bytes    int64
	oldest   clock.Stamp
	degraded bool // a flush has failed and DB_WRITE_FAIL was reported
}

// NewBuffer creates the buffer and opens the critical-entry segment log.
func NewBuffer(cfg config.WALConfig, clk clock.Clock, applier Applier, pub Publisher, logger zerolog.Logger) (*Buffer, error) {
	seg, err := appendlog.Open(cfg.SegmentPath)
	if err != nil {
		return nil, err
	}
	b := &Buffer{
		cfg:     cfg,
		clk:     clk,
		applier: applier,
		pub:     pub,
		segment: seg,
		logger:  logger.With().Str("component", "wal").Logger(),
	}
	b.flushCB = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "wal-flush",
		Timeout: cfg.FlushInterval * 4,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return b, nil
}

// Append buffers one state transition. Sizes are computed from the serialized
// form so the limit reflects what would actually hit disk. Critical entries
// are additionally appended to the fsync'd segment log before the write is
// acknowledged. On any limit breach the write is rejected with ErrBufferFull
// and a DB_BUFFER_OVERFLOW must-deliver event is published.
func (b *Buffer) Append(e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("wal: serialize entry: %w", err)
	}
	size := int64(len(raw))
	now := b.clk.Now()

	b.mu.Lock()
	full := len(b.entries) >= b.cfg.MaxEntries ||
		b.bytes+size > b.cfg.MaxBytes ||
		(len(b.entries) > 0 && b.oldest.Age(now) > b.cfg.MaxAge)
	if full {
		b.mu.Unlock()
		b.pub.Publish(events.New(events.KindFault, events.SourceWAL, events.SeverityCritical,
			events.ReasonDBBufferOverflow, now).
			WithDetail("entries", fmt.Sprintf("%d", b.Len())).
			WithDetail("rejected_key", e.IdempotencyKey()))
		return ErrBufferFull
	}
	if len(b.entries) == 0 {
		b.oldest = e.Stamp
	}
	b.entries = append(b.entries, buffered{entry: e, size: size})
	b.bytes += size
	b.mu.Unlock()

	if e.Critical {
		if err := b.segment.Append(e); err != nil {
			return fmt.Errorf("wal: critical segment append: %w", err)
		}
	}
	return nil
}

// Flush drains buffered entries into the applier, oldest first, stopping at
// the first failure. Applied entries are removed from the buffer; dedup is the
// applier's insert-if-absent, so flushing twice is harmless.
func (b *Buffer) Flush(ctx context.Context) error {
	for {
		b.mu.Lock()
		if len(b.entries) == 0 {
			wasDegraded := b.degraded
			b.degraded = false
			b.mu.Unlock()
			if wasDegraded {
				b.pub.Publish(events.New(events.KindRecovered, events.SourceWAL,
					events.SeverityInfo, events.ReasonDBRecovered, b.clk.Now()))
			}
			return nil
		}
		head := b.entries[0]
		b.mu.Unlock()

		_, err := b.flushCB.Execute(func() (any, error) {
			return b.applier.ApplyWAL(ctx, head.entry.row())
		})
		if err != nil {
			b.noteFlushFailure(err, head.entry)
			return err
		}

		b.mu.Lock()
		// Writers only append; the head is still ours to pop.
		b.entries = b.entries[1:]
		b.bytes -= head.size
		if len(b.entries) > 0 {
			b.oldest = b.entries[0].entry.Stamp
		}
		b.mu.Unlock()
	}
}

func (b *Buffer) noteFlushFailure(err error, head Entry) {
	b.mu.Lock()
	first := !b.degraded
	b.degraded = true
	room := len(b.entries) < b.cfg.MaxEntries && b.bytes < b.cfg.MaxBytes
	b.mu.Unlock()

	b.logger.Error().Err(err).Str("key", head.IdempotencyKey()).Msg("wal flush failed")
	if first && room {
		// Failure with room left degrades; overflow escalates separately on
		// the append path.
		b.pub.Publish(events.New(events.KindFault, events.SourceWAL, events.SeverityWarning,
			events.ReasonDBWriteFail, b.clk.Now()).WithDetail("error", err.Error()))
	}
}

// Run is the single drain loop. Nothing else calls Flush concurrently.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil && !errors.Is(err, gobreaker.ErrOpenState) {
				b.logger.Debug().Err(err).Msg("drain pass incomplete")
			}
		}
	}
}

// Replay re-applies the critical segment log into the applier. Dedup by
// idempotency key makes replay idempotent; replay touches durable state only.
func (b *Buffer) Replay(ctx context.Context) (applied int, err error) {
	entries, err := appendlog.ReadAll[Entry](b.segment.Path())
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		inserted, err := b.applier.ApplyWAL(ctx, e.row())
		if err != nil {
			return applied, fmt.Errorf("wal: replay %s: %w", e.IdempotencyKey(), err)
		}
		if inserted {
			applied++
		}
	}
	b.logger.Info().Int("entries", len(entries)).Int("applied", applied).Msg("wal replay complete")
	return applied, nil
}

// Len returns the number of buffered (not yet flushed) entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Bytes returns the serialized size of the buffered entries.
func (b *Buffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// Close closes the critical segment log.
func (b *Buffer) Close() error {
	return b.segment.Close()
}
