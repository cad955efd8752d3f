package clock

import (
	"sync"
	"time"
)

// Stamp carries the two timestamps attached to every event and snapshot.
// Wall is for display and audit records only. Mono is a monotonic duration
// since an arbitrary process-local origin and is the only value used for
// ordering, staleness, and hysteresis comparisons.
type Stamp struct {
	Wall time.Time     `json:"wall"`
	Mono time.Duration `json:"mono"`
}

// Before reports whether s was taken before other, by monotonic time.
func (s Stamp) Before(other Stamp) bool {
	return s.Mono < other.Mono
}

// Age returns the monotonic distance from s to now.
func (s Stamp) Age(now Stamp) time.Duration {
	return now.Mono - s.Mono
}

// Clock supplies dual timestamps. Services take a Clock so that tests can
// drive hysteresis windows and TTL expiry deterministically.
type Clock interface {
	Now() Stamp
}

// Real is the production clock. The monotonic component is derived from
// time.Since over a fixed origin captured at construction, which Go guarantees
// uses the monotonic reading.
type Real struct {
	origin time.Time
}

// NewReal creates a Real clock with its monotonic origin set to now.
func NewReal() *Real {
	return &Real{origin: time.Now()}
}

func (r *Real) Now() Stamp {
	now := time.Now()
	return Stamp{Wall: now, Mono: now.Sub(r.origin)}
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

// NewFake creates a Fake clock starting at the given wall time with mono zero.
func NewFake(wall time.Time) *Fake {
	return &Fake{wall: wall}
}

func (f *Fake) Now() Stamp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stamp{Wall: f.wall, Mono: f.mono}
}

// Advance moves both the wall and monotonic readings forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = f.wall.Add(d)
	f.mono += d
}

// SetWall moves only the wall reading, leaving mono untouched. Used to verify
// that ordering decisions ignore wall-clock jumps.
func (f *Fake) SetWall(wall time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = wall
}
