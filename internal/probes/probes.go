package probes

import (
	"context"
	"sync"
	"time"

	"github.com/sawpanic/tradeguard/internal/clock"
)

// HealthSignal is the raw outcome of one health check.
type HealthSignal struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Err     string        `json:"err,omitempty"`
	Stamp   clock.Stamp   `json:"stamp"`
}

// ComponentStatus is a probe's self-reported operational summary.
type ComponentStatus struct {
	Name       string      `json:"name"`
	Connected  bool        `json:"connected"`
	Detail     string      `json:"detail,omitempty"`
	LastUpdate clock.Stamp `json:"last_update"`
}

// ComponentProbe is the contract implemented by the out-of-scope broker,
// market-data, risk, and database adapters. The control plane depends only on
// this interface, never on concrete adapter types.
type ComponentProbe interface {
	// HealthCheck performs one cheap liveness check.
	HealthCheck(ctx context.Context) HealthSignal
	// EnsureReady performs the heavier readiness verification used by the
	// recovery orchestrator (reconnect, catch up, reconcile).
	EnsureReady(ctx context.Context) (bool, error)
	// Status returns the adapter's current self-assessment.
	Status() ComponentStatus
	// LastUpdateMono returns the monotonic time of the last successful update
	// from the dependency, for staleness math.
	LastUpdateMono() time.Duration
}

// Static is a scripted probe for tests and the demo serve loop. All fields
// are safe for concurrent mutation through the setters.
type Static struct {
	mu        sync.Mutex
	name      string
	healthy   bool
	ready     bool
	readyErr  error
	clk       clock.Clock
	lastStamp clock.Stamp
}

// NewStatic creates a probe that reports the given initial health.
func NewStatic(name string, clk clock.Clock, healthy bool) *Static {
	return &Static{
		name:      name,
		healthy:   healthy,
		ready:     healthy,
		clk:       clk,
		lastStamp: clk.Now(),
	}
}

func (s *Static) HealthCheck(_ context.Context) HealthSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	if s.healthy {
		s.lastStamp = now
	}
	return HealthSignal{Healthy: s.healthy, Stamp: now}
}

func (s *Static) EnsureReady(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readyErr != nil {
		return false, s.readyErr
	}
	if s.ready {
		s.lastStamp = s.clk.Now()
	}
	return s.ready, nil
}

func (s *Static) Status() ComponentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ComponentStatus{
		Name:       s.name,
		Connected:  s.healthy,
		LastUpdate: s.lastStamp,
	}
}

func (s *Static) LastUpdateMono() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStamp.Mono
}

// SetHealthy flips the probe's health-check outcome.
func (s *Static) SetHealthy(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = v
	s.ready = v
}

// SetReady controls EnsureReady independently of HealthCheck.
func (s *Static) SetReady(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = v
}

// SetReadyErr makes EnsureReady fail with err until cleared.
func (s *Static) SetReadyErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyErr = err
}
