package gate

import (
	"sync/atomic"

	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/events"
	"github.com/sawpanic/tradeguard/internal/mode"
)

// Action is an order-affecting operation checked against the gate.
type Action int

const (
	ActionOpen Action = iota
	ActionSend
	ActionAmend
	ActionCancel
	ActionReduceOnly
	ActionQuery
)

func (a Action) String() string {
	switch a {
	case ActionOpen:
		return "open"
	case ActionSend:
		return "send"
	case ActionAmend:
		return "amend"
	case ActionCancel:
		return "cancel"
	case ActionReduceOnly:
		return "reduce_only"
	case ActionQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Actions lists every gated action, for permission tables and tests.
func Actions() []Action {
	return []Action{ActionOpen, ActionSend, ActionAmend, ActionCancel, ActionReduceOnly, ActionQuery}
}

// Decision is the outcome of a gate check. BestEffort marks actions that are
// permitted but not guaranteed (cancel and reduce-only in SAFE_MODE); callers
// must surface that to the user rather than fail silently. FromCache marks
// queries that will be served from the stale-aware cache.
type Decision struct {
	Allowed    bool              `json:"allowed"`
	BestEffort bool              `json:"best_effort,omitempty"`
	FromCache  bool              `json:"from_cache,omitempty"`
	Mode       mode.SystemMode   `json:"mode"`
	Stage      mode.RecoveryStage `json:"stage"`
	Reason     events.ReasonCode `json:"reason,omitempty"`
	Source     events.Source     `json:"source,omitempty"`
}

// snapshot is the atomically swapped gate state. The hot path reads one
// pointer; nothing on the check path allocates or locks.
type snapshot struct {
	mode   mode.SystemMode
	stage  mode.RecoveryStage
	reason events.ReasonCode
	source events.Source
}

// Gate is the O(1) permission check consulted before every order action. The
// state service is its only writer; everything else reads.
type Gate struct {
	current               atomic.Pointer[snapshot]
	allowCancelVerifyRisk bool
}

// New creates a gate starting in RECOVERING, matching the state service's
// cold-start contract.
func New(cfg config.RecoveryConfig) *Gate {
	g := &Gate{allowCancelVerifyRisk: cfg.AllowCancelDuringVerifyRisk}
	g.current.Store(&snapshot{mode: mode.Recovering, stage: mode.StageIdle})
	return g
}

// Set publishes a new (mode, stage) pair with the reason that produced it.
// Called only by the state service's single-writer loop.
func (g *Gate) Set(m mode.SystemMode, stage mode.RecoveryStage, reason events.ReasonCode, source events.Source) {
	g.current.Store(&snapshot{mode: m, stage: stage, reason: reason, source: source})
}

// Current returns the gate's view of (mode, stage).
func (g *Gate) Current() (mode.SystemMode, mode.RecoveryStage) {
	s := g.current.Load()
	return s.mode, s.stage
}

// Allows checks one action against the current mode and recovery stage. The
// execution adapter performs this same check a second time immediately before
// the network call to close the race between a mode flip and an in-flight
// action.
func (g *Gate) Allows(action Action) Decision {
	s := g.current.Load()
	d := Decision{Mode: s.mode, Stage: s.stage, Reason: s.reason, Source: s.source}

	switch s.mode {
	case mode.Normal, mode.Degraded:
		d.Allowed = true
		return d

	case mode.Recovering:
		d.Allowed = g.recoveringAllows(action, s.stage)
		return d

	case mode.SafeMode:
		switch action {
		case ActionCancel, ActionReduceOnly:
			d.Allowed = true
			d.BestEffort = true
		case ActionQuery:
			d.Allowed = true
		}
		return d

	case mode.SafeModeDisconnected:
		if action == ActionQuery {
			d.Allowed = true
			d.FromCache = true
		}
		return d

	case mode.Halt:
		if action == ActionQuery {
			d.Allowed = true
			d.FromCache = true
		}
		return d

	default:
		return d
	}
}

// recoveringAllows is the per-stage permission overlay. Each stage unlocks
// progressively more, and every stage is strictly more conservative than
// NORMAL.
func (g *Gate) recoveringAllows(action Action, stage mode.RecoveryStage) bool {
	if action == ActionQuery {
		return true
	}
	switch stage {
	case mode.StageIdle, mode.StageConnectBroker:
		return false
	case mode.StageCatchupMarketData:
		return action == ActionCancel
	case mode.StageVerifyRisk:
		if action == ActionReduceOnly {
			return true
		}
		return action == ActionCancel && g.allowCancelVerifyRisk
	case mode.StageReady:
		switch action {
		case ActionSend, ActionAmend, ActionCancel, ActionReduceOnly:
			return true
		case ActionOpen:
			return false
		}
	}
	return false
}

// Table renders the full permission table for the current snapshot's stage,
// used by the operator status endpoint.
func (g *Gate) Table() map[string]Decision {
	out := make(map[string]Decision, 6)
	for _, a := range Actions() {
		out[a.String()] = g.Allows(a)
	}
	return out
}
