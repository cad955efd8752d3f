package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/tradeguard/internal/clock"
)

// Kind classifies a SystemEvent.
type Kind int

const (
	KindFault Kind = iota
	KindRecovered
	KindHeartbeat
	KindQualityDegraded
)

func (k Kind) String() string {
	switch k {
	case KindFault:
		return "fault"
	case KindRecovered:
		return "recovered"
	case KindHeartbeat:
		return "heartbeat"
	case KindQualityDegraded:
		return "quality_degraded"
	default:
		return "unknown"
	}
}

// Severity ranks an event for alerting. It does not participate in mode
// decisions; only the reason code and the decision matrix do.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Source identifies the monitored dependency an event originates from.
type Source string

const (
	SourceBroker     Source = "broker"
	SourceMarketData Source = "marketdata"
	SourceRisk       Source = "risk"
	SourceDatabase   Source = "database"
	SourceAlerting   Source = "alerting"
	SourceOperator   Source = "operator"
	SourceRecovery   Source = "recovery"
	SourceWAL        Source = "wal"
)

// ReasonCode is the closed set of failure/recovery reasons understood by the
// decision matrix. Adding a code here without a matrix rule is a config error
// caught by DegradationConfig.Validate.
type ReasonCode string

const (
	ReasonBrokerDisconnect     ReasonCode = "BROKER_DISCONNECT"
	ReasonBrokerReconnected    ReasonCode = "BROKER_RECONNECTED"
	ReasonMarketDataStale      ReasonCode = "MD_STALE"
	ReasonMarketDataRecovered  ReasonCode = "MD_RECOVERED"
	ReasonRiskTimeout          ReasonCode = "RISK_TIMEOUT"
	ReasonRiskRecovered        ReasonCode = "RISK_RECOVERED"
	ReasonDBWriteFail          ReasonCode = "DB_WRITE_FAIL"
	ReasonDBBufferOverflow     ReasonCode = "DB_BUFFER_OVERFLOW"
	ReasonDBRecovered          ReasonCode = "DB_RECOVERED"
	ReasonPositionTruthUnknown ReasonCode = "POSITION_TRUTH_UNKNOWN"
	ReasonPositionMismatch     ReasonCode = "POSITION_MISMATCH"
	ReasonAlertsChannelDown    ReasonCode = "ALERTS_CHANNEL_DOWN"
	ReasonSourceTTLExpired     ReasonCode = "SOURCE_TTL_EXPIRED"
	ReasonProbesHealthy        ReasonCode = "PROBES_HEALTHY"
	ReasonRecoveryStageFailed  ReasonCode = "RECOVERY_STAGE_FAILED"
	ReasonOperatorForce        ReasonCode = "OPERATOR_FORCE"
)

// mustDeliver is the fixed whitelist of reason codes that may never be dropped
// by the event bus. Membership is the only way an event becomes must-deliver;
// it is never inferred from severity or kind.
var mustDeliver = map[ReasonCode]struct{}{
	ReasonBrokerDisconnect:     {},
	ReasonPositionTruthUnknown: {},
	ReasonPositionMismatch:     {},
	ReasonRiskTimeout:          {},
	ReasonDBBufferOverflow:     {},
	ReasonRecoveryStageFailed:  {},
}

// MustDeliver reports whether the reason code is on the guaranteed-delivery
// whitelist.
func (r ReasonCode) MustDeliver() bool {
	_, ok := mustDeliver[r]
	return ok
}

// MustDeliverCodes returns the whitelist for status surfaces and tests.
func MustDeliverCodes() []ReasonCode {
	out := make([]ReasonCode, 0, len(mustDeliver))
	for r := range mustDeliver {
		out = append(out, r)
	}
	return out
}

// SystemEvent is the immutable record flowing from local breakers to the state
// service. Stamp.Mono is the only timestamp used for ordering and TTL math;
// Stamp.Wall is carried for audit display only.
type SystemEvent struct {
	ID       string            `json:"id"`
	Kind     Kind              `json:"kind"`
	Source   Source            `json:"source"`
	Severity Severity          `json:"severity"`
	Reason   ReasonCode        `json:"reason"`
	Details  map[string]string `json:"details,omitempty"`
	TTL      time.Duration     `json:"ttl,omitempty"`
	Stamp    clock.Stamp       `json:"stamp"`
}

// New builds a SystemEvent with a fresh id and the given stamp.
func New(kind Kind, source Source, sev Severity, reason ReasonCode, stamp clock.Stamp) SystemEvent {
	return SystemEvent{
		ID:       uuid.NewString(),
		Kind:     kind,
		Source:   source,
		Severity: sev,
		Reason:   reason,
		Stamp:    stamp,
	}
}

// WithDetail returns a copy of the event with one detail added. Events are
// value types; the originals are never mutated after publication.
func (e SystemEvent) WithDetail(k, v string) SystemEvent {
	details := make(map[string]string, len(e.Details)+1)
	for dk, dv := range e.Details {
		details[dk] = dv
	}
	details[k] = v
	e.Details = details
	return e
}

// WithTTL returns a copy of the event carrying a time-to-live.
func (e SystemEvent) WithTTL(ttl time.Duration) SystemEvent {
	e.TTL = ttl
	return e
}

// Expired reports whether the event's TTL has elapsed at now, by monotonic
// time. Events without a TTL never expire.
func (e SystemEvent) Expired(now clock.Stamp) bool {
	if e.TTL <= 0 {
		return false
	}
	return e.Stamp.Age(now) > e.TTL
}
