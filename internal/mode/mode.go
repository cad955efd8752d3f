package mode

// SystemMode is the system-wide trading permission level. Modes form a total
// order by severity; conflict resolution always takes the maximum priority.
type SystemMode int

const (
	Normal SystemMode = iota
	Recovering
	Degraded
	SafeMode
	SafeModeDisconnected
	Halt
)

func (m SystemMode) String() string {
	switch m {
	case Normal:
		return "NORMAL"
	case Recovering:
		return "RECOVERING"
	case Degraded:
		return "DEGRADED"
	case SafeMode:
		return "SAFE_MODE"
	case SafeModeDisconnected:
		return "SAFE_MODE_DISCONNECTED"
	case Halt:
		return "HALT"
	default:
		return "UNKNOWN_MODE"
	}
}

// Priority returns the severity rank used by conflict resolution. Higher is
// more severe. The numeric spacing leaves room for operator-defined modes.
func (m SystemMode) Priority() int {
	switch m {
	case Normal:
		return 0
	case Recovering:
		return 10
	case Degraded:
		return 20
	case SafeMode:
		return 30
	case SafeModeDisconnected:
		return 40
	case Halt:
		return 50
	default:
		return 50
	}
}

// ParseMode maps the string form back to a SystemMode.
func ParseMode(s string) (SystemMode, bool) {
	switch s {
	case "NORMAL":
		return Normal, true
	case "RECOVERING":
		return Recovering, true
	case "DEGRADED":
		return Degraded, true
	case "SAFE_MODE":
		return SafeMode, true
	case "SAFE_MODE_DISCONNECTED":
		return SafeModeDisconnected, true
	case "HALT":
		return Halt, true
	default:
		return Halt, false
	}
}

// Max returns the most severe of the given modes. An empty slice yields Normal.
func Max(modes ...SystemMode) SystemMode {
	out := Normal
	for _, m := range modes {
		if m.Priority() > out.Priority() {
			out = m
		}
	}
	return out
}

// AllModes lists every mode in ascending severity, for permission tables and
// exhaustiveness checks in tests.
func AllModes() []SystemMode {
	return []SystemMode{Normal, Recovering, Degraded, SafeMode, SafeModeDisconnected, Halt}
}

// SystemLevel is the per-source hysteresis state feeding the decision matrix.
// Unstable never changes the system mode by itself; only Tripped does.
type SystemLevel int

const (
	Healthy SystemLevel = iota
	Unstable
	Tripped
)

func (l SystemLevel) String() string {
	switch l {
	case Healthy:
		return "HEALTHY"
	case Unstable:
		return "UNSTABLE"
	case Tripped:
		return "TRIPPED"
	default:
		return "UNKNOWN_LEVEL"
	}
}

// SourceStatus is the state service's view of a monitored source. StatusUnknown
// is produced by TTL expiry of a critical source and is treated as at least as
// severe as Degraded; it never decays back to healthy on its own.
type SourceStatus int

const (
	StatusHealthy SourceStatus = iota
	StatusUnstable
	StatusTripped
	StatusUnknown
)

func (s SourceStatus) String() string {
	switch s {
	case StatusHealthy:
		return "HEALTHY"
	case StatusUnstable:
		return "UNSTABLE"
	case StatusTripped:
		return "TRIPPED"
	case StatusUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

// RecoveryStage is the staged-recovery position. Progression is monotonic
// within one run.
type RecoveryStage int

const (
	StageIdle RecoveryStage = iota
	StageConnectBroker
	StageCatchupMarketData
	StageVerifyRisk
	StageReady
)

func (s RecoveryStage) String() string {
	switch s {
	case StageIdle:
		return "IDLE"
	case StageConnectBroker:
		return "CONNECT_BROKER"
	case StageCatchupMarketData:
		return "CATCHUP_MARKETDATA"
	case StageVerifyRisk:
		return "VERIFY_RISK"
	case StageReady:
		return "READY"
	default:
		return "UNKNOWN_STAGE"
	}
}

// Stages lists the ordered recovery sequence, excluding Idle.
func Stages() []RecoveryStage {
	return []RecoveryStage{StageConnectBroker, StageCatchupMarketData, StageVerifyRisk, StageReady}
}
