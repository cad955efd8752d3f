package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DegradationConfig is the single source of every threshold used by the
// control plane. Breakers, the decision matrix, the state service, the WAL,
// and the cache read exclusively from this structure; no component embeds a
// threshold literal.
type DegradationConfig struct {
	Bus      BusConfig                `yaml:"bus"`
	Breakers BreakersConfig           `yaml:"breakers"`
	State    StateConfig              `yaml:"state"`
	Matrix   MatrixConfig             `yaml:"matrix"`
	Recovery RecoveryConfig           `yaml:"recovery"`
	WAL      WALConfig                `yaml:"wal"`
	Cache    CacheConfig              `yaml:"cache"`
	Alerts   AlertsConfig             `yaml:"alerts"`
	Ops      OpsConfig                `yaml:"ops"`
	Store    StoreConfig              `yaml:"store"`
}

// BusConfig bounds the event bus queue.
type BusConfig struct {
	QueueSize       int    `yaml:"queue_size"`        // bounded enqueue capacity
	FallbackLogPath string `yaml:"fallback_log_path"` // local log for must-deliver events on bus failure
}

// BreakerConfig holds per-dependency hysteresis thresholds.
type BreakerConfig struct {
	FailThresholdCount   int           `yaml:"fail_threshold_count"`   // consecutive failures before UNSTABLE
	FailThresholdWindow  time.Duration `yaml:"fail_threshold_window"`  // continuous-failure duration before UNSTABLE
	TripThresholdCount   int           `yaml:"trip_threshold_count"`   // further failures from UNSTABLE before TRIPPED
	RecoveryStableWindow time.Duration `yaml:"recovery_stable_window"` // continuous success before HEALTHY
	ProbeInterval        time.Duration `yaml:"probe_interval"`         // baseline probe cadence
	RaisedProbeInterval  time.Duration `yaml:"raised_probe_interval"`  // cadence while UNSTABLE
	EventTTL             time.Duration `yaml:"event_ttl"`              // staleness TTL on emitted events; expiry yields UNKNOWN
	Critical             bool          `yaml:"critical"`               // TTL expiry of a critical source escalates mode
}

// BreakersConfig maps dependency name to its breaker thresholds.
type BreakersConfig struct {
	Defaults BreakerConfig            `yaml:"defaults"`
	Sources  map[string]BreakerConfig `yaml:"sources"`
}

// ForSource returns the breaker config for a source, falling back to defaults
// field-by-field for zero values.
func (b BreakersConfig) ForSource(name string) BreakerConfig {
	c, ok := b.Sources[name]
	if !ok {
		return b.Defaults
	}
	if c.FailThresholdCount == 0 {
		c.FailThresholdCount = b.Defaults.FailThresholdCount
	}
	if c.FailThresholdWindow == 0 {
		c.FailThresholdWindow = b.Defaults.FailThresholdWindow
	}
	if c.TripThresholdCount == 0 {
		c.TripThresholdCount = b.Defaults.TripThresholdCount
	}
	if c.RecoveryStableWindow == 0 {
		c.RecoveryStableWindow = b.Defaults.RecoveryStableWindow
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = b.Defaults.ProbeInterval
	}
	if c.RaisedProbeInterval == 0 {
		c.RaisedProbeInterval = b.Defaults.RaisedProbeInterval
	}
	if c.EventTTL == 0 {
		c.EventTTL = b.Defaults.EventTTL
	}
	return c
}

// StateConfig tunes the state service.
type StateConfig struct {
	DedupeWindow    time.Duration `yaml:"dedupe_window"`     // suppress duplicate (reason, source) alerts inside this window
	RecoveryDwell   time.Duration `yaml:"recovery_dwell"`    // minimum hold before any priority-lowering transition
	WarnOnUnstable  bool          `yaml:"warn_on_unstable"`  // emit warning-severity alert when a source turns UNSTABLE
	ForceDefaultTTL time.Duration `yaml:"force_default_ttl"` // applied when force_mode is called with no TTL
	TTLSweepEvery   time.Duration `yaml:"ttl_sweep_every"`   // cadence of the source-TTL expiry sweep
}

// MatrixRule maps one reason code to a target mode. MinConsecutive gates
// escalation on a run of identical reasons; below it the rule is a no-op.
// An empty Target means the reason never changes mode (warning only).
type MatrixRule struct {
	Target         string `yaml:"target"`
	MinConsecutive int    `yaml:"min_consecutive"`
}

// MatrixConfig drives the decision matrix. Rules is keyed by reason code.
type MatrixConfig struct {
	Rules map[string]MatrixRule `yaml:"rules"`
}

// RecoveryConfig tunes the staged recovery orchestrator.
type RecoveryConfig struct {
	StabilityWindow            time.Duration `yaml:"stability_window"`               // READY must hold this long before NORMAL
	StageTimeout               time.Duration `yaml:"stage_timeout"`                  // per-stage EnsureReady deadline
	StageRetryInterval         time.Duration `yaml:"stage_retry_interval"`           // wait between EnsureReady attempts inside a stage
	StageMaxAttempts           int           `yaml:"stage_max_attempts"`             // attempts before the stage is failed
	AutoNormal                 bool          `yaml:"auto_normal"`                    // transition to NORMAL automatically after the stability window
	AllowCancelDuringVerifyRisk bool         `yaml:"allow_cancel_during_verify_risk"` // operator-decided; no inferred default semantics
}

// WALConfig bounds the durable write buffer. Sizes are measured on the
// serialized form of entries.
type WALConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	MaxBytes      int64         `yaml:"max_bytes"`
	MaxAge        time.Duration `yaml:"max_age"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SegmentPath   string        `yaml:"segment_path"` // append-only critical-entry log
}

// CacheConfig sets per-resource staleness thresholds.
type CacheConfig struct {
	StaleAfter map[string]time.Duration `yaml:"stale_after"` // resource class -> threshold
}

// StaleAfterFor returns the staleness threshold for a resource class, or the
// "default" entry when the class is not configured.
func (c CacheConfig) StaleAfterFor(resource string) time.Duration {
	if d, ok := c.StaleAfter[resource]; ok {
		return d
	}
	return c.StaleAfter["default"]
}

// AlertsConfig tunes the async alert/audit emitter.
type AlertsConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	Cooldown        time.Duration `yaml:"cooldown"`         // minimum gap between alerts for one reason code
	DeliverTimeout  time.Duration `yaml:"deliver_timeout"`  // per-alert sink delivery deadline
	AuditPath       string        `yaml:"audit_path"`       // rotating JSONL audit log
	AuditMaxSizeMB  int           `yaml:"audit_max_size_mb"`
	AuditMaxBackups int           `yaml:"audit_max_backups"`
}

// OpsConfig configures the operator HTTP surface.
type OpsConfig struct {
	ListenAddr         string        `yaml:"listen_addr"`
	MetricsSampleEvery time.Duration `yaml:"metrics_sample_every"` // cadence of the gauge sampling loop
}

// StoreConfig locates the embedded durable store.
type StoreConfig struct {
	Path         string        `yaml:"path"`          // sqlite file; ":memory:" for tests
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns a production-ready configuration. Every threshold the
// control plane consults lives here or in the loaded yaml, never in code.
func DefaultConfig() *DegradationConfig {
	return &DegradationConfig{
		Bus: BusConfig{
			QueueSize:       1024,
			FallbackLogPath: "data/events_fallback.log",
		},
		Breakers: BreakersConfig{
			Defaults: BreakerConfig{
				FailThresholdCount:   3,
				FailThresholdWindow:  10 * time.Second,
				TripThresholdCount:   2,
				RecoveryStableWindow: 30 * time.Second,
				ProbeInterval:        5 * time.Second,
				RaisedProbeInterval:  1 * time.Second,
				EventTTL:             60 * time.Second,
			},
			Sources: map[string]BreakerConfig{
				"broker":     {Critical: true, EventTTL: 30 * time.Second},
				"marketdata": {Critical: true, EventTTL: 15 * time.Second},
				"risk":       {Critical: true, FailThresholdCount: 3},
				"database":   {Critical: false, RecoveryStableWindow: 60 * time.Second},
				"alerting":   {Critical: false},
			},
		},
		State: StateConfig{
			DedupeWindow:    30 * time.Second,
			RecoveryDwell:   60 * time.Second,
			WarnOnUnstable:  true,
			ForceDefaultTTL: 5 * time.Minute,
			TTLSweepEvery:   5 * time.Second,
		},
		Matrix: MatrixConfig{
			Rules: map[string]MatrixRule{
				"BROKER_DISCONNECT":      {Target: "SAFE_MODE_DISCONNECTED"},
				"BROKER_RECONNECTED":     {Target: "RECOVERING"},
				"MD_STALE":               {Target: "SAFE_MODE"},
				"MD_RECOVERED":           {Target: "RECOVERING"},
				"RISK_TIMEOUT":           {Target: "SAFE_MODE", MinConsecutive: 3},
				"RISK_RECOVERED":         {Target: "RECOVERING"},
				"DB_WRITE_FAIL":          {Target: "DEGRADED"},
				"DB_BUFFER_OVERFLOW":     {Target: "SAFE_MODE"},
				"DB_RECOVERED":           {Target: "RECOVERING"},
				"POSITION_TRUTH_UNKNOWN": {Target: "HALT"},
				"POSITION_MISMATCH":      {Target: "HALT"},
				"SOURCE_TTL_EXPIRED":     {Target: "DEGRADED"},
				"RECOVERY_STAGE_FAILED":  {Target: "SAFE_MODE"},
				"PROBES_HEALTHY":         {Target: "NORMAL"},
				"ALERTS_CHANNEL_DOWN":    {Target: ""}, // warning only, never a mode change
				"OPERATOR_FORCE":         {Target: ""}, // handled by the force path, not the matrix
			},
		},
		Recovery: RecoveryConfig{
			StabilityWindow:             2 * time.Minute,
			StageTimeout:                30 * time.Second,
			StageRetryInterval:          2 * time.Second,
			StageMaxAttempts:            5,
			AutoNormal:                  true,
			AllowCancelDuringVerifyRisk: true,
		},
		WAL: WALConfig{
			MaxEntries:    10000,
			MaxBytes:      16 << 20,
			MaxAge:        10 * time.Minute,
			FlushInterval: 2 * time.Second,
			SegmentPath:   "data/wal_critical.log",
		},
		Cache: CacheConfig{
			StaleAfter: map[string]time.Duration{
				"positions": 10 * time.Second,
				"quotes":    2 * time.Second,
				"orders":    5 * time.Second,
				"default":   30 * time.Second,
			},
		},
		Alerts: AlertsConfig{
			QueueSize:       256,
			Cooldown:        60 * time.Second,
			DeliverTimeout:  5 * time.Second,
			AuditPath:       "data/audit.jsonl",
			AuditMaxSizeMB:  64,
			AuditMaxBackups: 8,
		},
		Ops: OpsConfig{
			ListenAddr:         ":8099",
			MetricsSampleEvery: 5 * time.Second,
		},
		Store: StoreConfig{
			Path:         "data/tradeguard.db",
			QueryTimeout: 5 * time.Second,
		},
	}
}

// Load reads a yaml configuration file over the defaults.
func Load(path string) (*DegradationConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the control plane cannot run safely on.
func (c *DegradationConfig) Validate() error {
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("bus.queue_size must be positive, got %d", c.Bus.QueueSize)
	}
	if c.Breakers.Defaults.FailThresholdCount <= 0 {
		return fmt.Errorf("breakers.defaults.fail_threshold_count must be positive")
	}
	if c.Breakers.Defaults.RecoveryStableWindow <= 0 {
		return fmt.Errorf("breakers.defaults.recovery_stable_window must be positive")
	}
	if c.WAL.MaxEntries <= 0 || c.WAL.MaxBytes <= 0 {
		return fmt.Errorf("wal limits must be positive (entries=%d bytes=%d)", c.WAL.MaxEntries, c.WAL.MaxBytes)
	}
	if c.Recovery.StabilityWindow <= 0 {
		return fmt.Errorf("recovery.stability_window must be positive")
	}
	if c.State.ForceDefaultTTL <= 0 {
		return fmt.Errorf("state.force_default_ttl must be positive")
	}
	if _, ok := c.Cache.StaleAfter["default"]; !ok {
		return fmt.Errorf("cache.stale_after must include a \"default\" entry")
	}
	if c.Alerts.DeliverTimeout <= 0 {
		return fmt.Errorf("alerts.deliver_timeout must be positive")
	}
	if c.Ops.MetricsSampleEvery <= 0 {
		return fmt.Errorf("ops.metrics_sample_every must be positive")
	}
	for reason, rule := range c.Matrix.Rules {
		if rule.Target == "" {
			continue
		}
		if !validModeName(rule.Target) {
			return fmt.Errorf("matrix rule %s targets unknown mode %q", reason, rule.Target)
		}
		if rule.MinConsecutive < 0 {
			return fmt.Errorf("matrix rule %s has negative min_consecutive", reason)
		}
	}
	return nil
}

func validModeName(s string) bool {
	switch s {
	case "NORMAL", "RECOVERING", "DEGRADED", "SAFE_MODE", "SAFE_MODE_DISCONNECTED", "HALT":
		return true
	default:
		return false
	}
}
