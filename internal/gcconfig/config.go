// Package gcconfig defines the collector's configuration surface: the
// options enumerated in spec §6, a functional-options constructor in the
// teacher's style, JSON load/save, a schema-version compatibility gate,
// and (in watch.go) a hot-reload watcher.
package gcconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/shenandoah-gc/shenandoah/internal/barrier"
	"github.com/shenandoah-gc/shenandoah/internal/heuristics"
)

// SchemaVersion is the current config schema version this build
// understands; Config files declare the version they were written for and
// Load rejects incompatible ones rather than silently misinterpreting
// them.
const SchemaVersion = "1.0.0"

// schemaConstraint accepts any 1.x schema: additive fields within a major
// version are forward-compatible, a major bump is not.
const schemaConstraint = "^1.0"

// Config holds every tunable spec §6 lists, plus the schema version and
// heuristics-variant selection needed to construct the rest of the
// collector.
type Config struct {
	SchemaVersion string `json:"schema_version"`

	HeuristicsMode string `json:"heuristics_mode"` // "static", "compact", "adaptive", "passive"

	MinFreeThreshold      float64 `json:"min_free_threshold_pct"`
	AllocationThreshold   float64 `json:"allocation_threshold_pct"`
	CriticalFreeThreshold float64 `json:"critical_free_threshold_pct"`
	GarbageThreshold      float64 `json:"garbage_threshold_pct"`
	ImmediateThreshold    float64 `json:"immediate_threshold_pct"`
	EvacReserve           float64 `json:"evac_reserve_pct"`
	EvacWaste             float64 `json:"evac_waste"`
	FullGCThreshold       int     `json:"full_gc_threshold"`
	GuaranteedGCIntervalMS int64  `json:"guaranteed_gc_interval_ms"`
	UncommitDelayMS        int64  `json:"uncommit_delay_ms"`

	SATBBarrier    bool `json:"satb_barrier"`
	IUBarrier      bool `json:"iu_barrier"`
	CloneBarrier   bool `json:"clone_barrier"`
	LoadRefBarrier bool `json:"load_ref_barrier"`
	SelfFixing     bool `json:"self_fixing"`

	Pacing         bool `json:"pacing"`
	HumongousMoves bool `json:"humongous_moves"`
	ElasticTLAB    bool `json:"elastic_tlab"`

	GCLabWords uintptr `json:"gclab_words"`
}

// DefaultConfig returns the collector's out-of-the-box tuning: Adaptive
// heuristics with the SATB, clone and load-reference barriers enabled
// (IU off), matching the teacher's
// defaultConfig()/DefaultConfig() convention of a fully-populated,
// reasonable-for-production starting point.
func DefaultConfig() *Config {
	hc := heuristics.DefaultConfig(heuristics.Adaptive)
	return &Config{
		SchemaVersion: SchemaVersion,

		HeuristicsMode: "adaptive",

		MinFreeThreshold:       hc.MinFreeThreshold,
		AllocationThreshold:    hc.AllocationThreshold,
		CriticalFreeThreshold:  hc.CriticalFreeThreshold,
		GarbageThreshold:       hc.GarbageThreshold,
		ImmediateThreshold:     hc.ImmediateThreshold,
		EvacReserve:            hc.EvacReserve,
		EvacWaste:              hc.EvacWaste,
		FullGCThreshold:        hc.FullGCThreshold,
		GuaranteedGCIntervalMS: hc.GuaranteedGCInterval.Milliseconds(),
		UncommitDelayMS:        5000,

		SATBBarrier:    true,
		IUBarrier:      false,
		CloneBarrier:   true,
		LoadRefBarrier: true,
		SelfFixing:     true,

		Pacing:         true,
		HumongousMoves: false,
		ElasticTLAB:    true,

		GCLabWords: 256,
	}
}

// Option mutates a Config under construction, following the teacher's
// internal/allocator.Option convention (functional options layered over a
// fully-populated default rather than a zero-value struct).
type Option func(*Config)

// New builds a Config from DefaultConfig with opts applied in order.
func New(opts ...Option) *Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHeuristicsMode(mode string) Option {
	return func(c *Config) { c.HeuristicsMode = mode }
}

func WithGarbageThreshold(pct float64) Option {
	return func(c *Config) { c.GarbageThreshold = pct }
}

func WithEvacReserve(pct float64) Option {
	return func(c *Config) { c.EvacReserve = pct }
}

func WithGuaranteedGCInterval(d time.Duration) Option {
	return func(c *Config) { c.GuaranteedGCIntervalMS = d.Milliseconds() }
}

func WithPacing(enabled bool) Option {
	return func(c *Config) { c.Pacing = enabled }
}

func WithSelfFixing(enabled bool) Option {
	return func(c *Config) { c.SelfFixing = enabled }
}

// Variant resolves HeuristicsMode to a heuristics.Variant, defaulting to
// Adaptive for an empty or unrecognized string.
func (c *Config) Variant() heuristics.Variant {
	switch c.HeuristicsMode {
	case "static":
		return heuristics.Static
	case "compact":
		return heuristics.Compact
	case "passive":
		return heuristics.Passive
	default:
		return heuristics.Adaptive
	}
}

// HeuristicsConfig projects the shared threshold fields onto a
// heuristics.Config, seeded from that variant's own defaults so fields
// this Config doesn't carry (e.g. internal penalty tuning) keep their
// variant-appropriate values.
func (c *Config) HeuristicsConfig() heuristics.Config {
	hc := heuristics.DefaultConfig(c.Variant())
	hc.MinFreeThreshold = c.MinFreeThreshold
	hc.AllocationThreshold = c.AllocationThreshold
	hc.CriticalFreeThreshold = c.CriticalFreeThreshold
	hc.GarbageThreshold = c.GarbageThreshold
	hc.ImmediateThreshold = c.ImmediateThreshold
	hc.EvacReserve = c.EvacReserve
	hc.EvacWaste = c.EvacWaste
	hc.FullGCThreshold = c.FullGCThreshold
	hc.GuaranteedGCInterval = time.Duration(c.GuaranteedGCIntervalMS) * time.Millisecond
	return hc
}

// BarrierConfig projects the barrier enable flags onto a barrier.Config.
func (c *Config) BarrierConfig() barrier.Config {
	return barrier.Config{
		SATBBarrier:    c.SATBBarrier,
		IUBarrier:      c.IUBarrier,
		CloneBarrier:   c.CloneBarrier,
		LoadRefBarrier: c.LoadRefBarrier,
		SelfFixing:     c.SelfFixing,
		GCLabWords:     c.GCLabWords,
	}
}

// GuaranteedGCInterval and UncommitDelay convert the millisecond fields
// back to time.Duration for callers that want the typed form.
func (c *Config) GuaranteedGCInterval() time.Duration {
	return time.Duration(c.GuaranteedGCIntervalMS) * time.Millisecond
}

func (c *Config) UncommitDelay() time.Duration {
	return time.Duration(c.UncommitDelayMS) * time.Millisecond
}

// Validate checks SchemaVersion against schemaConstraint and rejects a few
// nonsensical combinations (negative percentages, an empty heuristics
// mode resolving silently) that JSON unmarshaling alone wouldn't catch.
func (c *Config) Validate() error {
	v, err := semver.NewVersion(c.SchemaVersion)
	if err != nil {
		return fmt.Errorf("gcconfig: invalid schema_version %q: %w", c.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(schemaConstraint)
	if err != nil {
		return fmt.Errorf("gcconfig: invalid internal schema constraint %q: %w", schemaConstraint, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("gcconfig: schema_version %s does not satisfy %s", c.SchemaVersion, schemaConstraint)
	}
	for name, pct := range map[string]float64{
		"min_free_threshold_pct":      c.MinFreeThreshold,
		"allocation_threshold_pct":    c.AllocationThreshold,
		"critical_free_threshold_pct": c.CriticalFreeThreshold,
		"garbage_threshold_pct":       c.GarbageThreshold,
		"immediate_threshold_pct":     c.ImmediateThreshold,
		"evac_reserve_pct":            c.EvacReserve,
	} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("gcconfig: %s = %v, want a percentage in [0, 100]", name, pct)
		}
	}
	switch c.HeuristicsMode {
	case "static", "compact", "adaptive", "passive":
	default:
		return fmt.Errorf("gcconfig: unrecognized heuristics_mode %q", c.HeuristicsMode)
	}
	return nil
}

// Load reads and validates a Config from a JSON file, following
// cmd/orizon-config's ProjectConfig load pattern.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gcconfig: read %s: %w", path, err)
	}
	c := DefaultConfig()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("gcconfig: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes c as indented JSON to path.
func Save(path string, c *Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("gcconfig: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("gcconfig: write %s: %w", path, err)
	}
	return nil
}
