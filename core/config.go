package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Options holds the per-agent tuning knobs. Zero values are replaced by
// defaults, so a partially populated Options (from YAML or code) is valid.
type Options struct {
	// Transient failure retry budget per step.
	MaxRetries int `yaml:"max_retries"`

	// Data-shape (recoverable) failure retry budget per step.
	MaxRecoverableRetries int `yaml:"max_recoverable_retries"`

	// How many reflective replans an agent may stack before giving up.
	MaxReplanDepth int `yaml:"max_replan_depth"`

	// Consecutive identical reflection plan signatures tolerated before the
	// agent fails with a reflection-loop error.
	MaxReflectCyclesPerError int `yaml:"max_reflect_cycles_per_error"`

	// Interval between full agent snapshots while running.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// Wall-clock deadline for primitive capability executions.
	PrimitiveStepTimeout time.Duration `yaml:"primitive_step_timeout"`

	// Wall-clock deadline for planning verbs (ACCOMPLISH, PLAN, REFLECT).
	PlanningStepTimeout time.Duration `yaml:"planning_step_timeout"`

	// Initial backoff for transient retries; doubles per attempt.
	DefaultBackoff time.Duration `yaml:"default_backoff"`

	// Upper bound on WHILE/UNTIL loop regenerations.
	LoopBodySafetyCap int `yaml:"loop_body_safety_cap"`

	// Default FOREACH batch size when a step does not set one.
	DefaultBatchSize int `yaml:"default_batch_size"`

	// Idle sleep between scheduler sweeps when there is nothing to do.
	IdleSweepInterval time.Duration `yaml:"idle_sweep_interval"`

	// How long delegation waits for a freshly provisioned agent to report
	// RUNNING before failing the hand-off.
	SpawnWaitTimeout time.Duration `yaml:"spawn_wait_timeout"`

	RedisURL  string `yaml:"redis_url"`
	AuthToken string `yaml:"auth_token"`
}

// DefaultOptions returns the recognized defaults.
func DefaultOptions() *Options {
	return &Options{
		MaxRetries:               3,
		MaxRecoverableRetries:    5,
		MaxReplanDepth:           3,
		MaxReflectCyclesPerError: 3,
		CheckpointInterval:       15 * time.Minute,
		PrimitiveStepTimeout:     30 * time.Minute,
		PlanningStepTimeout:      60 * time.Minute,
		DefaultBackoff:           1 * time.Second,
		LoopBodySafetyCap:        100,
		DefaultBatchSize:         10,
		IdleSweepInterval:        1 * time.Second,
		SpawnWaitTimeout:         30 * time.Second,
	}
}

// LoadOptions reads options from a YAML file, applies environment overrides
// and fills defaults for anything left unset.
func LoadOptions(path string) (*Options, error) {
	opts := &Options{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading options file: %w", err)
		}
		if err := yaml.Unmarshal(data, opts); err != nil {
			return nil, fmt.Errorf("parsing options file: %w", ErrInvalidConfiguration)
		}
	}
	opts.applyEnvironment()
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) applyEnvironment() {
	if v := os.Getenv("AGENTMESH_REDIS_URL"); v != "" {
		o.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" && o.RedisURL == "" {
		o.RedisURL = v
	}
	if v := os.Getenv("AGENTMESH_AUTH_TOKEN"); v != "" {
		o.AuthToken = v
	}
	if v := os.Getenv("AGENTMESH_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.MaxRetries = n
		}
	}
	if v := os.Getenv("AGENTMESH_MAX_REPLAN_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.MaxReplanDepth = n
		}
	}
	if v := os.Getenv("AGENTMESH_CHECKPOINT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			o.CheckpointInterval = d
		}
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.MaxRecoverableRetries <= 0 {
		o.MaxRecoverableRetries = def.MaxRecoverableRetries
	}
	if o.MaxReplanDepth <= 0 {
		o.MaxReplanDepth = def.MaxReplanDepth
	}
	if o.MaxReflectCyclesPerError <= 0 {
		o.MaxReflectCyclesPerError = def.MaxReflectCyclesPerError
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = def.CheckpointInterval
	}
	if o.PrimitiveStepTimeout <= 0 {
		o.PrimitiveStepTimeout = def.PrimitiveStepTimeout
	}
	if o.PlanningStepTimeout <= 0 {
		o.PlanningStepTimeout = def.PlanningStepTimeout
	}
	if o.DefaultBackoff <= 0 {
		o.DefaultBackoff = def.DefaultBackoff
	}
	if o.LoopBodySafetyCap <= 0 {
		o.LoopBodySafetyCap = def.LoopBodySafetyCap
	}
	if o.DefaultBatchSize <= 0 {
		o.DefaultBatchSize = def.DefaultBatchSize
	}
	if o.IdleSweepInterval <= 0 {
		o.IdleSweepInterval = def.IdleSweepInterval
	}
	if o.SpawnWaitTimeout <= 0 {
		o.SpawnWaitTimeout = def.SpawnWaitTimeout
	}
}

func (o *Options) validate() error {
	if o.MaxRetries > 100 {
		return fmt.Errorf("max_retries %d is unreasonable: %w", o.MaxRetries, ErrInvalidConfiguration)
	}
	if o.DefaultBatchSize > 1000 {
		return fmt.Errorf("default_batch_size %d is unreasonable: %w", o.DefaultBatchSize, ErrInvalidConfiguration)
	}
	return nil
}
