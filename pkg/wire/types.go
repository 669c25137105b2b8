package wire

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrSchemaViolation indicates an action did not match the instance's
	// action schema. This is a programmer error and is never retried.
	ErrSchemaViolation = errors.New("action does not match schema")

	// ErrObservationTimeout indicates no fresh observation arrived within
	// the allowed window. Recoverable: the caller may retry or reset.
	ErrObservationTimeout = errors.New("timed out waiting for observation")
)

// ActionSchema describes the shape and bounds of the outbound action vector
// for one environment instance. Bounds are optional; when present they must
// match Dim.
type ActionSchema struct {
	Dim  int       `json:"dim"`
	Low  []float64 `json:"low,omitempty"`
	High []float64 `json:"high,omitempty"`
}

// Validate checks that the schema itself is well formed.
func (s ActionSchema) Validate() error {
	if s.Dim < 1 {
		return fmt.Errorf("invalid action schema: dim must be >= 1, got %d", s.Dim)
	}
	if s.Low != nil && len(s.Low) != s.Dim {
		return fmt.Errorf("invalid action schema: low has %d elements, want %d", len(s.Low), s.Dim)
	}
	if s.High != nil && len(s.High) != s.Dim {
		return fmt.Errorf("invalid action schema: high has %d elements, want %d", len(s.High), s.Dim)
	}
	for i := range s.Low {
		if s.High != nil && s.Low[i] > s.High[i] {
			return fmt.Errorf("invalid action schema: low[%d] > high[%d]", i, i)
		}
	}
	return nil
}

// Check validates an action vector against the schema.
// Returns an error wrapping ErrSchemaViolation on any mismatch.
func (s ActionSchema) Check(action []float64) error {
	if len(action) != s.Dim {
		return fmt.Errorf("%w: got %d values, want %d", ErrSchemaViolation, len(action), s.Dim)
	}
	for i, v := range action {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value[%d] is not finite", ErrSchemaViolation, i)
		}
		if s.Low != nil && v < s.Low[i] {
			return fmt.Errorf("%w: value[%d]=%v below lower bound %v", ErrSchemaViolation, i, v, s.Low[i])
		}
		if s.High != nil && v > s.High[i] {
			return fmt.Errorf("%w: value[%d]=%v above upper bound %v", ErrSchemaViolation, i, v, s.High[i])
		}
	}
	return nil
}

// ActionMessage is the outbound message on an instance's action channel.
// Seq increases monotonically per binding; controllers must echo the Seq of
// the action a given observation responds to.
type ActionMessage struct {
	ID      string    `json:"id"`      // UUID, unique per message
	Seq     uint64    `json:"seq"`     // Monotonic outbound sequence number
	Values  []float64 `json:"values"`  // Action vector, schema-checked before send
	Reset   bool      `json:"reset"`   // True for the distinguished reset/home action
	SentAtMs int64    `json:"sent_at_ms"`
}

// Observation is the inbound message on an instance's observation channel.
// Seq is the controller's monotonic sequence number; observations arriving
// out of order are discarded by the Binding.
type Observation struct {
	Seq           uint64    `json:"seq"`
	Values        []float64 `json:"values"`
	ResetComplete bool      `json:"reset_complete"` // Marks the distinguished reset-complete observation
	CapturedAtMs  int64     `json:"captured_at_ms"` // Controller-side capture time
}

// Heartbeat is published periodically by every launched process. The first
// heartbeat doubles as the process's readiness signal.
type Heartbeat struct {
	Process  string `json:"process"` // Process name from its ProcessSpec
	SentAtMs int64  `json:"sent_at_ms"`
}

// StepResult packages one step of the agent-environment interaction.
// Value type: produced fresh each step, never mutated after return.
type StepResult struct {
	Observation Observation
	Reward      float64
	Terminated  bool
	Truncated   bool
	Info        map[string]string
}

// ProcessSpec describes one external process constituting part of an
// environment instance: a robot driver, a sensor node, a safety monitor.
type ProcessSpec struct {
	Name    string   // Unique within the instance
	Command []string // Executable + arguments (exec launcher)
	Image   string   // Container image (docker launcher); mutually exclusive with Command
	Env     []string // Extra environment variables, KEY=VALUE

	// HeartbeatInterval is the cadence at which the process promises to
	// publish heartbeats. The supervisor's miss threshold derives from it.
	HeartbeatInterval time.Duration

	// ReadyTimeout bounds the wait for the first heartbeat after launch.
	ReadyTimeout time.Duration
}

// Validate checks a single process descriptor.
func (p ProcessSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("process name cannot be empty")
	}
	if len(p.Command) == 0 && p.Image == "" {
		return fmt.Errorf("process %q: either command or image is required", p.Name)
	}
	if len(p.Command) > 0 && p.Image != "" {
		return fmt.Errorf("process %q: command and image are mutually exclusive", p.Name)
	}
	if p.HeartbeatInterval <= 0 {
		return fmt.Errorf("process %q: heartbeat_interval must be positive", p.Name)
	}
	if p.ReadyTimeout <= 0 {
		return fmt.Errorf("process %q: ready_timeout must be positive", p.Name)
	}
	return nil
}

// EnvironmentSpec is the immutable description of one environment instance:
// which processes to launch, the action schema, and the timing budgets of the
// step protocol. Immutable once an instance starts.
type EnvironmentSpec struct {
	ID        string        // Instance identifier, DNS-style name
	Processes []ProcessSpec // Ordered launch descriptors

	ActionSchema ActionSchema

	// ControlPeriod is the minimum wall-clock interval between successive
	// RL steps. A step invoked early is delayed until the period elapses.
	ControlPeriod time.Duration

	// SettleDuration is the time allowed for the physical system to respond
	// to an action before the next observation is sampled.
	SettleDuration time.Duration

	// ObservationTimeout is the floor on the per-step observation wait, so
	// that a long settle cannot shrink the window to nothing.
	ObservationTimeout time.Duration

	// ResetTimeout bounds the wait for the reset-complete observation.
	ResetTimeout time.Duration

	// LaunchTimeout bounds the whole all-or-nothing launch sequence.
	LaunchTimeout time.Duration

	// GraceTimeout is how long a process gets to exit after a graceful stop
	// before it is killed.
	GraceTimeout time.Duration

	// MaxEpisodeSteps truncates an episode after this many steps.
	// Zero means no truncation.
	MaxEpisodeSteps int
}

// Validate performs strict validation on the spec.
func (s EnvironmentSpec) Validate() error {
	if err := ValidateInstanceName(s.ID); err != nil {
		return err
	}
	if len(s.Processes) == 0 {
		return fmt.Errorf("spec %q: no processes defined", s.ID)
	}
	seen := make(map[string]bool, len(s.Processes))
	for _, p := range s.Processes {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("spec %q: %w", s.ID, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("spec %q: duplicate process name %q", s.ID, p.Name)
		}
		seen[p.Name] = true
	}
	if err := s.ActionSchema.Validate(); err != nil {
		return fmt.Errorf("spec %q: %w", s.ID, err)
	}
	if s.ControlPeriod <= 0 {
		return fmt.Errorf("spec %q: control_period must be positive", s.ID)
	}
	if s.SettleDuration < 0 {
		return fmt.Errorf("spec %q: settle_duration cannot be negative", s.ID)
	}
	if s.ObservationTimeout <= 0 {
		return fmt.Errorf("spec %q: observation_timeout must be positive", s.ID)
	}
	if s.ResetTimeout <= 0 {
		return fmt.Errorf("spec %q: reset_timeout must be positive", s.ID)
	}
	if s.LaunchTimeout <= 0 {
		return fmt.Errorf("spec %q: launch_timeout must be positive", s.ID)
	}
	if s.GraceTimeout <= 0 {
		return fmt.Errorf("spec %q: grace_timeout must be positive", s.ID)
	}
	if s.MaxEpisodeSteps < 0 {
		return fmt.Errorf("spec %q: max_episode_steps cannot be negative", s.ID)
	}
	return nil
}
