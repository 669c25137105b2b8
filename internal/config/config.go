// Package config loads and validates paddock.yml, the file describing the
// environments an operator can bring up from the CLI. Library users build
// wire.EnvironmentSpec values directly; this package only exists for the
// file-based surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/paddock/pkg/wire"
)

// PaddockConfig represents the top-level paddock.yml configuration.
type PaddockConfig struct {
	Version      string                       `yaml:"version"`
	Redis        string                       `yaml:"redis,omitempty"` // Redis address, default localhost:6379
	Environments map[string]EnvironmentConfig `yaml:"environments"`
}

// EnvironmentConfig is the file form of one environment spec. Durations are
// Go duration strings ("100ms", "2s").
type EnvironmentConfig struct {
	ControlPeriod      string          `yaml:"control_period"`
	SettleDuration     string          `yaml:"settle_duration,omitempty"`
	ObservationTimeout string          `yaml:"observation_timeout"`
	ResetTimeout       string          `yaml:"reset_timeout"`
	LaunchTimeout      string          `yaml:"launch_timeout"`
	GraceTimeout       string          `yaml:"grace_timeout,omitempty"`
	MaxEpisodeSteps    int             `yaml:"max_episode_steps,omitempty"`
	Action             ActionConfig    `yaml:"action"`
	Processes          []ProcessConfig `yaml:"processes"`
}

// ActionConfig is the file form of the action schema.
type ActionConfig struct {
	Dim  int       `yaml:"dim"`
	Low  []float64 `yaml:"low,omitempty"`
	High []float64 `yaml:"high,omitempty"`
}

// ProcessConfig is the file form of one process descriptor.
type ProcessConfig struct {
	Name              string   `yaml:"name"`
	Command           []string `yaml:"command,omitempty"`
	Image             string   `yaml:"image,omitempty"`
	Environment       []string `yaml:"environment,omitempty"`
	HeartbeatInterval string   `yaml:"heartbeat_interval"`
	ReadyTimeout      string   `yaml:"ready_timeout"`
}

// Load reads and parses a paddock.yml file, then validates it strictly.
func Load(path string) (*PaddockConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var cfg PaddockConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate performs strict validation on the configuration.
func (c *PaddockConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if len(c.Environments) == 0 {
		return fmt.Errorf("no environments defined")
	}
	for name, env := range c.Environments {
		if _, err := env.ToSpec(name); err != nil {
			return err
		}
	}
	return nil
}

// RedisAddr returns the configured Redis address or the default.
func (c *PaddockConfig) RedisAddr() string {
	if c.Redis != "" {
		return c.Redis
	}
	return "localhost:6379"
}

// Spec builds the wire spec for a named environment.
func (c *PaddockConfig) Spec(name string) (wire.EnvironmentSpec, error) {
	env, ok := c.Environments[name]
	if !ok {
		return wire.EnvironmentSpec{}, fmt.Errorf("environment %q not defined in paddock.yml", name)
	}
	return env.ToSpec(name)
}

// ToSpec converts the file form into a validated wire.EnvironmentSpec,
// applying defaults for optional fields.
func (e EnvironmentConfig) ToSpec(name string) (wire.EnvironmentSpec, error) {
	spec := wire.EnvironmentSpec{
		ID: name,
		ActionSchema: wire.ActionSchema{
			Dim:  e.Action.Dim,
			Low:  e.Action.Low,
			High: e.Action.High,
		},
		MaxEpisodeSteps: e.MaxEpisodeSteps,
	}

	var err error
	if spec.ControlPeriod, err = parseDuration(name, "control_period", e.ControlPeriod, 0); err != nil {
		return wire.EnvironmentSpec{}, err
	}
	if spec.SettleDuration, err = parseDuration(name, "settle_duration", e.SettleDuration, 0); err != nil {
		return wire.EnvironmentSpec{}, err
	}
	if spec.ObservationTimeout, err = parseDuration(name, "observation_timeout", e.ObservationTimeout, 0); err != nil {
		return wire.EnvironmentSpec{}, err
	}
	if spec.ResetTimeout, err = parseDuration(name, "reset_timeout", e.ResetTimeout, 0); err != nil {
		return wire.EnvironmentSpec{}, err
	}
	if spec.LaunchTimeout, err = parseDuration(name, "launch_timeout", e.LaunchTimeout, 0); err != nil {
		return wire.EnvironmentSpec{}, err
	}
	if spec.GraceTimeout, err = parseDuration(name, "grace_timeout", e.GraceTimeout, 5*time.Second); err != nil {
		return wire.EnvironmentSpec{}, err
	}

	for _, p := range e.Processes {
		ps := wire.ProcessSpec{
			Name:    p.Name,
			Command: p.Command,
			Image:   p.Image,
			Env:     p.Environment,
		}
		if ps.HeartbeatInterval, err = parseDuration(name, "heartbeat_interval", p.HeartbeatInterval, 0); err != nil {
			return wire.EnvironmentSpec{}, err
		}
		if ps.ReadyTimeout, err = parseDuration(name, "ready_timeout", p.ReadyTimeout, 0); err != nil {
			return wire.EnvironmentSpec{}, err
		}
		spec.Processes = append(spec.Processes, ps)
	}

	if err := spec.Validate(); err != nil {
		return wire.EnvironmentSpec{}, err
	}
	return spec, nil
}

// parseDuration parses a duration field, using def when the field is empty
// and def is non-zero.
func parseDuration(env, field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("environment %q: invalid %s %q: %w", env, field, value, err)
	}
	return d, nil
}
