// Package paddock exposes the stable gym-style contract between an RL
// training loop and a running robot-control environment: Reset, Step, Close.
//
// A Runtime owns the process-wide environment registry. Creating an
// environment launches its robot-control processes, binds its control
// channels over Redis, and returns an Environment the training loop drives:
//
//	rt := paddock.NewRuntime(&redis.Options{Addr: "localhost:6379"})
//	defer rt.Teardown(context.Background())
//
//	env, err := rt.Create(ctx, spec, rewardFn)
//	...
//	first, err := env.Reset(ctx)
//	for {
//		result, err := env.Step(ctx, policy(first.Observation))
//		...
//	}
//
// Timeout-class failures (ErrObservationTimeout, ErrResetTimeout) are
// recoverable: retry the step once or fall back to Reset; if they repeat,
// Close the environment and recreate it. Schema and identifier errors are
// programmer errors and are never retried automatically.
package paddock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/paddock/internal/registry"
	"github.com/dyluth/paddock/internal/stepper"
	"github.com/dyluth/paddock/internal/supervisor"
	"github.com/dyluth/paddock/pkg/wire"
)

// RewardFunc computes reward and termination from (observation, action)
// pairs. See stepper.RewardFunc.
type RewardFunc = stepper.RewardFunc

// Runtime is the process-wide owner of running environment instances.
// Create one per process, tear it down when training ends.
type Runtime struct {
	reg       *registry.Registry
	redisOpts *redis.Options
}

// Option configures a Runtime.
type Option func(*runtimeConfig)

type runtimeConfig struct {
	launcher supervisor.Launcher
}

// WithLauncher overrides how robot-control processes are launched. The
// default launches host processes; pass a supervisor.DockerLauncher to run
// drivers as containers.
func WithLauncher(l supervisor.Launcher) Option {
	return func(c *runtimeConfig) {
		c.launcher = l
	}
}

// NewRuntime creates a runtime over the given Redis connection options.
func NewRuntime(redisOpts *redis.Options, opts ...Option) *Runtime {
	cfg := runtimeConfig{
		launcher: &supervisor.ExecLauncher{RedisAddr: redisOpts.Addr},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Runtime{
		reg:       registry.New(redisOpts, cfg.launcher),
		redisOpts: redisOpts,
	}
}

// Create launches the environment described by spec and returns its
// gym-style handle. Fails with ErrDuplicateIdentifier if the identifier is
// already registered, or with ErrLaunchTimeout (after full rollback, no
// orphaned processes) if any process misses its readiness signal.
func (r *Runtime) Create(ctx context.Context, spec wire.EnvironmentSpec, reward RewardFunc) (*Environment, error) {
	if reward == nil {
		return nil, fmt.Errorf("reward function is required")
	}

	in, err := r.reg.Create(ctx, spec)
	if err != nil {
		return nil, err
	}

	return &Environment{
		id: spec.ID,
		rt: r,
		st: stepper.New(in.Binding(), in, reward, spec),
	}, nil
}

// List returns the discovery records of every instance visible on the Redis
// server, including ones owned by other processes.
func (r *Runtime) List(ctx context.Context) ([]wire.InstanceRecord, error) {
	client, err := wire.NewClient(r.redisOpts, "probe")
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.ListInstanceRecords(ctx)
}

// Teardown destroys every environment this runtime owns.
func (r *Runtime) Teardown(ctx context.Context) error {
	return r.reg.Close(ctx)
}

// Environment is the RL-facing handle of one running instance. Safe for use
// from a single training goroutine; concurrent steps on the same
// environment are serialized internally.
type Environment struct {
	id string
	rt *Runtime
	st *stepper.Stepper

	initialized atomic.Bool
	closed      atomic.Bool
}

// ID returns the environment's instance identifier.
func (e *Environment) ID() string {
	return e.id
}

// Reset homes the environment and returns the initial StepResult. Must be
// called before the first Step. Fails with ErrResetTimeout if the
// reset-complete observation does not arrive in time.
func (e *Environment) Reset(ctx context.Context) (wire.StepResult, error) {
	res, err := e.st.Reset(ctx)
	if err != nil {
		return wire.StepResult{}, err
	}
	e.initialized.Store(true)
	return res, nil
}

// Step applies one action and returns the resulting StepResult. Fails with
// ErrNotInitialized before the first successful Reset. A step that fails
// with ErrObservationTimeout may be retried once or answered with Reset;
// repeated timeouts should prompt Close and recreation.
func (e *Environment) Step(ctx context.Context, action []float64) (wire.StepResult, error) {
	if !e.initialized.Load() {
		return wire.StepResult{}, ErrNotInitialized
	}
	return e.st.Step(ctx, action)
}

// Close releases every resource the environment owns: processes are
// terminated (gracefully, then killed), channel bindings closed, the
// identifier deregistered. Idempotent: only the call that performs the
// teardown can return an error; every later call returns nil. Any in-flight
// Step or Reset is interrupted and returns ErrCancelled.
func (e *Environment) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.rt.reg.Destroy(ctx, e.id)
}

// ErrNotInitialized indicates Step was called before the first Reset.
var ErrNotInitialized = errors.New("environment not initialized: call Reset first")
