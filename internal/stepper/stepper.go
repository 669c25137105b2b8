// Package stepper enforces the per-step protocol between the RL loop and a
// running environment instance: request action → apply action → wait for
// settle → sample observation → compute reward/termination, at a bounded
// control-loop rate.
//
// Steps on one instance are strictly sequential; the stepper serializes them
// with a per-instance mutex. The settle delay and the observation wait are
// the only blocking points, and both unblock promptly when the instance is
// closed.
package stepper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/paddock/pkg/wire"
)

var (
	// ErrEnvironmentNotReady indicates a step or reset was issued while the
	// instance was not in the ready state.
	ErrEnvironmentNotReady = errors.New("environment instance is not ready")

	// ErrResetTimeout indicates the reset-complete observation did not
	// arrive within the reset timeout.
	ErrResetTimeout = errors.New("timed out waiting for reset to complete")

	// ErrCancelled indicates the step or reset was interrupted by a close
	// or shutdown signal.
	ErrCancelled = errors.New("operation cancelled")
)

// Health is the stepper's view of its instance's lifecycle: enough to gate
// steps and to report failures, nothing more.
type Health interface {
	// Ready reports whether the instance may accept a step.
	Ready() bool
	// Degrade records a recoverable failure against the instance.
	Degrade(reason string)
	// Recover reports a successful observation, letting a degraded
	// instance promote back to ready.
	Recover()
	// Done is closed when the instance begins closing.
	Done() <-chan struct{}
}

// RewardFunc computes the scalar reward and the terminated flag from an
// observation and the action that produced it. Implementations are supplied
// by the task author; any function with this shape satisfies the contract.
type RewardFunc func(obs wire.Observation, action []float64) (reward float64, terminated bool)

// Stepper drives the step and reset protocols for one instance.
type Stepper struct {
	binding *wire.Binding
	health  Health
	reward  RewardFunc

	controlPeriod      time.Duration
	settle             time.Duration
	observationTimeout time.Duration
	resetTimeout       time.Duration
	maxEpisodeSteps    int

	// lockCh is the per-instance exclusion slot: no two step or reset
	// calls on the same instance execute concurrently.
	lockCh chan struct{}

	stepCount    int
	episodeSteps int
	lastStepEnd  time.Time
}

// New creates a stepper over a binding using the spec's timing budgets.
func New(binding *wire.Binding, health Health, reward RewardFunc, spec wire.EnvironmentSpec) *Stepper {
	s := &Stepper{
		binding:            binding,
		health:             health,
		reward:             reward,
		controlPeriod:      spec.ControlPeriod,
		settle:             spec.SettleDuration,
		observationTimeout: spec.ObservationTimeout,
		resetTimeout:       spec.ResetTimeout,
		maxEpisodeSteps:    spec.MaxEpisodeSteps,
		lockCh:             make(chan struct{}, 1),
	}
	s.lockCh <- struct{}{}
	return s
}

// acquire takes the per-instance exclusion slot, giving up on cancellation
// so a close never leaves a caller stuck behind a wedged step.
func (s *Stepper) acquire(ctx context.Context) error {
	select {
	case <-s.lockCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-s.health.Done():
		return ErrCancelled
	}
}

func (s *Stepper) release() {
	s.lockCh <- struct{}{}
}

// Step runs one cycle of the step protocol and returns the resulting
// StepResult. Fails with ErrEnvironmentNotReady if the instance is not
// ready, wire.ErrSchemaViolation on a malformed action,
// wire.ErrObservationTimeout (after degrading the instance) if no fresh
// observation arrives, or ErrCancelled if interrupted by close.
//
// Rate control: successive steps are spaced at least one control period
// apart; a step invoked early is delayed, not rejected.
func (s *Stepper) Step(ctx context.Context, action []float64) (wire.StepResult, error) {
	if err := s.acquire(ctx); err != nil {
		return wire.StepResult{}, err
	}
	defer s.release()

	if !s.health.Ready() {
		return wire.StepResult{}, ErrEnvironmentNotReady
	}

	if err := s.pace(ctx); err != nil {
		return wire.StepResult{}, err
	}

	started := time.Now()

	if _, err := s.binding.SendAction(ctx, action, false); err != nil {
		return wire.StepResult{}, err
	}

	if err := s.wait(ctx, s.settle); err != nil {
		// The action was sent but its observation will never be consumed by
		// this step; release the in-flight slot so the instance stays
		// steppable after the cancellation.
		s.binding.AbandonAction()
		return wire.StepResult{}, err
	}

	obs, capturedAt, err := s.binding.ReceiveObservation(ctx, s.observationWindow(started))
	if err != nil {
		return wire.StepResult{}, s.receiveError(err)
	}

	s.health.Recover()
	reward, terminated := s.reward(obs, action)

	s.stepCount++
	s.episodeSteps++
	truncated := s.maxEpisodeSteps > 0 && s.episodeSteps >= s.maxEpisodeSteps
	s.lastStepEnd = time.Now()

	return wire.StepResult{
		Observation: obs,
		Reward:      reward,
		Terminated:  terminated,
		Truncated:   truncated,
		Info: map[string]string{
			"step":        strconv.Itoa(s.stepCount),
			"obs_seq":     strconv.FormatUint(obs.Seq, 10),
			"captured_at": capturedAt.Format(time.RFC3339Nano),
		},
	}, nil
}

// Reset sends the distinguished reset action and waits for the
// reset-complete observation, up to the reset timeout. On success the
// episode step counter restarts and the initial StepResult is returned with
// zero reward and clear flags.
func (s *Stepper) Reset(ctx context.Context) (wire.StepResult, error) {
	if err := s.acquire(ctx); err != nil {
		return wire.StepResult{}, err
	}
	defer s.release()

	if !s.health.Ready() {
		return wire.StepResult{}, ErrEnvironmentNotReady
	}

	if _, err := s.binding.SendAction(ctx, nil, true); err != nil {
		return wire.StepResult{}, err
	}

	deadline := time.Now().Add(s.resetTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.health.Degrade("reset timeout")
			return wire.StepResult{}, fmt.Errorf("%w after %v", ErrResetTimeout, s.resetTimeout)
		}

		obs, capturedAt, err := s.binding.ReceiveObservation(ctx, remaining)
		if err != nil {
			if errors.Is(err, wire.ErrObservationTimeout) {
				s.health.Degrade("reset timeout")
				return wire.StepResult{}, fmt.Errorf("%w after %v", ErrResetTimeout, s.resetTimeout)
			}
			return wire.StepResult{}, s.receiveError(err)
		}
		if !obs.ResetComplete {
			// An ordinary observation still in flight from before the
			// reset; keep waiting for the distinguished one.
			continue
		}

		s.health.Recover()
		s.episodeSteps = 0
		s.lastStepEnd = time.Now()

		return wire.StepResult{
			Observation: obs,
			Info: map[string]string{
				"obs_seq":     strconv.FormatUint(obs.Seq, 10),
				"captured_at": capturedAt.Format(time.RFC3339Nano),
			},
		}, nil
	}
}

// pace delays an early step until a full control period has elapsed since
// the previous step finished.
func (s *Stepper) pace(ctx context.Context) error {
	if s.lastStepEnd.IsZero() {
		return nil
	}
	return s.wait(ctx, s.controlPeriod-time.Since(s.lastStepEnd))
}

// wait sleeps for d, cancellably. Not a busy loop.
func (s *Stepper) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-s.health.Done():
		return ErrCancelled
	}
}

// observationWindow is the remainder of the control period after the send
// and settle, floored at the spec's observation timeout so a long settle can
// never shrink the window to nothing.
func (s *Stepper) observationWindow(started time.Time) time.Duration {
	window := s.controlPeriod - time.Since(started)
	if window < s.observationTimeout {
		window = s.observationTimeout
	}
	return window
}

// receiveError maps binding-level failures onto the step protocol: timeouts
// degrade the instance and surface as-is, close surfaces as ErrCancelled.
func (s *Stepper) receiveError(err error) error {
	switch {
	case errors.Is(err, wire.ErrObservationTimeout):
		s.health.Degrade("observation timeout")
		return err
	case errors.Is(err, wire.ErrBindingClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	default:
		return err
	}
}

// StepCount returns the number of successful steps since creation.
func (s *Stepper) StepCount() int {
	return s.stepCount
}
