// Package rollout drives evaluation episodes against a running environment
// with a pluggable policy. It exists for the CLI's `paddock run` command and
// for smoke-testing a freshly configured environment; real training loops
// talk to pkg/paddock directly.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/dyluth/paddock/pkg/wire"
)

// Env is the slice of the environment contract the runner needs.
type Env interface {
	Reset(ctx context.Context) (wire.StepResult, error)
	Step(ctx context.Context, action []float64) (wire.StepResult, error)
}

// Policy maps the latest observation to the next action.
type Policy func(obs wire.Observation, rng *rand.Rand) []float64

// RandomPolicy samples actions uniformly within the schema's bounds.
// Unbounded dimensions sample from [-1, 1].
func RandomPolicy(schema wire.ActionSchema) Policy {
	return func(_ wire.Observation, rng *rand.Rand) []float64 {
		action := make([]float64, schema.Dim)
		for i := range action {
			low, high := -1.0, 1.0
			if schema.Low != nil {
				low = schema.Low[i]
			}
			if schema.High != nil {
				high = schema.High[i]
			}
			action[i] = low + rng.Float64()*(high-low)
		}
		return action
	}
}

// Summary aggregates the returns of a batch of episodes.
type Summary struct {
	Episodes   int
	TotalSteps int
	Returns    []float64
	MeanReturn float64
	StdReturn  float64
	Timeouts   int // episodes abandoned after repeated observation timeouts
}

// Runner runs a fixed number of episodes with one policy.
type Runner struct {
	env      Env
	policy   Policy
	episodes int
	maxSteps int // per-episode step cap on top of the environment's own truncation
	rng      *rand.Rand
}

// New creates a runner. Seed fixes the policy's randomness so evaluation
// runs are repeatable.
func New(env Env, policy Policy, episodes, maxSteps int, seed int64) *Runner {
	return &Runner{
		env:      env,
		policy:   policy,
		episodes: episodes,
		maxSteps: maxSteps,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Run executes the episodes sequentially and returns their summary.
// An observation timeout is retried once per episode (the documented
// recovery contract); a second timeout abandons the episode and counts it in
// Summary.Timeouts. Any other error aborts the run.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	sum := Summary{Episodes: r.episodes}

	for ep := 0; ep < r.episodes; ep++ {
		ret, steps, err := r.episode(ctx, ep)
		if err != nil {
			if errors.Is(err, wire.ErrObservationTimeout) {
				sum.Timeouts++
				log.Printf("[WARN] Episode %d abandoned after repeated observation timeouts", ep)
				continue
			}
			return Summary{}, fmt.Errorf("episode %d: %w", ep, err)
		}
		sum.Returns = append(sum.Returns, ret)
		sum.TotalSteps += steps
	}

	if len(sum.Returns) > 0 {
		sum.MeanReturn = stat.Mean(sum.Returns, nil)
		if len(sum.Returns) > 1 {
			sum.StdReturn = stat.StdDev(sum.Returns, nil)
		}
	}
	return sum, nil
}

func (r *Runner) episode(ctx context.Context, ep int) (ret float64, steps int, err error) {
	res, err := r.env.Reset(ctx)
	if err != nil {
		return 0, 0, err
	}

	retried := false
	for steps = 0; r.maxSteps == 0 || steps < r.maxSteps; {
		action := r.policy(res.Observation, r.rng)

		next, err := r.env.Step(ctx, action)
		if err != nil {
			if errors.Is(err, wire.ErrObservationTimeout) && !retried {
				retried = true
				continue
			}
			return 0, steps, err
		}

		steps++
		ret += next.Reward
		res = next

		if next.Terminated || next.Truncated {
			break
		}
	}

	log.Printf("[DEBUG] Episode %d finished: return=%.3f steps=%d", ep, ret, steps)
	return ret, steps, nil
}
