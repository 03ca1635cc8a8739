// Package policy decides what happens after a step fails: retry, continue or stop.
package policy

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/studyhub/automation/pkg/models"
)

// Action is the outcome of applying a step's error policy to a failure.
type Action int

const (
	Stop Action = iota
	Continue
	Retry
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Retry:
		return "retry"
	default:
		return "stop"
	}
}

// Decision is returned for every failure.
type Decision struct {
	Action    Action
	After     time.Duration // Delay before the next attempt, Retry only
	Exhausted bool          // Retry budget spent; Action is the exhausted policy
}

// Engine builds per-step trackers.
type Engine struct {
	maxDelay time.Duration
}

// Option configures the Engine.
type Option func(*Engine)

// WithMaxDelay caps exponential backoff intervals.
func WithMaxDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.maxDelay = d
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{maxDelay: 5 * time.Minute}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Tracker follows one step through its attempts. It is owned by a single
// goroutine and must not be shared.
type Tracker struct {
	step     *models.WorkflowStep
	attempts int
	schedule backoff.BackOff
}

// Track starts a fresh retry budget for step.
func (e *Engine) Track(step *models.WorkflowStep) *Tracker {
	t := &Tracker{step: step}
	if step.Policy() != models.OnErrorRetry {
		return t
	}

	var b backoff.BackOff

	switch step.RetryBackoff {
	case models.BackoffExponential:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = step.RetryDelay.Std()
		exp.RandomizationFactor = 0
		exp.Multiplier = 2
		exp.MaxInterval = e.maxDelay
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	default:
		b = backoff.NewConstantBackOff(step.RetryDelay.Std())
	}

	t.schedule = backoff.WithMaxRetries(b, uint64(step.RetryCount))

	return t
}

// Begin records that the step executor is about to be invoked and returns the
// 1-based attempt number.
func (t *Tracker) Begin() int {
	t.attempts++

	return t.attempts
}

// Attempts returns how many times Begin was called.
func (t *Tracker) Attempts() int {
	return t.attempts
}

// Apply maps a failure to a decision. With on_error retry and retry_count N
// the executor runs at most N+1 times; afterwards the exhausted policy applies.
func (t *Tracker) Apply(failure error) Decision {
	switch t.step.Policy() {
	case models.OnErrorContinue:
		return Decision{Action: Continue}
	case models.OnErrorRetry:
		if next := t.schedule.NextBackOff(); next != backoff.Stop {
			return Decision{Action: Retry, After: next}
		}

		if t.step.ExhaustedPolicy() == models.OnErrorContinue {
			return Decision{Action: Continue, Exhausted: true}
		}

		return Decision{Action: Stop, Exhausted: true}
	default:
		return Decision{Action: Stop}
	}
}
