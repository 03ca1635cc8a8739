package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/studyhub/automation/pkg/condition"
	"github.com/studyhub/automation/pkg/template"
)

// Reason classifies why a step failed.
type Reason string

const (
	ReasonTimeout             Reason = "timeout"
	ReasonTransport           Reason = "transport_error"
	ReasonRemote              Reason = "remote_error"
	ReasonUnsupportedOperator Reason = "unsupported_operator"
	ReasonMissingContextField Reason = "missing_context_field"
	ReasonInvalidConfig       Reason = "invalid_config"
	ReasonDelivery            Reason = "delivery_error"
	ReasonAction              Reason = "action_error"
	ReasonCancelled           Reason = "cancelled"
)

// Failure is the error returned by Execute. Every failure is subject to the
// step's error policy.
type Failure struct {
	Reason Reason
	Status int // HTTP status for remote errors
	Err    error
}

func (f *Failure) Error() string {
	switch {
	case f.Reason == ReasonRemote && f.Status != 0:
		return fmt.Sprintf("%s(%d): %v", f.Reason, f.Status, f.Err)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	default:
		return string(f.Reason)
	}
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ReasonOf extracts the failure reason, defaulting to ReasonAction for foreign errors.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}

	return ReasonAction
}

// IsTimeout reports whether err is a step timeout.
func IsTimeout(err error) bool {
	return ReasonOf(err) == ReasonTimeout
}

// IsCancelled reports whether err is a step interrupted by the run halting.
func IsCancelled(err error) bool {
	return ReasonOf(err) == ReasonCancelled
}

func fail(reason Reason, err error) *Failure {
	return &Failure{Reason: reason, Err: err}
}

// classify maps errors from collaborators onto failure reasons. A context
// that expired becomes Timeout; a context cancelled by the caller becomes Cancelled.
func classify(ctx context.Context, err error, fallback Reason) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fail(ReasonTimeout, err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return fail(ReasonCancelled, err)
	case errors.Is(err, condition.ErrUnsupportedOperator):
		return fail(ReasonUnsupportedOperator, err)
	case errors.Is(err, condition.ErrMissingContextField), errors.Is(err, template.ErrMissingField):
		return fail(ReasonMissingContextField, err)
	case errors.Is(err, condition.ErrInvalidCondition):
		return fail(ReasonInvalidConfig, err)
	default:
		return fail(fallback, err)
	}
}
