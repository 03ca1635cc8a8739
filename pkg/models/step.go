package models

// StepType is the closed set of step kinds.
type StepType string

const (
	StepTypeCondition    StepType = "condition"
	StepTypeAction       StepType = "action"
	StepTypeDelay        StepType = "delay"
	StepTypeParallel     StepType = "parallel"
	StepTypeLoop         StepType = "loop"
	StepTypeWebhook      StepType = "webhook"
	StepTypeAPICall      StepType = "api_call"
	StepTypeEmail        StepType = "email"
	StepTypeNotification StepType = "notification"
)

// IsMarker reports whether the step only shapes the graph and is never
// dispatched. Loop steps pass through; they do not iterate.
func (t StepType) IsMarker() bool {
	return t == StepTypeParallel || t == StepTypeLoop
}

// ErrorPolicy decides what happens after a step fails.
type ErrorPolicy string

const (
	OnErrorContinue ErrorPolicy = "continue"
	OnErrorStop     ErrorPolicy = "stop"
	OnErrorRetry    ErrorPolicy = "retry"
)

// RetryBackoff selects how the delay between attempts grows.
type RetryBackoff string

const (
	BackoffConstant    RetryBackoff = "constant"
	BackoffExponential RetryBackoff = "exponential"
)

// WorkflowStep is one node in the execution graph.
type WorkflowStep struct {
	ID               string         `json:"id"                           validate:"required"`
	Name             string         `json:"name,omitempty"`
	Type             StepType       `json:"type"                         validate:"required,oneof=condition action delay parallel loop webhook api_call email notification"`
	Configuration    map[string]any `json:"configuration,omitempty"`
	Order            int            `json:"order"`
	Enabled          bool           `json:"enabled"`
	Timeout          Duration       `json:"timeout,omitempty"`
	RetryCount       int            `json:"retry_count,omitempty"        validate:"gte=0"`
	RetryDelay       Duration       `json:"retry_delay,omitempty"`
	RetryBackoff     RetryBackoff   `json:"retry_backoff,omitempty"      validate:"omitempty,oneof=constant exponential"`
	OnError          ErrorPolicy    `json:"on_error,omitempty"           validate:"omitempty,oneof=continue stop retry"`
	OnRetryExhausted ErrorPolicy    `json:"on_retry_exhausted,omitempty" validate:"omitempty,oneof=continue stop"`
	NextSteps        []string       `json:"next_steps,omitempty"`
	ParallelSteps    []string       `json:"parallel_steps,omitempty"`
}

// Policy returns the effective error policy; an unset policy means stop.
func (s *WorkflowStep) Policy() ErrorPolicy {
	if s.OnError == "" {
		return OnErrorStop
	}

	return s.OnError
}

// ExhaustedPolicy returns what a retry step does once its retries are spent.
func (s *WorkflowStep) ExhaustedPolicy() ErrorPolicy {
	if s.OnRetryExhausted == OnErrorContinue {
		return OnErrorContinue
	}

	return OnErrorStop
}

// DisplayName falls back to the id when no name is set.
func (s *WorkflowStep) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}

	return s.ID
}

func (s *WorkflowStep) Clone() *WorkflowStep {
	out := *s
	out.Configuration = CopyMap(s.Configuration)
	out.NextSteps = append([]string(nil), s.NextSteps...)
	out.ParallelSteps = append([]string(nil), s.ParallelSteps...)

	return &out
}
