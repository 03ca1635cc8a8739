package models

import (
	"encoding/json"
	"fmt"
)

// StepConfig is the typed form of a step's configuration bag. The set of
// implementations is closed: one per step type.
type StepConfig interface {
	stepConfig()
}

// ConditionConfig is a boolean test against the run context. Either a single
// operator test or a compound of All/Any sub-conditions.
type ConditionConfig struct {
	Field      string            `json:"field,omitempty"`
	Operator   string            `json:"operator,omitempty"`
	Value      any               `json:"value,omitempty"`
	Values     []any             `json:"values,omitempty"`
	Pattern    string            `json:"pattern,omitempty"`
	Expression string            `json:"expression,omitempty"`
	All        []ConditionConfig `json:"all,omitempty"`
	Any        []ConditionConfig `json:"any,omitempty"`
}

// HTTPConfig drives api_call and webhook steps.
type HTTPConfig struct {
	Endpoint     string            `json:"endpoint"                validate:"required"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         any               `json:"body,omitempty"`
	ExpectStatus int               `json:"expect_status,omitempty" validate:"omitempty,gte=100,lte=599"`
}

// MessageConfig drives email and notification steps.
type MessageConfig struct {
	To        string         `json:"to"                  validate:"required"`
	Subject   string         `json:"subject,omitempty"`
	Template  string         `json:"template"            validate:"required"`
	Channel   string         `json:"channel,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

type DelayConfig struct {
	Duration Duration `json:"duration" validate:"required,gt=0"`
}

// ActionConfig names a registered action and its parameters.
type ActionConfig struct {
	Action string         `json:"action"           validate:"required"`
	Params map[string]any `json:"params,omitempty"`
}

type ParallelConfig struct{}

type LoopConfig struct{}

func (ConditionConfig) stepConfig() {}
func (HTTPConfig) stepConfig()      {}
func (MessageConfig) stepConfig()   {}
func (DelayConfig) stepConfig()     {}
func (ActionConfig) stepConfig()    {}
func (ParallelConfig) stepConfig()  {}
func (LoopConfig) stepConfig()      {}

// DecodeStepConfig converts the step's configuration map into its typed config.
// It only decodes; required-field checks happen at compile time.
func DecodeStepConfig(step *WorkflowStep) (StepConfig, error) {
	switch step.Type {
	case StepTypeCondition:
		return decodeInto[ConditionConfig](step.Configuration)
	case StepTypeAPICall, StepTypeWebhook:
		return decodeInto[HTTPConfig](step.Configuration)
	case StepTypeEmail, StepTypeNotification:
		return decodeInto[MessageConfig](step.Configuration)
	case StepTypeDelay:
		return decodeInto[DelayConfig](step.Configuration)
	case StepTypeAction:
		return decodeInto[ActionConfig](step.Configuration)
	case StepTypeParallel:
		return ParallelConfig{}, nil
	case StepTypeLoop:
		return LoopConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}
}

func decodeInto[T StepConfig](raw map[string]any) (StepConfig, error) {
	out := new(T)
	if len(raw) == 0 {
		return *out, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	return *out, nil
}
