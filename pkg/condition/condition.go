// Package condition evaluates condition step configurations against a run context.
package condition

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/template"
)

var (
	// ErrUnsupportedOperator indicates an operator the evaluator does not know. Unknown operators fail closed.
	ErrUnsupportedOperator = errors.New("unsupported operator")

	// ErrMissingContextField indicates the tested field is absent from the context.
	ErrMissingContextField = errors.New("missing context field")

	// ErrInvalidCondition indicates operands the operator cannot work with.
	ErrInvalidCondition = errors.New("invalid condition")
)

// EvalError wraps an evaluation failure with the operator and field involved.
type EvalError struct {
	Kind     error
	Operator string
	Field    string
	Err      error
}

func (e *EvalError) Error() string {
	msg := e.Kind.Error()
	if e.Operator != "" {
		msg += fmt.Sprintf(" %q", e.Operator)
	}

	if e.Field != "" {
		msg += fmt.Sprintf(" on field %s", e.Field)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *EvalError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// Evaluator is stateless and safe for concurrent use. The same config and
// context always produce the same answer.
type Evaluator struct{}

func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate tests cfg against ctx. Compound conditions require every (All) or
// at least one (Any) sub-condition; a config with both requires both groups.
func (e *Evaluator) Evaluate(cfg models.ConditionConfig, ctx map[string]any) (bool, error) {
	if len(cfg.All) > 0 || len(cfg.Any) > 0 {
		return e.compound(cfg, ctx)
	}

	op := normalizeOperator(cfg.Operator)
	if op == "" && cfg.Expression != "" {
		op = "expr"
	}

	if op == "expr" {
		return evaluateExpression(cfg.Expression, ctx)
	}

	fail := func(kind error, err error) (bool, error) {
		return false, &EvalError{Kind: kind, Operator: cfg.Operator, Field: cfg.Field, Err: err}
	}

	value, found := template.Lookup(ctx, cfg.Field)

	switch op {
	case "exists":
		return found, nil
	case "not_exists":
		return !found, nil
	}

	if _, known := operators[op]; !known {
		return fail(ErrUnsupportedOperator, nil)
	}

	if !found {
		return fail(ErrMissingContextField, nil)
	}

	ok, err := operators[op](value, cfg)
	if err != nil {
		return fail(ErrInvalidCondition, err)
	}

	return ok, nil
}

func (e *Evaluator) compound(cfg models.ConditionConfig, ctx map[string]any) (bool, error) {
	for _, sub := range cfg.All {
		ok, err := e.Evaluate(sub, ctx)
		if err != nil || !ok {
			return false, err
		}
	}

	if len(cfg.Any) == 0 {
		return true, nil
	}

	var firstErr error

	for _, sub := range cfg.Any {
		ok, err := e.Evaluate(sub, ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		if ok {
			return true, nil
		}
	}

	return false, firstErr
}

type operatorFunc func(value any, cfg models.ConditionConfig) (bool, error)

var operators = map[string]operatorFunc{
	"regex": matchRegex,
	"in": func(value any, cfg models.ConditionConfig) (bool, error) {
		return member(value, cfg)
	},
	"not_in": func(value any, cfg models.ConditionConfig) (bool, error) {
		ok, err := member(value, cfg)

		return !ok && err == nil, err
	},
	"eq": func(value any, cfg models.ConditionConfig) (bool, error) {
		return equal(value, cfg.Value), nil
	},
	"neq": func(value any, cfg models.ConditionConfig) (bool, error) {
		return !equal(value, cfg.Value), nil
	},
	"gt":  compare(func(c int) bool { return c > 0 }),
	"gte": compare(func(c int) bool { return c >= 0 }),
	"lt":  compare(func(c int) bool { return c < 0 }),
	"lte": compare(func(c int) bool { return c <= 0 }),
	"contains": func(value any, cfg models.ConditionConfig) (bool, error) {
		s, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("contains needs a string field, got %T", value)
		}

		return strings.Contains(s, template.Stringify(cfg.Value)), nil
	},
}

var aliases = map[string]string{
	"matches":    "regex",
	"==":         "eq",
	"equals":     "eq",
	"!=":         "neq",
	"not_equals": "neq",
	">":          "gt",
	">=":         "gte",
	"<":          "lt",
	"<=":         "lte",
	"nin":        "not_in",
	"expression": "expr",
}

func normalizeOperator(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := aliases[op]; ok {
		return alias
	}

	return op
}

func matchRegex(value any, cfg models.ConditionConfig) (bool, error) {
	pattern := cfg.Pattern
	if pattern == "" {
		pattern, _ = cfg.Value.(string)
	}

	if pattern == "" {
		return false, errors.New("regex needs a pattern")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("bad pattern: %w", err)
	}

	s, ok := value.(string)
	if !ok {
		return false, nil
	}

	return re.MatchString(s), nil
}

func member(value any, cfg models.ConditionConfig) (bool, error) {
	set := cfg.Values
	if len(set) == 0 {
		list, ok := cfg.Value.([]any)
		if !ok {
			return false, errors.New("membership needs a values list")
		}

		set = list
	}

	for _, candidate := range set {
		if equal(value, candidate) {
			return true, nil
		}
	}

	return false, nil
}

func compare(accept func(int) bool) operatorFunc {
	return func(value any, cfg models.ConditionConfig) (bool, error) {
		left, ok := toNumber(value)
		if !ok {
			return false, fmt.Errorf("field value %v is not numeric", value)
		}

		right, ok := toNumber(cfg.Value)
		if !ok {
			return false, fmt.Errorf("comparison value %v is not numeric", cfg.Value)
		}

		switch {
		case left < right:
			return accept(-1), nil
		case left > right:
			return accept(1), nil
		default:
			return accept(0), nil
		}
	}
}

// equal compares numbers numerically and everything else structurally.
func equal(a, b any) bool {
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
	}

	return reflect.DeepEqual(a, b)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)

		return f, err == nil
	default:
		return 0, false
	}
}

func evaluateExpression(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return false, &EvalError{Kind: ErrInvalidCondition, Operator: "expr", Err: errors.New("empty expression")}
	}

	env := make(map[string]any, len(ctx))
	for k, v := range ctx {
		env[k] = v
	}

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		kind := ErrInvalidCondition
		if strings.Contains(err.Error(), "unknown name") {
			kind = ErrMissingContextField
		}

		return false, &EvalError{Kind: kind, Operator: "expr", Err: err}
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, &EvalError{Kind: ErrInvalidCondition, Operator: "expr", Err: err}
	}

	return truthy(result), nil
}

func truthy(v any) bool {
	if v == nil {
		return false
	}

	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
