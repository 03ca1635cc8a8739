package triggers

import (
	"fmt"
	"math"

	"github.com/studyhub/automation/pkg/models"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"
)

func triggerKey(workflow *models.Workflow, trigger *models.WorkflowTrigger) string {
	return fmt.Sprintf("%s/%s@%d", workflow.ID, trigger.ID, workflow.Version)
}

// validatePayload checks payload against the trigger's "schema" configuration.
// Compiled schemas are kept per workflow version.
func (l *Listener) validatePayload(workflow *models.Workflow, trigger *models.WorkflowTrigger, payload map[string]any) error {
	raw, ok := trigger.Configuration["schema"]
	if !ok || raw == nil {
		return nil
	}

	key := triggerKey(workflow, trigger)

	l.mu.Lock()
	schema, cached := l.schemas[key]
	l.mu.Unlock()

	if !cached {
		var err error

		schema, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
		if err != nil {
			return &PayloadError{TriggerID: trigger.ID, Details: []string{"invalid schema: " + err.Error()}}
		}

		l.mu.Lock()
		l.schemas[key] = schema
		l.mu.Unlock()
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return &PayloadError{TriggerID: trigger.ID, Details: []string{err.Error()}}
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}

	return &PayloadError{TriggerID: trigger.ID, Details: details}
}

// allow applies the trigger's "rate_limit" (runs per second, burst rounded up).
func (l *Listener) allow(workflow *models.Workflow, trigger *models.WorkflowTrigger) bool {
	perSecond, ok := number(trigger.Configuration["rate_limit"])
	if !ok || perSecond <= 0 {
		return true
	}

	key := workflow.ID + "/" + trigger.ID

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, exists := l.limiters[key]
	if !exists || lim.perSecond != perSecond {
		burst := int(math.Ceil(perSecond))
		lim = &limiter{perSecond: perSecond, Limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		l.limiters[key] = lim
	}

	return lim.Allow()
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
