package policy

import (
	"context"
	"strings"
)

// adminHourOpen and adminHourClose bound the UTC window in which
// admin routes are served.
const (
	adminHourOpen  = 9
	adminHourClose = 18
)

// RuleEvaluator is the built-in decision set used when no bundle is
// configured: spend must stay strictly under budget, and admin routes
// are closed outside business hours.
type RuleEvaluator struct{}

func NewRuleEvaluator() *RuleEvaluator {
	return &RuleEvaluator{}
}

func (e *RuleEvaluator) Evaluate(_ context.Context, input map[string]interface{}) (bool, error) {
	if err := validateInput(input); err != nil {
		return false, err
	}

	usage := toFloat(input["usage"])
	budget := toFloat(input["budget"])
	if usage >= budget {
		return false, nil
	}

	route, _ := input["route"].(string)
	if strings.HasPrefix(route, "/admin") {
		hour := int(toFloat(input["time"]))
		if hour < adminHourOpen || hour >= adminHourClose {
			return false, nil
		}
	}

	return true, nil
}

func (e *RuleEvaluator) Close(context.Context) error {
	return nil
}

func toFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	}
	return 0
}
