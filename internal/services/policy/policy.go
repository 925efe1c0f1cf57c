package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// Evaluator decides whether a request is admissible. Input is an open
// object; the host guarantees only its shape, not its meaning.
type Evaluator interface {
	Evaluate(ctx context.Context, input map[string]interface{}) (bool, error)
	Close(ctx context.Context) error
}

// ValidationError marks a structurally invalid policy input. Callers
// treat it as an internal error, not a denial.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "invalid policy input: " + e.Msg
}

// validateInput enforces the one structural rule the host owns: the
// budgets field must be present and must be a list.
func validateInput(input map[string]interface{}) error {
	budgets, ok := input["budgets"]
	if !ok {
		return &ValidationError{Msg: "budgets field is missing"}
	}
	kind := reflect.ValueOf(budgets).Kind()
	if budgets == nil || (kind != reflect.Slice && kind != reflect.Array) {
		return &ValidationError{Msg: "budgets must be an array"}
	}
	return nil
}

// parseDecision interprets a policy result document. The document is
// a list of {result} objects; the decision is the truthiness of the
// first result. An empty list denies.
func parseDecision(raw []byte) (bool, error) {
	var results []struct {
		Result interface{} `json:"result"`
	}
	if err := json.Unmarshal(raw, &results); err != nil {
		return false, fmt.Errorf("malformed policy result %q: %w", raw, err)
	}
	if len(results) == 0 {
		return false, nil
	}
	return truthy(results[0].Result), nil
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	}
	return true
}

// New builds the configured evaluator: a Wasm-backed one when a
// bundle path is set, the built-in rule set otherwise.
func New(ctx context.Context, wasmPath string, logger *zap.Logger) (Evaluator, error) {
	if wasmPath == "" {
		logger.Info("No policy bundle configured, using built-in rules")
		return NewRuleEvaluator(), nil
	}
	return NewWasmEvaluator(ctx, wasmPath, logger)
}
