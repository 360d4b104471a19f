package permit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator is the closed set of condition operators. Evaluation matches the
// set exhaustively in one place; unknown operators are errors, not silent
// skips.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpRegex       Operator = "regex"
	OpCustom      Operator = "custom"
)

// CustomPredicate is an injected predicate for OpCustom conditions. It
// receives the full evaluation context and the condition's value.
type CustomPredicate func(ctx *EvaluationContext, value any) bool

// PolicyCondition is a single predicate over the evaluation context. All
// conditions of a policy are ANDed; OR is expressed with multiple policies.
// For OpCustom, Predicate names a predicate registered on the engine.
type PolicyCondition struct {
	Field         string   `json:"field" yaml:"field"`
	Operator      Operator `json:"operator" yaml:"operator"`
	Value         any      `json:"value,omitempty" yaml:"value,omitempty"`
	Predicate     string   `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Negate        bool     `json:"negate,omitempty" yaml:"negate,omitempty"`
	CaseSensitive bool     `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
}

func (c PolicyCondition) String() string {
	op := string(c.Operator)
	if c.Operator == OpCustom {
		op = "custom:" + c.Predicate
	}
	if c.Negate {
		return fmt.Sprintf("!(%s %s %v)", c.Field, op, c.Value)
	}
	return fmt.Sprintf("%s %s %v", c.Field, op, c.Value)
}

// evaluateCondition applies one condition against the context. The raw value
// comes from ctx.Conditions[field] falling back to ctx.Metadata[field]; a
// missing field simply evaluates false (before negation). Errors (malformed
// regex, unknown operator, unregistered predicate) propagate to the engine
// boundary where they normalize to a fail-closed result.
func evaluateCondition(cond PolicyCondition, ctx *EvaluationContext, predicates map[string]CustomPredicate) (bool, error) {
	var result bool
	var err error

	switch cond.Operator {
	case OpCustom:
		fn, ok := predicates[cond.Predicate]
		if !ok {
			return false, fmt.Errorf("unknown custom predicate %q", cond.Predicate)
		}
		result = fn(ctx, cond.Value)

	case OpEquals, OpNotEquals, OpIn, OpNotIn, OpGreaterThan, OpLessThan, OpContains, OpRegex:
		actual, present := ctx.Fact(cond.Field)
		if !present {
			result = false
			break
		}
		result, err = applyOperator(cond, actual)
		if err != nil {
			return false, err
		}

	default:
		return false, fmt.Errorf("unknown condition operator %q", cond.Operator)
	}

	if cond.Negate {
		result = !result
	}
	return result, nil
}

func applyOperator(cond PolicyCondition, actual any) (bool, error) {
	switch cond.Operator {
	case OpEquals:
		return valuesEqual(actual, cond.Value, cond.CaseSensitive), nil
	case OpNotEquals:
		return !valuesEqual(actual, cond.Value, cond.CaseSensitive), nil
	case OpIn:
		return valueIn(actual, cond.Value, cond.CaseSensitive), nil
	case OpNotIn:
		return !valueIn(actual, cond.Value, cond.CaseSensitive), nil
	case OpGreaterThan:
		a, b, ok := numericPair(actual, cond.Value)
		return ok && a > b, nil
	case OpLessThan:
		a, b, ok := numericPair(actual, cond.Value)
		return ok && a < b, nil
	case OpContains:
		return valueContains(actual, cond.Value, cond.CaseSensitive), nil
	case OpRegex:
		pattern, ok := cond.Value.(string)
		if !ok {
			return false, fmt.Errorf("regex condition on %s: pattern is not a string", cond.Field)
		}
		if !cond.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("regex condition on %s: %w", cond.Field, err)
		}
		return re.MatchString(stringify(actual)), nil
	}
	return false, fmt.Errorf("unknown condition operator %q", cond.Operator)
}

func valuesEqual(a, b any, caseSensitive bool) bool {
	if as, ok := a.(string); ok {
		if bs, ok2 := b.(string); ok2 {
			if caseSensitive {
				return as == bs
			}
			return strings.EqualFold(as, bs)
		}
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// valueIn checks membership of actual in a list-valued condition value. A
// scalar condition value degrades to equality.
func valueIn(actual, set any, caseSensitive bool) bool {
	switch s := set.(type) {
	case []any:
		for _, item := range s {
			if valuesEqual(actual, item, caseSensitive) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range s {
			if valuesEqual(actual, item, caseSensitive) {
				return true
			}
		}
		return false
	default:
		return valuesEqual(actual, set, caseSensitive)
	}
}

// valueContains: string containment when actual is a string, membership when
// actual is a slice.
func valueContains(actual, needle any, caseSensitive bool) bool {
	switch a := actual.(type) {
	case string:
		n := stringify(needle)
		if caseSensitive {
			return strings.Contains(a, n)
		}
		return strings.Contains(strings.ToLower(a), strings.ToLower(n))
	case []any:
		for _, item := range a {
			if valuesEqual(item, needle, caseSensitive) {
				return true
			}
		}
	case []string:
		for _, item := range a {
			if valuesEqual(item, needle, caseSensitive) {
				return true
			}
		}
	}
	return false
}

func numericPair(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
