// Package score evaluates weighted condition sets against event data. It
// is the shared primitive behind threat-pattern scoring and alert-rule
// triggering, which aggregate matches differently: MeanMatchedScore and
// SumMatchedScore are deliberately distinct and must not be conflated.
package score

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator enumerates supported comparisons.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpRegex       Operator = "regex"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpInRange     Operator = "in_range"
)

// Valid reports whether the operator is known.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpContains, OpRegex, OpGreaterThan, OpLessThan, OpInRange:
		return true
	}
	return false
}

const matchScore = 100.0

// Condition is one weighted predicate over a dot-path field.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
	Weight   float64

	// re is the compiled pattern for OpRegex, primed by Validate so the
	// hot path never recompiles.
	re *regexp.Regexp
}

// Matches evaluates the condition against data. A missing field never
// matches.
func (c Condition) Matches(data map[string]any) bool {
	val, ok := resolve(data, c.Field)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return equals(val, c.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(stringify(val)), strings.ToLower(stringify(c.Value)))
	case OpRegex:
		re := c.re
		if re == nil {
			var err error
			re, err = regexp.Compile("(?i)" + stringify(c.Value))
			if err != nil {
				return false
			}
		}
		return re.MatchString(stringify(val))
	case OpGreaterThan:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	case OpInRange:
		lo, hi, ok := rangeBounds(c.Value)
		if !ok {
			return false
		}
		a, aok := toFloat(val)
		return aok && a >= lo && a <= hi
	}
	return false
}

// MeanMatchedScore is the threat-pattern aggregation: the weighted mean
// of matched condition scores, counting only matched conditions. With
// binary per-condition scoring it is 0 when nothing matched and 100
// otherwise.
func MeanMatchedScore(conditions []Condition, data map[string]any) float64 {
	var weighted, weights float64
	for _, c := range conditions {
		if c.Matches(data) {
			weighted += matchScore * c.Weight
			weights += c.Weight
		}
	}
	if weights == 0 {
		return 0
	}
	return weighted / weights
}

// SumMatchedScore is the alert-rule aggregation: the plain sum of weights
// of matched conditions, no averaging.
func SumMatchedScore(conditions []Condition, data map[string]any) float64 {
	var sum float64
	matched := false
	for _, c := range conditions {
		if c.Matches(data) {
			sum += c.Weight
			matched = true
		}
	}
	if !matched {
		return 0
	}
	return sum
}

// MatchedCount reports how many conditions matched.
func MatchedCount(conditions []Condition, data map[string]any) int {
	n := 0
	for _, c := range conditions {
		if c.Matches(data) {
			n++
		}
	}
	return n
}

// Validate rejects conditions with unknown operators or non-compiling
// regex values, so rule tables fail at load rather than at evaluation.
// Regex patterns that do compile are cached on the condition, so a
// validated table evaluates without recompiling.
func Validate(conditions []Condition) error {
	for i, c := range conditions {
		if c.Field == "" {
			return fmt.Errorf("score: condition %d: empty field", i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("score: condition %d: unknown operator %q", i, c.Operator)
		}
		if c.Operator == OpRegex {
			re, err := regexp.Compile("(?i)" + stringify(c.Value))
			if err != nil {
				return fmt.Errorf("score: condition %d: %w", i, err)
			}
			conditions[i].re = re
		}
		if c.Operator == OpInRange {
			if _, _, ok := rangeBounds(c.Value); !ok {
				return fmt.Errorf("score: condition %d: in_range wants [min,max]", i)
			}
		}
	}
	return nil
}

// resolve walks a dot path through nested maps.
func resolve(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equals(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return stringify(a) == stringify(b)
}

func rangeBounds(v any) (float64, float64, bool) {
	switch bounds := v.(type) {
	case []any:
		if len(bounds) != 2 {
			return 0, 0, false
		}
		lo, lok := toFloat(bounds[0])
		hi, hok := toFloat(bounds[1])
		return lo, hi, lok && hok
	case []float64:
		if len(bounds) != 2 {
			return 0, 0, false
		}
		return bounds[0], bounds[1], true
	case []int:
		if len(bounds) != 2 {
			return 0, 0, false
		}
		return float64(bounds[0]), float64(bounds[1]), true
	}
	return 0, 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
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
	return fmt.Sprintf("%v", v)
}
