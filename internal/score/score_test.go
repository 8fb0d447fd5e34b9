package score

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAggregationDivergence(t *testing.T) {
	conds := []Condition{
		{Field: "x", Operator: OpEquals, Value: 5, Weight: 50},
		{Field: "y", Operator: OpGreaterThan, Value: 10, Weight: 50},
	}

	both := map[string]any{"x": 5, "y": 20}
	require.Equal(t, 100.0, MeanMatchedScore(conds, both))
	require.Equal(t, 100.0, SumMatchedScore(conds, both))

	// Only x matches: the mean stays at 100 while the sum halves. The two
	// aggregations intentionally diverge here.
	one := map[string]any{"x": 5, "y": 2}
	require.Equal(t, 100.0, MeanMatchedScore(conds, one))
	require.Equal(t, 50.0, SumMatchedScore(conds, one))

	none := map[string]any{"x": 6, "y": 2}
	require.Equal(t, 0.0, MeanMatchedScore(conds, none))
	require.Equal(t, 0.0, SumMatchedScore(conds, none))
}

func TestOperators(t *testing.T) {
	data := map[string]any{
		"method":  "POST",
		"path":    "/Admin/Login",
		"status":  403,
		"latency": 2.5,
	}
	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Condition{Field: "method", Operator: OpEquals, Value: "POST"}, true},
		{"equals mismatch", Condition{Field: "method", Operator: OpEquals, Value: "GET"}, false},
		{"equals numeric cross-type", Condition{Field: "status", Operator: OpEquals, Value: 403.0}, true},
		{"contains case-insensitive", Condition{Field: "path", Operator: OpContains, Value: "admin"}, true},
		{"contains miss", Condition{Field: "path", Operator: OpContains, Value: "wp-login"}, false},
		{"regex", Condition{Field: "path", Operator: OpRegex, Value: `^/admin/`}, true},
		{"regex invalid never matches", Condition{Field: "path", Operator: OpRegex, Value: `(`}, false},
		{"greater_than", Condition{Field: "status", Operator: OpGreaterThan, Value: 400}, true},
		{"greater_than equal is false", Condition{Field: "status", Operator: OpGreaterThan, Value: 403}, false},
		{"less_than", Condition{Field: "latency", Operator: OpLessThan, Value: 3}, true},
		{"in_range inclusive low", Condition{Field: "status", Operator: OpInRange, Value: []any{403, 499}}, true},
		{"in_range inclusive high", Condition{Field: "status", Operator: OpInRange, Value: []any{100, 403}}, true},
		{"in_range outside", Condition{Field: "status", Operator: OpInRange, Value: []any{500, 599}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.cond.Matches(data))
		})
	}
}

func TestDotPathResolution(t *testing.T) {
	data := map[string]any{
		"request": map[string]any{
			"headers": map[string]any{"user_agent": "sqlmap/1.7"},
		},
	}

	c := Condition{Field: "request.headers.user_agent", Operator: OpContains, Value: "sqlmap"}
	require.True(t, c.Matches(data))

	missing := Condition{Field: "request.headers.referer", Operator: OpContains, Value: "x"}
	require.False(t, missing.Matches(data), "missing field must contribute nothing")

	nonMap := Condition{Field: "request.headers.user_agent.deeper", Operator: OpEquals, Value: "x"}
	require.False(t, nonMap.Matches(data))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate([]Condition{
		{Field: "a", Operator: OpEquals, Value: 1, Weight: 10},
		{Field: "b", Operator: OpInRange, Value: []any{1, 2}, Weight: 10},
	}))

	require.Error(t, Validate([]Condition{{Field: "", Operator: OpEquals}}))
	require.Error(t, Validate([]Condition{{Field: "a", Operator: "matches"}}))
	require.Error(t, Validate([]Condition{{Field: "a", Operator: OpRegex, Value: "("}}))
	require.Error(t, Validate([]Condition{{Field: "a", Operator: OpInRange, Value: []any{1}}}))
}

func TestValidateCompilesRegexOnce(t *testing.T) {
	conds := []Condition{
		{Field: "path", Operator: OpRegex, Value: `^/admin/`, Weight: 10},
	}
	require.Nil(t, conds[0].re)
	require.NoError(t, Validate(conds))
	require.NotNil(t, conds[0].re, "validate must leave the compiled pattern on the condition")

	compiled := conds[0].re
	require.True(t, conds[0].Matches(map[string]any{"path": "/Admin/login"}))
	require.Same(t, compiled, conds[0].re, "matching must reuse the validated pattern")
}
