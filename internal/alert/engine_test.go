package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CyberMesh/defense-agent/internal/event"
	"github.com/CyberMesh/defense-agent/internal/score"
)

type fakeCounter struct {
	count int
	err   error
	calls int
}

func (f *fakeCounter) CountEvents(context.Context, event.Type, time.Duration, string, string) (int, error) {
	f.calls++
	return f.count, f.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingNotifier) Dispatch(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingNotifier) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func violationEvent(ip string) event.Event {
	evt := event.New(event.TypeWAFViolation, event.SeverityHigh, "waf violation")
	evt.IP = ip
	return evt
}

func baseRule() Rule {
	return Rule{
		ID:         "r1",
		Name:       "repeated violations",
		EventType:  event.TypeWAFViolation,
		Severity:   event.SeverityHigh,
		Threshold:  5,
		TimeWindow: 10 * time.Minute,
		Active:     true,
	}
}

func newTestEngine(t *testing.T, rule Rule, counter Counter, notifier Notifier, now *time.Time) *Engine {
	t.Helper()
	e, err := NewEngine(EngineOptions{
		Rules:    []Rule{rule},
		Counter:  counter,
		Notifier: notifier,
		Clock:    func() time.Time { return *now },
	})
	require.NoError(t, err)
	return e
}

func TestEvaluateFiresOnThreshold(t *testing.T) {
	now := time.Unix(1700000000, 0)
	notifier := &recordingNotifier{}
	e := newTestEngine(t, baseRule(), &fakeCounter{count: 5}, notifier, &now)

	fired := e.Evaluate(context.Background(), violationEvent("6.6.6.6"))
	require.Len(t, fired, 1)
	require.Equal(t, "r1", fired[0].RuleID)
	require.Equal(t, 5, fired[0].Count)
	require.Equal(t, "6.6.6.6", fired[0].IP)
	require.Equal(t, 1, notifier.len())
}

func TestEvaluateBelowThresholdSilent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e := newTestEngine(t, baseRule(), &fakeCounter{count: 4}, nil, &now)
	require.Empty(t, e.Evaluate(context.Background(), violationEvent("6.6.6.6")))
}

func TestEvaluateLatchesPerRuleAndIP(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e := newTestEngine(t, baseRule(), &fakeCounter{count: 50}, nil, &now)

	require.Len(t, e.Evaluate(context.Background(), violationEvent("6.6.6.6")), 1)
	// Subsequent qualifying events inside the window must not re-fire.
	for i := 0; i < 9; i++ {
		now = now.Add(time.Minute)
		require.Empty(t, e.Evaluate(context.Background(), violationEvent("6.6.6.6")))
	}

	// A different IP is latched independently.
	require.Len(t, e.Evaluate(context.Background(), violationEvent("7.7.7.7")), 1)

	// Once the window expires the rule may fire again.
	now = now.Add(11 * time.Minute)
	require.Len(t, e.Evaluate(context.Background(), violationEvent("6.6.6.6")), 1)
}

func TestEvaluateSkipsMismatchedTypeAndInactive(t *testing.T) {
	now := time.Unix(1700000000, 0)
	counter := &fakeCounter{count: 100}
	e := newTestEngine(t, baseRule(), counter, nil, &now)

	other := event.New(event.TypeRateLimitExceeded, event.SeverityLow, "rl")
	require.Empty(t, e.Evaluate(context.Background(), other))
	require.Zero(t, counter.calls)

	inactive := baseRule()
	inactive.Active = false
	require.NoError(t, e.SetRules([]Rule{inactive}))
	require.Empty(t, e.Evaluate(context.Background(), violationEvent("6.6.6.6")))
	require.Zero(t, counter.calls)
}

func TestEvaluateCounterFailureIsIsolated(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e := newTestEngine(t, baseRule(), &fakeCounter{err: errors.New("db down")}, nil, &now)
	require.Empty(t, e.Evaluate(context.Background(), violationEvent("6.6.6.6")))
}

func TestEvaluateConditionGate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rule := baseRule()
	rule.Conditions = []score.Condition{
		{Field: "severity", Operator: score.OpEquals, Value: "high", Weight: 30},
		{Field: "metadata.rule_id", Operator: score.OpEquals, Value: "xss-script-tag", Weight: 30},
	}
	e := newTestEngine(t, rule, &fakeCounter{count: 50}, nil, &now)

	// Only severity matches: sum 30 < 50, gate holds.
	evt := violationEvent("6.6.6.6")
	require.Empty(t, e.Evaluate(context.Background(), evt))

	// Both match: sum 60 >= 50.
	evt.Metadata.RuleID = "xss-script-tag"
	require.Len(t, e.Evaluate(context.Background(), evt), 1)
}

func TestNewEngineValidatesRules(t *testing.T) {
	bad := baseRule()
	bad.Threshold = 0
	_, err := NewEngine(EngineOptions{Rules: []Rule{bad}, Counter: &fakeCounter{}})
	require.Error(t, err)

	dup := baseRule()
	_, err = NewEngine(EngineOptions{Rules: []Rule{dup, dup}, Counter: &fakeCounter{}})
	require.Error(t, err)
}

func TestScorer(t *testing.T) {
	patterns := []ThreatPattern{
		{
			ID:       "p1",
			Name:     "script injection",
			Severity: event.SeverityCritical,
			Active:   true,
			Conditions: []score.Condition{
				{Field: "metadata.rule_id", Operator: score.OpContains, Value: "xss", Weight: 60},
				{Field: "severity", Operator: score.OpEquals, Value: "critical", Weight: 40},
			},
		},
		{
			ID:     "p2",
			Name:   "inactive",
			Active: false,
			Conditions: []score.Condition{
				{Field: "severity", Operator: score.OpEquals, Value: "high", Weight: 100},
			},
		},
	}
	s, err := NewScorer(patterns)
	require.NoError(t, err)

	evt := violationEvent("6.6.6.6")
	evt.Metadata.RuleID = "xss-script-tag"
	got := s.Score(evt)
	require.Len(t, got, 1)
	require.Equal(t, "p1", got[0].PatternID)
	require.Equal(t, 100.0, got[0].Score)

	clean := event.New(event.TypeWAFViolation, event.SeverityLow, "clean")
	require.Empty(t, s.Score(clean))
}
