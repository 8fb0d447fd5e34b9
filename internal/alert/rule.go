// Package alert turns qualifying security events into notifications:
// threshold rules fire alerts once per window, threat patterns assign
// behavioral scores.
package alert

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CyberMesh/defense-agent/internal/event"
	"github.com/CyberMesh/defense-agent/internal/score"
)

// Rule fires an alert when matching event counts cross a threshold
// within a time window. Configuration only; evaluation never mutates it.
type Rule struct {
	ID         string
	Name       string
	EventType  event.Type
	Conditions []score.Condition
	Severity   event.Severity
	Threshold  int
	TimeWindow time.Duration
	Active     bool
}

// ruleScoreMinimum gates a rule on its conditions: the sum of matched
// weights must reach it, with at least one condition matched.
const ruleScoreMinimum = 50.0

// ThreatPattern scores behavioral event data. A pattern triggers when
// the weighted mean of its matched conditions exceeds the threshold.
type ThreatPattern struct {
	ID         string
	Name       string
	Conditions []score.Condition
	Severity   event.Severity
	Active     bool
}

// ThreatScoreThreshold is the mean-matched score above which a pattern
// counts as detected.
const ThreatScoreThreshold = 70.0

// Alert is one fired notification. Dispatch is fire-and-forget per
// channel.
type Alert struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"rule_id"`
	RuleName  string         `json:"rule_name"`
	EventType event.Type     `json:"event_type"`
	Severity  event.Severity `json:"severity"`
	Count     int            `json:"count"`
	IP        string         `json:"ip"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func newAlert(r Rule, evt event.Event, count int, now time.Time) Alert {
	return Alert{
		ID:        uuid.NewString(),
		RuleID:    r.ID,
		RuleName:  r.Name,
		EventType: r.EventType,
		Severity:  r.Severity,
		Count:     count,
		IP:        evt.IP,
		UserID:    evt.UserID,
		Timestamp: now,
	}
}

// ValidateRules rejects malformed rule tables at load time.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return fmt.Errorf("alert: rule with empty id")
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("alert: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.Threshold <= 0 {
			return fmt.Errorf("alert: rule %q: threshold must be positive", r.ID)
		}
		if r.TimeWindow <= 0 {
			return fmt.Errorf("alert: rule %q: time window must be positive", r.ID)
		}
		if err := score.Validate(r.Conditions); err != nil {
			return fmt.Errorf("alert: rule %q: %w", r.ID, err)
		}
	}
	return nil
}

// ValidatePatterns rejects malformed threat patterns at load time.
func ValidatePatterns(patterns []ThreatPattern) error {
	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		if p.ID == "" {
			return fmt.Errorf("alert: pattern with empty id")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("alert: duplicate pattern id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if len(p.Conditions) == 0 {
			return fmt.Errorf("alert: pattern %q: no conditions", p.ID)
		}
		if err := score.Validate(p.Conditions); err != nil {
			return fmt.Errorf("alert: pattern %q: %w", p.ID, err)
		}
	}
	return nil
}
