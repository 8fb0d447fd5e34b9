package waf

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Severity classifies how dangerous a matched request is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Action declares what the pipeline should do when a rule matches.
type Action string

const (
	ActionBlock     Action = "block"
	ActionLog       Action = "log"
	ActionChallenge Action = "challenge"
)

// Valid reports whether the action is a known value.
func (a Action) Valid() bool {
	switch a {
	case ActionBlock, ActionLog, ActionChallenge:
		return true
	}
	return false
}

// Rule is a single inspection rule. Patterns are compiled once at load
// time; a rule is mutable only through Enable/Disable on its RuleSet.
type Rule struct {
	ID       string
	Name     string
	Pattern  string
	Severity Severity
	Action   Action
	Enabled  bool

	re *regexp.Regexp
}

// RuleSet holds the compiled rule table.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*Rule
	byID  map[string]*Rule
}

// NewRuleSet validates and compiles the provided rules. Any malformed
// rule fails the whole load; a broken table must never serve traffic.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{byID: make(map[string]*Rule, len(rules))}
	for i := range rules {
		r := rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("waf: rule %d: empty id", i)
		}
		if _, dup := rs.byID[r.ID]; dup {
			return nil, fmt.Errorf("waf: duplicate rule id %q", r.ID)
		}
		if !r.Severity.Valid() {
			return nil, fmt.Errorf("waf: rule %q: unknown severity %q", r.ID, r.Severity)
		}
		if !r.Action.Valid() {
			return nil, fmt.Errorf("waf: rule %q: unknown action %q", r.ID, r.Action)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("waf: rule %q: compile pattern: %w", r.ID, err)
		}
		r.re = re
		rs.rules = append(rs.rules, &r)
		rs.byID[r.ID] = &r
	}
	sort.SliceStable(rs.rules, func(i, j int) bool { return rs.rules[i].ID < rs.rules[j].ID })
	return rs, nil
}

// SetEnabled flips a rule's enabled flag. Returns false when the id is
// unknown.
func (rs *RuleSet) SetEnabled(id string, enabled bool) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.byID[id]
	if !ok {
		return false
	}
	r.Enabled = enabled
	return true
}

// Enabled returns a snapshot of the currently enabled rules.
func (rs *RuleSet) Enabled() []*Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]*Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Len reports the total number of rules, enabled or not.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}
