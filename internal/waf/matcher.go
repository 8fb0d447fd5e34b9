package waf

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxBodyBytes caps how much of a request body is inspected.
	DefaultMaxBodyBytes = 10000

	// defaultRuleBudget bounds wall-clock time spent on a single rule
	// across all surfaces of one request.
	defaultRuleBudget = 50 * time.Millisecond

	// maxSurfaceBytes caps any single inspected string.
	maxSurfaceBytes = 16 << 10
)

// Surface identifies which part of the request a rule matched.
type Surface string

const (
	SurfaceURL       Surface = "url"
	SurfaceQuery     Surface = "query"
	SurfaceUserAgent Surface = "user_agent"
	SurfaceBody      Surface = "body"
)

// Surfaces is the inspectable projection of a request. A nil Body means
// the body was missing or unreadable; body matching is skipped, never an
// error.
type Surfaces struct {
	URL       string
	Query     url.Values
	UserAgent string
	Body      []byte
}

// Violation records one rule match on one surface.
type Violation struct {
	RuleID   string
	RuleName string
	Severity Severity
	Action   Action
	Surface  Surface
	Matched  string
}

// MatcherMetrics exposes the counters the matcher maintains.
type MatcherMetrics interface {
	ObserveViolation(ruleID string, severity string)
	ObserveMatchTimeout(ruleID string)
}

// Matcher scans request surfaces against the rule table. It is stateless
// apart from the once-per-rule timeout log guard and safe for concurrent
// use.
type Matcher struct {
	rules       *RuleSet
	maxBody     int
	ruleBudget  time.Duration
	logger      *zap.Logger
	metrics     MatcherMetrics
	timeoutSeen sync.Map // rule id -> struct{}
}

// MatcherOptions configure a Matcher.
type MatcherOptions struct {
	Rules      *RuleSet
	MaxBody    int
	RuleBudget time.Duration
	Logger     *zap.Logger
	Metrics    MatcherMetrics
}

// NewMatcher builds a matcher over a compiled rule set.
func NewMatcher(opts MatcherOptions) (*Matcher, error) {
	if opts.Rules == nil {
		return nil, fmt.Errorf("waf: rule set required")
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	budget := opts.RuleBudget
	if budget <= 0 {
		budget = defaultRuleBudget
	}
	return &Matcher{
		rules:      opts.Rules,
		maxBody:    maxBody,
		ruleBudget: budget,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}, nil
}

// Evaluate tests every enabled rule against every surface and returns all
// matches. A rule that exhausts its time budget counts as no-match for
// this request and is logged once.
func (m *Matcher) Evaluate(s Surfaces) []Violation {
	inputs := m.collect(s)
	var out []Violation
	for _, rule := range m.rules.Enabled() {
		start := time.Now()
		timedOut := false
		for _, in := range inputs {
			if time.Since(start) > m.ruleBudget {
				timedOut = true
				break
			}
			loc := rule.re.FindStringIndex(in.value)
			if loc == nil {
				continue
			}
			out = append(out, Violation{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Severity: rule.Severity,
				Action:   rule.Action,
				Surface:  in.surface,
				Matched:  in.value[loc[0]:loc[1]],
			})
			if m.metrics != nil {
				m.metrics.ObserveViolation(rule.ID, string(rule.Severity))
			}
		}
		if timedOut {
			m.noteTimeout(rule.ID)
		}
	}
	return out
}

type input struct {
	surface Surface
	value   string
}

func (m *Matcher) collect(s Surfaces) []input {
	inputs := make([]input, 0, 3+len(s.Query))
	if s.URL != "" {
		inputs = append(inputs, input{SurfaceURL, truncate(s.URL, maxSurfaceBytes)})
	}
	for key, values := range s.Query {
		for _, v := range values {
			inputs = append(inputs, input{SurfaceQuery, truncate(key+"="+v, maxSurfaceBytes)})
		}
	}
	if s.UserAgent != "" {
		inputs = append(inputs, input{SurfaceUserAgent, truncate(s.UserAgent, maxSurfaceBytes)})
	}
	if len(s.Body) > 0 {
		body := s.Body
		if len(body) > m.maxBody {
			body = body[:m.maxBody]
		}
		inputs = append(inputs, input{SurfaceBody, string(body)})
	}
	return inputs
}

func (m *Matcher) noteTimeout(ruleID string) {
	if m.metrics != nil {
		m.metrics.ObserveMatchTimeout(ruleID)
	}
	if _, logged := m.timeoutSeen.LoadOrStore(ruleID, struct{}{}); logged {
		return
	}
	if m.logger != nil {
		m.logger.Warn("waf rule exceeded match budget, treated as no-match",
			zap.String("rule_id", ruleID),
			zap.Duration("budget", m.ruleBudget))
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
