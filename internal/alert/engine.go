package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/CyberMesh/defense-agent/internal/event"
	"github.com/CyberMesh/defense-agent/internal/score"
)

const (
	latchCapacity = 8192
	latchMaxAge   = 24 * time.Hour
)

// Counter exposes event counts from durable storage.
type Counter interface {
	CountEvents(ctx context.Context, eventType event.Type, window time.Duration, ip, userID string) (int, error)
}

// Notifier receives fired alerts; the dispatcher implements it.
type Notifier interface {
	Dispatch(ctx context.Context, a Alert)
}

// EngineMetrics exposes the counters the engine maintains.
type EngineMetrics interface {
	ObserveAlertFired(ruleID string)
	ObserveAlertSuppressed(ruleID string)
	ObserveCounterError()
}

// EngineOptions configure an Engine.
type EngineOptions struct {
	Rules    []Rule
	Counter  Counter
	Notifier Notifier
	Logger   *zap.Logger
	Metrics  EngineMetrics
	Clock    func() time.Time
}

// Engine evaluates alert rules against incoming events. An alert fires at
// most once per (rule, ip) per window: the latch holds until the window
// expires, so subsequent qualifying events do not re-fire.
type Engine struct {
	counter  Counter
	notifier Notifier
	logger   *zap.Logger
	metrics  EngineMetrics
	now      func() time.Time

	mu    sync.Mutex
	rules []Rule
	latch *expirable.LRU[string, time.Time] // latch key -> expiry
}

// NewEngine validates the rule table and builds an engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Counter == nil {
		return nil, fmt.Errorf("alert: counter required")
	}
	if err := ValidateRules(opts.Rules); err != nil {
		return nil, err
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		counter:  opts.Counter,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      now,
		rules:    opts.Rules,
		latch:    expirable.NewLRU[string, time.Time](latchCapacity, nil, latchMaxAge),
	}, nil
}

// Evaluate runs every active rule whose event type matches evt and
// returns the alerts that fired. Counter failures skip the rule for this
// event and are logged; they never propagate to the request path.
func (e *Engine) Evaluate(ctx context.Context, evt event.Event) []Alert {
	now := e.now()
	var fired []Alert

	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()

	for _, rule := range rules {
		if !rule.Active || rule.EventType != evt.Type {
			continue
		}
		if !e.conditionsPass(rule, evt) {
			continue
		}

		count, err := e.counter.CountEvents(ctx, rule.EventType, rule.TimeWindow, evt.IP, evt.UserID)
		if err != nil {
			if e.metrics != nil {
				e.metrics.ObserveCounterError()
			}
			if e.logger != nil {
				e.logger.Warn("alert rule count lookup failed",
					zap.String("rule_id", rule.ID), zap.Error(err))
			}
			continue
		}
		if count < rule.Threshold {
			continue
		}

		if !e.tryLatch(rule, evt.IP, now) {
			if e.metrics != nil {
				e.metrics.ObserveAlertSuppressed(rule.ID)
			}
			continue
		}

		a := newAlert(rule, evt, count, now)
		fired = append(fired, a)
		if e.metrics != nil {
			e.metrics.ObserveAlertFired(rule.ID)
		}
		if e.logger != nil {
			e.logger.Info("alert fired",
				zap.String("rule_id", rule.ID),
				zap.String("ip", evt.IP),
				zap.Int("count", count))
		}
		if e.notifier != nil {
			e.notifier.Dispatch(ctx, a)
		}
	}
	return fired
}

// SetRules swaps the rule table after validation.
func (e *Engine) SetRules(rules []Rule) error {
	if err := ValidateRules(rules); err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// conditionsPass applies the sum-of-matched-weights gate. Rules without
// conditions pass unconditionally.
func (e *Engine) conditionsPass(rule Rule, evt event.Event) bool {
	if len(rule.Conditions) == 0 {
		return true
	}
	data := evt.Data()
	if score.MatchedCount(rule.Conditions, data) == 0 {
		return false
	}
	return score.SumMatchedScore(rule.Conditions, data) >= ruleScoreMinimum
}

// tryLatch reports whether the (rule, ip) pair may fire, latching it
// until the rule's window expires.
func (e *Engine) tryLatch(rule Rule, ip string, now time.Time) bool {
	key := rule.ID + "|" + ip

	e.mu.Lock()
	defer e.mu.Unlock()
	if expiry, ok := e.latch.Get(key); ok && now.Before(expiry) {
		return false
	}
	e.latch.Add(key, now.Add(rule.TimeWindow))
	return true
}

// Scorer evaluates threat patterns against event data.
type Scorer struct {
	mu       sync.Mutex
	patterns []ThreatPattern
}

// Detection is one pattern that triggered for an event.
type Detection struct {
	PatternID   string
	PatternName string
	Severity    event.Severity
	Score       float64
}

// NewScorer validates the pattern table and builds a scorer.
func NewScorer(patterns []ThreatPattern) (*Scorer, error) {
	if err := ValidatePatterns(patterns); err != nil {
		return nil, err
	}
	return &Scorer{patterns: patterns}, nil
}

// Score returns every active pattern whose mean-matched score exceeds the
// threat threshold for evt.
func (s *Scorer) Score(evt event.Event) []Detection {
	data := evt.Data()

	s.mu.Lock()
	patterns := s.patterns
	s.mu.Unlock()

	var out []Detection
	for _, p := range patterns {
		if !p.Active {
			continue
		}
		mean := score.MeanMatchedScore(p.Conditions, data)
		if mean > ThreatScoreThreshold {
			out = append(out, Detection{
				PatternID:   p.ID,
				PatternName: p.Name,
				Severity:    p.Severity,
				Score:       mean,
			})
		}
	}
	return out
}

// SetPatterns swaps the pattern table after validation.
func (s *Scorer) SetPatterns(patterns []ThreatPattern) error {
	if err := ValidatePatterns(patterns); err != nil {
		return err
	}
	s.mu.Lock()
	s.patterns = patterns
	s.mu.Unlock()
	return nil
}
