// Package pipeline wires the defense components into the per-request
// inspection flow: IP access control, pattern matching, the violation
// ledger and rate limiting on the blocking path; event logging, threat
// scoring and alerting deferred off it.
package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/CyberMesh/defense-agent/internal/alert"
	"github.com/CyberMesh/defense-agent/internal/control"
	"github.com/CyberMesh/defense-agent/internal/event"
	"github.com/CyberMesh/defense-agent/internal/iplist"
	"github.com/CyberMesh/defense-agent/internal/ledger"
	"github.com/CyberMesh/defense-agent/internal/metrics"
	"github.com/CyberMesh/defense-agent/internal/ratelimit"
	"github.com/CyberMesh/defense-agent/internal/waf"
)

// Action is the pipeline's decision for one request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// Request is the abstract descriptor of one inbound request.
type Request struct {
	Method    string
	URL       string
	Query     url.Values
	UserAgent string
	// ClientIP is the resolved client address (first hop of the
	// forwarded-for chain, or the peer address).
	ClientIP string
	UserID   string
	// Scope selects the rate limiter configuration, e.g. "api", "auth".
	Scope string
	// Body carries at most the inspection cap; nil means unreadable or
	// absent.
	Body []byte
}

// Verdict is what the caller enforces. Headers carry the rate-limit and
// WAF status fields; the body message stays generic and never leaks rule
// detail.
type Verdict struct {
	Action     Action
	HTTPStatus int
	Headers    map[string]string
}

// Options configure a Pipeline.
type Options struct {
	Classifier *iplist.Classifier
	Matcher    *waf.Matcher
	Ledger     *ledger.Ledger
	// Limiters maps scope name to its limiter. The scope named by
	// DefaultScope handles requests with no explicit scope.
	Limiters     map[string]ratelimit.Limiter
	DefaultScope string
	Store        *event.Store
	Scorer       *alert.Scorer
	Engine       *alert.Engine
	KillSwitch   *control.KillSwitch
	Metrics      *metrics.Recorder
	Logger       *zap.Logger
	// AsyncTimeout bounds the deferred scoring/alerting work per event.
	AsyncTimeout time.Duration
}

const defaultAsyncTimeout = 10 * time.Second

// Pipeline runs the synchronous checks and defers everything else.
type Pipeline struct {
	classifier   *iplist.Classifier
	matcher      *waf.Matcher
	ledger       *ledger.Ledger
	limiters     map[string]ratelimit.Limiter
	defaultScope string
	store        *event.Store
	scorer       *alert.Scorer
	engine       *alert.Engine
	killSwitch   *control.KillSwitch
	metrics      *metrics.Recorder
	logger       *zap.Logger
	asyncTimeout time.Duration
}

// New validates wiring and builds a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Classifier == nil {
		return nil, fmt.Errorf("pipeline: classifier required")
	}
	if opts.Matcher == nil {
		return nil, fmt.Errorf("pipeline: matcher required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("pipeline: ledger required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: event store required")
	}
	defaultScope := opts.DefaultScope
	if defaultScope == "" {
		defaultScope = "api"
	}
	asyncTimeout := opts.AsyncTimeout
	if asyncTimeout <= 0 {
		asyncTimeout = defaultAsyncTimeout
	}
	return &Pipeline{
		classifier:   opts.Classifier,
		matcher:      opts.Matcher,
		ledger:       opts.Ledger,
		limiters:     opts.Limiters,
		defaultScope: defaultScope,
		store:        opts.Store,
		scorer:       opts.Scorer,
		engine:       opts.Engine,
		killSwitch:   opts.KillSwitch,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		asyncTimeout: asyncTimeout,
	}, nil
}

// Inspect produces the verdict for one request. Everything it calls on
// the way to the verdict is synchronous and in-memory; storage and
// notification work is deferred. Bookkeeping recorded before an aborted
// request is never rolled back.
func (p *Pipeline) Inspect(ctx context.Context, req Request) Verdict {
	start := time.Now()
	verdict := p.inspect(ctx, req)
	if p.metrics != nil {
		p.metrics.ObserveInspection(string(verdict.Action), time.Since(start))
	}
	return verdict
}

func (p *Pipeline) inspect(ctx context.Context, req Request) Verdict {
	res := p.classifier.Classify(req.ClientIP)
	if p.metrics != nil {
		p.metrics.ObserveClassification(string(res.Decision))
	}

	// Whitelisted clients skip everything, including the matcher.
	if res.Whitelisted {
		return allowVerdict("whitelisted")
	}

	// A confirmed blacklist hit bypasses the ledger: it does not spend
	// violation budget, it just blocks.
	if res.Decision == iplist.DecisionDeny {
		p.emit(p.blockedEvent(req, res))
		return blockVerdict()
	}
	if res.Decision == iplist.DecisionPattern {
		p.emit(p.blockedEvent(req, res))
		return blockVerdict()
	}

	if v, limited := p.checkRateLimit(ctx, req); limited {
		return v
	}

	if p.killSwitch != nil && p.killSwitch.Enabled() {
		return allowVerdict("bypassed")
	}

	violations := p.matcher.Evaluate(waf.Surfaces{
		URL:       req.URL,
		Query:     req.Query,
		UserAgent: req.UserAgent,
		Body:      req.Body,
	})
	if len(violations) == 0 {
		// A clean request spends no violation budget, but a standing
		// challenge or block still binds until the decay window clears it.
		switch p.ledger.Record(req.ClientIP, 0) {
		case ledger.VerdictBlock:
			return blockVerdict()
		case ledger.VerdictChallenge:
			return challengeVerdict()
		}
		return allowVerdict("clean")
	}

	for _, v := range violations {
		p.emit(p.violationEvent(req, v))
	}

	switch p.ledger.Record(req.ClientIP, len(violations)) {
	case ledger.VerdictBlock:
		if p.metrics != nil {
			p.metrics.SetLedgerSize(p.ledger.Len())
		}
		return blockVerdict()
	case ledger.VerdictChallenge:
		return challengeVerdict()
	default:
		// Below the challenge threshold the request proceeds; the
		// violations are already on their way to the event trail.
		return allowVerdict("violation")
	}
}

func (p *Pipeline) checkRateLimit(ctx context.Context, req Request) (Verdict, bool) {
	scope := req.Scope
	if scope == "" {
		scope = p.defaultScope
	}
	limiter, ok := p.limiters[scope]
	if !ok {
		return Verdict{}, false
	}

	res, err := limiter.Check(ctx, req.ClientIP)
	if err != nil {
		// Limiter backend failure must not reject traffic on its own.
		if p.logger != nil {
			p.logger.Warn("rate limit check failed",
				zap.String("scope", scope), zap.Error(err))
		}
		return Verdict{}, false
	}
	if res.Allowed {
		return Verdict{}, false
	}

	if p.metrics != nil {
		p.metrics.ObserveRateLimited(scope)
	}
	evt := event.New(event.TypeRateLimitExceeded, event.SeverityMedium, "rate limit exceeded")
	evt.IP = req.ClientIP
	evt.UserID = req.UserID
	evt.Description = fmt.Sprintf("scope %s exhausted", scope)
	evt.Metadata.Scope = scope
	p.emit(evt)

	retryAfter := int(time.Until(res.ResetTime).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Verdict{
		Action:     ActionChallenge,
		HTTPStatus: 429,
		Headers: map[string]string{
			"X-RateLimit-Limit":     strconv.Itoa(res.TotalHits + res.Remaining),
			"X-RateLimit-Remaining": strconv.Itoa(res.Remaining),
			"X-RateLimit-Reset":     strconv.FormatInt(res.ResetTime.Unix(), 10),
			"Retry-After":           strconv.Itoa(retryAfter),
			"X-WAF-Status":          "rate-limited",
		},
	}, true
}

// emit queues the event and kicks off deferred scoring and alerting.
// Store.Log never blocks; the rest runs detached from the request with
// its own deadline.
func (p *Pipeline) emit(evt event.Event) {
	p.store.Log(evt)
	if p.scorer == nil && p.engine == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.asyncTimeout)
		defer cancel()
		p.evaluate(ctx, evt)
	}()
}

func (p *Pipeline) evaluate(ctx context.Context, evt event.Event) {
	if p.scorer != nil {
		for _, det := range p.scorer.Score(evt) {
			if p.metrics != nil {
				p.metrics.ObserveThreatDetected(det.PatternID)
			}
			threat := event.New(event.TypeThreatDetected, det.Severity, det.PatternName)
			threat.IP = evt.IP
			threat.UserID = evt.UserID
			threat.Metadata.PatternID = det.PatternID
			threat.Metadata.ThreatScore = det.Score
			p.store.Log(threat)
			if p.engine != nil {
				p.engine.Evaluate(ctx, threat)
			}
		}
	}
	if p.engine != nil {
		p.engine.Evaluate(ctx, evt)
	}
}

func (p *Pipeline) violationEvent(req Request, v waf.Violation) event.Event {
	evt := event.New(event.TypeWAFViolation, event.Severity(v.Severity), v.RuleName)
	evt.IP = req.ClientIP
	evt.UserID = req.UserID
	evt.Description = fmt.Sprintf("rule matched on %s %s", req.Method, req.URL)
	evt.Metadata.RuleID = v.RuleID
	evt.Metadata.RuleName = v.RuleName
	evt.Metadata.Surface = string(v.Surface)
	evt.Metadata.Matched = v.Matched
	return evt
}

func (p *Pipeline) blockedEvent(req Request, res iplist.Result) event.Event {
	evt := event.New(event.TypeIPBlocked, event.SeverityHigh, "blacklisted ip rejected")
	evt.IP = req.ClientIP
	evt.UserID = req.UserID
	if res.Entry != nil {
		evt.Metadata.Reason = fmt.Sprintf("matched %s entry %s", res.Entry.Kind, res.Entry.Pattern)
	} else {
		evt.Metadata.Reason = "exact blacklist entry"
	}
	return evt
}

func allowVerdict(status string) Verdict {
	return Verdict{
		Action:     ActionAllow,
		HTTPStatus: 200,
		Headers:    map[string]string{"X-WAF-Status": status},
	}
}

func blockVerdict() Verdict {
	return Verdict{
		Action:     ActionBlock,
		HTTPStatus: 403,
		Headers:    map[string]string{"X-WAF-Status": "blocked"},
	}
}

func challengeVerdict() Verdict {
	return Verdict{
		Action:     ActionChallenge,
		HTTPStatus: 429,
		Headers: map[string]string{
			"X-WAF-Status": "challenged",
			"Retry-After":  "60",
		},
	}
}
