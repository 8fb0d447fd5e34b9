// Package controller applies verified control commands from the control
// topic to the running defense components.
package controller

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/CyberMesh/defense-agent/internal/alert"
	"github.com/CyberMesh/defense-agent/internal/control"
	"github.com/CyberMesh/defense-agent/internal/event"
	"github.com/CyberMesh/defense-agent/internal/iplist"
	"github.com/CyberMesh/defense-agent/internal/metrics"
	"github.com/CyberMesh/defense-agent/internal/policy"
	"github.com/CyberMesh/defense-agent/internal/waf"
)

const (
	statusApplied   = "applied"
	statusRejected  = "rejected"
	statusDuplicate = "duplicate"
)

// Options carry the components a controller drives.
type Options struct {
	Trust      *policy.TrustedKeys
	Rules      *waf.RuleSet
	Classifier *iplist.Classifier
	Engine     *alert.Engine
	Scorer     *alert.Scorer
	KillSwitch *control.KillSwitch
	Events     *event.Store
	Metrics    *metrics.Recorder
	Logger     *zap.Logger
}

// Controller bridges control topic messages to the in-process tables.
type Controller struct {
	trust      *policy.TrustedKeys
	rules      *waf.RuleSet
	classifier *iplist.Classifier
	engine     *alert.Engine
	scorer     *alert.Scorer
	killSwitch *control.KillSwitch
	events     *event.Store
	metrics    *metrics.Recorder
	logger     *zap.Logger

	seenHashes sync.Map // command id -> payload hash

	overridesMu sync.Mutex
	overrides   map[string]bool
}

// New constructs a controller.
func New(opts Options) (*Controller, error) {
	if opts.Trust == nil {
		return nil, fmt.Errorf("controller: trust store required")
	}
	return &Controller{
		trust:      opts.Trust,
		rules:      opts.Rules,
		classifier: opts.Classifier,
		engine:     opts.Engine,
		scorer:     opts.Scorer,
		killSwitch: opts.KillSwitch,
		events:     opts.Events,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		overrides:  make(map[string]bool),
	}, nil
}

// RuleOverrides returns a copy of the runtime rule toggles applied so
// far, for snapshot persistence.
func (c *Controller) RuleOverrides() map[string]bool {
	c.overridesMu.Lock()
	defer c.overridesMu.Unlock()
	out := make(map[string]bool, len(c.overrides))
	for id, enabled := range c.overrides {
		out[id] = enabled
	}
	return out
}

// RestoreOverrides reapplies persisted rule toggles after a restart.
func (c *Controller) RestoreOverrides(overrides map[string]bool) {
	if c.rules == nil {
		return
	}
	c.overridesMu.Lock()
	defer c.overridesMu.Unlock()
	for id, enabled := range overrides {
		if c.rules.SetEnabled(id, enabled) {
			c.overrides[id] = enabled
		}
	}
}

// HandleMessage satisfies kafka.MessageHandler. Malformed or untrusted
// messages are logged and skipped; only apply failures on verified
// commands propagate, so the consumer group retries them.
func (c *Controller) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var env policy.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		c.observe("unknown", statusRejected)
		if c.logger != nil {
			c.logger.Warn("control message unmarshal failed", zap.Error(err))
		}
		return nil
	}

	evt, err := c.trust.VerifyAndParse(&env)
	if err != nil {
		c.observe(env.Kind, statusRejected)
		if c.logger != nil {
			c.logger.Warn("control command rejected",
				zap.String("kind", env.Kind),
				zap.Error(err))
		}
		return nil
	}

	spec := evt.Spec
	if c.isDuplicate(spec) {
		c.observe(string(spec.Kind), statusDuplicate)
		if c.logger != nil {
			c.logger.Debug("duplicate control command ignored",
				zap.String("command_id", spec.ID),
				zap.String("kind", string(spec.Kind)))
		}
		return nil
	}

	if err := c.apply(ctx, spec); err != nil {
		c.observe(string(spec.Kind), statusRejected)
		if c.logger != nil {
			c.logger.Error("control command apply failed",
				zap.String("command_id", spec.ID),
				zap.String("kind", string(spec.Kind)),
				zap.Error(err))
		}
		return fmt.Errorf("controller: apply command %s: %w", spec.ID, err)
	}

	c.observe(string(spec.Kind), statusApplied)
	c.logApplied(spec)
	if c.logger != nil {
		c.logger.Info("control command applied",
			zap.String("command_id", spec.ID),
			zap.String("kind", string(spec.Kind)),
			zap.String("producer", env.ProducerID))
	}
	return nil
}

func (c *Controller) apply(_ context.Context, spec policy.CommandSpec) error {
	switch {
	case spec.WAFRule != nil:
		if c.rules == nil {
			return fmt.Errorf("rule set not wired")
		}
		if !c.rules.SetEnabled(spec.WAFRule.RuleID, spec.WAFRule.Enabled) {
			return fmt.Errorf("unknown rule %s", spec.WAFRule.RuleID)
		}
		c.overridesMu.Lock()
		c.overrides[spec.WAFRule.RuleID] = spec.WAFRule.Enabled
		c.overridesMu.Unlock()
		return nil

	case spec.IPList != nil:
		if c.classifier == nil {
			return fmt.Errorf("classifier not wired")
		}
		return c.classifier.SetTables(spec.IPList.Whitelist, spec.IPList.Blacklist, spec.IPList.Patterns)

	case spec.AlertRules != nil:
		if c.engine == nil {
			return fmt.Errorf("alert engine not wired")
		}
		return c.engine.SetRules(spec.AlertRules.Rules)

	case spec.ThreatPatterns != nil:
		if c.scorer == nil {
			return fmt.Errorf("threat scorer not wired")
		}
		return c.scorer.SetPatterns(spec.ThreatPatterns.Patterns)

	case spec.KillSwitch != nil:
		if c.killSwitch == nil {
			return fmt.Errorf("kill switch not wired")
		}
		c.killSwitch.Set(spec.KillSwitch.Disabled)
		if c.metrics != nil {
			c.metrics.SetKillSwitch(spec.KillSwitch.Disabled)
		}
		return nil

	default:
		return fmt.Errorf("command %s carries no payload", spec.ID)
	}
}

// isDuplicate dedups retried deliveries by command id and payload hash.
// A replay of the same command with identical content is a no-op; the
// same id with different content is applied again.
func (c *Controller) isDuplicate(spec policy.CommandSpec) bool {
	raw, err := json.Marshal(spec.Raw)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(raw)
	hash := string(sum[:])
	prev, ok := c.seenHashes.Load(spec.ID)
	if ok && prev.(string) == hash {
		return true
	}
	c.seenHashes.Store(spec.ID, hash)
	return false
}

func (c *Controller) logApplied(spec policy.CommandSpec) {
	if c.events == nil {
		return
	}
	evt := event.New(event.TypeControlCommand, event.SeverityLow,
		fmt.Sprintf("control command %s applied", spec.Kind))
	evt.Metadata = event.Metadata{
		Reason: "control_command",
		Extra: map[string]any{
			"command_id": spec.ID,
			"kind":       string(spec.Kind),
			"issued_at":  spec.Timestamp.Format(time.RFC3339),
		},
	}
	c.events.Log(evt)
}

func (c *Controller) observe(kind, status string) {
	if c.metrics != nil {
		c.metrics.ObserveCommand(kind, status)
	}
}
