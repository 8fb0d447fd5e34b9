package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CyberMesh/defense-agent/internal/alert"
	"github.com/CyberMesh/defense-agent/internal/event"
	"github.com/CyberMesh/defense-agent/internal/iplist"
	"github.com/CyberMesh/defense-agent/internal/score"
)

// ParseSpec parses and validates command payloads for the supported
// command kinds. A payload that fails validation is rejected whole; the
// agent never applies a partially valid command.
func ParseSpec(kind string, payload []byte, timestamp int64) (CommandSpec, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return CommandSpec{}, fmt.Errorf("policy: decode payload: %w", err)
	}

	var spec CommandSpec
	spec.Kind = Kind(strings.ToLower(strings.TrimSpace(kind)))
	spec.Raw = raw
	spec.Timestamp = time.Unix(timestamp, 0).UTC()

	id, err := getString(raw, "command_id")
	if err != nil {
		return CommandSpec{}, fmt.Errorf("policy: command_id: %w", err)
	}
	spec.ID = id

	switch spec.Kind {
	case KindWAFRule:
		return parseWAFRule(payload, spec)
	case KindIPList:
		return parseIPList(payload, spec)
	case KindAlertRules:
		return parseAlertRules(payload, spec)
	case KindThreatPatterns:
		return parseThreatPatterns(payload, spec)
	case KindKillSwitch:
		return parseKillSwitch(payload, spec)
	default:
		return CommandSpec{}, fmt.Errorf("policy: unsupported command kind %s", kind)
	}
}

type wafRuleWire struct {
	RuleID  string `json:"rule_id"`
	Enabled bool   `json:"enabled"`
}

func parseWAFRule(payload []byte, spec CommandSpec) (CommandSpec, error) {
	var wire struct {
		wafRuleWire
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return CommandSpec{}, fmt.Errorf("policy: waf_rule payload: %w", err)
	}
	if strings.TrimSpace(wire.RuleID) == "" {
		return CommandSpec{}, fmt.Errorf("policy: waf_rule rule_id required")
	}
	spec.WAFRule = &WAFRuleCommand{RuleID: wire.RuleID, Enabled: wire.Enabled}
	return spec, nil
}

type ipEntryWire struct {
	Pattern   string `json:"pattern"`
	Kind      string `json:"kind"`
	Priority  int    `json:"priority"`
	Active    bool   `json:"active"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix seconds, 0 = no expiry
}

func parseIPList(payload []byte, spec CommandSpec) (CommandSpec, error) {
	var wire struct {
		CommandID string        `json:"command_id"`
		Whitelist []string      `json:"whitelist"`
		Blacklist []string      `json:"blacklist"`
		Patterns  []ipEntryWire `json:"patterns"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return CommandSpec{}, fmt.Errorf("policy: ip_list payload: %w", err)
	}
	cmd := &IPListCommand{Whitelist: wire.Whitelist, Blacklist: wire.Blacklist}
	for _, row := range wire.Patterns {
		entry := iplist.Entry{
			Pattern:  strings.TrimSpace(row.Pattern),
			Kind:     iplist.Kind(strings.ToLower(strings.TrimSpace(row.Kind))),
			Priority: row.Priority,
			Active:   row.Active,
		}
		if row.ExpiresAt > 0 {
			entry.ExpiresAt = time.Unix(row.ExpiresAt, 0).UTC()
		}
		cmd.Patterns = append(cmd.Patterns, entry)
	}
	spec.IPList = cmd
	return spec, nil
}

type conditionWire struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    any     `json:"value"`
	Weight   float64 `json:"weight"`
}

type alertRuleWire struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	EventType     string          `json:"event_type"`
	Conditions    []conditionWire `json:"conditions"`
	Severity      string          `json:"severity"`
	Threshold     int             `json:"threshold"`
	WindowSeconds int64           `json:"time_window_seconds"`
	Active        bool            `json:"active"`
}

func parseAlertRules(payload []byte, spec CommandSpec) (CommandSpec, error) {
	var wire struct {
		CommandID string          `json:"command_id"`
		Rules     []alertRuleWire `json:"rules"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return CommandSpec{}, fmt.Errorf("policy: alert_rules payload: %w", err)
	}
	rules := make([]alert.Rule, 0, len(wire.Rules))
	for _, row := range wire.Rules {
		rules = append(rules, alert.Rule{
			ID:         row.ID,
			Name:       row.Name,
			EventType:  event.Type(row.EventType),
			Conditions: decodeConditions(row.Conditions),
			Severity:   event.Severity(row.Severity),
			Threshold:  row.Threshold,
			TimeWindow: time.Duration(row.WindowSeconds) * time.Second,
			Active:     row.Active,
		})
	}
	if err := alert.ValidateRules(rules); err != nil {
		return CommandSpec{}, fmt.Errorf("policy: alert_rules: %w", err)
	}
	spec.AlertRules = &AlertRulesCommand{Rules: rules}
	return spec, nil
}

type threatPatternWire struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Conditions []conditionWire `json:"conditions"`
	Severity   string          `json:"severity"`
	Active     bool            `json:"active"`
}

func parseThreatPatterns(payload []byte, spec CommandSpec) (CommandSpec, error) {
	var wire struct {
		CommandID string              `json:"command_id"`
		Patterns  []threatPatternWire `json:"patterns"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return CommandSpec{}, fmt.Errorf("policy: threat_patterns payload: %w", err)
	}
	patterns := make([]alert.ThreatPattern, 0, len(wire.Patterns))
	for _, row := range wire.Patterns {
		patterns = append(patterns, alert.ThreatPattern{
			ID:         row.ID,
			Name:       row.Name,
			Conditions: decodeConditions(row.Conditions),
			Severity:   event.Severity(row.Severity),
			Active:     row.Active,
		})
	}
	if err := alert.ValidatePatterns(patterns); err != nil {
		return CommandSpec{}, fmt.Errorf("policy: threat_patterns: %w", err)
	}
	spec.ThreatPatterns = &ThreatPatternsCommand{Patterns: patterns}
	return spec, nil
}

func parseKillSwitch(payload []byte, spec CommandSpec) (CommandSpec, error) {
	var wire struct {
		CommandID string `json:"command_id"`
		Disabled  bool   `json:"disabled"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return CommandSpec{}, fmt.Errorf("policy: kill_switch payload: %w", err)
	}
	spec.KillSwitch = &KillSwitchCommand{Disabled: wire.Disabled}
	return spec, nil
}

func decodeConditions(rows []conditionWire) []score.Condition {
	out := make([]score.Condition, 0, len(rows))
	for _, r := range rows {
		out = append(out, score.Condition{
			Field:    r.Field,
			Operator: score.Operator(r.Operator),
			Value:    r.Value,
			Weight:   r.Weight,
		})
	}
	return out
}

func getString(raw map[string]any, key string) (string, error) {
	val, ok := raw[key]
	if !ok {
		return "", fmt.Errorf("missing")
	}
	s, ok := val.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("must be a non-empty string")
	}
	return strings.TrimSpace(s), nil
}
