// Package policy defines the signed control commands the agent accepts
// over its control topic, and the trust store that verifies them.
package policy

import (
	"time"

	"github.com/CyberMesh/defense-agent/internal/alert"
	"github.com/CyberMesh/defense-agent/internal/iplist"
)

// Kind enumerates supported command types.
type Kind string

const (
	KindWAFRule        Kind = "waf_rule"
	KindIPList         Kind = "ip_list"
	KindAlertRules     Kind = "alert_rules"
	KindThreatPatterns Kind = "threat_patterns"
	KindKillSwitch     Kind = "kill_switch"
)

// CommandSpec is an actionable command derived from defense.control.v1
// events. Exactly one of the typed payloads is set, matching Kind.
type CommandSpec struct {
	ID        string
	Kind      Kind
	Timestamp time.Time
	Raw       map[string]any

	WAFRule        *WAFRuleCommand
	IPList         *IPListCommand
	AlertRules     *AlertRulesCommand
	ThreatPatterns *ThreatPatternsCommand
	KillSwitch     *KillSwitchCommand
}

// WAFRuleCommand toggles a single inspection rule at runtime.
type WAFRuleCommand struct {
	RuleID  string
	Enabled bool
}

// IPListCommand replaces the access control tables wholesale. Partial
// updates are not supported; the producer always ships the full view.
type IPListCommand struct {
	Whitelist []string
	Blacklist []string
	Patterns  []iplist.Entry
}

// AlertRulesCommand replaces the active alert rule set.
type AlertRulesCommand struct {
	Rules []alert.Rule
}

// ThreatPatternsCommand replaces the active threat pattern table.
type ThreatPatternsCommand struct {
	Patterns []alert.ThreatPattern
}

// KillSwitchCommand flips WAF inspection on or off.
type KillSwitchCommand struct {
	Disabled bool
}
