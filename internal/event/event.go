// Package event defines security events and the buffered store that
// carries them from the request path to durable storage.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies a security event.
type Type string

const (
	TypeWAFViolation      Type = "waf_violation"
	TypeIPBlocked         Type = "ip_blocked"
	TypeRateLimitExceeded Type = "rate_limit_exceeded"
	TypeThreatDetected    Type = "threat_detected"
	TypeSystemDegraded    Type = "system_degraded"
	TypeControlCommand    Type = "control_command"
)

// Severity grades an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Metadata carries the known per-type fields, with Extra reserved for
// rule-authored fields not yet formalized.
type Metadata struct {
	RuleID      string         `json:"rule_id,omitempty"`
	RuleName    string         `json:"rule_name,omitempty"`
	Surface     string         `json:"surface,omitempty"`
	Matched     string         `json:"matched,omitempty"`
	Scope       string         `json:"scope,omitempty"`
	PatternID   string         `json:"pattern_id,omitempty"`
	ThreatScore float64        `json:"threat_score,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Event is immutable once logged, except for the resolution fields which
// an operator flips through Store.Resolve.
type Event struct {
	ID          string     `json:"id"`
	Type        Type       `json:"event_type"`
	Severity    Severity   `json:"severity"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Metadata    Metadata   `json:"metadata"`
	IP          string     `json:"ip_address"`
	UserID      string     `json:"user_id,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
}

// New stamps an event with an ID and timestamp.
func New(t Type, sev Severity, title string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  sev,
		Title:     title,
		Timestamp: time.Now().UTC(),
	}
}

// Data projects the event into the dot-path form the condition evaluator
// understands.
func (e Event) Data() map[string]any {
	m := map[string]any{
		"event_type": string(e.Type),
		"severity":   string(e.Severity),
		"title":      e.Title,
		"ip_address": e.IP,
		"user_id":    e.UserID,
	}
	meta := map[string]any{
		"rule_id":      e.Metadata.RuleID,
		"rule_name":    e.Metadata.RuleName,
		"surface":      e.Metadata.Surface,
		"scope":        e.Metadata.Scope,
		"pattern_id":   e.Metadata.PatternID,
		"threat_score": e.Metadata.ThreatScore,
		"reason":       e.Metadata.Reason,
	}
	for k, v := range e.Metadata.Extra {
		meta[k] = v
	}
	m["metadata"] = meta
	return m
}
