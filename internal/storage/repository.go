// Package storage provides the narrow repository boundary the pipeline
// persists through. The schema is owned by the hosting application; this
// package only reads rule configuration and writes event batches.
package storage

import (
	"context"
	"time"

	"github.com/CyberMesh/defense-agent/internal/alert"
	"github.com/CyberMesh/defense-agent/internal/event"
	"github.com/CyberMesh/defense-agent/internal/iplist"
)

// Repository is the collaborator storage interface.
type Repository interface {
	// SaveEvents persists a batch atomically; a partial write must roll
	// back so a retried flush cannot double-insert.
	SaveEvents(ctx context.Context, batch []event.Event) error

	// CountEvents counts events of eventType for ip (and optionally
	// userID) within the trailing window.
	CountEvents(ctx context.Context, eventType event.Type, window time.Duration, ip, userID string) (int, error)

	// ActivePatterns returns the enabled threat patterns.
	ActivePatterns(ctx context.Context) ([]alert.ThreatPattern, error)

	// ActiveWhitelist returns the active whitelist entries.
	ActiveWhitelist(ctx context.Context) ([]iplist.Entry, error)

	// ActiveBlocklist returns the active blacklist entries.
	ActiveBlocklist(ctx context.Context) ([]iplist.Entry, error)

	// ActiveAlertRules returns the enabled alert rules.
	ActiveAlertRules(ctx context.Context) ([]alert.Rule, error)
}
