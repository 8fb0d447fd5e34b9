package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/CyberMesh/defense-agent/internal/alert"
	"github.com/CyberMesh/defense-agent/internal/event"
	"github.com/CyberMesh/defense-agent/internal/iplist"
	"github.com/CyberMesh/defense-agent/internal/score"
)

var (
	ErrDSNRequired = errors.New("storage: dsn required")
)

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	DSN          string
	ConnTimeout  time.Duration
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// Postgres implements Repository over the externally owned schema.
//
// Expected tables (simplified): security_events(id, event_type, severity,
// title, description, metadata jsonb, ip_address, user_id, created_at,
// resolved, resolved_at, resolved_by), threat_patterns(id, name,
// conditions jsonb, severity, is_active), ip_access_list(pattern, kind,
// priority, list, is_active, expires_at), alert_rules(id, name,
// event_type, conditions jsonb, severity, threshold, time_window_seconds,
// is_active).
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a pooled connection and verifies liveness.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	timeout := cfg.ConnTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// SaveEvents inserts the batch in one transaction.
func (p *Postgres) SaveEvents(ctx context.Context, batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO security_events
			(id, event_type, severity, title, description, metadata,
			 ip_address, user_id, created_at, resolved, resolved_at, resolved_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, NULLIF($12, ''))
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("storage: prepare: %w", err)
	}
	defer stmt.Close()

	for _, evt := range batch {
		meta, err := json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("storage: marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			evt.ID, string(evt.Type), string(evt.Severity), evt.Title, evt.Description,
			meta, evt.IP, evt.UserID, evt.Timestamp, evt.Resolved, evt.ResolvedAt, evt.ResolvedBy,
		); err != nil {
			return fmt.Errorf("storage: insert event %s: %w", evt.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// CountEvents counts matching events within the trailing window.
func (p *Postgres) CountEvents(ctx context.Context, eventType event.Type, window time.Duration, ip, userID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM security_events
		WHERE event_type = $1 AND ip_address = $2 AND created_at > $3`
	args := []any{string(eventType), ip, time.Now().Add(-window)}
	if userID != "" {
		query += ` AND user_id = $4`
		args = append(args, userID)
	}
	var count int
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count events: %w", err)
	}
	return count, nil
}

// ActivePatterns loads enabled threat patterns.
func (p *Postgres) ActivePatterns(ctx context.Context) ([]alert.ThreatPattern, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, conditions, severity
		FROM threat_patterns WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("storage: query patterns: %w", err)
	}
	defer rows.Close()

	var out []alert.ThreatPattern
	for rows.Next() {
		var (
			p1       alert.ThreatPattern
			condJSON []byte
			severity string
		)
		if err := rows.Scan(&p1.ID, &p1.Name, &condJSON, &severity); err != nil {
			return nil, fmt.Errorf("storage: scan pattern: %w", err)
		}
		p1.Severity = event.Severity(severity)
		p1.Active = true
		if p1.Conditions, err = decodeConditions(condJSON); err != nil {
			return nil, fmt.Errorf("storage: pattern %s: %w", p1.ID, err)
		}
		out = append(out, p1)
	}
	return out, rows.Err()
}

// ActiveWhitelist loads active IP list entries.
func (p *Postgres) ActiveWhitelist(ctx context.Context) ([]iplist.Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT pattern, kind, priority, COALESCE(expires_at, 'epoch'::timestamptz)
		FROM ip_access_list WHERE is_active AND list = 'whitelist'
		ORDER BY priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: query whitelist: %w", err)
	}
	defer rows.Close()

	var out []iplist.Entry
	for rows.Next() {
		var (
			e       iplist.Entry
			kind    string
			expires time.Time
		)
		if err := rows.Scan(&e.Pattern, &kind, &e.Priority, &expires); err != nil {
			return nil, fmt.Errorf("storage: scan whitelist entry: %w", err)
		}
		e.Kind = iplist.Kind(kind)
		e.Active = true
		if expires.Unix() > 0 {
			e.ExpiresAt = expires
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActiveBlocklist loads active blacklist entries.
func (p *Postgres) ActiveBlocklist(ctx context.Context) ([]iplist.Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT pattern, kind, priority, COALESCE(expires_at, 'epoch'::timestamptz)
		FROM ip_access_list WHERE is_active AND list = 'blacklist'
		ORDER BY priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: query blocklist: %w", err)
	}
	defer rows.Close()

	var out []iplist.Entry
	for rows.Next() {
		var (
			e       iplist.Entry
			kind    string
			expires time.Time
		)
		if err := rows.Scan(&e.Pattern, &kind, &e.Priority, &expires); err != nil {
			return nil, fmt.Errorf("storage: scan blocklist entry: %w", err)
		}
		e.Kind = iplist.Kind(kind)
		e.Active = true
		if expires.Unix() > 0 {
			e.ExpiresAt = expires
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActiveAlertRules loads enabled alert rules.
func (p *Postgres) ActiveAlertRules(ctx context.Context) ([]alert.Rule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, event_type, conditions, severity, threshold, time_window_seconds
		FROM alert_rules WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("storage: query alert rules: %w", err)
	}
	defer rows.Close()

	var out []alert.Rule
	for rows.Next() {
		var (
			r         alert.Rule
			eventType string
			severity  string
			condJSON  []byte
			windowSec int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &eventType, &condJSON, &severity, &r.Threshold, &windowSec); err != nil {
			return nil, fmt.Errorf("storage: scan alert rule: %w", err)
		}
		r.EventType = event.Type(eventType)
		r.Severity = event.Severity(severity)
		r.TimeWindow = time.Duration(windowSec) * time.Second
		r.Active = true
		if r.Conditions, err = decodeConditions(condJSON); err != nil {
			return nil, fmt.Errorf("storage: alert rule %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks liveness.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type conditionRow struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    any     `json:"value"`
	Weight   float64 `json:"weight"`
}

func decodeConditions(raw []byte) ([]score.Condition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rows []conditionRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	out := make([]score.Condition, 0, len(rows))
	for _, r := range rows {
		out = append(out, score.Condition{
			Field:    r.Field,
			Operator: score.Operator(r.Operator),
			Value:    r.Value,
			Weight:   r.Weight,
		})
	}
	if err := score.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}
