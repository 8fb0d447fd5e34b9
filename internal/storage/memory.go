package storage

import (
	"context"
	"sync"
	"time"

	"github.com/CyberMesh/defense-agent/internal/alert"
	"github.com/CyberMesh/defense-agent/internal/event"
	"github.com/CyberMesh/defense-agent/internal/iplist"
)

// Memory is an in-process Repository for tests and single-node
// deployments without a database. Configuration tables are fixed at
// construction; events accumulate in memory.
type Memory struct {
	mu        sync.RWMutex
	events    []event.Event
	patterns  []alert.ThreatPattern
	whitelist []iplist.Entry
	blocklist []iplist.Entry
	rules     []alert.Rule
}

// MemoryOptions seed the configuration tables.
type MemoryOptions struct {
	Patterns  []alert.ThreatPattern
	Whitelist []iplist.Entry
	Blocklist []iplist.Entry
	Rules     []alert.Rule
}

// NewMemory builds an in-memory repository.
func NewMemory(opts MemoryOptions) *Memory {
	return &Memory{
		patterns:  opts.Patterns,
		whitelist: opts.Whitelist,
		blocklist: opts.Blocklist,
		rules:     opts.Rules,
	}
}

func (m *Memory) SaveEvents(_ context.Context, batch []event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, batch...)
	return nil
}

func (m *Memory) CountEvents(_ context.Context, eventType event.Type, window time.Duration, ip, userID string) (int, error) {
	cutoff := time.Now().Add(-window)
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, evt := range m.events {
		if evt.Type != eventType || evt.IP != ip {
			continue
		}
		if userID != "" && evt.UserID != userID {
			continue
		}
		if evt.Timestamp.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ActivePatterns(context.Context) ([]alert.ThreatPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.patterns, nil
}

func (m *Memory) ActiveWhitelist(context.Context) ([]iplist.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.whitelist, nil
}

func (m *Memory) ActiveBlocklist(context.Context) ([]iplist.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocklist, nil
}

func (m *Memory) ActiveAlertRules(context.Context) ([]alert.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules, nil
}

// Events returns a copy of everything saved so far.
func (m *Memory) Events() []event.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]event.Event, len(m.events))
	copy(out, m.events)
	return out
}
