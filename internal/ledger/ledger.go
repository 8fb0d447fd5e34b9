// Package ledger tracks per-IP violation counts and drives the
// monitor/challenge/block escalation.
package ledger

import (
	"sync"
	"time"
)

// Verdict is the escalation decision for one request.
type Verdict string

const (
	VerdictAllow     Verdict = "allow"
	VerdictChallenge Verdict = "challenge"
	VerdictBlock     Verdict = "block"
)

// State names the escalation stage an IP currently sits in. An IP relaxes
// back to monitoring only through the decay-window reset; good behavior
// alone never forgives accumulated count.
type State string

const (
	StateMonitoring State = "monitoring"
	StateChallenged State = "challenged"
	StateBlocked    State = "blocked"
)

// Record is the live state kept per IP. It is never persisted as
// configuration.
type Record struct {
	Count         int
	LastViolation time.Time
}

// Options configure a Ledger.
type Options struct {
	ChallengeThreshold int
	BlockThreshold     int
	// DecayWindow resets the count when the gap since the last violation
	// exceeds it.
	DecayWindow time.Duration
	// IdleTTL evicts records untouched for this long. Defaults to four
	// decay windows.
	IdleTTL time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

const (
	defaultChallengeThreshold = 5
	defaultBlockThreshold     = 10
	defaultDecayWindow        = 15 * time.Minute
	defaultIdleFactor         = 4
)

// Ledger is safe for concurrent use. Entries carry their own locks so
// hot IPs do not contend with each other.
type Ledger struct {
	challenge int
	block     int
	decay     time.Duration
	idle      time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// New builds a ledger, applying defaults for unset options.
func New(opts Options) *Ledger {
	challenge := opts.ChallengeThreshold
	if challenge <= 0 {
		challenge = defaultChallengeThreshold
	}
	block := opts.BlockThreshold
	if block <= 0 {
		block = defaultBlockThreshold
	}
	decay := opts.DecayWindow
	if decay <= 0 {
		decay = defaultDecayWindow
	}
	idle := opts.IdleTTL
	if idle <= 0 {
		idle = defaultIdleFactor * decay
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		challenge: challenge,
		block:     block,
		decay:     decay,
		idle:      idle,
		now:       now,
		entries:   make(map[string]*entry),
	}
}

// Record adds a batch of violations for ip and returns the escalation
// verdict. A gap longer than the decay window resets the count to the
// batch size; otherwise the batch accumulates. A zero batch spends no
// budget but still reports the standing verdict, decay applied.
func (l *Ledger) Record(ip string, violations int) Verdict {
	if violations <= 0 {
		rec, ok := l.Snapshot(ip)
		if !ok {
			return VerdictAllow
		}
		if l.now().Sub(rec.LastViolation) > l.decay {
			return VerdictAllow
		}
		return l.verdictFor(rec.Count)
	}

	e := l.entry(ip)
	now := l.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rec.LastViolation.IsZero() && now.Sub(e.rec.LastViolation) > l.decay {
		e.rec.Count = violations
	} else {
		e.rec.Count += violations
	}
	e.rec.LastViolation = now
	return l.verdictFor(e.rec.Count)
}

// Snapshot returns a copy of the record for ip, when one exists.
func (l *Ledger) Snapshot(ip string) (Record, bool) {
	l.mu.RLock()
	e, ok := l.entries[ip]
	l.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// State reports the escalation stage for ip, accounting for decay.
func (l *Ledger) State(ip string) State {
	rec, ok := l.Snapshot(ip)
	if !ok {
		return StateMonitoring
	}
	if l.now().Sub(rec.LastViolation) > l.decay {
		return StateMonitoring
	}
	switch l.verdictFor(rec.Count) {
	case VerdictBlock:
		return StateBlocked
	case VerdictChallenge:
		return StateChallenged
	}
	return StateMonitoring
}

// Len reports how many IPs currently hold records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// EvictIdle drops records whose last violation is older than the idle
// TTL. Call it from a periodic sweep.
func (l *Ledger) EvictIdle() int {
	cutoff := l.now().Add(-l.idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for ip, e := range l.entries {
		e.mu.Lock()
		stale := e.rec.LastViolation.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(l.entries, ip)
			evicted++
		}
	}
	return evicted
}

// Export copies every live record, keyed by IP. Used for snapshot
// persistence across restarts.
func (l *Ledger) Export() map[string]Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Record, len(l.entries))
	for ip, e := range l.entries {
		e.mu.Lock()
		out[ip] = e.rec
		e.mu.Unlock()
	}
	return out
}

// Restore seeds records from a persisted snapshot. Existing entries for
// the same IPs are replaced; records already past the idle TTL are
// skipped.
func (l *Ledger) Restore(records map[string]Record) {
	cutoff := l.now().Add(-l.idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, rec := range records {
		if rec.Count <= 0 || rec.LastViolation.Before(cutoff) {
			continue
		}
		l.entries[ip] = &entry{rec: rec}
	}
}

func (l *Ledger) verdictFor(count int) Verdict {
	switch {
	case count >= l.block:
		return VerdictBlock
	case count >= l.challenge:
		return VerdictChallenge
	default:
		return VerdictAllow
	}
}

func (l *Ledger) entry(ip string) *entry {
	l.mu.RLock()
	e, ok := l.entries[ip]
	l.mu.RUnlock()
	if ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[ip]; ok {
		return e
	}
	e = &entry{}
	l.entries[ip] = e
	return e
}
