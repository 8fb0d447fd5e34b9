package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	defaultIdleFactor    = 4
	defaultSweepInterval = time.Minute
)

// LocalOptions configure the in-process limiter.
type LocalOptions struct {
	// IdleTTL evicts a key whose newest hit is older than this. Defaults
	// to four windows.
	IdleTTL time.Duration
	// SweepInterval controls how often idle keys are reclaimed.
	SweepInterval time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// localLimiter keeps a sliding log of hit timestamps per key. The key map
// is guarded by a read/write mutex; each key's log carries its own lock so
// concurrent checks on the same key serialize without cross-key
// contention.
type localLimiter struct {
	cfg   Config
	now   func() time.Time
	idle  time.Duration
	sweep time.Duration

	mu      sync.RWMutex
	windows map[string]*window

	sweepOnce sync.Once
	stopSweep chan struct{}
}

type window struct {
	mu   sync.Mutex
	hits []time.Time
}

func newLocal(cfg Config, opts LocalOptions) *localLimiter {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	idle := opts.IdleTTL
	if idle <= 0 {
		idle = time.Duration(defaultIdleFactor) * cfg.Window
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	return &localLimiter{
		cfg:       cfg,
		now:       now,
		idle:      idle,
		sweep:     sweep,
		windows:   make(map[string]*window),
		stopSweep: make(chan struct{}),
	}
}

// Check implements Limiter.
func (l *localLimiter) Check(_ context.Context, key string) (Result, error) {
	w := l.window(key)
	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Prune everything at or before the trailing edge.
	kept := w.hits[:0]
	for _, ts := range w.hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.hits = kept

	total := len(w.hits)
	allowed := total < l.cfg.MaxRequests
	if allowed {
		w.hits = append(w.hits, now)
		total++
	}

	reset := now.Add(l.cfg.Window)
	if len(w.hits) > 0 {
		reset = w.hits[0].Add(l.cfg.Window)
	}

	remaining := l.cfg.MaxRequests - total
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetTime: reset,
		TotalHits: total,
	}, nil
}

// window returns the per-key log, creating it under the write lock so two
// concurrent first hits never race into separate logs.
func (l *localLimiter) window(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	l.sweepOnce.Do(func() { go l.sweepLoop() })
	return w
}

func (l *localLimiter) sweepLoop() {
	ticker := time.NewTicker(l.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopSweep:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *localLimiter) evictIdle() {
	cutoff := l.now().Add(-l.idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		w.mu.Lock()
		idle := len(w.hits) == 0 || w.hits[len(w.hits)-1].Before(cutoff)
		w.mu.Unlock()
		if idle {
			delete(l.windows, key)
		}
	}
}

// Close stops the background sweeper.
func (l *localLimiter) Close() {
	select {
	case <-l.stopSweep:
	default:
		close(l.stopSweep)
	}
}
