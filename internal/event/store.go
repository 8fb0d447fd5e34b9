package event

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFlushSize     = 100
	defaultFlushInterval = 30 * time.Second
	defaultHardCap       = 1000
	defaultHistoryCap    = 10000
	defaultFlushTimeout  = 5 * time.Second
)

// Sink is the narrow durable-storage view the store flushes into.
type Sink interface {
	SaveEvents(ctx context.Context, batch []Event) error
}

// Spill receives overflow when the buffer exceeds its hard cap during a
// storage outage, and is drained ahead of fresh events once storage
// recovers.
type Spill interface {
	Enqueue(evt Event) error
	Drain(max int) ([]Event, error)
	Commit(n int) error
	Len() (int, error)
}

// StoreMetrics exposes the counters the store maintains.
type StoreMetrics interface {
	ObserveEventLogged(eventType string, severity string)
	ObserveFlush(status string, size int)
	ObserveEventDropped()
	SetBufferDepth(n int)
}

// StoreOptions configure a Store.
type StoreOptions struct {
	Sink          Sink
	Spill         Spill
	FlushSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	// HardCap bounds the in-memory buffer under sustained outage. Beyond
	// it, overflow goes to the spill queue or, failing that, oldest-first
	// eviction with an explicit dropped counter.
	HardCap    int
	HistoryCap int
	Logger     *zap.Logger
	Metrics    StoreMetrics
	Clock      func() time.Time
}

// Store buffers events off the request path and flushes them to the sink
// when the buffer fills or the timer fires, whichever comes first. A
// failed flush keeps the batch for the next attempt; events are removed
// only after the sink accepts them.
type Store struct {
	sink          Sink
	spill         Spill
	flushSize     int
	flushInterval time.Duration
	flushTimeout  time.Duration
	hardCap       int
	historyCap    int
	logger        *zap.Logger
	metrics       StoreMetrics
	now           func() time.Time

	mu      sync.Mutex
	buf     []Event
	history []Event
	dropped uint64
	// inflight is the prefix of buf currently handed to the sink. Cap
	// enforcement must not touch it: the positional trim after a
	// successful save assumes the prefix is intact.
	inflight int

	// flushMu serializes flush attempts so a timer tick and a forced
	// flush never double-save a batch.
	flushMu sync.Mutex
	notify  chan struct{}
}

// NewStore builds a store. Sink is required; everything else defaults.
func NewStore(opts StoreOptions) *Store {
	flushSize := opts.FlushSize
	if flushSize <= 0 {
		flushSize = defaultFlushSize
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	timeout := opts.FlushTimeout
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	hardCap := opts.HardCap
	if hardCap <= flushSize {
		hardCap = defaultHardCap
		if hardCap <= flushSize {
			hardCap = flushSize * 10
		}
	}
	historyCap := opts.HistoryCap
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Store{
		sink:          opts.Sink,
		spill:         opts.Spill,
		flushSize:     flushSize,
		flushInterval: interval,
		flushTimeout:  timeout,
		hardCap:       hardCap,
		historyCap:    historyCap,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		now:           now,
		notify:        make(chan struct{}, 1),
	}
}

// Log appends an event to the buffer and returns immediately. It never
// blocks on storage.
func (s *Store) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	s.buf = append(s.buf, evt)
	s.appendHistory(evt)
	full := len(s.buf) >= s.flushSize
	s.enforceCapLocked()
	depth := len(s.buf)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveEventLogged(string(evt.Type), string(evt.Severity))
		s.metrics.SetBufferDepth(depth)
	}
	if full {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// Run drives the flush loop until ctx is cancelled, then attempts one
// final flush.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
			s.flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
		case <-s.notify:
		}
		flushCtx, cancel := context.WithTimeout(ctx, s.flushTimeout)
		s.flush(flushCtx)
		cancel()
	}
}

// Flush forces a flush attempt; exported for tests and shutdown paths.
func (s *Store) Flush(ctx context.Context) error {
	return s.flush(ctx)
}

func (s *Store) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if err := s.drainSpill(ctx); err != nil {
		// Storage still down; no point flushing the live buffer on top.
		return err
	}

	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := make([]Event, len(s.buf))
	copy(batch, s.buf)
	s.inflight = len(batch)
	s.mu.Unlock()

	// Sink call happens outside the lock; Log stays non-blocking.
	if err := s.sink.SaveEvents(ctx, batch); err != nil {
		s.mu.Lock()
		s.inflight = 0
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ObserveFlush("error", len(batch))
		}
		if s.logger != nil {
			s.logger.Warn("event flush failed, will retry", zap.Int("batch", len(batch)), zap.Error(err))
		}
		return err
	}

	s.mu.Lock()
	s.buf = s.buf[len(batch):]
	s.inflight = 0
	depth := len(s.buf)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveFlush("ok", len(batch))
		s.metrics.SetBufferDepth(depth)
	}
	return nil
}

func (s *Store) drainSpill(ctx context.Context) error {
	if s.spill == nil {
		return nil
	}
	for {
		batch, err := s.spill.Drain(s.flushSize)
		if err != nil || len(batch) == 0 {
			return err
		}
		if err := s.sink.SaveEvents(ctx, batch); err != nil {
			return err
		}
		if err := s.spill.Commit(len(batch)); err != nil {
			return err
		}
	}
}

// enforceCapLocked applies backpressure: overflow beyond the hard cap is
// spilled, then evicted oldest-first as the last resort. The in-flight
// prefix is off limits; while it is being saved the buffer may exceed
// the cap by up to one batch.
func (s *Store) enforceCapLocked() {
	for len(s.buf) > s.hardCap && len(s.buf) > s.inflight {
		oldest := s.buf[s.inflight]
		s.buf = append(s.buf[:s.inflight], s.buf[s.inflight+1:]...)
		if s.spill != nil {
			if err := s.spill.Enqueue(oldest); err == nil {
				continue
			}
		}
		s.dropped++
		if s.metrics != nil {
			s.metrics.ObserveEventDropped()
		}
		if s.logger != nil {
			s.logger.Error("event dropped under sustained storage outage",
				zap.String("event_id", oldest.ID),
				zap.Uint64("dropped_total", s.dropped))
		}
	}
}

// Dropped reports how many events were evicted without persisting.
func (s *Store) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending reports the current buffer depth.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Resolve marks an event in the retained history as handled by an
// operator. Only the resolution fields ever change.
func (s *Store) Resolve(id, by string) bool {
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.history {
		if s.history[i].ID == id && !s.history[i].Resolved {
			s.history[i].Resolved = true
			s.history[i].ResolvedAt = &now
			s.history[i].ResolvedBy = by
			return true
		}
	}
	return false
}

// Recent returns retained events newer than the window, newest last.
func (s *Store) Recent(window time.Duration) []Event {
	cutoff := s.now().Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, evt := range s.history {
		if evt.Timestamp.After(cutoff) {
			out = append(out, evt)
		}
	}
	return out
}

func (s *Store) appendHistory(evt Event) {
	s.history = append(s.history, evt)
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
}

// ThreatCount pairs an IP with its event count for the top-threats view.
type ThreatCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// Summary is the aggregated metrics view over a trailing window.
type Summary struct {
	TotalEvents   int              `json:"total_events"`
	BySeverity    map[Severity]int `json:"by_severity"`
	ByType        map[Type]int     `json:"by_type"`
	TopThreats    []ThreatCount    `json:"top_threats"`
	SecurityScore int              `json:"security_score"`
	DroppedEvents uint64           `json:"dropped_events"`
}

// Metrics aggregates retained events over the trailing window. The score
// starts at 100 and pays 20 per critical, 10 per high, 5 per medium and 1
// per low, floored at 0.
func (s *Store) Metrics(window time.Duration) Summary {
	events := s.Recent(window)
	sum := Summary{
		BySeverity: make(map[Severity]int),
		ByType:     make(map[Type]int),
	}
	byIP := make(map[string]int)
	for _, evt := range events {
		sum.TotalEvents++
		sum.BySeverity[evt.Severity]++
		sum.ByType[evt.Type]++
		if evt.IP != "" {
			byIP[evt.IP]++
		}
	}

	for ip, n := range byIP {
		sum.TopThreats = append(sum.TopThreats, ThreatCount{IP: ip, Count: n})
	}
	sort.Slice(sum.TopThreats, func(i, j int) bool {
		if sum.TopThreats[i].Count != sum.TopThreats[j].Count {
			return sum.TopThreats[i].Count > sum.TopThreats[j].Count
		}
		return sum.TopThreats[i].IP < sum.TopThreats[j].IP
	})
	if len(sum.TopThreats) > 5 {
		sum.TopThreats = sum.TopThreats[:5]
	}

	score := 100 -
		20*sum.BySeverity[SeverityCritical] -
		10*sum.BySeverity[SeverityHigh] -
		5*sum.BySeverity[SeverityMedium] -
		1*sum.BySeverity[SeverityLow]
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	sum.SecurityScore = score
	sum.DroppedEvents = s.Dropped()
	return sum
}
