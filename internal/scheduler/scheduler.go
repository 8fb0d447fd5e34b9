// Package scheduler runs the agent's periodic maintenance: evicting
// idle ledger entries and persisting the state snapshot.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/CyberMesh/defense-agent/internal/control"
	"github.com/CyberMesh/defense-agent/internal/ledger"
	"github.com/CyberMesh/defense-agent/internal/metrics"
	"github.com/CyberMesh/defense-agent/internal/state"
)

// Scheduler owns the maintenance loop.
type Scheduler struct {
	ledger         *ledger.Ledger
	store          *state.Store
	overrides      func() map[string]bool
	killSwitch     *control.KillSwitch
	interval       time.Duration
	maxBackoff     time.Duration
	currentBackoff time.Duration
	logger         *zap.Logger
	metrics        *metrics.Recorder
}

// Options configure a Scheduler. Overrides supplies the current runtime
// rule toggles for the snapshot; nil means none are tracked.
type Options struct {
	Ledger     *ledger.Ledger
	Store      *state.Store
	Overrides  func() map[string]bool
	KillSwitch *control.KillSwitch
	Interval   time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Recorder
}

// New creates a scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("scheduler: ledger required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler: state store required")
	}
	return &Scheduler{
		ledger:     opts.Ledger,
		store:      opts.Store,
		overrides:  opts.Overrides,
		killSwitch: opts.KillSwitch,
		interval:   opts.Interval,
		maxBackoff: opts.MaxBackoff,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}, nil
}

// Run starts the maintenance loop until context cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.nextInterval()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		timer.Stop()

		if s.currentBackoff > 0 {
			if s.metrics != nil {
				s.metrics.ObserveBackoff("scheduler")
			}
			if s.logger != nil {
				s.logger.Debug("scheduler backoff", zap.Duration("backoff", s.currentBackoff))
			}
			backoffTimer := time.NewTimer(s.currentBackoff)
			select {
			case <-ctx.Done():
				backoffTimer.Stop()
				return
			case <-backoffTimer.C:
			}
		}

		if err := s.maintain(ctx); err != nil {
			if s.logger != nil {
				s.logger.Warn("scheduler maintenance encountered errors", zap.Error(err))
			}
			s.bumpBackoff()
		} else {
			s.resetBackoff()
		}
	}
}

// RunOnce performs a single maintenance cycle, used at shutdown so the
// final ledger state always lands on disk.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if err := s.maintain(ctx); err != nil && s.logger != nil {
		s.logger.Warn("scheduler run-once encountered errors", zap.Error(err))
	}
}

func (s *Scheduler) maintain(_ context.Context) error {
	if s.logger != nil {
		s.logger.Debug("scheduler tick")
	}

	evicted := s.ledger.EvictIdle()
	if evicted > 0 && s.logger != nil {
		s.logger.Debug("idle ledger entries evicted", zap.Int("count", evicted))
	}
	if s.metrics != nil {
		s.metrics.SetLedgerSize(s.ledger.Len())
	}

	snap := state.Snapshot{
		Ledger:      s.ledger.Export(),
		WAFDisabled: s.killSwitch != nil && s.killSwitch.Enabled(),
	}
	if s.overrides != nil {
		snap.RuleOverrides = s.overrides()
	}
	if err := s.store.Save(snap); err != nil {
		return fmt.Errorf("scheduler: persist snapshot: %w", err)
	}
	return nil
}

func (s *Scheduler) nextInterval() time.Duration {
	if s.interval <= 0 {
		return 30 * time.Second
	}
	return s.interval
}

func (s *Scheduler) bumpBackoff() {
	base := s.nextInterval()
	if s.currentBackoff == 0 {
		if s.maxBackoff > 0 && base > s.maxBackoff {
			s.currentBackoff = s.maxBackoff
		} else {
			s.currentBackoff = base
		}
		return
	}
	next := s.currentBackoff * 2
	if s.maxBackoff > 0 && next > s.maxBackoff {
		next = s.maxBackoff
	}
	s.currentBackoff = next
}

func (s *Scheduler) resetBackoff() {
	s.currentBackoff = 0
}
