// Package reconciler periodically refreshes the in-process rule tables
// from the repository, so database-side configuration changes reach a
// running agent without a restart.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/CyberMesh/defense-agent/internal/alert"
	"github.com/CyberMesh/defense-agent/internal/iplist"
	"github.com/CyberMesh/defense-agent/internal/metrics"
	"github.com/CyberMesh/defense-agent/internal/storage"
)

// Reconciler pulls configuration from the repository and applies it.
type Reconciler struct {
	repo           storage.Repository
	classifier     *iplist.Classifier
	engine         *alert.Engine
	scorer         *alert.Scorer
	interval       time.Duration
	maxBackoff     time.Duration
	currentBackoff time.Duration
	logger         *zap.Logger
	metrics        *metrics.Recorder
}

// Options configure a Reconciler. Components left nil are skipped.
type Options struct {
	Repository storage.Repository
	Classifier *iplist.Classifier
	Engine     *alert.Engine
	Scorer     *alert.Scorer
	Interval   time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Recorder
}

// New creates a reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("reconciler: repository required")
	}
	return &Reconciler{
		repo:       opts.Repository,
		classifier: opts.Classifier,
		engine:     opts.Engine,
		scorer:     opts.Scorer,
		interval:   opts.Interval,
		maxBackoff: opts.MaxBackoff,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}, nil
}

// Run starts periodic reconciliation until context cancellation.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		wait := r.nextInterval()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		timer.Stop()

		if r.currentBackoff > 0 {
			if r.metrics != nil {
				r.metrics.ObserveBackoff("reconciler")
			}
			if r.logger != nil {
				r.logger.Debug("reconciler backoff", zap.Duration("backoff", r.currentBackoff))
			}
			backoffTimer := time.NewTimer(r.currentBackoff)
			select {
			case <-ctx.Done():
				backoffTimer.Stop()
				return
			case <-backoffTimer.C:
			}
		}

		if err := r.reconcile(ctx); err != nil {
			if r.logger != nil {
				r.logger.Warn("reconciler encountered errors", zap.Error(err))
			}
			r.bumpBackoff()
		} else {
			r.resetBackoff()
		}
	}
}

// RunOnce performs a single reconciliation cycle, used at startup so
// the agent serves with repository configuration from its first request.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if err := r.reconcile(ctx); err != nil && r.logger != nil {
		r.logger.Warn("reconciler run-once encountered errors", zap.Error(err))
	}
}

// reconcile loads each table independently; one failing table never
// blocks the others, and a failed load leaves the running table as is.
func (r *Reconciler) reconcile(ctx context.Context) error {
	var firstErr error

	if r.scorer != nil {
		patterns, err := r.repo.ActivePatterns(ctx)
		if err != nil {
			firstErr = err
			r.logWarn("load threat patterns", err)
		} else if err := r.scorer.SetPatterns(patterns); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logWarn("apply threat patterns", err)
		}
	}

	if r.engine != nil {
		rules, err := r.repo.ActiveAlertRules(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logWarn("load alert rules", err)
		} else if err := r.engine.SetRules(rules); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logWarn("apply alert rules", err)
		}
	}

	if r.classifier != nil {
		if err := r.reconcileIPTables(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (r *Reconciler) reconcileIPTables(ctx context.Context) error {
	whitelist, err := r.repo.ActiveWhitelist(ctx)
	if err != nil {
		r.logWarn("load whitelist", err)
		return err
	}
	blocklist, err := r.repo.ActiveBlocklist(ctx)
	if err != nil {
		r.logWarn("load blocklist", err)
		return err
	}

	// Exact rows become map entries; wildcard, CIDR and range rows go to
	// the ordered pattern table. The pattern table only denies, so a
	// non-exact whitelist row has no classifier equivalent and is skipped.
	var (
		whitelistIPs []string
		blacklistIPs []string
		patterns     []iplist.Entry
	)
	for _, e := range whitelist {
		if e.Kind != iplist.KindExact {
			r.logWarn("skip non-exact whitelist entry "+e.Pattern, nil)
			continue
		}
		whitelistIPs = append(whitelistIPs, e.Pattern)
	}
	for _, e := range blocklist {
		if e.Kind == iplist.KindExact {
			blacklistIPs = append(blacklistIPs, e.Pattern)
			continue
		}
		patterns = append(patterns, e)
	}

	if err := r.classifier.SetTables(whitelistIPs, blacklistIPs, patterns); err != nil {
		r.logWarn("apply ip tables", err)
		return err
	}
	return nil
}

func (r *Reconciler) logWarn(msg string, err error) {
	if r.logger != nil {
		r.logger.Warn("reconciler: "+msg, zap.Error(err))
	}
}

func (r *Reconciler) nextInterval() time.Duration {
	if r.interval <= 0 {
		return 30 * time.Second
	}
	return r.interval
}

func (r *Reconciler) bumpBackoff() {
	base := r.nextInterval()
	if r.currentBackoff == 0 {
		if r.maxBackoff > 0 && base > r.maxBackoff {
			r.currentBackoff = r.maxBackoff
		} else {
			r.currentBackoff = base
		}
		return
	}
	next := r.currentBackoff * 2
	if r.maxBackoff > 0 && next > r.maxBackoff {
		next = r.maxBackoff
	}
	r.currentBackoff = next
}

func (r *Reconciler) resetBackoff() {
	r.currentBackoff = 0
}
