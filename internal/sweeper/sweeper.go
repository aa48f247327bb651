// Package sweeper periodically reconciles sessions with their workers and
// prunes ended sessions.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Target is what the sweeper maintains.
type Target interface {
	Reconcile(ctx context.Context) (int, error)
	Prune(olderThan time.Duration) int
}

// Result summarises one sweep.
type Result struct {
	Reconciled int
	Pruned     int
	Err        error
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors such as
// "@every 30s".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Sweeper runs RunOnce on a cron schedule. A sweep still running when the
// next one is due causes that one to be skipped.
type Sweeper struct {
	target    Target
	schedule  string
	retention time.Duration
	timeout   time.Duration
	cron      *cron.Cron
}

// New creates a Sweeper. A zero retention disables pruning.
func New(target Target, schedule string, retention time.Duration) *Sweeper {
	return &Sweeper{
		target:    target,
		schedule:  schedule,
		retention: retention,
		timeout:   time.Minute,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
}

// Start registers the sweep and starts the cron ticker.
func (s *Sweeper) Start() error {
	if _, err := cronParser.Parse(s.schedule); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	slog.Info("sweeper started", "schedule", s.schedule, "retention", s.retention)
	return nil
}

// RunOnce reconciles live sessions and prunes old ended ones.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	var res Result
	res.Reconciled, res.Err = s.target.Reconcile(ctx)
	if res.Err != nil {
		slog.Warn("reconcile sessions failed", "error", res.Err)
	}
	if s.retention > 0 {
		res.Pruned = s.target.Prune(s.retention)
	}
	if res.Reconciled > 0 || res.Pruned > 0 {
		slog.Info("sweep finished", "reconciled", res.Reconciled, "pruned", res.Pruned)
	} else {
		slog.Debug("sweep finished", "reconciled", 0, "pruned", 0)
	}
	return res
}

// Stop stops the cron ticker and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
