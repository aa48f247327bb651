package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/meetbot/internal/types"
)

const reconcileParallelism = 4

// Reconcile polls the runtime for every Active session and records workers
// that have ended on their own. It returns how many sessions changed.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	var changed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallelism)
	for _, rec := range o.ListSessions(types.StatusActive) {
		if rec.WorkerHandle == "" {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if o.reconcileOne(gctx, rec) {
				changed.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(changed.Load()), err
}

func (o *Orchestrator) reconcileOne(ctx context.Context, seen *types.SessionRecord) bool {
	st, err := o.rt.Status(ctx, seen.WorkerHandle)
	var cause error
	switch {
	case errors.Is(err, types.ErrHandleNotFound):
		cause = fmt.Errorf("worker %s disappeared", seen.WorkerHandle)
	case err != nil:
		slog.Warn("worker status check failed", "meeting_id", seen.MeetingID, "handle", seen.WorkerHandle, "error", err)
		return false
	case st.State != types.WorkerExited:
		return false
	case st.ExitCode != 0:
		cause = fmt.Errorf("worker exited with code %d", st.ExitCode)
	}

	lock := o.locks.get(seen.MeetingID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := o.reg.Lookup(seen.MeetingID)
	if err != nil || cur.Status != types.StatusActive || cur.WorkerHandle != seen.WorkerHandle {
		return false
	}

	if cause != nil {
		slog.Warn("worker ended unexpectedly", "meeting_id", cur.MeetingID, "handle", cur.WorkerHandle, "error", cause)
		o.failLocked(cur.MeetingID, cause)
		return true
	}
	if _, err := o.reg.UpdateStatus(cur.MeetingID, types.StatusStopping); err != nil {
		slog.Warn("mark session stopping", "meeting_id", cur.MeetingID, "error", err)
		return false
	}
	// Exited cleanly; stopping again releases the runtime's bookkeeping.
	if _, err := o.commitStop(cur.MeetingID, o.stopWorker(ctx, cur.WorkerHandle)); err != nil {
		return true
	}
	slog.Info("worker finished", "meeting_id", cur.MeetingID, "handle", cur.WorkerHandle)
	return true
}

// Recover settles sessions left mid-transition by a previous run of the
// service. It must be called before any request is served.
func (o *Orchestrator) Recover(ctx context.Context) int {
	n := 0
	for _, rec := range o.reg.List() {
		switch rec.Status {
		case types.StatusRequested, types.StatusStarting:
			lock := o.locks.get(rec.MeetingID)
			lock.Lock()
			if rec.WorkerHandle != "" {
				if err := o.stopWorker(ctx, rec.WorkerHandle); err != nil {
					slog.Warn("stop interrupted worker failed", "meeting_id", rec.MeetingID, "error", err)
				}
			}
			o.failLocked(rec.MeetingID, errors.New("start interrupted by service restart"))
			lock.Unlock()
			n++
		case types.StatusStopping:
			lock := o.locks.get(rec.MeetingID)
			lock.Lock()
			if _, err := o.commitStop(rec.MeetingID, o.stopWorker(ctx, rec.WorkerHandle)); err != nil {
				slog.Warn("finish interrupted stop failed", "meeting_id", rec.MeetingID, "error", err)
			}
			lock.Unlock()
			n++
		}
	}
	if n > 0 {
		slog.Info("recovered interrupted sessions", "count", n)
	}
	return n
}

// StopAll stops every session that has a worker, for a service shutting
// down on a runtime whose workers die with it. It returns how many sessions
// were stopped.
func (o *Orchestrator) StopAll(ctx context.Context) int {
	var stopped atomic.Int64

	var g errgroup.Group
	g.SetLimit(reconcileParallelism)
	for _, rec := range o.ListSessions(types.StatusActive) {
		g.Go(func() error {
			got, err := o.StopSession(ctx, rec.MeetingID)
			switch {
			case err != nil:
				slog.Warn("stop session on shutdown failed", "meeting_id", rec.MeetingID, "error", err)
			case got.Status == types.StatusStopped:
				stopped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if n := stopped.Load(); n > 0 {
		slog.Info("stopped sessions for shutdown", "count", n)
	}
	return int(stopped.Load())
}

// Prune removes terminal sessions that ended more than olderThan ago.
// Their transcripts are kept.
func (o *Orchestrator) Prune(olderThan time.Duration) int {
	cutoff := o.now().Add(-olderThan)
	n := 0
	for _, rec := range o.reg.List() {
		if !rec.Status.IsTerminal() || rec.EndedAt == nil || rec.EndedAt.After(cutoff) {
			continue
		}
		if o.pruneOne(rec) {
			n++
		}
	}
	if n > 0 {
		slog.Info("pruned ended sessions", "count", n)
	}
	return n
}

func (o *Orchestrator) pruneOne(seen *types.SessionRecord) bool {
	lock := o.locks.get(seen.MeetingID)
	lock.Lock()
	defer lock.Unlock()

	// The meeting may have been requested again since the listing.
	cur, err := o.reg.Lookup(seen.MeetingID)
	if err != nil || cur.SessionID != seen.SessionID {
		return false
	}
	return o.reg.Remove(seen.MeetingID) == nil
}
