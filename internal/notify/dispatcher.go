package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/meetbot/internal/retry"
	"github.com/user/meetbot/internal/types"
)

const laneBuffer = 32

// Dispatcher queues notifications in one FIFO lane per meeting so a
// meeting's notifications arrive in order, while a global semaphore bounds
// how many deliveries run at once. Each target is retried on its own.
type Dispatcher struct {
	targets   *Registry
	policy    *retry.Policy
	lanes     map[types.MeetingID]chan types.Notification
	semaphore *semaphore.Weighted
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDispatcher creates a Dispatcher delivering to targets with up to
// maxConcurrent deliveries in flight.
func NewDispatcher(targets *Registry, policy *retry.Policy, maxConcurrent int64) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if policy == nil {
		policy = retry.Default()
	}
	return &Dispatcher{
		targets:   targets,
		policy:    policy,
		lanes:     make(map[types.MeetingID]chan types.Notification),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the dispatcher's context. Notifications sent before
// Start are dropped.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// Stop cancels pending deliveries, closes all lanes and waits for the lane
// goroutines to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	for id, lane := range d.lanes {
		close(lane)
		delete(d.lanes, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Notify implements types.Notifier. It never blocks; a notification that
// does not fit in its meeting's lane is dropped.
func (d *Dispatcher) Notify(n types.Notification) {
	if d.targets.Len() == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil || d.ctx.Err() != nil {
		slog.Warn("notifier not running, dropping notification", "meeting_id", n.MeetingID, "status", n.Status)
		return
	}

	lane, exists := d.lanes[n.MeetingID]
	if !exists {
		lane = make(chan types.Notification, laneBuffer)
		d.lanes[n.MeetingID] = lane
		d.wg.Add(1)
		go d.processLane(n.MeetingID, lane)
	}

	select {
	case lane <- n:
	default:
		slog.Warn("notification lane full, dropping", "meeting_id", n.MeetingID, "status", n.Status)
	}
}

// processLane drains one meeting's lane and exits once it is empty, so
// idle meetings hold no goroutine.
func (d *Dispatcher) processLane(id types.MeetingID, lane chan types.Notification) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(lane) == 0 {
			if d.lanes[id] == lane {
				delete(d.lanes, id)
			}
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		n, ok := <-lane
		if !ok {
			return
		}
		if err := d.semaphore.Acquire(d.ctx, 1); err != nil {
			return
		}
		d.active.Add(1)
		d.deliver(n)
		d.active.Add(-1)
		d.semaphore.Release(1)
	}
}

func (d *Dispatcher) deliver(n types.Notification) {
	for _, name := range d.targets.Names() {
		err := d.policy.Do(d.ctx, func(ctx context.Context) error {
			return d.targets.Deliver(ctx, name, n)
		})
		if err != nil {
			slog.Error("notification delivery failed", "target", name, "meeting_id", n.MeetingID, "status", n.Status, "error", err)
			continue
		}
		slog.Debug("notification delivered", "target", name, "meeting_id", n.MeetingID, "status", n.Status)
	}
}

// WaitIdle blocks until every queued notification has been handled or the
// timeout expires. Returns true if idle.
func (d *Dispatcher) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		d.mu.Lock()
		pending := len(d.lanes)
		d.mu.Unlock()
		if pending == 0 && d.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
