// Package notify delivers session lifecycle notifications to external
// targets such as a Telegram chat or an HTTP webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/user/meetbot/internal/types"
)

// Sender delivers a notification to one target.
type Sender interface {
	Send(ctx context.Context, n types.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n types.Notification) error

func (f SenderFunc) Send(ctx context.Context, n types.Notification) error { return f(ctx, n) }

// Registry holds the configured targets by name.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRegistry creates an empty target registry.
func NewRegistry() *Registry {
	return &Registry{
		senders: make(map[string]Sender),
	}
}

// Register adds or replaces the target called name.
func (r *Registry) Register(name string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[name] = s
}

// Names returns the registered target names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.senders)
}

// Deliver sends n to the named target.
func (r *Registry) Deliver(ctx context.Context, name string, n types.Notification) error {
	r.mu.RLock()
	s, ok := r.senders[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no notification target named %q", name)
	}
	return s.Send(ctx, n)
}

// Broadcast sends n to every target and joins their errors.
func (r *Registry) Broadcast(ctx context.Context, n types.Notification) error {
	var errs []error
	for _, name := range r.Names() {
		if err := r.Deliver(ctx, name, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
