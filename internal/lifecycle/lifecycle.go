// Package lifecycle tracks process shutdown and runs registered cleanup in reverse order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Hook is a named cleanup step.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Lifecycle owns the shutting-down flag reported by /health and the shutdown hooks.
type Lifecycle struct {
	shuttingDown atomic.Bool

	mu    sync.Mutex
	hooks []Hook
}

func New() *Lifecycle {
	return &Lifecycle{}
}

// IsShuttingDown is true once Shutdown has started. Health reports 503 while it is.
func (l *Lifecycle) IsShuttingDown() bool {
	return l.shuttingDown.Load()
}

// OnShutdown registers fn. Hooks run last-registered first, so register in startup order.
func (l *Lifecycle) OnShutdown(name string, fn func(ctx context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, Hook{Name: name, Fn: fn})
}

// Shutdown flips the flag and runs every hook, even after failures, until ctx expires.
// Errors are joined and labelled with the hook name.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.shuttingDown.Store(true)

	l.mu.Lock()
	hooks := make([]Hook, len(l.hooks))
	copy(hooks, l.hooks)
	l.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", hooks[i].Name, err))
			continue
		}
		if err := hooks[i].Fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", hooks[i].Name, err))
		}
	}
	return errors.Join(errs...)
}
