package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is an adapter lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Lifecycle is the Stopped -> Starting -> Started -> Stopping -> Stopped
// state machine shared by every adapter. All transitions happen under one
// mutex; Do lets callers run other mutations under the same lock. The
// state itself is readable without the lock.
type Lifecycle struct {
	mu    sync.Mutex
	state atomic.Int32
	name  string
}

// NewLifecycle returns a stopped lifecycle for the named adapter.
func NewLifecycle(name string) *Lifecycle {
	return &Lifecycle{name: name}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

func (l *Lifecycle) set(s State) {
	l.state.Store(int32(s))
}

// Start moves to Started, running fn while Starting. Starting a started
// lifecycle is a no-op. If fn fails the lifecycle returns to Stopped.
func (l *Lifecycle) Start(ctx context.Context, fn func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.State() {
	case StateStarted:
		return nil
	case StateStopped:
	default:
		return l.invalid("start")
	}
	l.set(StateStarting)
	if fn != nil {
		if err := fn(ctx); err != nil {
			l.set(StateStopped)
			return err
		}
	}
	l.set(StateStarted)
	return nil
}

// Stop moves to Stopped, running fn while Stopping. Stopping a stopped
// lifecycle is a no-op. The lifecycle ends Stopped even if fn fails.
func (l *Lifecycle) Stop(ctx context.Context, fn func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.State() {
	case StateStopped:
		return nil
	case StateStarted:
	default:
		return l.invalid("stop")
	}
	l.set(StateStopping)
	var err error
	if fn != nil {
		err = fn(ctx)
	}
	l.set(StateStopped)
	return err
}

// Do runs fn with the lifecycle locked, passing the current state.
func (l *Lifecycle) Do(fn func(State) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.State())
}

// Require returns ErrNotStarted unless the lifecycle is Started.
func (l *Lifecycle) Require(op string) error {
	if s := l.State(); s != StateStarted {
		return &Error{Kind: KindNotStarted, Adapter: l.name, Op: op}
	}
	return nil
}

func (l *Lifecycle) invalid(op string) error {
	return &Error{
		Kind:    KindInvalidState,
		Adapter: l.name,
		Op:      op,
		Err:     fmt.Errorf("adapter is %s", l.State()),
	}
}
