// Package instance implements the per-instance control view and state
// machine: transition enforcement, CAS-against-store
// semantics with owner arbitration, and per-instance cancellation.
package instance

import (
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// subscription is a one-shot watcher: fires the first time the state
// machine reaches any state in want, then removes itself.
type subscription struct {
	want []wire.InstanceState
	c    chan wire.InstanceInfo
}

func (s subscription) matches(state wire.InstanceState) bool {
	for _, w := range s.want {
		if w == state {
			return true
		}
	}
	return false
}

// stateMachine is owned exclusively by the ControlView actor goroutine;
// it carries no locking of its own.
type stateMachine struct {
	info    wire.InstanceInfo
	owner   string
	subs    []subscription
	cancel  chan struct{}
	canceled bool
	notified bool // creator-notified-exactly-once
}

func newStateMachine(info wire.InstanceInfo) *stateMachine {
	info.Status.StateCode = wire.StateNew
	return &stateMachine{
		info:   info,
		owner:  info.FunctionProxyID,
		cancel: make(chan struct{}),
	}
}

// cancelFuture returns the one-shot cancel channel; closed exactly once.
func (sm *stateMachine) cancelFuture() <-chan struct{} { return sm.cancel }

func (sm *stateMachine) doCancel() {
	if !sm.canceled {
		sm.canceled = true
		close(sm.cancel)
	}
}

func (sm *stateMachine) fire(state wire.InstanceState) {
	remaining := sm.subs[:0]
	for _, s := range sm.subs {
		if s.matches(state) {
			s.c <- sm.info
			close(s.c)
			continue
		}
		remaining = append(remaining, s)
	}
	sm.subs = remaining
}

func (sm *stateMachine) subscribe(states []wire.InstanceState) <-chan wire.InstanceInfo {
	c := make(chan wire.InstanceInfo, 1)
	if sm.info.Status.StateCode != wire.StateNew {
		for _, s := range states {
			if s == sm.info.Status.StateCode {
				c <- sm.info
				close(c)
				return c
			}
		}
	}
	sm.subs = append(sm.subs, subscription{want: states, c: c})
	return c
}
