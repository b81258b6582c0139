// Package node holds the life cycle shared by Servers and Clusters: a
// small state machine and the upward link that connects, registers and
// reconnects to the parent.
package node

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/tessera/internal/logging"
)

// State is a node's position in its life cycle.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateRegistering  State = "REGISTERING"
	StateActive       State = "ACTIVE"
	StateDraining     State = "DRAINING"
)

// transitions lists the legal next states for each state.
//
//	DISCONNECTED -> CONNECTING -> REGISTERING -> ACTIVE -> DRAINING -> DISCONNECTED
//	                    ^             |             |
//	                    +-------------+-------------+   (timeout, reject, drop)
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateDraining},
	StateConnecting:   {StateRegistering, StateDisconnected, StateDraining},
	StateRegistering:  {StateActive, StateConnecting, StateDisconnected, StateDraining},
	StateActive:       {StateConnecting, StateDraining},
	StateDraining:     {StateDisconnected},
}

// Lifecycle is a thread-safe state machine that refuses illegal moves.
type Lifecycle struct {
	mu     sync.Mutex
	state  State
	logger *zap.Logger
}

// NewLifecycle starts in DISCONNECTED.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{state: StateDisconnected, logger: logging.OrNop(logger)}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition moves to next. Staying in the same state is not a transition
// and is refused like any other illegal move.
func (l *Lifecycle) Transition(next State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, allowed := range transitions[l.state] {
		if allowed == next {
			l.logger.Debug("state change", zap.String("from", string(l.state)), zap.String("to", string(next)))
			l.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", l.state, next)
}

// Is reports whether the current state is s.
func (l *Lifecycle) Is(s State) bool {
	return l.State() == s
}
