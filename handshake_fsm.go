package handshaker

import (
	"fmt"
	"sync/atomic"
)

// handshakeState represents a small finite state machine. It has the following transitions:
// Initiated → Responded
// Initiated → FailedLocal
// Initiated → FailedRemote
// Initiated → TimedOut
//
// Every state other than Initiated is terminal, so a handshake completes
// exactly once.
type handshakeState int32

const (
	// Initiated is the state of a handshake whose request may be in flight.
	handshakeStateInitiated handshakeState = iota
	// Responded is the state of a handshake whose peer answered, whether or not
	// the answer was compatible.
	handshakeStateResponded
	// FailedLocal is the state of a handshake that failed to send or whose
	// connection closed.
	handshakeStateFailedLocal
	// FailedRemote is the state of a handshake for which the peer or the
	// transport reported an error.
	handshakeStateFailedRemote
	// TimedOut is the state of a handshake that saw no answer in time.
	handshakeStateTimedOut
)

var validTransitions = map[handshakeState][]handshakeState{
	handshakeStateInitiated: {
		handshakeStateResponded,
		handshakeStateFailedLocal,
		handshakeStateFailedRemote,
		handshakeStateTimedOut,
	},
}

func (s handshakeState) String() string {
	switch s {
	case handshakeStateInitiated:
		return "initiated"
	case handshakeStateResponded:
		return "responded"
	case handshakeStateFailedLocal:
		return "failed-local"
	case handshakeStateFailedRemote:
		return "failed-remote"
	case handshakeStateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("handshakeState(%d)", int32(s))
	}
}

func (s handshakeState) canTransitionTo(state handshakeState) error {
	for _, target := range validTransitions[s] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", s, state)
}

// stateGuard holds a handshakeState that concurrent callers race to advance.
type stateGuard struct {
	v atomic.Int32
}

func (g *stateGuard) load() handshakeState {
	return handshakeState(g.v.Load())
}

// transitionTo moves the guard to state if that is a valid transition from the
// current state. Exactly one of several racing callers wins; it returns nil
// and every other caller gets an error.
func (g *stateGuard) transitionTo(state handshakeState) error {
	for {
		cur := g.load()
		if err := cur.canTransitionTo(state); err != nil {
			return err
		}
		if g.v.CompareAndSwap(int32(cur), int32(state)) {
			return nil
		}
	}
}
