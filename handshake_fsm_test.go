package handshaker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeStateTransitions(t *testing.T) {
	terminal := []handshakeState{
		handshakeStateResponded,
		handshakeStateFailedLocal,
		handshakeStateFailedRemote,
		handshakeStateTimedOut,
	}
	for _, s := range terminal {
		require.NoError(t, handshakeStateInitiated.canTransitionTo(s), "initiated -> %v", s)
		for _, next := range append(terminal, handshakeStateInitiated) {
			require.Error(t, s.canTransitionTo(next), "%v -> %v", s, next)
		}
	}
}

func TestStateGuardSingleWinner(t *testing.T) {
	targets := []handshakeState{
		handshakeStateResponded,
		handshakeStateFailedLocal,
		handshakeStateFailedRemote,
		handshakeStateTimedOut,
	}
	for i := 0; i < 100; i++ {
		var g stateGuard
		var wins int32
		var wg sync.WaitGroup
		for j := 0; j < 16; j++ {
			wg.Add(1)
			go func(target handshakeState) {
				defer wg.Done()
				if g.transitionTo(target) == nil {
					atomic.AddInt32(&wins, 1)
				}
			}(targets[j%len(targets)])
		}
		wg.Wait()
		require.EqualValues(t, 1, wins)
		require.NotEqual(t, handshakeStateInitiated, g.load())
	}
}
