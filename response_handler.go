package handshaker

import (
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/handshaker/internal/proto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// responseHandler tracks one outbound handshake. A response, a remote error,
// a local failure, a closed channel and the timeout all race to complete it;
// its state guard lets exactly one of them through.
type responseHandler struct {
	h         *Handshaker
	l         log15.Logger
	requestID int64
	node      Node
	listener  Listener
	state     stateGuard

	mu                  sync.Mutex
	done                bool
	timer               clock.Timer
	removeCloseListener func()
}

func newResponseHandler(h *Handshaker, l log15.Logger, requestID int64, node Node, listener Listener) *responseHandler {
	return &responseHandler{
		h:         h,
		l:         l,
		requestID: requestID,
		node:      node,
		listener:  listener,
	}
}

// HandleResponse completes the handshake with the peer's response.
func (rh *responseHandler) HandleResponse(resp *proto.HandshakeResponse) {
	if err := rh.state.transitionTo(handshakeStateResponded); err != nil {
		rh.l.Debug("discarding handshake response", "reason", err)
		return
	}
	rh.cleanup(false)
	if !rh.h.isCompatible(resp.Version) {
		rh.fail(IncompatibleVersion, &IncompatibleVersionError{
			Version:           resp.Version,
			MinimumCompatible: rh.h.minimumCompatible,
		})
		return
	}
	version := proto.MinVersion(rh.h.version, resp.Version)
	rh.l.Info("handshake completed", "peerVersion", resp.Version, "peerRelease", resp.Release, "version", version)
	rh.h.metrics.succeeded()
	rh.listener(version, nil)
}

// HandleException completes the handshake with an error reported by the peer
// or the transport.
func (rh *responseHandler) HandleException(err error) {
	if terr := rh.state.transitionTo(handshakeStateFailedRemote); terr != nil {
		rh.l.Debug("discarding handshake exception", "err", err, "reason", terr)
		return
	}
	rh.cleanup(false)
	rh.fail(RemoteFailure, errors.Wrap(err, "handshake failed"))
}

// handleLocalException fails the handshake if it is still pending. Only the
// caller that removes it from the pending table can complete it.
func (rh *responseHandler) handleLocalException(kind FailureKind, err error) {
	if !rh.h.pending.removeIf(rh.requestID, rh) {
		return
	}
	state := handshakeStateFailedLocal
	if kind == Timeout {
		state = handshakeStateTimedOut
	}
	if terr := rh.state.transitionTo(state); terr != nil {
		rh.l.Debug("discarding local handshake failure", "err", err, "reason", terr)
		return
	}
	// a firing timer must not be stopped from its own callback
	rh.cleanup(kind == Timeout)
	rh.fail(kind, err)
}

func (rh *responseHandler) fail(kind FailureKind, err error) {
	rh.l.Warn("handshake failed", "kind", kind, "err", err)
	rh.h.metrics.failed(kind)
	rh.listener(0, &HandshakeError{
		Kind:      kind,
		Node:      rh.node,
		RequestID: rh.requestID,
		Err:       err,
	})
}

func (rh *responseHandler) setCloseListener(remove func()) {
	rh.mu.Lock()
	if !rh.done {
		rh.removeCloseListener = remove
		rh.mu.Unlock()
		return
	}
	rh.mu.Unlock()
	if remove != nil {
		remove()
	}
}

func (rh *responseHandler) armTimeout(timeout time.Duration) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	if rh.done {
		return
	}
	rh.timer = rh.h.clock.AfterFunc(timeout, func() {
		rh.handleLocalException(Timeout, timeoutError(timeout))
	})
}

// cleanup releases the timer, the close listener and the pending entry. It
// runs once, right after the state guard was won.
func (rh *responseHandler) cleanup(timerFiring bool) {
	rh.mu.Lock()
	rh.done = true
	timer, remove := rh.timer, rh.removeCloseListener
	rh.timer, rh.removeCloseListener = nil, nil
	rh.mu.Unlock()

	if timer != nil && !timerFiring {
		timer.Stop()
	}
	if remove != nil {
		remove()
	}
	rh.h.pending.removeIf(rh.requestID, rh)
}
