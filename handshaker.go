package handshaker

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/handshaker/internal/proto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

/*
The transport-level handshake allows the node that opened a connection to
determine the newest protocol version with which it can communicate with the
remote node. Each node sends its maximum acceptable protocol version to the
other, but the responding node ignores the body of the request. After the
handshake, both sides use min(local, remote) for all later messages.

The handshake message itself is written in one of three frozen layouts, see
package proto. This node always initiates with proto.HandshakeVersionCurrent
but answers any of the three.
*/

// Node identifies the remote end of a connection.
type Node struct {
	ID      string
	Address string
}

func (n Node) String() string {
	if n.ID == "" {
		return n.Address
	}
	return fmt.Sprintf("{%s}{%s}", n.ID, n.Address)
}

// Channel is a connection a handshake runs over.
type Channel interface {
	// AddCloseListener registers fn to run once the channel closes. If the
	// channel is already closed fn runs before AddCloseListener returns. The
	// returned function unregisters fn.
	AddCloseListener(fn func()) (remove func())
}

// ResponseChannel sends the response to an inbound handshake request.
type ResponseChannel interface {
	SendResponse(resp *proto.HandshakeResponse) error
}

// RequestSender transmits handshake requests on behalf of a Handshaker.
type RequestSender interface {
	// SendRequest writes req to ch using the layout of the given handshake
	// version, tagged with requestID so the response can be matched up.
	SendRequest(node Node, ch Channel, requestID int64, req *proto.HandshakeRequest, handshakeVersion proto.Version) error
}

// RequestSenderFunc adapts a function to a RequestSender.
type RequestSenderFunc func(node Node, ch Channel, requestID int64, req *proto.HandshakeRequest, handshakeVersion proto.Version) error

// SendRequest calls f.
func (f RequestSenderFunc) SendRequest(node Node, ch Channel, requestID int64, req *proto.HandshakeRequest, handshakeVersion proto.Version) error {
	return f(node, ch, requestID, req, handshakeVersion)
}

// Listener receives the outcome of a handshake: the negotiated version, or an
// error. It is called exactly once per handshake.
type Listener func(version proto.Version, err error)

// ResponseHandler completes a pending handshake when its response, or an
// error in its place, arrives.
type ResponseHandler interface {
	HandleResponse(resp *proto.HandshakeResponse)
	HandleException(err error)
}

// Handshaker sends and receives transport-level connection handshakes. It
// sends the initial handshake, manages state and timeouts while the handshake
// is in transit, and handles the eventual response.
type Handshaker struct {
	version proto.Version
	release string

	minimumCompatible           proto.Version
	ignoreDeserializationErrors bool

	sender  RequestSender
	clock   clock.WithDelayedExecution
	l       log15.Logger
	metrics *metrics

	pending       *pendingTable
	numHandshakes atomic.Int64
}

// New constructs a Handshaker for a node speaking the given real protocol
// version and release. Requests are transmitted through sender.
func New(version proto.Version, release string, sender RequestSender, opts ...Option) *Handshaker {
	return newHandshaker(version, release, sender, buildOptions(opts))
}

func newHandshaker(version proto.Version, release string, sender RequestSender, o *options) *Handshaker {
	h := &Handshaker{
		version:                     version,
		release:                     release,
		minimumCompatible:           o.minimumCompatible,
		ignoreDeserializationErrors: o.ignoreDeserializationErrors,
		sender:                      sender,
		clock:                       o.clock,
		l:                           o.l,
		pending:                     newPendingTable(),
	}
	h.metrics = newMetrics(o.registerer, func() float64 {
		return float64(h.NumPendingHandshakes())
	})
	return h
}

// Version returns the real protocol version of the local node.
func (h *Handshaker) Version() proto.Version {
	return h.version
}

// SendHandshake starts a handshake with node over ch. The listener is called
// exactly once, with min(local, remote) on success, or with a *HandshakeError.
func (h *Handshaker) SendHandshake(requestID int64, node Node, ch Channel, timeout time.Duration, listener Listener) {
	h.numHandshakes.Add(1)
	h.metrics.handshakes.Inc()
	l := h.l.New("node", node, "requestID", requestID)

	handler := newResponseHandler(h, l, requestID, node, listener)
	if err := h.pending.add(requestID, handler); err != nil {
		panic(fmt.Sprintf("BUG: %v", err))
	}
	handler.setCloseListener(ch.AddCloseListener(func() {
		handler.handleLocalException(ConnectionReset, ErrConnectionReset)
	}))

	l.Debug("sending handshake", "handshakeVersion", proto.HandshakeVersionCurrent)
	req := proto.NewHandshakeRequest(h.version, h.release)
	if err := h.sender.SendRequest(node, ch, requestID, req, proto.HandshakeVersionCurrent); err != nil {
		handler.handleLocalException(LocalSendFailure, errors.Wrapf(err, "failure to send %s", proto.HandshakeActionName))
		if removed := h.pending.remove(requestID); removed != nil {
			panic("BUG: handshake should not be pending if sending failed")
		}
		return
	}
	handler.armTimeout(timeout)
}

// HandleHandshake answers an inbound handshake request read from r. The
// request must consume r entirely; leftover bytes mean the stream is out of
// sync and yield a *DesyncError.
func (h *Handshaker) HandleHandshake(ch ResponseChannel, requestID int64, r *proto.Reader) error {
	l := h.l.New("requestID", requestID, "handshakeVersion", r.Version())
	// Must read the handshake request to exhaust the stream
	req, err := proto.DecodeRequest(r)
	if err != nil {
		if !h.ignoreDeserializationErrors {
			return errors.Wrap(err, "could not decode handshake request")
		}
		l.Warn("ignoring malformed handshake request", "err", err)
	} else if req.Versioned() {
		l.Debug("received handshake", "peerVersion", req.Version, "peerRelease", req.Release)
	} else {
		l.Debug("received handshake without version")
	}
	if remaining := r.Remaining(); err == nil && remaining > 0 {
		desync := &DesyncError{
			RequestID: requestID,
			Action:    proto.HandshakeActionName,
			Remaining: remaining,
		}
		if !h.ignoreDeserializationErrors {
			return desync
		}
		l.Warn("ignoring trailing bytes after handshake request", "err", desync)
	}
	return ch.SendResponse(&proto.HandshakeResponse{Version: h.version, Release: h.release})
}

// RemoveHandlerForHandshake removes and returns the handler of a pending
// handshake, or nil if requestID is not pending.
func (h *Handshaker) RemoveHandlerForHandshake(requestID int64) ResponseHandler {
	if handler := h.pending.remove(requestID); handler != nil {
		return handler
	}
	return nil
}

// NumPendingHandshakes returns the number of handshakes awaiting completion.
func (h *Handshaker) NumPendingHandshakes() int {
	return h.pending.size()
}

// NumHandshakes returns the number of handshakes ever started.
func (h *Handshaker) NumHandshakes() int64 {
	return h.numHandshakes.Load()
}

// isCompatible reports whether a peer of version v may be talked to.
func (h *Handshaker) isCompatible(v proto.Version) bool {
	return v.OnOrAfter(h.minimumCompatible)
}
