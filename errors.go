package handshaker

import (
	"fmt"
	"time"

	"github.com/ngrok/handshaker/internal/proto"
	"github.com/pkg/errors"
)

var (
	// ErrConnectionReset is the cause of a handshake that was pending when its
	// channel closed.
	ErrConnectionReset = errors.New("handshake failed because connection reset")
	// ErrHandshakeTimeout is the cause of a handshake that saw no response in
	// time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrTransportClosed is returned by a Transport after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// FailureKind classifies why a handshake did not produce a version.
type FailureKind int

const (
	// LocalSendFailure means the request could not be handed to the transport.
	LocalSendFailure FailureKind = iota + 1
	// ConnectionReset means the channel closed while the handshake was pending.
	ConnectionReset
	// Timeout means no response arrived within the configured window.
	Timeout
	// RemoteFailure means the peer or the transport reported an error for the
	// request.
	RemoteFailure
	// IncompatibleVersion means the peer declared a version outside the
	// compatibility envelope.
	IncompatibleVersion
)

func (k FailureKind) String() string {
	switch k {
	case LocalSendFailure:
		return "send_failure"
	case ConnectionReset:
		return "connection_reset"
	case Timeout:
		return "timeout"
	case RemoteFailure:
		return "remote_failure"
	case IncompatibleVersion:
		return "incompatible_version"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// HandshakeError is delivered to a handshake's listener when it fails.
type HandshakeError struct {
	Kind      FailureKind
	Node      Node
	RequestID int64
	Err       error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("[%v] %v", e.Node, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Cause implements the github.com/pkg/errors causer interface.
func (e *HandshakeError) Cause() error { return e.Err }

// IsFailureKind reports whether err is a HandshakeError of the given kind.
func IsFailureKind(err error, kind FailureKind) bool {
	var herr *HandshakeError
	return errors.As(err, &herr) && herr.Kind == kind
}

func timeoutError(timeout time.Duration) error {
	return errors.Wrapf(ErrHandshakeTimeout, "handshake_timeout[%v]", timeout)
}

// IncompatibleVersionError reports a peer version below the minimum the local
// node accepts.
type IncompatibleVersionError struct {
	Version           proto.Version
	MinimumCompatible proto.Version
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("received message from unsupported version: [%v] minimal compatible version is: [%v]",
		e.Version, e.MinimumCompatible)
}

// DesyncError reports that a handshake request was not fully consumed. The
// byte stream of the connection can no longer be trusted after it.
type DesyncError struct {
	RequestID int64
	Action    string
	Remaining int
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("handshake request not fully read for requestId [%d], action [%s], available [%d]; resetting",
		e.RequestID, e.Action, e.Remaining)
}
