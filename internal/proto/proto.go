package proto

import (
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedHandshakeVersion is returned when a message header names
	// a handshake version outside the three known layouts.
	ErrUnsupportedHandshakeVersion = errors.New("unsupported handshake version")
	// ErrUnexpectedAction is returned when a handshake request names an action
	// other than HandshakeActionName.
	ErrUnexpectedAction = errors.New("unexpected action in handshake request")
)

// HandshakeRequest carries the requesting node's versions. The responding node
// reads it only to consume the payload.
type HandshakeRequest struct {
	// Version is the real protocol version of the requesting node.
	Version Version
	// Release is the release identifier of the requesting node, for better
	// reporting of handshake failures.
	Release string

	versioned bool
}

// NewHandshakeRequest builds a request for an outbound handshake.
func NewHandshakeRequest(version Version, release string) *HandshakeRequest {
	return &HandshakeRequest{Version: version, Release: release, versioned: true}
}

// Versioned reports whether the request carried a payload at all. Peers that
// predate versioned handshakes send none.
func (r *HandshakeRequest) Versioned() bool {
	return r.versioned
}

// HandshakeResponse carries the responding node's versions.
type HandshakeResponse struct {
	// Version is the real protocol version of the responding node.
	Version Version
	// Release is the release identifier of the responding node.
	Release string
}

// eraCodec holds the layout rules that differ between handshake versions.
type eraCodec struct {
	writeRequestHeader  func(w *Writer)
	readRequestHeader   func(r *Reader) error
	writeResponseHeader func(w *Writer)
	readResponseHeader  func(r *Reader) error
}

var eraCodecs = map[Version]eraCodec{
	HandshakeVersionLegacyA: {
		writeRequestHeader:  writeRequestVariableHeader,
		readRequestHeader:   readRequestVariableHeader,
		writeResponseHeader: writeResponseVariableHeader,
		readResponseHeader:  readResponseVariableHeader,
	},
	HandshakeVersionLegacyB: {
		writeRequestHeader:  sized(writeRequestVariableHeader),
		readRequestHeader:   readSized(readRequestVariableHeader),
		writeResponseHeader: sized(writeResponseVariableHeader),
		readResponseHeader:  readSized(readResponseVariableHeader),
	},
	HandshakeVersionCurrent: {
		writeRequestHeader:  sized(writeRequestVariableHeader),
		readRequestHeader:   readSized(readRequestVariableHeader),
		writeResponseHeader: sized(writeResponseVariableHeader),
		readResponseHeader:  readSized(readResponseVariableHeader),
	},
}

func codecFor(v Version) (eraCodec, error) {
	c, ok := eraCodecs[v]
	if !ok {
		return eraCodec{}, errors.Wrapf(ErrUnsupportedHandshakeVersion, "[%v]", v)
	}
	return c, nil
}

// carriesRelease reports whether messages of handshake version v include the
// release identifier.
func carriesRelease(v Version) bool {
	return v.OnOrAfter(HandshakeVersionCurrent)
}

// EncodeRequest writes req in the layout of w's handshake version.
func EncodeRequest(w *Writer, req *HandshakeRequest) error {
	codec, err := codecFor(w.Version())
	if err != nil {
		return err
	}
	codec.writeRequestHeader(w)
	// empty parent task id
	w.WriteString("")

	inner := NewWriter(w.Version())
	inner.WriteVInt(int32(req.Version))
	if carriesRelease(w.Version()) {
		inner.WriteString(req.Release)
	} // older layouts rely on a best-effort mapping from version to release
	w.WriteBytes(inner.Bytes())
	return nil
}

// DecodeRequest reads a request in the layout of r's handshake version. It
// does not check that r is exhausted afterwards; that is up to the caller.
func DecodeRequest(r *Reader) (*HandshakeRequest, error) {
	codec, err := codecFor(r.Version())
	if err != nil {
		return nil, err
	}
	if r.Remaining() == 0 {
		return &HandshakeRequest{}, nil
	}
	if err := codec.readRequestHeader(r); err != nil {
		return nil, errors.Wrap(noEOF(err), "could not read handshake request header")
	}
	if err := skipParentTaskID(r); err != nil {
		return nil, errors.Wrap(noEOF(err), "could not read parent task id")
	}

	payload, err := r.ReadSliced()
	if err == io.EOF {
		// the peer predates versioned handshake requests
		return &HandshakeRequest{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read handshake request payload")
	}

	req := &HandshakeRequest{versioned: true}
	v, err := payload.ReadVInt()
	if err != nil {
		return nil, errors.Wrap(noEOF(err), "could not read requester version")
	}
	req.Version = Version(v)
	if carriesRelease(r.Version()) {
		if req.Release, err = payload.ReadString(); err != nil {
			return nil, errors.Wrap(noEOF(err), "could not read requester release")
		}
	} else {
		req.Release = req.Version.ReleaseVersion()
	}
	return req, nil
}

// EncodeResponse writes resp in the layout of w's handshake version.
func EncodeResponse(w *Writer, resp *HandshakeResponse) error {
	codec, err := codecFor(w.Version())
	if err != nil {
		return err
	}
	codec.writeResponseHeader(w)
	w.WriteVInt(int32(resp.Version))
	if carriesRelease(w.Version()) {
		w.WriteString(resp.Release)
	}
	return nil
}

// DecodeResponse reads a response in the layout of r's handshake version.
func DecodeResponse(r *Reader) (*HandshakeResponse, error) {
	codec, err := codecFor(r.Version())
	if err != nil {
		return nil, err
	}
	if err := codec.readResponseHeader(r); err != nil {
		return nil, errors.Wrap(noEOF(err), "could not read handshake response header")
	}
	v, err := r.ReadVInt()
	if err != nil {
		return nil, errors.Wrap(noEOF(err), "could not read responder version")
	}
	resp := &HandshakeResponse{Version: Version(v)}
	if carriesRelease(r.Version()) {
		if resp.Release, err = r.ReadString(); err != nil {
			return nil, errors.Wrap(noEOF(err), "could not read responder release")
		}
	} else {
		resp.Release = resp.Version.ReleaseVersion()
	}
	return resp, nil
}

// EncodeError writes an error response carrying msg in the layout of w's
// handshake version.
func EncodeError(w *Writer, msg string) error {
	codec, err := codecFor(w.Version())
	if err != nil {
		return err
	}
	codec.writeResponseHeader(w)
	w.WriteString(msg)
	return nil
}

// DecodeError reads the message of an error response.
func DecodeError(r *Reader) (string, error) {
	codec, err := codecFor(r.Version())
	if err != nil {
		return "", err
	}
	if err := codec.readResponseHeader(r); err != nil {
		return "", errors.Wrap(noEOF(err), "could not read error response header")
	}
	msg, err := r.ReadString()
	if err != nil {
		return "", errors.Wrap(noEOF(err), "could not read error message")
	}
	return msg, nil
}

// writeRequestVariableHeader writes empty thread context headers, no feature
// names and the handshake action.
func writeRequestVariableHeader(w *Writer) {
	writeResponseVariableHeader(w)
	w.WriteStringList(nil)
	w.WriteString(HandshakeActionName)
}

func readRequestVariableHeader(r *Reader) error {
	if err := readResponseVariableHeader(r); err != nil {
		return err
	}
	// feature names can safely be ignored
	if _, err := r.ReadStringList(); err != nil {
		return err
	}
	action, err := r.ReadString()
	if err != nil {
		return err
	}
	if action != HandshakeActionName {
		return errors.Wrapf(ErrUnexpectedAction, "[%s]", action)
	}
	return nil
}

// writeResponseVariableHeader writes empty request and response thread
// context headers.
func writeResponseVariableHeader(w *Writer) {
	w.WriteVInt(0)
	w.WriteVInt(0)
}

func readResponseVariableHeader(r *Reader) error {
	// request headers: count, then key/value pairs
	n, err := r.readCount()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := r.ReadString(); err != nil {
			return noEOF(err)
		}
		if _, err := r.ReadString(); err != nil {
			return noEOF(err)
		}
	}
	// response headers: count, then key/values pairs
	if n, err = r.readCount(); err != nil {
		return noEOF(err)
	}
	for i := 0; i < n; i++ {
		if _, err := r.ReadString(); err != nil {
			return noEOF(err)
		}
		if _, err := r.ReadStringList(); err != nil {
			return noEOF(err)
		}
	}
	return nil
}

// sized wraps a variable header writer so that its output is prefixed with an
// int32 length.
func sized(write func(w *Writer)) func(w *Writer) {
	return func(w *Writer) {
		inner := NewWriter(w.Version())
		write(inner)
		w.WriteInt32(int32(inner.Len()))
		w.WriteRaw(inner.Bytes())
	}
}

func readSized(read func(r *Reader) error) func(r *Reader) error {
	return func(r *Reader) error {
		inner, err := r.readFixedSlice()
		if err != nil {
			return err
		}
		return read(inner)
	}
}

// skipParentTaskID consumes a parent task id, which is an empty node id for
// handshakes but may be followed by a task number otherwise.
func skipParentTaskID(r *Reader) error {
	nodeID, err := r.ReadString()
	if err != nil {
		return err
	}
	if nodeID != "" {
		_, err = r.ReadInt64()
	}
	return err
}
