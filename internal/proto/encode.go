package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrBadMarker is returned when a message does not start with the
	// expected marker bytes.
	ErrBadMarker = errors.New("protocol error: invalid message marker")
	// ErrMessageTooLarge is returned when a message header announces more
	// bytes than the reader accepts.
	ErrMessageTooLarge = errors.New("protocol error: message too large")
)

// Header is the fixed header at the start of every message.
type Header struct {
	RequestID int64
	Status    byte
	// Version is the handshake version for handshake messages.
	Version Version
}

// IsHandshake reports whether the message belongs to a handshake.
func (h Header) IsHandshake() bool {
	return h.Status&StatusHandshake != 0
}

// IsRequest reports whether the message is a request.
func (h Header) IsRequest() bool {
	return h.Status&StatusResponse == 0
}

// IsError reports whether the message is an error response.
func (h Header) IsError() bool {
	return h.Status&StatusError != 0
}

func (h Header) String() string {
	return fmt.Sprintf("Header(requestID=%d,status=%#02x,version=%v)", h.RequestID, h.Status, h.Version)
}

// Message is a header together with its undecoded body.
type Message struct {
	Header Header
	Body   []byte
}

// Reader returns a Reader over the message body carrying the header version.
func (m *Message) Reader() *Reader {
	return NewReader(m.Body, m.Header.Version)
}

// WriteMessage writes a fixed header followed by body to dst as a single
// write.
func WriteMessage(dst io.Writer, h Header, body []byte) error {
	buf := make([]byte, headerLen, headerLen+len(body))
	buf[0] = markerByte0
	buf[1] = markerByte1
	binary.BigEndian.PutUint32(buf[2:6], uint32(sizedHeaderLen+len(body)))
	binary.BigEndian.PutUint64(buf[6:14], uint64(h.RequestID))
	buf[14] = h.Status
	binary.BigEndian.PutUint32(buf[15:19], uint32(h.Version))
	buf = append(buf, body...)
	if _, err := dst.Write(buf); err != nil {
		return errors.Wrap(err, "could not write message")
	}
	return nil
}

// ReadMessage reads one message from src. maxSize bounds the announced length;
// zero means no bound. A clean end of stream before the first byte is reported
// as io.EOF.
func ReadMessage(src io.Reader, maxSize int) (*Message, error) {
	var fixed [headerLen]byte
	if _, err := io.ReadFull(src, fixed[:2]); err != nil {
		return nil, err
	}
	if fixed[0] != markerByte0 || fixed[1] != markerByte1 {
		return nil, errors.Wrapf(ErrBadMarker, "got %#x", fixed[:2])
	}
	if _, err := io.ReadFull(src, fixed[2:]); err != nil {
		return nil, errors.Wrap(noEOF(err), "protocol error: could not read message header")
	}
	length := int64(binary.BigEndian.Uint32(fixed[2:6]))
	if length < sizedHeaderLen {
		return nil, errors.Errorf("protocol error: message length %d shorter than header", length)
	}
	if maxSize > 0 && length-sizedHeaderLen > int64(maxSize) {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes, limit %d", length-sizedHeaderLen, maxSize)
	}
	msg := &Message{
		Header: Header{
			RequestID: int64(binary.BigEndian.Uint64(fixed[6:14])),
			Status:    fixed[14],
			Version:   Version(int32(binary.BigEndian.Uint32(fixed[15:19]))),
		},
		Body: make([]byte, length-sizedHeaderLen),
	}
	if n, err := io.ReadFull(src, msg.Body); err != nil {
		return nil, errors.Wrapf(noEOF(err), "unable to read expected message body (expected %v, got %v)", len(msg.Body), n)
	}
	return msg, nil
}

// EncodeRequestMessage returns a complete handshake request message in the
// layout of the given handshake version.
func EncodeRequestMessage(requestID int64, version Version, req *HandshakeRequest) ([]byte, error) {
	w := NewWriter(version)
	if err := EncodeRequest(w, req); err != nil {
		return nil, err
	}
	return frame(Header{RequestID: requestID, Status: StatusHandshake, Version: version}, w)
}

// EncodeResponseMessage returns a complete handshake response message in the
// layout of the given handshake version.
func EncodeResponseMessage(requestID int64, version Version, resp *HandshakeResponse) ([]byte, error) {
	w := NewWriter(version)
	if err := EncodeResponse(w, resp); err != nil {
		return nil, err
	}
	return frame(Header{RequestID: requestID, Status: StatusHandshake | StatusResponse, Version: version}, w)
}

// EncodeErrorMessage returns a complete handshake error response.
func EncodeErrorMessage(requestID int64, version Version, msg string) ([]byte, error) {
	w := NewWriter(version)
	if err := EncodeError(w, msg); err != nil {
		return nil, err
	}
	return frame(Header{RequestID: requestID, Status: StatusHandshake | StatusResponse | StatusError, Version: version}, w)
}

func frame(h Header, w *Writer) ([]byte, error) {
	var out bytes.Buffer
	if err := WriteMessage(&out, h, w.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
