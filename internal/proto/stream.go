package proto

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// maxVIntLen is the longest encoding of a 32 bit vint.
const maxVIntLen = 5

var (
	// ErrVIntOverflow is returned when a vint does not fit in 32 bits.
	ErrVIntOverflow = errors.New("protocol error: vint overflows 32 bits")
	// ErrNegativeLength is returned when a length prefix is negative.
	ErrNegativeLength = errors.New("protocol error: negative length")
)

// Writer accumulates the body of a message. It remembers the handshake
// version of the message it belongs to so that encoders can pick the right
// layout.
type Writer struct {
	buf     bytes.Buffer
	version Version
}

// NewWriter returns an empty Writer for a message of the given handshake
// version.
func NewWriter(version Version) *Writer {
	return &Writer{version: version}
}

// Version returns the handshake version of the message being written.
func (w *Writer) Version() Version {
	return w.version
}

// WriteByte appends a single byte.
func (w *Writer) WriteByte(b byte) error {
	return w.buf.WriteByte(b)
}

// WriteVInt appends v as an unsigned LEB128 integer of at most five bytes.
func (w *Writer) WriteVInt(v int32) {
	var scratch [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(scratch[:], uint64(uint32(v)))
	w.buf.Write(scratch[:n])
}

// WriteInt32 appends v in big-endian order.
func (w *Writer) WriteInt32(v int32) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(v))
	w.buf.Write(scratch[:])
}

// WriteInt64 appends v in big-endian order.
func (w *Writer) WriteInt64(v int64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(v))
	w.buf.Write(scratch[:])
}

// WriteString appends s prefixed with its byte length as a vint.
func (w *Writer) WriteString(s string) {
	w.WriteVInt(int32(len(s)))
	w.buf.WriteString(s)
}

// WriteStringList appends a vint count followed by each string.
func (w *Writer) WriteStringList(list []string) {
	w.WriteVInt(int32(len(list)))
	for _, s := range list {
		w.WriteString(s)
	}
}

// WriteBytes appends b prefixed with its length as a vint.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteVInt(int32(len(b)))
	w.buf.Write(b)
}

// WriteRaw appends b without a length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.buf.Write(b)
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Reader consumes the body of a message. Like Writer it carries the handshake
// version of the enclosing message, and sliced sub-readers inherit it.
type Reader struct {
	r       *bytes.Reader
	version Version
}

// NewReader returns a Reader over data for a message of the given handshake
// version.
func NewReader(data []byte, version Version) *Reader {
	return &Reader{r: bytes.NewReader(data), version: version}
}

// Version returns the handshake version of the message being read.
func (r *Reader) Version() Version {
	return r.version
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return r.r.Len()
}

// ReadByte reads a single byte. It returns io.EOF if nothing is left.
func (r *Reader) ReadByte() (byte, error) {
	return r.r.ReadByte()
}

// ReadVInt reads an unsigned LEB128 integer of at most five bytes. It returns
// io.EOF if the reader was already exhausted and io.ErrUnexpectedEOF if the
// value was cut short.
func (r *Reader) ReadVInt() (int32, error) {
	var v uint32
	for i := 0; i < maxVIntLen; i++ {
		b, err := r.r.ReadByte()
		if err != nil {
			if i > 0 {
				return 0, noEOF(err)
			}
			return 0, err
		}
		if i == maxVIntLen-1 {
			// the last byte holds the top four bits and must end the value
			if b&0x80 != 0 || b > 0x0f {
				return 0, ErrVIntOverflow
			}
		}
		v |= uint32(b&0x7f) << (7 * uint(i))
		if b&0x80 == 0 {
			break
		}
	}
	return int32(v), nil
}

// ReadInt32 reads a big-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	var scratch [4]byte
	if _, err := io.ReadFull(r.r, scratch[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(scratch[:])), nil
}

// ReadInt64 reads a big-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	var scratch [8]byte
	if _, err := io.ReadFull(r.r, scratch[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(scratch[:])), nil
}

// ReadString reads a vint-length-prefixed string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadStringList reads a vint count followed by that many strings.
func (r *Reader) ReadStringList() ([]string, error) {
	n, err := r.readCount()
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, noEOF(err)
		}
		list = append(list, s)
	}
	return list, nil
}

// ReadBytes reads a vint-length-prefixed block of bytes. It returns io.EOF
// only if the reader was exhausted before the length prefix; a block cut short
// yields io.ErrUnexpectedEOF.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	if n > r.r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, noEOF(err)
	}
	return b, nil
}

// ReadSliced reads a vint-length-prefixed block and returns a Reader over it
// that shares this reader's handshake version.
func (r *Reader) ReadSliced() (*Reader, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	return NewReader(b, r.version), nil
}

// readFixedSlice reads an int32-length-prefixed block into a sub-reader.
func (r *Reader) readFixedSlice() (*Reader, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, ErrNegativeLength
	}
	if int(n) > r.r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, noEOF(err)
	}
	return NewReader(b, r.version), nil
}

func (r *Reader) readLength() (int, error) {
	n, err := r.ReadVInt()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrNegativeLength
	}
	return int(n), nil
}

// readCount reads the number of entries of a list. Every entry takes at least
// one byte, so a count beyond the unread bytes cannot be satisfied and is
// rejected before anything is allocated for it.
func (r *Reader) readCount() (int, error) {
	n, err := r.readLength()
	if err != nil {
		return 0, err
	}
	if n > r.r.Len() {
		return 0, io.ErrUnexpectedEOF
	}
	return n, nil
}

// noEOF turns a bare io.EOF into io.ErrUnexpectedEOF for reads that had
// already started.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
