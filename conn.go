package handshaker

import (
	"bufio"
	"net"
	"sync"

	"github.com/ngrok/handshaker/internal/proto"
)

// Conn is a connection managed by a Transport. It implements Channel.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	node Node

	writeMu sync.Mutex

	mu             sync.Mutex
	closed         bool
	closeErr       error
	nextListenerID uint64
	closeListeners map[uint64]func()

	versionMu sync.Mutex
	version   proto.Version
	versioned bool
}

func newConn(c net.Conn, node Node) *Conn {
	return &Conn{
		conn:           c,
		r:              bufio.NewReader(c),
		node:           node,
		closeListeners: make(map[uint64]func()),
	}
}

// Node returns the remote node of this connection.
func (c *Conn) Node() Node {
	return c.node
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Version returns the protocol version negotiated on this connection, if the
// handshake has completed.
func (c *Conn) Version() (proto.Version, bool) {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	return c.version, c.versioned
}

func (c *Conn) setVersion(v proto.Version) {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	c.version, c.versioned = v, true
}

// AddCloseListener implements Channel.
func (c *Conn) AddCloseListener(fn func()) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return func() {}
	}
	id := c.nextListenerID
	c.nextListenerID++
	c.closeListeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.closeListeners, id)
	}
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the underlying connection and runs the close listeners. It is
// safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.closed = true
	c.closeErr = c.conn.Close()
	listeners := c.closeListeners
	c.closeListeners = nil
	err := c.closeErr
	c.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return err
}

func (c *Conn) writeMessage(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

func (c *Conn) readMessage(maxSize int) (*proto.Message, error) {
	return proto.ReadMessage(c.r, maxSize)
}
