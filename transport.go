package handshaker

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/inconshreveable/log15"
	"github.com/ngrok/handshaker/internal/proto"
	"github.com/pkg/errors"
)

// Transport carries handshakes over TCP. It accepts inbound connections and
// answers their handshakes, and it dials peers and negotiates a protocol
// version with them.
type Transport struct {
	h *Handshaker
	l log15.Logger
	o *options

	nextRequestID atomic.Int64

	mu       sync.Mutex
	closed   bool
	listener net.Listener
	conns    map[*Conn]struct{}
	wg       sync.WaitGroup
}

// NewTransport constructs a Transport for a node speaking the given real
// protocol version and release.
func NewTransport(version proto.Version, release string, opts ...Option) *Transport {
	o := buildOptions(opts)
	t := &Transport{
		l:     o.l,
		o:     o,
		conns: make(map[*Conn]struct{}),
	}
	t.h = newHandshaker(version, release, t, o)
	return t
}

// Handshaker returns the Handshaker driven by this transport.
func (t *Transport) Handshaker() *Handshaker {
	return t.h
}

// Listen opens a TCP listener on addr. Serve must be called to accept
// connections on it.
func (t *Transport) Listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{Control: controlListener}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "error listening on %s", addr)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		ln.Close()
		return ErrTransportClosed
	}
	if t.listener != nil {
		ln.Close()
		return errors.New("transport is already listening")
	}
	t.listener = ln
	t.l.Info("listening for handshakes", "addr", ln.Addr())
	return nil
}

// Addr returns the address of the listener, or nil before Listen.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Serve accepts connections until the transport is closed.
func (t *Transport) Serve() error {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()
	if ln == nil {
		return errors.New("transport is not listening")
	}

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.l.Info("listener closed, no longer accepting connections")
				return nil
			}
			t.l.Error("error accepting connection", "err", err)
			continue
		}
		conn := newConn(c, Node{Address: c.RemoteAddr().String()})
		if !t.track(conn) {
			conn.Close()
			return nil
		}
		t.l.Debug("accepted connection", "remote", conn.RemoteAddr())
		go t.readLoop(conn)
	}
}

type handshakeResult struct {
	version proto.Version
	err     error
}

// Connect dials node and performs a handshake. On success the returned
// connection carries the negotiated version. Canceling ctx closes the
// connection, which fails a pending handshake.
func (t *Transport) Connect(ctx context.Context, node Node) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", node.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to %v", node)
	}
	conn := newConn(c, node)
	if !t.track(conn) {
		conn.Close()
		return nil, ErrTransportClosed
	}
	go t.readLoop(conn)

	result := make(chan handshakeResult, 1)
	t.h.SendHandshake(t.nextRequestID.Add(1), node, conn, t.o.handshakeTimeout, func(v proto.Version, err error) {
		result <- handshakeResult{version: v, err: err}
	})

	var res handshakeResult
	select {
	case res = <-result:
	case <-ctx.Done():
		conn.Close()
		res = <-result
		// prefer the context error, the handshake failure was caused by it
		if res.err != nil {
			res.err = errors.Wrap(ctx.Err(), res.err.Error())
		} else {
			res.err = ctx.Err()
		}
	}
	if res.err != nil {
		conn.Close()
		return nil, res.err
	}
	conn.setVersion(res.version)
	return conn, nil
}

// SendRequest implements RequestSender for connections of this transport.
func (t *Transport) SendRequest(node Node, ch Channel, requestID int64, req *proto.HandshakeRequest, handshakeVersion proto.Version) error {
	conn, ok := ch.(*Conn)
	if !ok {
		return errors.Errorf("unsupported channel type %T", ch)
	}
	b, err := proto.EncodeRequestMessage(requestID, handshakeVersion, req)
	if err != nil {
		return err
	}
	return conn.writeMessage(b)
}

// Close stops listening, closes every connection and waits for their read
// loops to exit.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	conns := make([]*Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var result *multierror.Error
	if ln != nil {
		if err := ln.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.wg.Wait()
	return result.ErrorOrNil()
}

func (t *Transport) track(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	t.wg.Add(1)
	return true
}

func (t *Transport) untrack(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c)
}

func (t *Transport) readLoop(c *Conn) {
	defer t.wg.Done()
	defer t.untrack(c)
	defer c.Close()

	l := t.l.New("remote", c.RemoteAddr())
	for {
		msg, err := c.readMessage(t.o.maxMessageSize)
		if err != nil {
			if err != io.EOF && !c.IsClosed() {
				l.Error("failed to read message", "err", err)
			}
			return
		}
		if err := t.handleMessage(c, msg); err != nil {
			l.Error("closing connection", "err", err)
			return
		}
	}
}

// handleMessage dispatches one message. A returned error is fatal to the
// connection.
func (t *Transport) handleMessage(c *Conn, msg *proto.Message) error {
	header := msg.Header
	if !header.IsHandshake() {
		t.l.Debug("dropping message outside of handshake", "header", header)
		return nil
	}
	if header.IsRequest() {
		return t.handleRequest(c, msg)
	}

	handler := t.h.RemoveHandlerForHandshake(header.RequestID)
	if handler == nil {
		t.l.Debug("no pending handshake for response", "header", header)
		return nil
	}
	r := msg.Reader()
	if header.IsError() {
		text, err := proto.DecodeError(r)
		if err != nil {
			handler.HandleException(err)
			return nil
		}
		handler.HandleException(errors.New(text))
		return nil
	}
	resp, err := proto.DecodeResponse(r)
	if err != nil {
		handler.HandleException(errors.Wrap(err, "could not decode handshake response"))
		return nil
	}
	handler.HandleResponse(resp)
	return nil
}

func (t *Transport) handleRequest(c *Conn, msg *proto.Message) error {
	ch := &responseChannel{
		conn:      c,
		requestID: msg.Header.RequestID,
		version:   msg.Header.Version,
	}
	err := t.h.HandleHandshake(ch, msg.Header.RequestID, msg.Reader())
	if err == nil {
		return nil
	}
	if sendErr := ch.sendError(err); sendErr != nil {
		return multierror.Append(err, sendErr)
	}
	var desync *DesyncError
	if errors.As(err, &desync) {
		return err
	}
	t.l.Warn("rejected handshake request", "header", msg.Header, "err", err)
	return nil
}

// responseChannel answers a handshake request in the layout it was sent in.
type responseChannel struct {
	conn      *Conn
	requestID int64
	version   proto.Version
}

func (rc *responseChannel) SendResponse(resp *proto.HandshakeResponse) error {
	b, err := proto.EncodeResponseMessage(rc.requestID, rc.version, resp)
	if err != nil {
		return err
	}
	return rc.conn.writeMessage(b)
}

func (rc *responseChannel) sendError(cause error) error {
	b, err := proto.EncodeErrorMessage(rc.requestID, rc.version, cause.Error())
	if err != nil {
		return err
	}
	return rc.conn.writeMessage(b)
}
