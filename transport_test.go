package handshaker

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ngrok/handshaker/internal/proto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, version proto.Version, opts ...Option) *Transport {
	opts = append([]Option{WithLogger(l), WithMinimumCompatibleVersion(10)}, opts...)
	tr := NewTransport(version, "release-"+version.String(), opts...)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func serve(t *testing.T, tr *Transport) Node {
	require.NoError(t, tr.Listen(testCtx(t), "127.0.0.1:0"))
	errC := make(chan error, 1)
	go func() { errC <- tr.Serve() }()
	t.Cleanup(func() {
		tr.Close()
		require.NoError(t, <-errC)
	})
	return Node{ID: "server", Address: tr.Addr().String()}
}

// rawServer accepts a single connection and hands it to handle.
func rawServer(t *testing.T, handle func(c net.Conn)) Node {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handle(c)
	}()
	return Node{ID: "raw", Address: ln.Addr().String()}
}

// silentServer reads requests and never answers them.
func silentServer(t *testing.T) Node {
	return rawServer(t, func(c net.Conn) {
		io.Copy(io.Discard, c)
	})
}

func dialRaw(t *testing.T, node Node) net.Conn {
	c, err := net.Dial("tcp", node.Address)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return c
}

func TestTransportNegotiates(t *testing.T) {
	server := newTestTransport(t, 90)
	node := serve(t, server)
	client := newTestTransport(t, 100)

	conn, err := client.Connect(testCtx(t), node)
	require.NoError(t, err)
	v, ok := conn.Version()
	require.True(t, ok)
	require.EqualValues(t, 90, v)
	require.Equal(t, node, conn.Node())

	require.EqualValues(t, 1, client.Handshaker().NumHandshakes())
	require.Zero(t, client.Handshaker().NumPendingHandshakes())
	require.Zero(t, server.Handshaker().NumHandshakes())

	// the connection stays usable for further handshakes
	rec := newRecordingListener(t)
	client.Handshaker().SendHandshake(99, node, conn, time.Second, rec.listen)
	v, err = rec.wait()
	require.NoError(t, err)
	require.EqualValues(t, 90, v)
}

func TestTransportIncompatiblePeer(t *testing.T) {
	node := serve(t, newTestTransport(t, 5))
	client := newTestTransport(t, 100)

	_, err := client.Connect(testCtx(t), node)
	require.True(t, IsFailureKind(err, IncompatibleVersion), "unexpected error %v", err)
	require.Zero(t, client.Handshaker().NumPendingHandshakes())
}

func TestTransportHandshakeTimeout(t *testing.T) {
	node := silentServer(t)
	client := newTestTransport(t, 100, WithHandshakeTimeout(100*time.Millisecond))

	_, err := client.Connect(testCtx(t), node)
	require.True(t, IsFailureKind(err, Timeout), "unexpected error %v", err)
	require.Contains(t, err.Error(), "handshake_timeout[100ms]")
	require.Zero(t, client.Handshaker().NumPendingHandshakes())
}

func TestTransportConnectCanceled(t *testing.T) {
	node := silentServer(t)
	client := newTestTransport(t, 100)

	ctx, cancel := context.WithCancel(testCtx(t))
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := client.Connect(ctx, node)
	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Zero(t, client.Handshaker().NumPendingHandshakes())
}

func TestTransportCloseFailsPendingHandshake(t *testing.T) {
	node := silentServer(t)
	client := NewTransport(100, "release-100", WithLogger(l))

	errC := make(chan error, 1)
	go func() {
		_, err := client.Connect(context.Background(), node)
		errC <- err
	}()
	require.Eventually(t, func() bool {
		return client.Handshaker().NumPendingHandshakes() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
	err := <-errC
	require.True(t, IsFailureKind(err, ConnectionReset), "unexpected error %v", err)

	_, err = client.Connect(context.Background(), node)
	require.Equal(t, ErrTransportClosed, err)
}

func TestTransportAnswersEveryEra(t *testing.T) {
	node := serve(t, newTestTransport(t, 90))

	for i, era := range []proto.Version{proto.HandshakeVersionLegacyA, proto.HandshakeVersionLegacyB, proto.HandshakeVersionCurrent} {
		t.Run(era.String(), func(t *testing.T) {
			c := dialRaw(t, node)
			requestID := int64(i + 5)
			msg, err := proto.EncodeRequestMessage(requestID, era, proto.NewHandshakeRequest(100, "release-100"))
			require.NoError(t, err)
			_, err = c.Write(msg)
			require.NoError(t, err)

			resp, err := proto.ReadMessage(c, DefaultMaxMessageSize)
			require.NoError(t, err)
			require.Equal(t, requestID, resp.Header.RequestID)
			require.Equal(t, era, resp.Header.Version)
			require.True(t, resp.Header.IsHandshake())
			require.False(t, resp.Header.IsRequest())
			require.False(t, resp.Header.IsError())

			decoded, err := proto.DecodeResponse(resp.Reader())
			require.NoError(t, err)
			require.EqualValues(t, 90, decoded.Version)
			if era == proto.HandshakeVersionCurrent {
				require.Equal(t, "release-90", decoded.Release)
			} else {
				require.Equal(t, "90", decoded.Release)
			}
		})
	}
}

func TestTransportDropsNonHandshakeMessages(t *testing.T) {
	node := serve(t, newTestTransport(t, 90))
	c := dialRaw(t, node)

	require.NoError(t, proto.WriteMessage(c, proto.Header{RequestID: 1, Version: 90}, []byte{1, 2, 3}))
	msg, err := proto.EncodeRequestMessage(2, proto.HandshakeVersionCurrent, proto.NewHandshakeRequest(100, "r"))
	require.NoError(t, err)
	_, err = c.Write(msg)
	require.NoError(t, err)

	resp, err := proto.ReadMessage(c, DefaultMaxMessageSize)
	require.NoError(t, err)
	require.EqualValues(t, 2, resp.Header.RequestID)
}

func TestTransportRejectsDesyncedRequest(t *testing.T) {
	node := serve(t, newTestTransport(t, 90))
	c := dialRaw(t, node)

	w := proto.NewWriter(proto.HandshakeVersionCurrent)
	require.NoError(t, proto.EncodeRequest(w, proto.NewHandshakeRequest(100, "r")))
	w.WriteRaw([]byte{0xff, 0xff})
	require.NoError(t, proto.WriteMessage(c, proto.Header{
		RequestID: 9,
		Status:    proto.StatusHandshake,
		Version:   proto.HandshakeVersionCurrent,
	}, w.Bytes()))

	resp, err := proto.ReadMessage(c, DefaultMaxMessageSize)
	require.NoError(t, err)
	require.EqualValues(t, 9, resp.Header.RequestID)
	require.True(t, resp.Header.IsError())
	text, err := proto.DecodeError(resp.Reader())
	require.NoError(t, err)
	require.Contains(t, text, "not fully read for requestId [9]")

	// the server drops the connection afterwards
	_, err = proto.ReadMessage(c, DefaultMaxMessageSize)
	require.Equal(t, io.EOF, err)
}

func TestTransportTolerantServer(t *testing.T) {
	node := serve(t, newTestTransport(t, 90, WithIgnoreDeserializationErrors(true)))
	c := dialRaw(t, node)

	w := proto.NewWriter(proto.HandshakeVersionLegacyB)
	require.NoError(t, proto.EncodeRequest(w, proto.NewHandshakeRequest(100, "")))
	w.WriteRaw([]byte{0xff})
	require.NoError(t, proto.WriteMessage(c, proto.Header{
		RequestID: 3,
		Status:    proto.StatusHandshake,
		Version:   proto.HandshakeVersionLegacyB,
	}, w.Bytes()))

	resp, err := proto.ReadMessage(c, DefaultMaxMessageSize)
	require.NoError(t, err)
	require.False(t, resp.Header.IsError())
	decoded, err := proto.DecodeResponse(resp.Reader())
	require.NoError(t, err)
	require.EqualValues(t, 90, decoded.Version)
}

func TestTransportRemoteErrorFrame(t *testing.T) {
	node := rawServer(t, func(c net.Conn) {
		req, err := proto.ReadMessage(c, DefaultMaxMessageSize)
		if err != nil {
			return
		}
		msg, _ := proto.EncodeErrorMessage(req.Header.RequestID, req.Header.Version, "no handshakes today")
		c.Write(msg)
		io.Copy(io.Discard, c)
	})
	client := newTestTransport(t, 100)

	_, err := client.Connect(testCtx(t), node)
	require.True(t, IsFailureKind(err, RemoteFailure), "unexpected error %v", err)
	require.Contains(t, err.Error(), "no handshakes today")
}

func TestTransportLegacyResponse(t *testing.T) {
	node := rawServer(t, func(c net.Conn) {
		req, err := proto.ReadMessage(c, DefaultMaxMessageSize)
		if err != nil {
			return
		}
		msg, _ := proto.EncodeResponseMessage(req.Header.RequestID, proto.HandshakeVersionLegacyB,
			&proto.HandshakeResponse{Version: proto.HandshakeVersionLegacyB})
		c.Write(msg)
		io.Copy(io.Discard, c)
	})
	client := newTestTransport(t, proto.CurrentVersion)

	conn, err := client.Connect(testCtx(t), node)
	require.NoError(t, err)
	v, _ := conn.Version()
	require.Equal(t, proto.HandshakeVersionLegacyB, v)
}
