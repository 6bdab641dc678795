package handshaker

import (
	"sync"

	"github.com/ngrok/handshaker/internal/proto"
)

type mockChannel struct {
	mu        sync.Mutex
	closed    bool
	nextID    int
	listeners map[int]func()
}

func newMockChannel() *mockChannel {
	return &mockChannel{listeners: map[int]func(){}}
}

func (m *mockChannel) AddCloseListener(fn func()) func() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		fn()
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *mockChannel) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	listeners := m.listeners
	m.listeners = map[int]func(){}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (m *mockChannel) numListeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

type sentRequest struct {
	node             Node
	requestID        int64
	req              *proto.HandshakeRequest
	handshakeVersion proto.Version
}

type mockSender struct {
	mu   sync.Mutex
	err  error
	sent []sentRequest
}

func (m *mockSender) SendRequest(node Node, ch Channel, requestID int64, req *proto.HandshakeRequest, handshakeVersion proto.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentRequest{node: node, requestID: requestID, req: req, handshakeVersion: handshakeVersion})
	return m.err
}

func (m *mockSender) requests() []sentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentRequest(nil), m.sent...)
}

type mockResponseChannel struct {
	responses []*proto.HandshakeResponse
	err       error
}

func (m *mockResponseChannel) SendResponse(resp *proto.HandshakeResponse) error {
	m.responses = append(m.responses, resp)
	return m.err
}
