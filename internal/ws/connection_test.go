package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"messmini/internal/models"

	"github.com/gorilla/websocket"
)

type mockWS struct {
	readCh      chan []byte
	writeCh     chan []byte
	closeCh     chan struct{}
	mu          sync.Mutex
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan []byte, 10),
		writeCh: make(chan []byte, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockWS) WriteMessage(messageType int, data []byte) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	if messageType == websocket.PingMessage {
		return nil
	}
	m.writeCh <- data
	return nil
}

func (m *mockWS) ReadMessage() (int, []byte, error) {
	if m.errToReturn != nil {
		return 0, nil, m.errToReturn
	}
	select {
	case msg := <-m.readCh:
		return websocket.TextMessage, msg, nil
	case <-m.closeCh:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockWS) SetReadLimit(int64)                      {}
func (m *mockWS) SetReadDeadline(time.Time) error         { return nil }
func (m *mockWS) SetWriteDeadline(time.Time) error        { return nil }
func (m *mockWS) SetPongHandler(func(appData string) error) {}

type mockRouter struct {
	connectCh    chan models.ConnID
	disconnectCh chan models.ConnID
	inboundCh    chan []byte
}

func newMockRouter() *mockRouter {
	return &mockRouter{
		connectCh:    make(chan models.ConnID, 10),
		disconnectCh: make(chan models.ConnID, 10),
		inboundCh:    make(chan []byte, 10),
	}
}

func (m *mockRouter) OnConnect(conn models.ConnID, userID string) {
	m.connectCh <- conn
}

func (m *mockRouter) OnDisconnect(conn models.ConnID) {
	m.disconnectCh <- conn
}

func (m *mockRouter) OnInboundEvent(conn models.ConnID, raw []byte) error {
	m.inboundCh <- raw
	return nil
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := NewHub(10)
	rt := newMockRouter()
	ws := newMockWS()
	const connID models.ConnID = "conn1"

	conn := NewConnection(hub, rt, ws, connID, "user1")
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}
	if hub.Len() != 1 {
		t.Error("NewConnection did not attach to the hub")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	select {
	case id := <-rt.connectCh:
		if id != connID {
			t.Errorf("Expected OnConnect with %s, got %s", connID, id)
		}
	case <-time.After(time.Second):
		t.Error("OnConnect not called")
	}

	// 1. Client -> Router
	ws.readCh <- []byte(`{"type":"typing","receiverId":"user2","typing":true}`)
	select {
	case raw := <-rt.inboundCh:
		if string(raw) != `{"type":"typing","receiverId":"user2","typing":true}` {
			t.Errorf("Router received wrong payload: %s", raw)
		}
	case <-time.After(time.Second):
		t.Error("Router did not receive inbound event")
	}

	// 2. Hub -> Client
	if err := hub.Deliver(connID, []byte(`{"type":"direct"}`)); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	select {
	case got := <-ws.writeCh:
		if string(got) != `{"type":"direct"}` {
			t.Errorf("WS received wrong payload: %s", got)
		}
	case <-time.After(time.Second):
		t.Error("WS did not receive server message")
	}

	// 3. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case id := <-rt.disconnectCh:
		if id != connID {
			t.Errorf("Expected OnDisconnect with %s, got %s", connID, id)
		}
	default:
		t.Error("OnDisconnect not called")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
	if hub.Len() != 0 {
		t.Error("Connection not detached from the hub")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := NewHub(10)
	rt := newMockRouter()
	ws := newMockWS()
	ws.errToReturn = errors.New("read error")

	conn := NewConnection(hub, rt, ws, "conn2", "user2")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
	if len(rt.disconnectCh) != 1 {
		t.Error("OnDisconnect not called")
	}
}

func TestConnection_ReplacedQueue(t *testing.T) {
	hub := NewHub(10)
	rt := newMockRouter()
	ws := newMockWS()

	conn := NewConnection(hub, rt, ws, "conn3", "user3")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()
	<-rt.connectCh

	hub.Detach("conn3")

	select {
	case err := <-done:
		if !errors.Is(err, errEvicted) {
			t.Errorf("Expected errEvicted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Handle did not return after the hub released the connection")
	}
}
