package supervisor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bken/agentmesh/internal/auth"
	"github.com/bken/agentmesh/internal/protocol"
	"github.com/bken/agentmesh/internal/session"
)

// fakeConn is a direct, no-mocking-library stand-in for a
// *websocket.Conn, in the teacher's room_test.go style of constructing
// real collaborators rather than generated mocks.
type fakeConn struct {
	inbound   chan []byte
	outbound  chan []byte
	closed    chan struct{}
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-f.inbound:
		if !ok {
			return 0, nil, errClosed
		}
		return TextMessage, b, nil
	case <-f.closed:
		return 0, nil, errClosed
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case f.outbound <- cp:
	default:
	}
	return nil
}

func (f *fakeConn) WriteControl(_ int, data []byte, _ time.Time) error {
	if len(data) >= 2 {
		f.closeCode = int(data[0])<<8 | int(data[1])
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

type closedErr string

func (e closedErr) Error() string { return string(e) }

const errClosed = closedErr("fake connection closed")

func (f *fakeConn) send(t *testing.T, fr protocol.Frame) {
	t.Helper()
	b, err := protocol.Codec{}.Encode(fr)
	if err != nil {
		t.Fatalf("encode test frame: %v", err)
	}
	f.inbound <- b
}

func (f *fakeConn) recv(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case b := <-f.outbound:
		var fr protocol.Frame
		if err := json.Unmarshal(b, &fr); err != nil {
			t.Fatalf("decode captured frame: %v", err)
		}
		return fr
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return protocol.Frame{}
	}
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.Auth.Mode == "" {
		cfg.Auth = auth.Config{Mode: auth.ModeLegacy, ExpectedToken: "tok"}
	}
	v := auth.NewVerifier(cfg.Auth, auth.NewKeyStore(10, true))
	sm := session.NewManager(session.DefaultConfig(), nil)
	return New(cfg, v, sm)
}

func TestHandleConnRegistersAndAcks(t *testing.T) {
	sv := newTestSupervisor(t, Config{LaneCapacity: 8, MaxFramesPerSecond: 100})
	conn := newFakeConn()
	conn.send(t, protocol.Frame{
		Kind:         protocol.KindNodeRegister,
		NodeID:       "node-1",
		Token:        "tok",
		Capabilities: protocol.Capabilities{MaxConcurrency: 1},
	})

	done := make(chan error, 1)
	go func() { done <- sv.HandleConn(conn, Accept{RemoteAddr: "10.0.0.1"}) }()

	ack := conn.recv(t)
	if ack.Kind != protocol.KindNodeRegisterAck || ack.NodeID != "node-1" || ack.SessionID == "" {
		t.Fatalf("unexpected ack frame: %+v", ack)
	}

	if sv.Stats().ActiveConnections != 1 {
		t.Fatalf("expected one active connection, got %d", sv.Stats().ActiveConnections)
	}

	conn.send(t, protocol.Frame{Kind: protocol.KindNodeDeregister, NodeID: "node-1"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleConn did not return after deregister")
	}
	if conn.closeCode != CloseNormal {
		t.Fatalf("expected normal close code, got %d", conn.closeCode)
	}
}

func TestHandleConnRejectsBadToken(t *testing.T) {
	sv := newTestSupervisor(t, Config{LaneCapacity: 8, MaxFramesPerSecond: 100})
	conn := newFakeConn()
	conn.send(t, protocol.Frame{
		Kind:         protocol.KindNodeRegister,
		NodeID:       "node-1",
		Token:        "wrong",
		Capabilities: protocol.Capabilities{MaxConcurrency: 1},
	})

	if err := sv.HandleConn(conn, Accept{RemoteAddr: "10.0.0.1"}); err == nil {
		t.Fatal("expected registration to fail")
	}
	errFrame := conn.recv(t)
	if errFrame.Kind != protocol.KindError || errFrame.Error.Type != protocol.ProblemRegistrationFailed {
		t.Fatalf("expected RegistrationFailed error frame, got %+v", errFrame)
	}
	if conn.closeCode != ClosePolicy {
		t.Fatalf("expected policy close code, got %d", conn.closeCode)
	}
}

func TestPerIPLimitRejectsSecondConnection(t *testing.T) {
	sv := newTestSupervisor(t, Config{LaneCapacity: 8, MaxFramesPerSecond: 100, PerIPLimit: 1})

	first := newFakeConn()
	first.send(t, protocol.Frame{Kind: protocol.KindNodeRegister, NodeID: "node-1", Token: "tok", Capabilities: protocol.Capabilities{MaxConcurrency: 1}})
	go sv.HandleConn(first, Accept{RemoteAddr: "10.0.0.1"})
	first.recv(t) // register ack

	second := newFakeConn()
	if err := sv.HandleConn(second, Accept{RemoteAddr: "10.0.0.1"}); err == nil {
		t.Fatal("expected second connection from the same IP to be rejected")
	}
	if second.closeCode != ClosePolicy {
		t.Fatalf("expected policy close code, got %d", second.closeCode)
	}
}

func TestSupersedeClosesOldConnection(t *testing.T) {
	sv := newTestSupervisor(t, Config{LaneCapacity: 8, MaxFramesPerSecond: 100})

	oldConn := newFakeConn()
	oldConn.send(t, protocol.Frame{Kind: protocol.KindNodeRegister, NodeID: "node-1", Token: "tok", Capabilities: protocol.Capabilities{MaxConcurrency: 1}})
	go sv.HandleConn(oldConn, Accept{RemoteAddr: "10.0.0.1"})
	oldConn.recv(t)

	newConn := newFakeConn()
	newConn.send(t, protocol.Frame{Kind: protocol.KindNodeRegister, NodeID: "node-1", Token: "tok", Capabilities: protocol.Capabilities{MaxConcurrency: 1}})
	done := make(chan error, 1)
	go func() { done <- sv.HandleConn(newConn, Accept{RemoteAddr: "10.0.0.2"}) }()
	newConn.recv(t)

	select {
	case <-oldConn.closed:
	case <-time.After(time.Second):
		t.Fatal("expected superseded connection to be closed")
	}
	if oldConn.closeCode != ClosePolicy {
		t.Fatalf("expected policy close code on supersede, got %d", oldConn.closeCode)
	}
}

func TestDeliverEnqueuesLaneMessage(t *testing.T) {
	sv := newTestSupervisor(t, Config{LaneCapacity: 8, MaxFramesPerSecond: 100})
	conn := newFakeConn()
	conn.send(t, protocol.Frame{Kind: protocol.KindNodeRegister, NodeID: "node-1", Token: "tok", Capabilities: protocol.Capabilities{MaxConcurrency: 1}})
	go sv.HandleConn(conn, Accept{RemoteAddr: "10.0.0.1"})
	conn.recv(t)

	if err := sv.Deliver("node-1", protocol.LaneMessage{ID: "m1", Lane: protocol.LaneSteer, Timestamp: 1}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got := conn.recv(t)
	if got.Kind != protocol.KindLaneMessage || got.Message.ID != "m1" {
		t.Fatalf("expected lane.message for m1, got %+v", got)
	}
}

func TestDeliverToUnknownNodeFails(t *testing.T) {
	sv := newTestSupervisor(t, Config{LaneCapacity: 8, MaxFramesPerSecond: 100})
	if err := sv.Deliver("missing", protocol.LaneMessage{ID: "m1", Lane: protocol.LaneSteer, Timestamp: 1}); err == nil {
		t.Fatal("expected delivery to an unconnected node to fail")
	}
}

func TestMalformedFrameGetsErrorFrameNotClose(t *testing.T) {
	sv := newTestSupervisor(t, Config{LaneCapacity: 8, MaxFramesPerSecond: 100})
	conn := newFakeConn()
	conn.send(t, protocol.Frame{Kind: protocol.KindNodeRegister, NodeID: "node-1", Token: "tok", Capabilities: protocol.Capabilities{MaxConcurrency: 1}})
	go sv.HandleConn(conn, Accept{RemoteAddr: "10.0.0.1"})
	conn.recv(t)

	conn.inbound <- []byte(`{"kind":"lane.message.ack"}`) // missing messageId
	errFrame := conn.recv(t)
	if errFrame.Kind != protocol.KindError || errFrame.Error.Type != protocol.ProblemMalformedFrame {
		t.Fatalf("expected MalformedFrame error frame, got %+v", errFrame)
	}
	if sv.Stats().ActiveConnections != 1 {
		t.Fatalf("connection should remain open after one malformed frame")
	}
}

func TestInboundPingGetsEchoedPong(t *testing.T) {
	sv := newTestSupervisor(t, Config{LaneCapacity: 8, MaxFramesPerSecond: 100})
	conn := newFakeConn()
	conn.send(t, protocol.Frame{Kind: protocol.KindNodeRegister, NodeID: "node-1", Token: "tok", Capabilities: protocol.Capabilities{MaxConcurrency: 1}})
	go sv.HandleConn(conn, Accept{RemoteAddr: "10.0.0.1"})
	conn.recv(t) // register ack

	conn.send(t, protocol.Frame{Kind: protocol.KindHeartbeatPing, Timestamp: 1000})
	pong := conn.recv(t)
	if pong.Kind != protocol.KindHeartbeatPong || pong.Timestamp != 1000 {
		t.Fatalf("expected echoed heartbeat.pong, got %+v", pong)
	}
}

func TestBearerHeaderAuthenticatesWithoutFrameToken(t *testing.T) {
	sv := newTestSupervisor(t, Config{LaneCapacity: 8, MaxFramesPerSecond: 100})
	conn := newFakeConn()
	conn.send(t, protocol.Frame{Kind: protocol.KindNodeRegister, NodeID: "node-1", Capabilities: protocol.Capabilities{MaxConcurrency: 1}})

	go sv.HandleConn(conn, Accept{RemoteAddr: "10.0.0.1", BearerToken: "tok"})
	ack := conn.recv(t)
	if ack.Kind != protocol.KindNodeRegisterAck {
		t.Fatalf("expected register ack via bearer header, got %+v", ack)
	}
}

func TestURLNodeIDMismatchRejectsRegistration(t *testing.T) {
	sv := newTestSupervisor(t, Config{LaneCapacity: 8, MaxFramesPerSecond: 100})
	conn := newFakeConn()
	conn.send(t, protocol.Frame{Kind: protocol.KindNodeRegister, NodeID: "node-1", Token: "tok", Capabilities: protocol.Capabilities{MaxConcurrency: 1}})

	if err := sv.HandleConn(conn, Accept{RemoteAddr: "10.0.0.1", NodeID: "someone-else"}); err == nil {
		t.Fatal("expected registration to fail on nodeId mismatch")
	}
	if conn.closeCode != ClosePolicy {
		t.Fatalf("expected policy close code, got %d", conn.closeCode)
	}
}

func TestSessionUpdateEmittedOnStateChange(t *testing.T) {
	sv := newTestSupervisor(t, Config{LaneCapacity: 8, MaxFramesPerSecond: 100})
	sm := sv.sessions
	sm.SetOnUpdate(sv.NotifySessionUpdate)

	conn := newFakeConn()
	conn.send(t, protocol.Frame{Kind: protocol.KindNodeRegister, NodeID: "node-1", Token: "tok", Capabilities: protocol.Capabilities{MaxConcurrency: 1}})
	go sv.HandleConn(conn, Accept{RemoteAddr: "10.0.0.1"})
	conn.recv(t) // register ack

	sm.IdleTimeout("node-1")
	upd := conn.recv(t)
	if upd.Kind != protocol.KindSessionUpdate || upd.State != protocol.StateIdle {
		t.Fatalf("expected session.update to idle, got %+v", upd)
	}
}
