package nodeclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bken/agentmesh/internal/protocol"
)

// fakeConn is a direct, hand-built WSConn double in the style of the
// teacher's own tests (server/room_test.go constructs real collaborators
// rather than generated mocks).
type fakeConn struct {
	mu       sync.Mutex
	toNode   chan []byte // gateway -> node
	fromNode chan []byte // node -> gateway (captured writes)
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{toNode: make(chan []byte, 16), fromNode: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	b, ok := <-f.toNode
	if !ok {
		return 0, nil, errClosed
	}
	return 1, b, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case f.fromNode <- cp:
	default:
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.toNode)
	}
	return nil
}

type closedErr string

func (e closedErr) Error() string { return string(e) }

const errClosed = closedErr("fake connection closed")

func (f *fakeConn) gatewaySend(t *testing.T, fr protocol.Frame) {
	t.Helper()
	b, err := protocol.Codec{}.Encode(fr)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.toNode <- b
}

func (f *fakeConn) gatewayRecv(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case b := <-f.fromNode:
		var fr protocol.Frame
		if err := json.Unmarshal(b, &fr); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return fr
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for node write")
		return protocol.Frame{}
	}
}

func TestClientRegistersAndAcksLaneMessage(t *testing.T) {
	conn := newFakeConn()
	dialed := make(chan struct{}, 1)
	dial := func(ctx context.Context) (WSConn, error) {
		dialed <- struct{}{}
		return conn, nil
	}
	c := New(Config{NodeID: "node-1", Capabilities: protocol.Capabilities{MaxConcurrency: 1}}, dial)

	var gotMsg protocol.LaneMessage
	msgCh := make(chan struct{}, 1)
	connectedCh := make(chan string, 1)
	c.SetHandlers(Handlers{
		OnConnected: func(sessionID string) { connectedCh <- sessionID },
		OnMessage: func(m protocol.LaneMessage) error {
			gotMsg = m
			msgCh <- struct{}{}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	<-dialed
	reg := conn.gatewayRecv(t)
	if reg.Kind != protocol.KindNodeRegister || reg.NodeID != "node-1" {
		t.Fatalf("unexpected register frame: %+v", reg)
	}
	conn.gatewaySend(t, protocol.Frame{Kind: protocol.KindNodeRegisterAck, NodeID: "node-1", SessionID: "sess-1"})

	select {
	case sid := <-connectedCh:
		if sid != "sess-1" {
			t.Fatalf("expected session sess-1, got %s", sid)
		}
	case <-time.After(time.Second):
		t.Fatal("OnConnected never fired")
	}

	conn.gatewaySend(t, protocol.Frame{
		Kind: protocol.KindLaneMessage,
		Lane: protocol.LaneSteer,
		Message: protocol.LaneMessage{
			ID: "m1", Lane: protocol.LaneSteer, Timestamp: 1,
		},
	})

	select {
	case <-msgCh:
	case <-time.After(time.Second):
		t.Fatal("OnMessage never fired")
	}
	if gotMsg.ID != "m1" {
		t.Fatalf("expected message m1, got %+v", gotMsg)
	}

	ack := conn.gatewayRecv(t)
	if ack.Kind != protocol.KindLaneMessageAck || ack.MessageID != "m1" {
		t.Fatalf("expected ack for m1, got %+v", ack)
	}
}

func TestClientRespondsToHeartbeatPing(t *testing.T) {
	conn := newFakeConn()
	dial := func(ctx context.Context) (WSConn, error) { return conn, nil }
	c := New(Config{NodeID: "node-1", Capabilities: protocol.Capabilities{MaxConcurrency: 1}}, dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	conn.gatewayRecv(t) // register
	conn.gatewaySend(t, protocol.Frame{Kind: protocol.KindNodeRegisterAck, NodeID: "node-1", SessionID: "sess-1"})

	conn.gatewaySend(t, protocol.Frame{Kind: protocol.KindHeartbeatPing, Timestamp: 42})
	pong := conn.gatewayRecv(t)
	if pong.Kind != protocol.KindHeartbeatPong || pong.Timestamp != 42 {
		t.Fatalf("expected echoed heartbeat.pong, got %+v", pong)
	}
}

func TestClientHandlerPanicReportedAsHandlerError(t *testing.T) {
	conn := newFakeConn()
	dial := func(ctx context.Context) (WSConn, error) { return conn, nil }
	c := New(Config{NodeID: "node-1", Capabilities: protocol.Capabilities{MaxConcurrency: 1}}, dial)

	errCh := make(chan error, 1)
	c.SetHandlers(Handlers{
		OnMessage: func(m protocol.LaneMessage) error { panic("boom") },
		OnError:   func(err error) { errCh <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	conn.gatewayRecv(t)
	conn.gatewaySend(t, protocol.Frame{Kind: protocol.KindNodeRegisterAck, NodeID: "node-1", SessionID: "sess-1"})
	conn.gatewaySend(t, protocol.Frame{Kind: protocol.KindLaneMessage, Lane: protocol.LaneSteer, Message: protocol.LaneMessage{ID: "m1", Lane: protocol.LaneSteer, Timestamp: 1}})

	select {
	case err := <-errCh:
		var he *HandlerError
		if !asHandlerError(err, &he) {
			t.Fatalf("expected *HandlerError, got %T: %v", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnError never fired")
	}

	// Even a panicking handler still acks, so the Gateway's pending-ack
	// bookkeeping doesn't strand forever.
	ack := conn.gatewayRecv(t)
	if ack.Kind != protocol.KindLaneMessageAck || ack.MessageID != "m1" {
		t.Fatalf("expected ack despite handler panic, got %+v", ack)
	}
}

func asHandlerError(err error, target **HandlerError) bool {
	he, ok := err.(*HandlerError)
	if !ok {
		return false
	}
	*target = he
	return true
}

func TestCalculateBackoffCapsAtMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := 500 * time.Millisecond
	if d := calculateBackoff(0, base, max); d != base {
		t.Fatalf("attempt 0 should be base delay, got %v", d)
	}
	if d := calculateBackoff(10, base, max); d != max {
		t.Fatalf("expected backoff to cap at max, got %v", d)
	}
}

func TestStopSendsDeregisterAndPreventsReconnect(t *testing.T) {
	conn := newFakeConn()
	dials := make(chan struct{}, 4)
	dial := func(ctx context.Context) (WSConn, error) {
		dials <- struct{}{}
		return conn, nil
	}
	c := New(Config{NodeID: "node-1", Capabilities: protocol.Capabilities{MaxConcurrency: 1}}, dial)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	<-dials
	conn.gatewayRecv(t) // register
	conn.gatewaySend(t, protocol.Frame{Kind: protocol.KindNodeRegisterAck, NodeID: "node-1", SessionID: "sess-1"})

	c.Stop()

	dereg := conn.gatewayRecv(t)
	if dereg.Kind != protocol.KindNodeDeregister || dereg.NodeID != "node-1" {
		t.Fatalf("expected node.deregister on stop, got %+v", dereg)
	}

	select {
	case err := <-done:
		if err != ErrStopped {
			t.Fatalf("expected ErrStopped from Start, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}

	select {
	case <-dials:
		t.Fatal("client reconnected after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopBeforeStartFailsFast(t *testing.T) {
	c := New(Config{NodeID: "node-1"}, func(ctx context.Context) (WSConn, error) {
		t.Fatal("dial should never run after Stop")
		return nil, nil
	})
	c.Stop()
	if err := c.Start(context.Background()); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestJitteredStaysWithinBounds(t *testing.T) {
	d := 400 * time.Millisecond
	for i := 0; i < 100; i++ {
		got := jittered(d)
		if got > d || got < d-d/4 {
			t.Fatalf("jittered(%v) = %v, outside [%v, %v]", d, got, d-d/4, d)
		}
	}
}
