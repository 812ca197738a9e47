package supervisor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bken/agentmesh/internal/lane"
	"github.com/bken/agentmesh/internal/protocol"
)

// outboundBuffer bounds the per-connection write queue. Direct sends
// (acks, heartbeats, error frames, session/config notifications) are
// infrequent relative to lane traffic, which is already bounded by
// lane.Queue's own capacity, so a modest fixed buffer is enough backpressure.
const outboundBuffer = 128

// maxMissedHeartbeats is how many consecutive unanswered pings close the
// connection (spec §4.6: "close with HeartbeatMissed after 2 missed
// intervals").
const maxMissedHeartbeats = 2

// Connection is one node's live transport, owned exclusively by the
// Supervisor goroutine set that serves it. Grounded on
// server/internal/ws/handler.go's serveConn: one goroutine draining an
// outbound channel into WriteMessage, one reading inbound frames, both
// torn down together on first error.
type Connection struct {
	nodeID     string
	sessionID  string
	remoteAddr string

	ws    WSConn
	codec protocol.Codec
	sv    *Supervisor

	lanes   *lane.Queue
	acks    *lane.PendingAcks
	limiter *rate.Limiter

	outbound    chan []byte
	wake        chan struct{}
	missedPongs atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(sv *Supervisor, nodeID, sessionID, remoteAddr string, ws WSConn, laneCapacity, maxFramesPerSecond int, ackTimeout time.Duration) *Connection {
	c := &Connection{
		nodeID:     nodeID,
		sessionID:  sessionID,
		remoteAddr: remoteAddr,
		ws:         ws,
		sv:         sv,
		acks:       lane.NewPendingAcks(ackTimeout),
		limiter:    rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond),
		outbound:   make(chan []byte, outboundBuffer),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	// An eviction is surfaced to the node itself as a LaneOverflow error
	// frame (spec §4.5), on top of the Supervisor's log/audit trail.
	report := sv.onLaneOverflow(nodeID)
	c.lanes = lane.New(laneCapacity, func(evicted protocol.LaneMessage, l protocol.Lane) {
		c.sendErrorFrame("", protocol.ProblemLaneOverflow,
			fmt.Sprintf("lane %s full, dropped oldest message %s", l, evicted.ID), 507)
		report(evicted, l)
	})
	return c
}

// run drives the connection until it closes. Blocks the caller.
func (c *Connection) run(healthCheckInterval time.Duration) {
	go c.writeLoop()
	go c.heartbeatLoop(healthCheckInterval)
	go c.deliverLoop()
	c.readLoop()
}

// send encodes and enqueues a frame for the writer goroutine. Never
// called from the writer goroutine itself, so it is safe to block
// briefly under backpressure.
func (c *Connection) send(f protocol.Frame) error {
	b, err := c.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame for %s: %w", c.nodeID, err)
	}
	select {
	case c.outbound <- b:
		return nil
	case <-c.done:
		return fmt.Errorf("connection %s closed", c.nodeID)
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case b, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(TextMessage, b); err != nil {
				slog.Debug("write failed", "node_id", c.nodeID, "err", err)
				c.closeLocal(CloseAbnormal, "write error")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) readLoop() {
	defer c.closeLocal(CloseAbnormal, "read loop exited")
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			slog.Debug("read ended", "node_id", c.nodeID, "err", err)
			return
		}
		if !c.limiter.Allow() {
			c.sendErrorFrame("", protocol.ProblemRateLimited, "frame rate exceeded", 429)
			c.closeLocal(ClosePolicy, "rate limited")
			return
		}

		f, err := protocol.Decode(raw)
		if err != nil {
			var probe struct {
				RequestID string `json:"requestId"`
			}
			_ = json.Unmarshal(raw, &probe)
			c.sendErrorFrame(probe.RequestID, protocol.ProblemMalformedFrame, err.Error(), 400)
			continue
		}

		c.sv.dispatch(c, f)
	}
}

func (c *Connection) heartbeatLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if c.missedPongs.Add(1) > maxMissedHeartbeats {
				c.sendErrorFrame("", protocol.ProblemHeartbeatMissed, "no heartbeat.pong received", 408)
				c.closeLocal(CloseAbnormal, "heartbeat missed")
				return
			}
			_ = c.send(protocol.Frame{Kind: protocol.KindHeartbeatPing, Timestamp: c.sv.now().UnixMilli()})
		case <-c.done:
			return
		}
	}
}

// deliverLoop pumps lane.Queue into outbound lane.message frames,
// tracking each as pending until acked (spec §4.5's at-least-once
// delivery). It wakes on every enqueue rather than polling.
func (c *Connection) deliverLoop() {
	sweep := time.NewTicker(5 * time.Second)
	defer sweep.Stop()
	for {
		select {
		case <-c.wake:
			c.drainLanes()
		case <-sweep.C:
			for _, m := range c.acks.Expired() {
				slog.Warn("lane message ack timed out", "node_id", c.nodeID, "message_id", m.ID, "lane", m.Lane)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) drainLanes() {
	for {
		msg, ok := c.lanes.Dequeue()
		if !ok {
			return
		}
		c.acks.Track(msg)
		if err := c.send(protocol.Frame{Kind: protocol.KindLaneMessage, Lane: msg.Lane, Message: msg}); err != nil {
			slog.Debug("lane message delivery failed", "node_id", c.nodeID, "message_id", msg.ID, "err", err)
			return
		}
	}
}

// EnqueueLaneMessage admits msg for delivery to this node. An interrupt
// message bypasses the queue entirely and is written immediately; the
// node is expected to abort its current work, so every in-flight ack
// obligation is discarded along the way (spec §4.5). Everything else is
// queued and delivered in priority order by deliverLoop.
func (c *Connection) EnqueueLaneMessage(msg protocol.LaneMessage) error {
	if msg.Lane == protocol.LaneInterrupt {
		if n := c.acks.DropAll(); n > 0 {
			slog.Debug("interrupt dropped in-flight ack obligations", "node_id", c.nodeID, "count", n)
		}
		return c.send(protocol.Frame{Kind: protocol.KindLaneMessage, Lane: msg.Lane, Message: msg})
	}
	if err := c.lanes.Enqueue(msg); err != nil {
		return err
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Connection) handlePong() {
	c.missedPongs.Store(0)
}

func (c *Connection) sendErrorFrame(requestID, problemType, detail string, status int) {
	_ = c.send(protocol.NewErrorFrame(requestID, protocol.ProblemDetails{
		Type:   problemType,
		Title:  problemType,
		Status: status,
		Detail: detail,
	}, c.sv.now().UnixMilli()))
}

// closeLocal tears this connection down once, releasing it from the
// Supervisor's registry and connection-limiter accounting.
func (c *Connection) closeLocal(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := c.sv.now().Add(time.Second)
		_ = c.ws.WriteControl(CloseMessage, closePayload(code, reason), deadline)
		_ = c.ws.Close()
		c.sv.forget(c, code, reason)
	})
}

func closePayload(code int, reason string) []byte {
	b := []byte{byte(code >> 8), byte(code)}
	return append(b, []byte(reason)...)
}
