// Package lane implements the per-node bounded priority queue across the
// steer/collect/followup lanes, with interrupt bypass (spec §4.5). It is
// grounded on the teacher's bounded ring buffers — server/room.go's
// per-channel message replay buffer (msgBuffer, maxMsgBuffer, head-drop
// on overflow) and server/client.go's per-sender datagram ring
// (dgramCache) — generalized from a single FIFO ring to three
// independent FIFO lanes dequeued in strict priority order.
package lane

import (
	"container/list"
	"sync"

	"github.com/bken/agentmesh/internal/protocol"
)

// DefaultCapacity is the default per-lane capacity (spec §4.5).
const DefaultCapacity = 256

// orderedLanes lists the three queued lanes from highest to lowest
// priority; interrupt is deliberately excluded since it is never queued.
var orderedLanes = []protocol.Lane{protocol.LaneSteer, protocol.LaneCollect, protocol.LaneFollowup}

// OverflowFunc is invoked when enqueue evicts the oldest message in a
// lane because it was full (spec §4.5). Called with the evicted message
// and the lane it was evicted from.
type OverflowFunc func(evicted protocol.LaneMessage, lane protocol.Lane)

// Queue is a single node's bounded multi-lane priority queue. Owned
// exclusively by the Connection Supervisor for that node (spec §3
// Ownership) — callers are expected to serialize their own access, but
// Queue also takes its own lock since dequeue (consumer) and enqueue
// (producer) run on different goroutines within that ownership.
type Queue struct {
	mu       sync.Mutex
	capacity int
	lanes    map[protocol.Lane]*list.List
	onOverflow OverflowFunc
}

// New returns an empty Queue with the given per-lane capacity. A
// capacity <= 0 uses DefaultCapacity.
func New(capacity int, onOverflow OverflowFunc) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{capacity: capacity, lanes: make(map[protocol.Lane]*list.List), onOverflow: onOverflow}
	for _, l := range orderedLanes {
		q.lanes[l] = list.New()
	}
	return q
}

// Enqueue admits msg. For steer/collect/followup, a full lane evicts its
// oldest entry (head-drop) and reports the eviction via onOverflow, which
// runs after the queue lock is released so it may send frames. interrupt
// messages are never queued by this method — callers must deliver them
// inline via the caller's own "interrupt bypass" path (spec §4.5);
// Enqueue rejects them to keep that invariant enforced in one place.
func (q *Queue) Enqueue(msg protocol.LaneMessage) error {
	if msg.Lane == protocol.LaneInterrupt {
		return errInterruptNotQueued
	}
	q.mu.Lock()
	l, ok := q.lanes[msg.Lane]
	if !ok {
		q.mu.Unlock()
		return errUnknownLane
	}
	var evicted *protocol.LaneMessage
	if l.Len() >= q.capacity {
		front := l.Front()
		ev := front.Value.(protocol.LaneMessage)
		l.Remove(front)
		evicted = &ev
	}
	l.PushBack(msg)
	q.mu.Unlock()

	if evicted != nil && q.onOverflow != nil {
		q.onOverflow(*evicted, msg.Lane)
	}
	return nil
}

// Dequeue returns the oldest message from the highest-priority
// non-empty lane (steer > collect > followup), FIFO within that lane.
// ok is false when every lane is empty.
func (q *Queue) Dequeue() (protocol.LaneMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, laneName := range orderedLanes {
		l := q.lanes[laneName]
		if l.Len() == 0 {
			continue
		}
		front := l.Front()
		msg := front.Value.(protocol.LaneMessage)
		l.Remove(front)
		return msg, true
	}
	return protocol.LaneMessage{}, false
}

// Len returns the number of queued messages across all lanes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += l.Len()
	}
	return n
}

// LaneLen returns the queue depth of a single lane (diagnostic use,
// e.g. the Supervisor's stats snapshot).
func (q *Queue) LaneLen(l protocol.Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ll, ok := q.lanes[l]
	if !ok {
		return 0
	}
	return ll.Len()
}

var (
	errInterruptNotQueued = queueError("interrupt messages are delivered inline, never queued")
	errUnknownLane        = queueError("unknown lane")
)

type queueError string

func (e queueError) Error() string { return string(e) }
