package lane

import (
	"sync"
	"time"

	"github.com/bken/agentmesh/internal/protocol"
)

// PendingAcks tracks lane messages awaiting a lane.message.ack from the
// node they were delivered to (spec §4.5). Delivery is at-least-once:
// if no ack arrives within the configured timeout, the caller (the
// Connection Supervisor) decides whether to re-emit or surface the
// staleness to operators — this type only tracks the bookkeeping.
//
// Grounded on the teacher's per-sender datagram cache (server/client.go
// dgramCache) for the "bounded map of in-flight items keyed by id, swept
// on a timer" shape, adapted from a fixed-size ring to a map since lane
// message ids are caller-assigned strings, not a wrapping uint16
// sequence.
type PendingAcks struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[string]pendingEntry
	clock   func() time.Time
}

type pendingEntry struct {
	msg       protocol.LaneMessage
	deliverAt time.Time
}

// NewPendingAcks returns a tracker using timeout as the ack-timeout
// (spec §9(i): "recommend 2x round-trip", left to the caller to size).
func NewPendingAcks(timeout time.Duration) *PendingAcks {
	return &PendingAcks{timeout: timeout, pending: make(map[string]pendingEntry), clock: time.Now}
}

// Track records msg as delivered and awaiting an ack.
func (p *PendingAcks) Track(msg protocol.LaneMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[msg.ID] = pendingEntry{msg: msg, deliverAt: p.clock()}
}

// Ack clears the pending entry for messageID. Returns false if no such
// entry existed (already acked, already swept, or never tracked).
func (p *PendingAcks) Ack(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[messageID]; !ok {
		return false
	}
	delete(p.pending, messageID)
	return true
}

// Drop discards the in-flight pending obligation for an interrupted
// message's lane (spec §4.5: an interrupt "drops the in-flight
// message's lane-specific ack obligation").
func (p *PendingAcks) Drop(messageID string) {
	p.mu.Lock()
	delete(p.pending, messageID)
	p.mu.Unlock()
}

// DropAll discards every in-flight ack obligation at once and returns
// how many were dropped. Used when an interrupt preempts the node's
// current work: the node is expected to abort whatever it was doing, so
// nothing it was working on will be acked (spec §4.5).
func (p *PendingAcks) DropAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.pending)
	clear(p.pending)
	return n
}

// Expired returns the messages whose ack-timeout has elapsed without an
// ack, and removes them from tracking. Callers re-emit or log per their
// own policy (spec §4.5 leaves this implementation-defined).
func (p *PendingAcks) Expired() []protocol.LaneMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	var expired []protocol.LaneMessage
	for id, e := range p.pending {
		if now.Sub(e.deliverAt) >= p.timeout {
			expired = append(expired, e.msg)
			delete(p.pending, id)
		}
	}
	return expired
}

// Len returns the number of messages currently awaiting an ack.
func (p *PendingAcks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
