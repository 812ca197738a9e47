// Package supervisor implements the Connection Supervisor (spec §4.6):
// the integrating component that accepts a node's connection, runs its
// register/auth handshake, drives its heartbeat, dispatches inbound
// frames, serializes outbound delivery, enforces the per-connection rate
// limit, and supersedes stale connections on reconnect.
//
// Grounded on server/internal/ws/handler.go (upgrade, hello/register
// handshake, one goroutine draining a per-session outbound channel) and
// server/client.go (control-stream write serialization via mutex,
// per-peer circuit breaker idiom generalized here into the rate
// limiter / pending-ack bookkeeping).
package supervisor

import (
	"time"
)

// WSConn is the transport abstraction a Connection is driven over. Both
// gorilla/websocket's *websocket.Conn and quic-go/webtransport-go's
// stream wrapper (internal/transport/webtransport) satisfy this
// interface, so the frame protocol and session semantics stay
// transport-agnostic (spec §9's discriminated-union design extends to
// "any ordered byte stream", not just WebSocket).
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Close codes surfaced on the wire (spec §6).
const (
	CloseNormal   = 1000
	CloseGoingAway = 1001 // "server stopping"
	CloseAbnormal = 1006 // retryable
	ClosePolicy   = 1008 // not retryable
)

// TextMessage and CloseMessage mirror gorilla/websocket's frame-type
// constants so this package doesn't need to import gorilla/websocket
// directly; a *websocket.Conn satisfies WSConn using the same values.
const (
	TextMessage  = 1
	CloseMessage = 8
)
