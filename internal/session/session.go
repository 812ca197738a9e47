// Package session implements the per-node session state machine (spec
// §4.3): the Session Manager is the sole owner of every Session record,
// grounded on the teacher's ChannelState (server/internal/core/channel_state.go)
// — a map of live per-entity state behind a single sync.RWMutex, with
// slog events on every transition.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/bken/agentmesh/internal/protocol"
)

// Session is a node's connection lifecycle record (spec §3). Invariants:
// ConnectedAt <= LastActivityAt; a Disconnected session is terminal;
// ReconnectCount is monotonic.
type Session struct {
	ID              string
	NodeID          string
	State           protocol.SessionState
	ConnectedAt     time.Time
	LastActivityAt  time.Time
	ReconnectCount  int
	IdentityContext protocol.IdentityContext
}

// clone returns a value copy safe to hand to callers outside the
// manager's lock.
func (s *Session) clone() *Session {
	cp := *s
	return &cp
}

func newSession(nodeID string, now time.Time, reconnectCount int, identity protocol.IdentityContext) *Session {
	return &Session{
		ID:              uuid.NewString(),
		NodeID:          nodeID,
		State:           protocol.StateConnected,
		ConnectedAt:     now,
		LastActivityAt:  now,
		ReconnectCount:  reconnectCount,
		IdentityContext: identity,
	}
}
