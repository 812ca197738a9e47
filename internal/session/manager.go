package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bken/agentmesh/internal/protocol"
)

// Config holds the two hot-reloadable session timers (spec §4.3, §6).
type Config struct {
	// SessionTimeout is how long a connected session may go without a
	// heartbeat or message before it moves to idle. Default 60s.
	SessionTimeout time.Duration
	// SuspendTimeout is how long an idle session may go before it moves
	// to suspended. Default 300s.
	SuspendTimeout time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{SessionTimeout: 60 * time.Second, SuspendTimeout: 300 * time.Second}
}

// entry bundles a Session with the two timers that drive its automatic
// transitions. Protected by Manager.mu.
type entry struct {
	session      *Session
	idleTimer    *time.Timer
	suspendTimer *time.Timer
}

// Manager is the sole owner of every node's Session record (spec §3
// Ownership). One Manager serves the whole Gateway process.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry // nodeId -> entry
	cfg      Config

	// onUpdate is called (outside the lock) on every state transition so
	// the Connection Supervisor can emit a session.update frame. May be
	// nil in tests.
	onUpdate func(s *Session)

	clock func() time.Time
}

// NewManager constructs a Manager with cfg. onUpdate, if non-nil, fires
// after every state change with a snapshot copy of the Session.
func NewManager(cfg Config, onUpdate func(s *Session)) *Manager {
	return &Manager{
		sessions: make(map[string]*entry),
		cfg:      cfg,
		onUpdate: onUpdate,
		clock:    time.Now,
	}
}

// SetOnUpdate installs the state-change hook after construction, for
// callers that build the Manager before the component that consumes its
// notifications (cmd/gateway builds the Manager first, the Supervisor
// second, then wires the two here).
func (m *Manager) SetOnUpdate(fn func(s *Session)) {
	m.mu.Lock()
	m.onUpdate = fn
	m.mu.Unlock()
}

// SetConfig hot-swaps the timer durations. Existing timers are not
// retroactively rescheduled; they take effect on the next reset (i.e.
// the next heartbeat or message), matching the teacher's pattern of
// config fields read fresh on each check rather than re-armed eagerly.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Connect always starts a fresh Session for nodeID, since a new physical
// connection has arrived. If a prior session exists in any state, its
// timers are stopped and the new session takes over its ReconnectCount
// (plus one) and IdentityContext. The caller — the Connection
// Supervisor — is responsible for closing the superseded connection
// before calling Connect again for the same node.
func (m *Manager) Connect(nodeID string) *Session {
	m.mu.Lock()

	now := m.clock()
	prior, existed := m.sessions[nodeID]
	reconnectCount := 0
	var identity protocol.IdentityContext
	if existed {
		reconnectCount = prior.session.ReconnectCount + 1
		identity = prior.session.IdentityContext
		m.stopTimersLocked(prior)
	}

	s := newSession(nodeID, now, reconnectCount, identity)
	e := &entry{session: s}
	m.sessions[nodeID] = e
	m.armIdleTimerLocked(nodeID, e)
	snapshot := s.clone()
	m.mu.Unlock()

	slog.Info("session connected", "node_id", nodeID, "session_id", s.ID, "reconnect_count", s.ReconnectCount)
	m.notify(snapshot)
	return snapshot
}

// Get returns a snapshot of the current session for nodeID, if any.
func (m *Manager) Get(nodeID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[nodeID]
	if !ok {
		return nil, false
	}
	return e.session.clone(), true
}

// Heartbeat records activity and, per spec §4.3, moves an idle session
// back to connected. A no-op transition (heartbeat on a suspended or
// disconnected session) is a warning, not an error.
func (m *Manager) Heartbeat(nodeID string) {
	m.transition(nodeID, "heartbeat")
}

// Message records activity the same way Heartbeat does (spec §4.3's
// "message" event has identical transition behaviour to "heartbeat").
func (m *Manager) Message(nodeID string) {
	m.transition(nodeID, "message")
}

func (m *Manager) transition(nodeID, event string) {
	m.mu.Lock()
	e, ok := m.sessions[nodeID]
	if !ok {
		m.mu.Unlock()
		slog.Warn("session event on unknown node", "node_id", nodeID, "event", event)
		return
	}

	now := m.clock()
	var changed *Session
	switch e.session.State {
	case protocol.StateConnected:
		e.session.LastActivityAt = now
		m.resetIdleTimerLocked(nodeID, e)
	case protocol.StateIdle:
		e.session.State = protocol.StateConnected
		e.session.LastActivityAt = now
		m.stopTimersLocked(e)
		m.armIdleTimerLocked(nodeID, e)
		changed = e.session.clone()
	case protocol.StateSuspended, protocol.StateDisconnected:
		slog.Warn("session event ignored in terminal-adjacent state", "node_id", nodeID, "event", event, "state", e.session.State)
	}
	m.mu.Unlock()

	if changed != nil {
		slog.Info("session state change", "node_id", nodeID, "event", event, "state", changed.State)
		m.notify(changed)
	}
}

// IdleTimeout is invoked when a connected session's idle timer fires.
// Exported so tests can drive the state machine deterministically
// without waiting on real timers.
func (m *Manager) IdleTimeout(nodeID string) {
	m.mu.Lock()
	e, ok := m.sessions[nodeID]
	if !ok || e.session.State != protocol.StateConnected {
		m.mu.Unlock()
		return
	}
	e.session.State = protocol.StateIdle
	m.armSuspendTimerLocked(nodeID, e)
	snapshot := e.session.clone()
	m.mu.Unlock()

	slog.Info("session idle", "node_id", nodeID, "session_id", snapshot.ID)
	m.notify(snapshot)
}

// SuspendTimeout is invoked when an idle session's suspend timer fires.
func (m *Manager) SuspendTimeout(nodeID string) {
	m.mu.Lock()
	e, ok := m.sessions[nodeID]
	if !ok || e.session.State != protocol.StateIdle {
		m.mu.Unlock()
		return
	}
	e.session.State = protocol.StateSuspended
	m.stopTimersLocked(e)
	snapshot := e.session.clone()
	m.mu.Unlock()

	slog.Info("session suspended", "node_id", nodeID, "session_id", snapshot.ID)
	m.notify(snapshot)
}

// Disconnect moves the session to the terminal disconnected state from
// any non-disconnected state (spec §4.3 table: connected/idle/suspended
// all accept disconnect).
func (m *Manager) Disconnect(nodeID string) {
	m.mu.Lock()
	e, ok := m.sessions[nodeID]
	if !ok || e.session.State == protocol.StateDisconnected {
		m.mu.Unlock()
		if ok {
			slog.Warn("disconnect on already-disconnected session", "node_id", nodeID)
		}
		return
	}
	e.session.State = protocol.StateDisconnected
	m.stopTimersLocked(e)
	snapshot := e.session.clone()
	m.mu.Unlock()

	slog.Info("session disconnected", "node_id", nodeID, "session_id", snapshot.ID)
	m.notify(snapshot)
}

// Reconnect is a convenience wrapper documenting spec §4.3's "reconnect"
// event from the suspended state. In this implementation a reconnect
// always arrives as a brand new physical connection, so it is handled
// by Connect (which already increments ReconnectCount and preserves
// IdentityContext); Reconnect does not check the prior state and
// delegates to Connect whatever it was, so the table's "suspended ->
// connected on reconnect" cell and a reconnect from idle or
// disconnected all yield a fresh connected session.
func (m *Manager) Reconnect(nodeID string) *Session {
	return m.Connect(nodeID)
}

// UpdateIdentity replaces a session's identity context (spec §3:
// "immutable — updates replace the record").
func (m *Manager) UpdateIdentity(nodeID string, identity protocol.IdentityContext) (*Session, bool) {
	m.mu.Lock()
	e, ok := m.sessions[nodeID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	e.session.IdentityContext = identity
	snapshot := e.session.clone()
	m.mu.Unlock()
	return snapshot, true
}

func (m *Manager) notify(s *Session) {
	m.mu.Lock()
	fn := m.onUpdate
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// --- timer plumbing (must be called with m.mu held) ---

func (m *Manager) armIdleTimerLocked(nodeID string, e *entry) {
	timeout := m.cfg.SessionTimeout
	e.idleTimer = time.AfterFunc(timeout, func() { m.IdleTimeout(nodeID) })
}

func (m *Manager) resetIdleTimerLocked(nodeID string, e *entry) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	m.armIdleTimerLocked(nodeID, e)
}

func (m *Manager) armSuspendTimerLocked(nodeID string, e *entry) {
	timeout := m.cfg.SuspendTimeout
	e.suspendTimer = time.AfterFunc(timeout, func() { m.SuspendTimeout(nodeID) })
}

func (m *Manager) stopTimersLocked(e *entry) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	if e.suspendTimer != nil {
		e.suspendTimer.Stop()
	}
}
