package supervisor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bken/agentmesh/internal/auth"
	"github.com/bken/agentmesh/internal/lane"
	"github.com/bken/agentmesh/internal/protocol"
	"github.com/bken/agentmesh/internal/router"
	"github.com/bken/agentmesh/internal/session"
)

// DefaultRegistrationTimeout bounds how long a newly accepted connection
// has to send its node.register frame before it is dropped (spec §4.6).
const DefaultRegistrationTimeout = 5 * time.Second

// Config holds the Supervisor's own restart-required settings (spec
// §6). Auth and session policy live in the *auth.Verifier and
// *session.Manager passed to New, not duplicated here; hot settings
// (lane capacity, rate limit, heartbeat interval, ack timeout) are read
// from this Config once per new connection, and UpdateHot replaces them
// for connections accepted afterwards.
type Config struct {
	LaneCapacity        int
	MaxFramesPerSecond  int
	AckTimeout          time.Duration // default 2x HealthCheckInterval (SPEC decision)
	HealthCheckInterval time.Duration
	MaxConnections      int
	PerIPLimit          int
	RegistrationTimeout time.Duration
	// DefaultConversationScope resolves a lane message's replay-buffer
	// key when its RoutingContext doesn't name one explicitly (spec §6's
	// defaultConversationScope). Defaults to ScopeMain.
	DefaultConversationScope router.Scope
	// Auth is retained on Config for callers that want to carry auth
	// policy alongside the rest of the Supervisor's restart-required
	// settings (e.g. a single flags-to-Config translation in
	// cmd/gateway); New itself takes an already-constructed
	// *auth.Verifier built from this same policy, so this field is not
	// read by New — it documents the policy the caller's Verifier was
	// built from.
	Auth auth.Config
}

// AuditEvent is emitted on every connect/auth-reject/supersede/close
// (spec §4.6, grounded on server/room.go's SetOnAuditLog hook).
type AuditEvent struct {
	Type       string
	NodeID     string
	RemoteAddr string
	Detail     string
	At         time.Time
}

// Stats is a point-in-time snapshot for operators (spec §4.6, grounded
// on server/room.go's Stats()).
type Stats struct {
	ActiveConnections int
	NodeIDs           []string
}

// Supervisor is the Connection Supervisor (spec §4.6): it accepts
// connections, drives the register/auth handshake, supersedes stale
// connections on reconnect, and owns dispatch of inbound frames to the
// rest of the system.
type Supervisor struct {
	cfg      Config
	verifier *auth.Verifier
	sessions *session.Manager
	limiter  *connLimiter

	mu    sync.Mutex
	conns map[string]*Connection // nodeId -> live connection

	replay *lane.ReplayBuffer

	onAudit func(AuditEvent)
	clock   func() time.Time
}

// New builds a Supervisor. verifier and sessions are shared with the
// rest of the Gateway process (a session.Manager per process, an
// auth.Verifier per process).
func New(cfg Config, verifier *auth.Verifier, sessions *session.Manager) *Supervisor {
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if cfg.AckTimeout <= 0 && cfg.HealthCheckInterval > 0 {
		cfg.AckTimeout = 2 * cfg.HealthCheckInterval
	}
	if cfg.DefaultConversationScope == "" {
		cfg.DefaultConversationScope = router.ScopeMain
	}
	return &Supervisor{
		cfg:      cfg,
		verifier: verifier,
		sessions: sessions,
		limiter:  newConnLimiter(cfg.MaxConnections, cfg.PerIPLimit),
		conns:    make(map[string]*Connection),
		replay:   lane.NewReplayBuffer(),
		clock:    time.Now,
	}
}

// SetOnAudit installs an audit hook (spec §4.6).
func (s *Supervisor) SetOnAudit(fn func(AuditEvent)) { s.onAudit = fn }

func (s *Supervisor) now() time.Time { return s.clock() }

func (s *Supervisor) audit(typ, nodeID, remote, detail string) {
	if s.onAudit != nil {
		s.onAudit(AuditEvent{Type: typ, NodeID: nodeID, RemoteAddr: remote, Detail: detail, At: s.now()})
	}
}

// Accept carries the transport-level metadata available when a
// connection is accepted: the remote address (connection caps, audit),
// the Authorization bearer token from the upgrade request if one was
// sent (spec §6's legacy header path), and the nodeId announced in the
// connection URL's query string, if any.
type Accept struct {
	RemoteAddr  string
	BearerToken string
	NodeID      string
}

// HandleConn drives one accepted transport connection through the full
// register/auth handshake and, on success, blocks serving it until it
// closes (spec §4.6).
func (s *Supervisor) HandleConn(ws WSConn, acc Accept) error {
	remoteAddr := acc.RemoteAddr
	if !s.limiter.CanConnect(remoteAddr) {
		s.audit("connection_rejected", "", remoteAddr, "connection cap reached")
		_ = ws.WriteControl(CloseMessage, closePayload(ClosePolicy, "connection limit reached"), s.now().Add(time.Second))
		_ = ws.Close()
		return fmt.Errorf("connection limit reached for %s", remoteAddr)
	}

	_ = ws.SetReadDeadline(s.now().Add(s.cfg.RegistrationTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read register frame: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{}) // no deadline once registered; heartbeatLoop owns liveness from here

	f, err := protocol.Decode(raw)
	if err != nil || f.Kind != protocol.KindNodeRegister {
		s.audit("registration_failed", "", remoteAddr, "first frame was not node.register")
		s.rejectRegistration(ws, "")
		return fmt.Errorf("first frame must be node.register")
	}
	if acc.NodeID != "" && acc.NodeID != f.NodeID {
		s.audit("registration_failed", f.NodeID, remoteAddr, "url nodeId does not match register frame")
		s.rejectRegistration(ws, f.NodeID)
		return fmt.Errorf("url nodeId %q does not match register frame %q", acc.NodeID, f.NodeID)
	}

	token := f.Token
	if token == "" {
		token = acc.BearerToken
	}
	res := s.verifier.Verify(auth.RegisterRequest{
		NodeID:    f.NodeID,
		Token:     token,
		Signature: f.Signature,
		PublicKey: f.PublicKey,
	}, s.now())
	if !res.Valid {
		s.audit("registration_failed", f.NodeID, remoteAddr, res.Error)
		s.rejectRegistration(ws, f.NodeID)
		return fmt.Errorf("registration rejected for %s", f.NodeID)
	}

	s.mu.Lock()
	old := s.conns[f.NodeID]
	s.mu.Unlock()
	if old != nil {
		s.audit("superseded", f.NodeID, remoteAddr, "new connection arrived for already-connected node")
		old.closeLocal(ClosePolicy, "superseded by new connection")
	}

	// Connect fires the Manager's onUpdate hook, which re-enters this
	// Supervisor via NotifySessionUpdate — keep it outside s.mu. The new
	// connection is not yet registered in s.conns, so the connect-time
	// session.update is absorbed by the register ack below.
	sess := s.sessions.Connect(f.NodeID)

	s.mu.Lock()
	conn := newConnection(s, f.NodeID, sess.ID, remoteAddr, ws, s.cfg.LaneCapacity, s.cfg.MaxFramesPerSecond, s.cfg.AckTimeout)
	s.conns[f.NodeID] = conn
	interval := s.cfg.HealthCheckInterval
	s.mu.Unlock()

	s.limiter.TrackConnect(remoteAddr)
	s.audit("connected", f.NodeID, remoteAddr, fmt.Sprintf("session=%s reconnect_count=%d", sess.ID, sess.ReconnectCount))

	if err := conn.send(protocol.Frame{
		Kind:      protocol.KindNodeRegisterAck,
		NodeID:    f.NodeID,
		SessionID: sess.ID,
		State:     sess.State,
	}); err != nil {
		conn.closeLocal(CloseAbnormal, "failed to send register ack")
		return err
	}

	slog.Info("node registered", "node_id", f.NodeID, "session_id", sess.ID, "remote", remoteAddr)
	conn.run(interval)
	return nil
}

func (s *Supervisor) rejectRegistration(ws WSConn, nodeID string) {
	c := protocol.Codec{}
	b, _ := c.Encode(protocol.NewErrorFrame("", protocol.ProblemDetails{
		Type:   protocol.ProblemRegistrationFailed,
		Title:  protocol.ProblemRegistrationFailed,
		Status: 401,
	}, s.now().UnixMilli()))
	_ = ws.WriteMessage(TextMessage, b)
	_ = ws.WriteControl(CloseMessage, closePayload(ClosePolicy, "registration failed"), s.now().Add(time.Second))
	_ = ws.Close()
}

// dispatch routes a validated inbound frame from an already-registered
// node (spec §4.6's "Frame dispatch" table).
func (s *Supervisor) dispatch(c *Connection, f protocol.Frame) {
	switch f.Kind {
	case protocol.KindHeartbeatPing:
		// A node may probe liveness itself; answer with the timestamp
		// echoed back before any later outbound frame (spec §4.6/§5).
		_ = c.send(protocol.Frame{Kind: protocol.KindHeartbeatPong, Timestamp: f.Timestamp})
		s.sessions.Heartbeat(c.nodeID)

	case protocol.KindHeartbeatPong:
		c.handlePong()
		s.sessions.Heartbeat(c.nodeID)

	case protocol.KindLaneMessageAck:
		c.acks.Ack(f.MessageID)
		s.sessions.Message(c.nodeID)

	case protocol.KindNodeDeregister:
		s.audit("deregistered", c.nodeID, c.remoteAddr, "")
		s.sessions.Disconnect(c.nodeID)
		c.closeLocal(CloseNormal, "deregistered")

	default:
		c.sendErrorFrame(f.RequestID, protocol.ProblemMalformedFrame,
			fmt.Sprintf("unexpected frame kind %q from node", f.Kind), 400)
	}
}

func (s *Supervisor) onLaneOverflow(nodeID string) func(msg protocol.LaneMessage, l protocol.Lane) {
	return func(msg protocol.LaneMessage, l protocol.Lane) {
		slog.Warn("lane overflow, oldest message evicted", "node_id", nodeID, "lane", l, "dropped_message_id", msg.ID)
		s.audit("lane_overflow", nodeID, "", fmt.Sprintf("lane=%s dropped=%s", l, msg.ID))
	}
}

// forget removes conn from the registry and releases its connection-cap
// accounting, only if it is still the currently-registered connection
// for that node (a superseded connection closing after the new one has
// already taken its slot must not evict the new one).
func (s *Supervisor) forget(conn *Connection, code int, reason string) {
	s.mu.Lock()
	if current, ok := s.conns[conn.nodeID]; ok && current == conn {
		delete(s.conns, conn.nodeID)
	}
	s.mu.Unlock()
	s.limiter.TrackDisconnect(conn.remoteAddr)
	s.audit("closed", conn.nodeID, conn.remoteAddr, fmt.Sprintf("code=%d reason=%s", code, reason))
}

// NotifySessionUpdate pushes a session.update frame to the session's
// node, if it is connected (spec §4.3: "a session.update frame is
// emitted to the node on every state change"). Wire it as the
// session.Manager's onUpdate hook. The write goes through the same
// serial outbound queue as lane messages, so a state change is always
// observed before any lane.message produced after it (spec §5's
// ordering guarantee).
func (s *Supervisor) NotifySessionUpdate(sess *session.Session) {
	s.mu.Lock()
	conn, ok := s.conns[sess.NodeID]
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.send(protocol.Frame{
		Kind:      protocol.KindSessionUpdate,
		NodeID:    sess.NodeID,
		SessionID: sess.ID,
		State:     sess.State,
		Timestamp: s.now().UnixMilli(),
	})
}

// UpdateHot applies the hot-reloadable subset of the Supervisor's
// settings (spec §6). Existing connections keep the limits they were
// built with; new connections pick up the fresh values. Zero values
// leave the corresponding setting unchanged.
func (s *Supervisor) UpdateHot(laneCapacity, maxFramesPerSecond int, healthCheckInterval, ackTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if laneCapacity > 0 {
		s.cfg.LaneCapacity = laneCapacity
	}
	if maxFramesPerSecond > 0 {
		s.cfg.MaxFramesPerSecond = maxFramesPerSecond
	}
	if healthCheckInterval > 0 {
		s.cfg.HealthCheckInterval = healthCheckInterval
	}
	if ackTimeout > 0 {
		s.cfg.AckTimeout = ackTimeout
	}
}

// Deliver enqueues msg for nodeID's live connection, if any (spec §4.5 /
// §4.6). Callers resolve which node owns a conversation key via
// internal/router and internal/router.Binding before calling this.
// Messages carrying a RoutingContext are also recorded in the
// conversation's replay window (SPEC_FULL §4) before delivery, so a
// reconnecting node can ask MessagesSince for what it missed regardless
// of whether this delivery attempt itself succeeds.
func (s *Supervisor) Deliver(nodeID string, msg protocol.LaneMessage) error {
	if key := s.conversationKey(msg); key != "" {
		s.replay.Record(key, msg)
	}

	s.mu.Lock()
	conn, ok := s.conns[nodeID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("node %s is not connected", nodeID)
	}
	return conn.EnqueueLaneMessage(msg)
}

// conversationKey resolves msg's replay-buffer key from its
// RoutingContext using the Supervisor's default scope. Returns "" when
// msg carries no RoutingContext (e.g. operator-injected messages) or
// when resolution fails (missing required field) — such messages are
// still delivered, just outside the replay window.
func (s *Supervisor) conversationKey(msg protocol.LaneMessage) string {
	rc := msg.RoutingContext
	if rc == nil {
		return ""
	}
	res, err := router.Resolve(router.Input{
		Scope:       s.cfg.DefaultConversationScope,
		AgentID:     rc.AgentID,
		ChannelID:   rc.ChannelID,
		PeerID:      rc.PeerID,
		AccountID:   rc.AccountID,
		GroupID:     rc.GroupID,
		MessageType: router.MessageType(rc.MessageType),
	})
	if err != nil {
		return ""
	}
	return res.Key
}

// MessagesSince returns every lane message buffered for conversationKey
// since lastSeq, letting a reconnecting node (or its Gateway-side
// delegate) catch up on what it missed (SPEC_FULL §4's replay window).
func (s *Supervisor) MessagesSince(conversationKey string, lastSeq uint64) []protocol.LaneMessage {
	return s.replay.Since(conversationKey, lastSeq)
}

// UpdateIdentity pushes a session.identity.update frame to nodeID's live
// connection and updates the session record (spec §3/§4.3).
func (s *Supervisor) UpdateIdentity(nodeID string, identity protocol.IdentityContext) error {
	sess, ok := s.sessions.UpdateIdentity(nodeID, identity)
	if !ok {
		return fmt.Errorf("node %s has no session", nodeID)
	}
	s.mu.Lock()
	conn, connected := s.conns[nodeID]
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return conn.send(protocol.Frame{
		Kind:      protocol.KindSessionIdentity,
		NodeID:    nodeID,
		SessionID: sess.ID,
		Identity:  identity,
		Timestamp: s.now().UnixMilli(),
	})
}

// BroadcastConfigChanged notifies every connected node of changed field
// names (spec §6's config.changed frame).
func (s *Supervisor) BroadcastConfigChanged(fields []string) {
	if len(fields) == 0 {
		return
	}
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	ts := s.now().UnixMilli()
	for _, c := range conns {
		_ = c.send(protocol.Frame{Kind: protocol.KindConfigChanged, Fields: fields, Timestamp: ts})
	}
}

// Stats returns a point-in-time snapshot (spec §4.6).
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return Stats{ActiveConnections: len(s.conns), NodeIDs: ids}
}
