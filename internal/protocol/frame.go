// Package protocol defines the discriminated-union wire frames exchanged
// between the Gateway and a Node, and the validation rules each frame
// must satisfy before it is handed to the rest of the system.
package protocol

import "fmt"

// Kind discriminates a Frame. Every frame carries exactly one Kind, and
// every Kind below must be handled by a dispatch switch — adding a new
// one should make every such switch obviously incomplete.
type Kind string

const (
	KindNodeRegister       Kind = "node.register"
	KindNodeRegisterAck    Kind = "node.register.ack"
	KindNodeDeregister     Kind = "node.deregister"
	KindHeartbeatPing      Kind = "heartbeat.ping"
	KindHeartbeatPong      Kind = "heartbeat.pong"
	KindLaneMessage        Kind = "lane.message"
	KindLaneMessageAck     Kind = "lane.message.ack"
	KindSessionUpdate      Kind = "session.update"
	KindSessionIdentity    Kind = "session.identity.update"
	KindConfigChanged      Kind = "config.changed"
	KindError              Kind = "error"
)

// Lane is a named priority class for inbound messages to a node.
type Lane string

const (
	LaneSteer     Lane = "steer"
	LaneCollect   Lane = "collect"
	LaneFollowup  Lane = "followup"
	LaneInterrupt Lane = "interrupt"
)

// Priority returns the lane's queueing priority; lower sorts first.
// Interrupt has no queueing priority since it is never queued.
func (l Lane) Priority() (int, bool) {
	switch l {
	case LaneSteer:
		return 0, true
	case LaneCollect:
		return 1, true
	case LaneFollowup:
		return 2, true
	default:
		return 0, false
	}
}

// Valid reports whether l is one of the four recognised lanes.
func (l Lane) Valid() bool {
	switch l {
	case LaneSteer, LaneCollect, LaneFollowup, LaneInterrupt:
		return true
	default:
		return false
	}
}

// SessionState is a node session's lifecycle state.
type SessionState string

const (
	StateConnected    SessionState = "connected"
	StateIdle         SessionState = "idle"
	StateSuspended    SessionState = "suspended"
	StateDisconnected SessionState = "disconnected"
)

// MessageType distinguishes a direct-message conversation from a group one.
type MessageType string

const (
	MessageTypeDM    MessageType = "dm"
	MessageTypeGroup MessageType = "group"
)

// Capabilities is what a node advertises on registration.
type Capabilities struct {
	AgentTypes     []string `json:"agentTypes"`
	AgentIDs       []string `json:"agentIds,omitempty"`
	Tools          []string `json:"tools"`
	MaxConcurrency int      `json:"maxConcurrency"`
	Channels       []string `json:"channels"`
}

// Validate checks the field-level contract from spec §3/§4.1.
func (c Capabilities) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("capabilities.maxConcurrency must be > 0, got %d", c.MaxConcurrency)
	}
	return nil
}

// IdentityContext is the resolved 3-level identity cascade (spec §3).
// All fields are optional on the wire; length bounds are enforced by
// ValidateIdentity.
type IdentityContext struct {
	Name               string `json:"name,omitempty"`
	Avatar             string `json:"avatar,omitempty"`
	Bio                string `json:"bio,omitempty"`
	SystemPromptPrefix string `json:"systemPromptPrefix,omitempty"`
}

const (
	maxNameLen   = 80
	maxBioLen    = 512
	maxPrefixLen = 4096
)

// ValidateIdentity enforces the length bounds from spec §3.
func ValidateIdentity(id IdentityContext) error {
	if len(id.Name) > maxNameLen {
		return fmt.Errorf("identity.name exceeds %d characters", maxNameLen)
	}
	if len(id.Bio) > maxBioLen {
		return fmt.Errorf("identity.bio exceeds %d characters", maxBioLen)
	}
	if len(id.SystemPromptPrefix) > maxPrefixLen {
		return fmt.Errorf("identity.systemPromptPrefix exceeds %d characters", maxPrefixLen)
	}
	return nil
}

// RoutingContext accompanies a lane message and feeds the conversation
// router (spec §3/§4.4).
type RoutingContext struct {
	PeerID      string      `json:"peerId,omitempty"`
	AccountID   string      `json:"accountId,omitempty"`
	GroupID     string      `json:"groupId,omitempty"`
	MessageType MessageType `json:"messageType,omitempty"`
	AgentID     string      `json:"agentId"`
	ChannelID   string      `json:"channelId"`
}

// LaneMessage is the opaque payload envelope routed to a node (spec §3).
type LaneMessage struct {
	ID             string          `json:"id"`
	Lane           Lane            `json:"lane"`
	ChannelID      string          `json:"channelId"`
	Payload        []byte          `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
	RoutingContext *RoutingContext `json:"routingContext,omitempty"`
}

// Validate enforces the field-level contract for a lane message (spec §3, §4.1).
func (m LaneMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("lane message id must not be empty")
	}
	if !m.Lane.Valid() {
		return fmt.Errorf("lane message has unknown lane %q", m.Lane)
	}
	if m.Timestamp <= 0 {
		return fmt.Errorf("lane message timestamp must be positive, got %d", m.Timestamp)
	}
	return nil
}

// ProblemDetails is an RFC-7807-style error body (spec §6).
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Well-known problem types (spec §6).
const (
	ProblemRegistrationFailed = "RegistrationFailed"
	ProblemLaneOverflow       = "LaneOverflow"
	ProblemRateLimited        = "RateLimited"
	ProblemHeartbeatMissed    = "HeartbeatMissed"
	ProblemDeviceKeyUnknown   = "DeviceKeyUnknown"
	ProblemMalformedFrame     = "MalformedFrame"
	ProblemInternal           = "Internal"
)

// Frame is the tagged union exchanged over the wire. Exactly one of the
// payload fields is meaningful for a given Kind; Decode fills every
// field present in the JSON, and ValidateFrame checks the ones relevant
// to that Kind.
type Frame struct {
	Kind Kind `json:"kind"`

	// node.register
	NodeID       string       `json:"nodeId,omitempty"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
	Token        string       `json:"token,omitempty"`
	Signature    string       `json:"signature,omitempty"`
	PublicKey    string       `json:"publicKey,omitempty"`

	// node.register.ack / session.update / session.identity.update
	SessionID string       `json:"sessionId,omitempty"`
	State     SessionState `json:"state,omitempty"`

	// heartbeat.ping / heartbeat.pong / session.update / session.identity.update / config.changed / error
	Timestamp int64 `json:"timestamp,omitempty"`

	// lane.message
	Lane    Lane        `json:"lane,omitempty"`
	Message LaneMessage `json:"message,omitempty"`

	// lane.message.ack
	MessageID string `json:"messageId,omitempty"`

	// session.identity.update
	Identity IdentityContext `json:"identity,omitempty"`

	// config.changed
	Fields []string `json:"fields,omitempty"`

	// error
	RequestID string         `json:"requestId,omitempty"`
	Error     ProblemDetails `json:"error,omitempty"`
}
