// Package router derives conversation keys from routing context, with
// the scope-fallback rules from spec §4.4. It is grounded on the
// teacher's channel/server keying in server/room.go (BroadcastToChannel,
// channelSeqs keyed by channelID) generalized to the full scope cascade,
// and on the other_examples router files (amurg-ai-amurg hub/router,
// flemzord-sclaw router) for the shape of a pure, side-effect-free
// "resolve a routing key from structured context" function.
package router

import (
	"fmt"
	"strings"
)

// Scope is a requested conversation-key shape (spec §3/§4.4).
type Scope string

const (
	ScopeMain                  Scope = "main"
	ScopePerPeer               Scope = "per-peer"
	ScopePerChannelPeer        Scope = "per-channel-peer"
	ScopePerAccountChannelPeer Scope = "per-account-channel-peer"
)

// MessageType mirrors protocol.MessageType without importing it, keeping
// this package dependency-free for easy unit testing; callers pass
// protocol.MessageTypeDM / protocol.MessageTypeGroup values directly
// since both are plain strings.
type MessageType string

const (
	MessageTypeDM    MessageType = "dm"
	MessageTypeGroup MessageType = "group"
)

// Input is the routing context fed into Resolve (spec §4.4).
type Input struct {
	Scope       Scope
	AgentID     string
	ChannelID   string
	PeerID      string
	AccountID   string
	GroupID     string
	MessageType MessageType
}

// Result is what Resolve returns (spec §4.4).
type Result struct {
	Key            string
	RequestedScope Scope
	EffectiveScope Scope
	Degraded       bool
	Warnings       []string
}

// Resolve derives a Conversation Key from in, applying the scope
// fallback and group-message override rules from spec §4.4. A colon in
// any input field is a hard error (colons are the key's own delimiter).
func Resolve(in Input) (Result, error) {
	for name, v := range map[string]string{
		"agentId": in.AgentID, "channelId": in.ChannelID, "peerId": in.PeerID,
		"accountId": in.AccountID, "groupId": in.GroupID,
	} {
		if strings.Contains(v, ":") {
			return Result{}, fmt.Errorf("routing field %s must not contain ':'", name)
		}
	}

	agentID := strings.TrimSpace(in.AgentID)
	channelID := strings.TrimSpace(in.ChannelID)
	peerID := strings.TrimSpace(in.PeerID)
	accountID := strings.TrimSpace(in.AccountID)
	groupID := strings.TrimSpace(in.GroupID)

	if agentID == "" {
		return Result{}, fmt.Errorf("agentId is required")
	}

	// Rule 1: group messages always use the group form, regardless of
	// requested scope.
	if in.MessageType == MessageTypeGroup {
		if channelID == "" {
			return Result{}, fmt.Errorf("channelId is required for group messages")
		}
		if groupID == "" {
			return Result{}, fmt.Errorf("groupId is required for group messages")
		}
		key := fmt.Sprintf("agent:%s:%s:group:%s", agentID, channelID, groupID)
		return Result{Key: key, RequestedScope: in.Scope, EffectiveScope: in.Scope}, nil
	}

	// Rule 2: peerId is required for every per-peer-based scope.
	switch in.Scope {
	case ScopeMain:
		return Result{
			Key:            fmt.Sprintf("agent:%s:main", agentID),
			RequestedScope: ScopeMain,
			EffectiveScope: ScopeMain,
		}, nil

	case ScopePerPeer:
		if peerID == "" {
			return Result{}, fmt.Errorf("peerId is required for scope %q", ScopePerPeer)
		}
		return Result{
			Key:            fmt.Sprintf("agent:%s:dm:%s", agentID, peerID),
			RequestedScope: ScopePerPeer,
			EffectiveScope: ScopePerPeer,
		}, nil

	case ScopePerChannelPeer:
		if peerID == "" {
			return Result{}, fmt.Errorf("peerId is required for scope %q", ScopePerChannelPeer)
		}
		if channelID == "" {
			return Result{}, fmt.Errorf("channelId is required for scope %q", ScopePerChannelPeer)
		}
		return Result{
			Key:            fmt.Sprintf("agent:%s:%s:dm:%s", agentID, channelID, peerID),
			RequestedScope: ScopePerChannelPeer,
			EffectiveScope: ScopePerChannelPeer,
		}, nil

	case ScopePerAccountChannelPeer:
		if peerID == "" {
			return Result{}, fmt.Errorf("peerId is required for scope %q", ScopePerAccountChannelPeer)
		}
		if channelID == "" {
			return Result{}, fmt.Errorf("channelId is required for scope %q", ScopePerAccountChannelPeer)
		}
		// Rule 3: accountId is the only field allowed to degrade gracefully.
		if accountID == "" {
			return Result{
				Key:            fmt.Sprintf("agent:%s:%s:dm:%s", agentID, channelID, peerID),
				RequestedScope: ScopePerAccountChannelPeer,
				EffectiveScope: ScopePerChannelPeer,
				Degraded:       true,
				Warnings:       []string{"accountId missing: degraded per-account-channel-peer to per-channel-peer"},
			}, nil
		}
		return Result{
			Key:            fmt.Sprintf("agent:%s:%s:%s:dm:%s", agentID, channelID, accountID, peerID),
			RequestedScope: ScopePerAccountChannelPeer,
			EffectiveScope: ScopePerAccountChannelPeer,
		}, nil

	default:
		return Result{}, fmt.Errorf("unknown scope %q", in.Scope)
	}
}

// Parsed is the inverse of a successfully constructed key.
type Parsed struct {
	AgentID   string
	ChannelID string
	PeerID    string
	AccountID string
	GroupID   string
	Scope     Scope
	IsGroup   bool
}

// Parse is the inverse of Resolve: it returns ok=false for malformed or
// unrecognised shapes (spec §4.4 rule 5) rather than erroring, since a
// failed parse is an expected outcome for arbitrary input. Segment
// counts alone cannot disambiguate the per-channel-peer and group forms
// (both five segments), so the connector at the channel/body boundary
// ("dm" vs "group") is what decides it.
func Parse(key string) (Parsed, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] != "agent" {
		return Parsed{}, false
	}
	agentID := parts[1]

	switch len(parts) {
	case 3:
		// agent:<agentId>:main
		if parts[2] != "main" {
			return Parsed{}, false
		}
		return Parsed{AgentID: agentID, Scope: ScopeMain}, true

	case 4:
		// agent:<agentId>:dm:<peerId>
		if parts[2] != "dm" {
			return Parsed{}, false
		}
		return Parsed{AgentID: agentID, PeerID: parts[3], Scope: ScopePerPeer}, true

	case 5:
		switch parts[3] {
		case "dm":
			// agent:<agentId>:<channelId>:dm:<peerId>
			return Parsed{AgentID: agentID, ChannelID: parts[2], PeerID: parts[4], Scope: ScopePerChannelPeer}, true
		case "group":
			// agent:<agentId>:<channelId>:group:<groupId>
			return Parsed{AgentID: agentID, ChannelID: parts[2], GroupID: parts[4], IsGroup: true}, true
		default:
			return Parsed{}, false
		}

	case 6:
		// agent:<agentId>:<channelId>:<accountId>:dm:<peerId>
		if parts[4] != "dm" {
			return Parsed{}, false
		}
		return Parsed{
			AgentID:   agentID,
			ChannelID: parts[2],
			AccountID: parts[3],
			PeerID:    parts[5],
			Scope:     ScopePerAccountChannelPeer,
		}, true

	default:
		return Parsed{}, false
	}
}
