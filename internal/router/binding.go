package router

import "strings"

// Match is a glob-style routing predicate on a Binding (spec §3). An
// empty Match field always matches; a non-empty field supports "*"
// (match anything), a prefix glob ("foo*"), a suffix glob ("*foo"), or
// an exact match.
type Match struct {
	Channel   string
	AccountID string
	PeerID    string
}

// Binding is an optional routing rule: the first Binding in declared
// order whose Match is satisfied wins (spec §3).
type Binding struct {
	AgentID string
	Match   Match
}

// globMatch reports whether value satisfies pattern. An empty pattern
// matches everything (catch-all field).
func globMatch(pattern, value string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		return strings.Contains(value, pattern[1:len(pattern)-1])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(value, strings.TrimPrefix(pattern, "*"))
	default:
		return pattern == value
	}
}

// Matches reports whether b applies to the given channel/account/peer.
// An entirely empty Match is a catch-all (spec §3).
func (b Binding) Matches(channel, accountID, peerID string) bool {
	return globMatch(b.Match.Channel, channel) &&
		globMatch(b.Match.AccountID, accountID) &&
		globMatch(b.Match.PeerID, peerID)
}

// ResolveBinding evaluates bindings in declared order and returns the
// agentId of the first match, or ok=false if none match (spec §3: "first
// match wins, empty match is catch-all").
func ResolveBinding(bindings []Binding, channel, accountID, peerID string) (string, bool) {
	for _, b := range bindings {
		if b.Matches(channel, accountID, peerID) {
			return b.AgentID, true
		}
	}
	return "", false
}
