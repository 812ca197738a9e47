// Package config models the Gateway's configuration surface (spec §6):
// a restart-required set wired once at startup (grounded on the
// teacher's flag-based bootstrap in server/main.go) and a
// hot-reloadable set swapped as an atomic immutable snapshot (grounded
// on the "build a new state, swap the pointer, diff for what changed"
// pattern in other_examples' wudi-gateway internal/gateway/reload.go).
package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bken/agentmesh/internal/router"
)

// Restart is the set of options that require a process restart to take
// effect (spec §6).
type Restart struct {
	Port           string
	NexusURL       string
	NexusAPIKey    string
	MaxConnections int
	AuthMode       string
}

// Hot is the set of options that may be changed without a restart (spec
// §6). A Hot value is always treated as immutable once published —
// callers build a new one and call Store.Reload rather than mutating a
// live value in place.
type Hot struct {
	SessionTimeout          time.Duration
	SuspendTimeout          time.Duration
	HealthCheckInterval     time.Duration
	LaneCapacity            int
	MaxFramesPerSecond      int
	DefaultConversationScope router.Scope
	MaxConversations        int
	ConversationTTL         time.Duration
	Bindings                []router.Binding
}

// DefaultHot returns the spec's documented defaults.
func DefaultHot() Hot {
	return Hot{
		SessionTimeout:           60 * time.Second,
		SuspendTimeout:           300 * time.Second,
		HealthCheckInterval:      30 * time.Second,
		LaneCapacity:             256,
		MaxFramesPerSecond:       100,
		DefaultConversationScope: router.ScopeMain,
		MaxConversations:         0, // 0 = unbounded
		ConversationTTL:          0, // 0 = no expiry
	}
}

// Store holds the current Hot snapshot behind an atomic pointer, so
// readers never observe a partially-updated config (spec §9: "hot-reload
// swaps an immutable snapshot").
type Store struct {
	current atomic.Pointer[Hot]
}

// NewStore returns a Store seeded with initial.
func NewStore(initial Hot) *Store {
	s := &Store{}
	s.current.Store(&initial)
	return s
}

// Snapshot returns the currently active Hot config. The returned value
// is never mutated in place by Reload, so callers may hold onto it
// safely.
func (s *Store) Snapshot() Hot {
	return *s.current.Load()
}

// Reload builds a new snapshot by applying mutate to a copy of the
// current one, publishes it atomically, and returns the field names
// that actually changed (for a config.changed frame, spec §6). mutate
// receives the copy by pointer so it can set only the fields the caller
// wants to change.
func (s *Store) Reload(mutate func(next *Hot)) []string {
	prev := s.Snapshot()
	next := prev
	mutate(&next)

	changed := diffFields(prev, next)
	if len(changed) > 0 {
		s.current.Store(&next)
	}
	return changed
}

// diffFields names every Hot field whose value differs between a and b.
// Hand-rolled rather than reflection-based to keep the emitted field
// names stable and matched to the wire vocabulary in spec §6.
func diffFields(a, b Hot) []string {
	var changed []string
	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	add("sessionTimeout", a.SessionTimeout != b.SessionTimeout)
	add("suspendTimeout", a.SuspendTimeout != b.SuspendTimeout)
	add("healthCheckInterval", a.HealthCheckInterval != b.HealthCheckInterval)
	add("laneCapacity", a.LaneCapacity != b.LaneCapacity)
	add("maxFramesPerSecond", a.MaxFramesPerSecond != b.MaxFramesPerSecond)
	add("defaultConversationScope", a.DefaultConversationScope != b.DefaultConversationScope)
	add("maxConversations", a.MaxConversations != b.MaxConversations)
	add("conversationTtl", a.ConversationTTL != b.ConversationTTL)
	add("bindings", fmt.Sprintf("%v", a.Bindings) != fmt.Sprintf("%v", b.Bindings))
	return changed
}
