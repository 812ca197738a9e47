package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"
)

// KeyStore is the in-memory device key registry (spec §3 Device Key):
// nodeId -> pinned public key, an upper bound on registry size, and a
// TOFU toggle. Persistence across restarts is the concern of an
// external store (internal/keystore.SQLiteStore) that hydrates this map
// at startup and is notified of new installs via OnInstall; KeyStore
// itself only implements the lookup/install interface spec §3 calls
// for.
type KeyStore struct {
	mu            sync.Mutex
	keys          map[string]string // nodeId -> base64url public key
	maxDeviceKeys int
	allowTofu     bool
	onInstall     func(nodeID, publicKey string)
}

// NewKeyStore returns an empty registry. maxDeviceKeys <= 0 means
// unbounded (spec default is 10000; callers should pass that explicitly
// rather than rely on this fallback).
func NewKeyStore(maxDeviceKeys int, allowTofu bool) *KeyStore {
	return &KeyStore{
		keys:          make(map[string]string),
		maxDeviceKeys: maxDeviceKeys,
		allowTofu:     allowTofu,
	}
}

// SetOnInstall registers a hook fired (outside the lock) whenever a new
// key is pinned via TOFU, so an external store can persist it.
func (k *KeyStore) SetOnInstall(fn func(nodeID, publicKey string)) {
	k.mu.Lock()
	k.onInstall = fn
	k.mu.Unlock()
}

// Hydrate seeds the registry from persisted state at startup (spec §6
// knownKeys[]), bypassing TOFU and the size cap since these are already
// trusted.
func (k *KeyStore) Hydrate(keys map[string]string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for nodeID, key := range keys {
		k.keys[nodeID] = key
	}
}

// Size returns the current registry size.
func (k *KeyStore) Size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}

// errDeviceKeyUnknown is returned when a pinned key does not match, or
// when no pinned key exists and TOFU does not apply (spec §4.2). It is an
// internal diagnostic only: on the wire the rejection is the generic
// RegistrationFailed error frame, not ProblemDeviceKeyUnknown.
var errDeviceKeyUnknown = fmt.Errorf("device key unknown")

// ErrDeviceKeyUnknown is returned by Resolve when a node presents a
// public key that cannot be trusted (spec §4.2).
func ErrDeviceKeyUnknown() error { return errDeviceKeyUnknown }

// Resolve returns the public key to verify signatures against for
// nodeID. If a pinned key exists it MUST match providedKey (constant-time
// compare); mismatch is rejected. If none exists, TOFU pins providedKey
// when allowTofu is true and the registry is under capacity; otherwise
// it is rejected with errDeviceKeyUnknown (spec §4.2).
func (k *KeyStore) Resolve(nodeID, providedKey string) (string, error) {
	k.mu.Lock()
	pinned, exists := k.keys[nodeID]
	if exists {
		k.mu.Unlock()
		if !constantTimeEqual(pinned, providedKey) {
			return "", errDeviceKeyUnknown
		}
		return pinned, nil
	}

	if !k.allowTofu {
		k.mu.Unlock()
		return "", errDeviceKeyUnknown
	}
	if k.maxDeviceKeys > 0 && len(k.keys) >= k.maxDeviceKeys {
		k.mu.Unlock()
		return "", errDeviceKeyUnknown
	}
	k.keys[nodeID] = providedKey
	hook := k.onInstall
	k.mu.Unlock()

	if hook != nil {
		hook(nodeID, providedKey)
	}
	return providedKey, nil
}

func constantTimeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
