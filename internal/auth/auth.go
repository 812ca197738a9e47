// Package auth implements device authentication for node registration
// (spec §4.2): Ed25519 JWT verification, Trust-On-First-Use device key
// pinning, and a legacy bearer-token fallback. Verification uses
// github.com/golang-jwt/jwt/v5, the JWT library seen across the example
// pack (notably the SAGE-X-project-sage manifest); the teacher itself
// has no JWT dependency, so this is an "enrich from the rest of the
// pack" addition rather than a teacher-grounded one. The constant-time
// token compare and self-signed-cert bootstrap style is grounded on
// server/tls.go's "build crypto material up front, fail fast on error"
// shape.
package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Mode selects which credential(s) register accepts (spec §4.2).
type Mode string

const (
	ModeLegacy  Mode = "legacy"  // bearer token only
	ModeEd25519 Mode = "ed25519" // signature only
	ModeDual    Mode = "dual"    // either
)

// Result is the outcome of a verification attempt (spec §4.2).
type Result struct {
	Valid  bool
	NodeID string
	Exp    time.Time
	Error  string // internal diagnostic only; never sent to the client (spec: "never leak which check failed")
}

// genericReject is the Result.Error that Verify returns for a rejected
// token or signature. Key-registry and unknown-mode failures carry their
// own internal text instead. None of these texts reaches the wire: the
// Supervisor answers every rejected registration with the same
// RegistrationFailed error frame (spec §4.2: "Rejections always return a
// generic error frame; never leak which check failed").
const genericReject = "device authentication failed"

// Config holds the restart-required auth settings (spec §6).
type Config struct {
	Mode        Mode
	JWTMaxAge   time.Duration // default 5m
	ExpectedToken string      // for legacy/dual bearer comparison
}

// DefaultJWTMaxAge is the spec's documented default.
const DefaultJWTMaxAge = 5 * time.Minute

// Verifier authenticates a node.register frame per the configured Mode.
type Verifier struct {
	cfg   Config
	store *KeyStore
}

// NewVerifier builds a Verifier bound to cfg and a device key store.
func NewVerifier(cfg Config, store *KeyStore) *Verifier {
	if cfg.JWTMaxAge <= 0 {
		cfg.JWTMaxAge = DefaultJWTMaxAge
	}
	return &Verifier{cfg: cfg, store: store}
}

// VerifyToken performs a timing-safe comparison against the expected
// token (spec §4.2: "compare ... using a timing-safe equality that does
// not short-circuit on length differences"). Hashing both sides first
// fixes the compared length at 32 bytes regardless of input length, so
// subtle.ConstantTimeCompare never sees — and can't branch on — the
// caller-supplied length.
func VerifyToken(provided, expected string) bool {
	p := sha256.Sum256([]byte(provided))
	e := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(p[:], e[:]) == 1
}

// nodeIDClaim is the JWT claims shape this verifier expects: a `sub`
// claim holding the announced nodeId, and standard `exp`.
type nodeIDClaim struct {
	jwt.RegisteredClaims
}

// VerifySignature decodes signature as an Ed25519-signed JWT, enforces
// alg=EdDSA, sub==nodeID, and exp within cfg.JWTMaxAge of now (spec
// §4.2). publicKeyB64 is the base64url-encoded Ed25519 public key to
// verify against (resolved by the caller via the device key registry,
// after TOFU pinning has already been applied to register.publicKey).
func (v *Verifier) VerifySignature(signature, nodeID, publicKeyB64 string, now time.Time) Result {
	pubBytes, err := base64.RawURLEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return Result{Error: fmt.Sprintf("decode public key: %v", err)}
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return Result{Error: "public key has wrong length"}
	}
	pub := ed25519.PublicKey(pubBytes)

	claims := &nodeIDClaim{}
	parsed, err := jwt.ParseWithClaims(signature, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Result{Error: "JWT expired"}
		}
		return Result{Error: fmt.Sprintf("parse jwt: %v", err)}
	}
	if claims.Subject != nodeID {
		return Result{Error: "sub claim does not match announced nodeId"}
	}
	if claims.ExpiresAt == nil {
		return Result{Error: "jwt missing exp claim"}
	}
	exp := claims.ExpiresAt.Time
	if exp.Before(now) {
		return Result{Error: "JWT expired"}
	}
	if exp.Sub(now) > v.cfg.JWTMaxAge {
		return Result{Error: "JWT expired"}
	}
	return Result{Valid: true, NodeID: nodeID, Exp: exp}
}

// RegisterRequest bundles what a node.register frame offers for auth
// (spec §4.1: token?, signature?, publicKey?).
type RegisterRequest struct {
	NodeID    string
	Token     string
	Signature string
	PublicKey string // base64url, present alongside Signature for first-use pinning
}

// Verify authenticates a register request per cfg.Mode (spec §4.2).
// The internal Result.Error is for logs only; callers must surface only
// a generic error frame to the wire.
func (v *Verifier) Verify(req RegisterRequest, now time.Time) Result {
	switch v.cfg.Mode {
	case ModeLegacy:
		if req.Token == "" || !VerifyToken(req.Token, v.cfg.ExpectedToken) {
			return Result{Error: genericReject}
		}
		return Result{Valid: true, NodeID: req.NodeID}

	case ModeEd25519:
		return v.verifyViaSignature(req, now)

	case ModeDual:
		if req.Signature != "" {
			if res := v.verifyViaSignature(req, now); res.Valid {
				return res
			}
		}
		if req.Token != "" && VerifyToken(req.Token, v.cfg.ExpectedToken) {
			return Result{Valid: true, NodeID: req.NodeID}
		}
		return Result{Error: genericReject}

	default:
		return Result{Error: "unknown auth mode"}
	}
}

func (v *Verifier) verifyViaSignature(req RegisterRequest, now time.Time) Result {
	if req.Signature == "" || req.PublicKey == "" {
		return Result{Error: genericReject}
	}
	pinned, err := v.store.Resolve(req.NodeID, req.PublicKey)
	if err != nil {
		return Result{Error: err.Error()}
	}
	res := v.VerifySignature(req.Signature, req.NodeID, pinned, now)
	if !res.Valid {
		res.Error = genericReject
	}
	return res
}
