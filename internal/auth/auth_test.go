package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signJWT(t *testing.T, priv ed25519.PrivateKey, sub string, exp time.Time) string {
	t.Helper()
	claims := nodeIDClaim{jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func TestVerifyTokenTimingSafeEquality(t *testing.T) {
	if !VerifyToken("secret", "secret") {
		t.Fatalf("expected matching tokens to verify")
	}
	if VerifyToken("secret", "different-length-value") {
		t.Fatalf("expected mismatched tokens to fail")
	}
	if VerifyToken("", "secret") {
		t.Fatalf("expected empty token to fail")
	}
}

func TestLegacyModeAcceptsOnlyBearer(t *testing.T) {
	v := NewVerifier(Config{Mode: ModeLegacy, ExpectedToken: "tok"}, NewKeyStore(10, false))
	res := v.Verify(RegisterRequest{NodeID: "n1", Token: "tok"}, time.Now())
	if !res.Valid {
		t.Fatalf("expected valid: %+v", res)
	}
	res = v.Verify(RegisterRequest{NodeID: "n1", Token: "wrong"}, time.Now())
	if res.Valid {
		t.Fatalf("expected invalid for wrong token")
	}
}

func TestEd25519ModeTOFUPinsFirstKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	pubB64 := base64.RawURLEncoding.EncodeToString(pub)

	store := NewKeyStore(10, true)
	v := NewVerifier(Config{Mode: ModeEd25519, JWTMaxAge: 5 * time.Minute}, store)

	now := time.Now()
	sig := signJWT(t, priv, "n1", now.Add(time.Minute))

	res := v.Verify(RegisterRequest{NodeID: "n1", Signature: sig, PublicKey: pubB64}, now)
	if !res.Valid {
		t.Fatalf("expected first-use pinning to accept: %+v", res)
	}
	if store.Size() != 1 {
		t.Fatalf("expected key to be pinned")
	}

	// A second connection with a different key for the same node must
	// be rejected: the pinned key must match.
	_, otherPriv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)
	_ = otherPub
	sig2 := signJWT(t, otherPriv, "n1", now.Add(time.Minute))
	res2 := v.Verify(RegisterRequest{NodeID: "n1", Signature: sig2, PublicKey: base64.RawURLEncoding.EncodeToString(otherPub)}, now)
	if res2.Valid {
		t.Fatalf("expected mismatched pinned key to be rejected")
	}
}

func TestEd25519ModeRejectsWithoutTOFUWhenUnknown(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	pubB64 := base64.RawURLEncoding.EncodeToString(pub)
	store := NewKeyStore(10, false) // TOFU disabled
	v := NewVerifier(Config{Mode: ModeEd25519}, store)

	now := time.Now()
	sig := signJWT(t, priv, "n1", now.Add(time.Minute))
	res := v.Verify(RegisterRequest{NodeID: "n1", Signature: sig, PublicKey: pubB64}, now)
	if res.Valid {
		t.Fatalf("expected rejection when TOFU is disabled and no key is pinned")
	}
}

func TestEd25519ModeRejectsWhenRegistryFull(t *testing.T) {
	store := NewKeyStore(1, true)
	store.Hydrate(map[string]string{"existing": "some-key"})

	pub, priv, _ := ed25519.GenerateKey(nil)
	pubB64 := base64.RawURLEncoding.EncodeToString(pub)
	v := NewVerifier(Config{Mode: ModeEd25519}, store)

	now := time.Now()
	sig := signJWT(t, priv, "n2", now.Add(time.Minute))
	res := v.Verify(RegisterRequest{NodeID: "n2", Signature: sig, PublicKey: pubB64}, now)
	if res.Valid {
		t.Fatalf("expected rejection once registry is at capacity")
	}
}

func TestJWTExpiryRejected(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	pubB64 := base64.RawURLEncoding.EncodeToString(pub)
	store := NewKeyStore(10, true)
	v := NewVerifier(Config{Mode: ModeEd25519, JWTMaxAge: 5 * time.Minute}, store)

	now := time.Now()
	expired := signJWT(t, priv, "n1", now.Add(-time.Minute))
	res := v.VerifySignature(expired, "n1", pubB64, now)
	if res.Valid || res.Error != "JWT expired" {
		t.Fatalf("expected JWT expired error, got %+v", res)
	}
}

func TestJWTSubjectMismatchRejected(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	pubB64 := base64.RawURLEncoding.EncodeToString(pub)
	store := NewKeyStore(10, true)
	v := NewVerifier(Config{Mode: ModeEd25519}, store)

	now := time.Now()
	sig := signJWT(t, priv, "someone-else", now.Add(time.Minute))
	res := v.VerifySignature(sig, "n1", pubB64, now)
	if res.Valid {
		t.Fatalf("expected sub mismatch to be rejected")
	}
}

func TestDualModeAcceptsEither(t *testing.T) {
	store := NewKeyStore(10, true)
	v := NewVerifier(Config{Mode: ModeDual, ExpectedToken: "tok"}, store)
	res := v.Verify(RegisterRequest{NodeID: "n1", Token: "tok"}, time.Now())
	if !res.Valid {
		t.Fatalf("expected dual mode to accept bearer token")
	}
}

func TestRejectionsAreGenericAndDoNotLeakCause(t *testing.T) {
	v := NewVerifier(Config{Mode: ModeLegacy, ExpectedToken: "tok"}, NewKeyStore(10, false))
	res := v.Verify(RegisterRequest{NodeID: "n1", Token: "wrong"}, time.Now())
	if res.Error != genericReject {
		t.Fatalf("expected generic rejection message, got %q", res.Error)
	}
}
