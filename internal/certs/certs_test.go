package certs

import (
	"crypto/ed25519"
	"testing"
)

func newUAK(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pub, priv
}

func baseCert(delegatePub []byte, scope []string, notAfter *int64) DelegationCertificate {
	return DelegationCertificate{
		Type:         CertType,
		Version:      CertVersion,
		SignerKind:   SignerKindLAK,
		DelegatePub:  delegatePub,
		Scope:        scope,
		NotBefore:    1000,
		NotAfter:     notAfter,
		CodeHash:     []byte("code-hash"),
		ManifestHash: []byte("manifest-hash"),
		KMSVersion:   2,
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	uakPub, uakPriv := newUAK(t)
	delegatePub, _, _ := ed25519.GenerateKey(nil)
	cert := baseCert(delegatePub, []string{"vapid:issue"}, nil)

	if err := Sign(&cert, func(b []byte) ([]byte, error) { return ed25519.Sign(uakPriv, b), nil }); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(cert, uakPub) {
		t.Fatal("expected signature to verify against the signing UAK")
	}
}

func TestVerifyFailsAfterTamper(t *testing.T) {
	uakPub, uakPriv := newUAK(t)
	delegatePub, _, _ := ed25519.GenerateKey(nil)
	cert := baseCert(delegatePub, []string{"vapid:issue"}, nil)
	if err := Sign(&cert, func(b []byte) ([]byte, error) { return ed25519.Sign(uakPriv, b), nil }); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	cert.Scope = []string{"vapid:issue", "lease:expire"}
	if Verify(cert, uakPub) {
		t.Fatal("expected signature verification to fail after the certificate body changed")
	}
}

func TestScopeCoversExactAndWildcard(t *testing.T) {
	scope := []string{"vapid:issue", "lease:*"}
	if !ScopeCovers(scope, "vapid:issue") {
		t.Fatal("expected exact match to cover")
	}
	if !ScopeCovers(scope, "lease:expire") {
		t.Fatal("expected trailing-wildcard scope to cover")
	}
	if ScopeCovers(scope, "audit:rotate") {
		t.Fatal("expected an unrelated op not to be covered")
	}
}

func TestValidAtWindow(t *testing.T) {
	notAfter := int64(2000)
	cert := baseCert(nil, nil, &notAfter)
	if cert.ValidAt(500) {
		t.Fatal("expected a timestamp before not_before to be invalid")
	}
	if !cert.ValidAt(1500) {
		t.Fatal("expected a timestamp inside the window to be valid")
	}
	if cert.ValidAt(2500) {
		t.Fatal("expected a timestamp after not_after to be invalid")
	}
}

func TestValidAtOpenEnded(t *testing.T) {
	cert := baseCert(nil, nil, nil)
	if !cert.ValidAt(1_000_000_000) {
		t.Fatal("a nil not_after must never expire")
	}
}

func TestVerifyFullChecksScopeWindowAndSignerID(t *testing.T) {
	uakPub, uakPriv := newUAK(t)
	delegatePub, _, _ := ed25519.GenerateKey(nil)
	notAfter := int64(2000)
	cert := baseCert(delegatePub, []string{"vapid:issue"}, &notAfter)
	if err := Sign(&cert, func(b []byte) ([]byte, error) { return ed25519.Sign(uakPriv, b), nil }); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	expectedSignerID := SignerID(delegatePub)
	if err := VerifyFull(cert, uakPub, "vapid:issue", 1500, expectedSignerID); err != nil {
		t.Fatalf("VerifyFull: %v", err)
	}
	if err := VerifyFull(cert, uakPub, "audit:rotate", 1500, expectedSignerID); err == nil {
		t.Fatal("expected VerifyFull to reject an op outside scope")
	}
	if err := VerifyFull(cert, uakPub, "vapid:issue", 9999, expectedSignerID); err == nil {
		t.Fatal("expected VerifyFull to reject a timestamp outside the validity window")
	}
	if err := VerifyFull(cert, uakPub, "vapid:issue", 1500, "wrong-signer-id"); err == nil {
		t.Fatal("expected VerifyFull to reject a mismatched signer_id")
	}
}
