package vapid

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atskms/core/internal/cryptoprov"
)

func TestIssueProducesVerifiableES256JWT(t *testing.T) {
	crypto := cryptoprov.NewStdProvider()
	handle, _, err := crypto.GenerateECDSAP256()
	if err != nil {
		t.Fatalf("GenerateECDSAP256: %v", err)
	}
	pubRaw := handle.PublicKeyRaw()

	kid, err := JWKThumbprint(pubRaw)
	if err != nil {
		t.Fatalf("JWKThumbprint: %v", err)
	}

	now := time.Now().Unix()
	claims := Claims{
		Aud: "https://push.example.com",
		Sub: "mailto:admin@example.com",
		Iat: now,
		Exp: now + 600,
		Jti: "jti-1",
	}
	signed, err := Issue(crypto, handle, kid, claims)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if signed == "" {
		t.Fatal("expected a non-empty signed JWT")
	}

	// Parse without verifying (signingMethodES256KMS.Verify is
	// intentionally unsupported) to confirm header/claims round-trip.
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(signed, jwt.MapClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	if token.Header["alg"] != "ES256" {
		t.Fatalf("got alg %v, want ES256", token.Header["alg"])
	}
	if token.Header["kid"] != kid {
		t.Fatalf("got kid %v, want %v", token.Header["kid"], kid)
	}
	mc := token.Claims.(jwt.MapClaims)
	if mc["jti"] != "jti-1" {
		t.Fatalf("got jti %v, want jti-1", mc["jti"])
	}

	// Verify the P-1363 signature directly against the VAPID public key.
	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("got %d JWT segments, want 3", len(parts))
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sig) != 64 {
		t.Fatalf("expected a 64-byte P-1363 signature, got %d bytes (err %v)", len(sig), err)
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(pubRaw[1:33]),
		Y:     new(big.Int).SetBytes(pubRaw[33:65]),
	}
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if !ecdsa.Verify(pub, digest[:], new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:])) {
		t.Fatal("JWT signature does not verify under the VAPID public key")
	}
}

func TestIssueRejectsTTLOverMax(t *testing.T) {
	crypto := cryptoprov.NewStdProvider()
	handle, _, _ := crypto.GenerateECDSAP256()
	now := time.Now().Unix()
	claims := Claims{Aud: "https://push.example.com", Sub: "mailto:a@b.com", Iat: now, Exp: now + MaxTTLSeconds + 1, Jti: "jti-2"}
	if _, err := Issue(crypto, handle, "kid", claims); err == nil {
		t.Fatal("expected Issue to reject a TTL above MaxTTLSeconds")
	}
}

func TestJWKThumbprintDeterministicAndRejectsBadLength(t *testing.T) {
	crypto := cryptoprov.NewStdProvider()
	handle, _, _ := crypto.GenerateECDSAP256()
	pubRaw := handle.PublicKeyRaw()

	a, err := JWKThumbprint(pubRaw)
	if err != nil {
		t.Fatalf("JWKThumbprint: %v", err)
	}
	b, err := JWKThumbprint(pubRaw)
	if err != nil {
		t.Fatalf("JWKThumbprint: %v", err)
	}
	if a != b {
		t.Fatal("thumbprint must be deterministic for the same key")
	}

	if _, err := JWKThumbprint(pubRaw[:64]); err == nil {
		t.Fatal("expected an error for a non-65-byte point")
	}
}

func TestHeaderFormat(t *testing.T) {
	h := Header("signed.jwt.value", []byte{0x04, 0x01, 0x02})
	if !bytes.Contains([]byte(h), []byte("vapid t=signed.jwt.value, k=")) {
		t.Fatalf("unexpected header format: %s", h)
	}
}

func TestDERToP1363AndBackRoundTrip(t *testing.T) {
	// r has its high bit set (needs a leading 0x00 in DER); s is small.
	r := bytesRepeat(0xff, 32)
	s := append(bytesRepeat(0x00, 31), 0x01)
	sig := append(append([]byte{}, r...), s...)

	der, err := P1363ToDER(sig)
	if err != nil {
		t.Fatalf("P1363ToDER: %v", err)
	}
	back, err := DERToP1363(der, 32)
	if err != nil {
		t.Fatalf("DERToP1363: %v", err)
	}
	if !bytes.Equal(back, sig) {
		t.Fatalf("round trip mismatch: got %x, want %x", back, sig)
	}
}

func bytesRepeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
