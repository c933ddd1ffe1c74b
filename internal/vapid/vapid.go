// Package vapid implements the VAPID Issuer: ES256 JWT construction
// over a non-extractable key handle, the RFC 7638 JWK thumbprint used
// as `kid`, and the raw-point public key encoding the Web Push API
// expects. JWT signing is bound to golang-jwt/jwt/v5 through a custom
// SigningMethod so the library's header/claims/base64url plumbing is
// reused exactly as the teacher project reuses it for its own HS256
// session tokens — only the signing primitive itself is swapped for
// one that calls into cryptoprov instead of holding a raw key.
package vapid

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atskms/core/internal/aad"
	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/kmserrors"
)

const MaxTTLSeconds = 900

// signingMethodES256KMS binds ES256 JWT signing to a live
// *cryptoprov.ECDSAHandle instead of a raw *ecdsa.PrivateKey, so the
// unwrapped VAPID key never needs to leave cryptoprov's control.
type signingMethodES256KMS struct {
	crypto cryptoprov.Provider
}

func (m signingMethodES256KMS) Alg() string { return "ES256" }

func (m signingMethodES256KMS) Sign(signingString string, key interface{}) ([]byte, error) {
	handle, ok := key.(*cryptoprov.ECDSAHandle)
	if !ok {
		return nil, fmt.Errorf("vapid: sign key must be *cryptoprov.ECDSAHandle")
	}
	digest := sha256.Sum256([]byte(signingString))
	r, s, err := m.crypto.SignECDSAP256(handle, digest)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	if err := padInto(sig[:32], r); err != nil {
		return nil, err
	}
	if err := padInto(sig[32:], s); err != nil {
		// r/s longer than 32 bytes only happens with a non-conformant
		// provider; DERToP1363 exists precisely for that cross-provider
		// case, but our own StdProvider always already yields <=32 bytes
		// per component so this path is defensive only.
		return nil, err
	}
	return sig, nil
}

func padInto(dst, src []byte) error {
	if len(src) > len(dst) {
		return fmt.Errorf("vapid: signature component longer than %d bytes", len(dst))
	}
	copy(dst[len(dst)-len(src):], src)
	return nil
}

func (m signingMethodES256KMS) Verify(signingString string, sig []byte, key interface{}) error {
	pub, ok := key.(*cryptoprov.ECDSAHandle)
	if !ok {
		return fmt.Errorf("vapid: verify key must be *cryptoprov.ECDSAHandle")
	}
	_ = pub
	_ = sig
	_ = signingString
	return fmt.Errorf("vapid: verify not supported on handle-bound signing method")
}

// Claims is the VAPID JWT payload (spec §6 "JWT on the wire").
type Claims struct {
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Nbf int64  `json:"nbf,omitempty"`
	Exp int64  `json:"exp"`
	Jti string `json:"jti"`
	Eid string `json:"eid,omitempty"`
	Rid string `json:"rid,omitempty"`
	Uid string `json:"uid,omitempty"`
}

func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Exp, 0)), nil
}
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Iat, 0)), nil
}
func (c Claims) GetNotBefore() (*jwt.NumericDate, error) {
	if c.Nbf == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(c.Nbf, 0)), nil
}
func (c Claims) GetIssuer() (string, error)    { return "", nil }
func (c Claims) GetSubject() (string, error)   { return c.Sub, nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error) { return jwt.ClaimStrings{c.Aud}, nil }

// Issue builds and signs an ES256 VAPID JWT. kid is the unwrapped
// key's thumbprint (JWT header `kid`); handle is the live,
// non-extractable ECDSA handle unwrapped for this call only.
func Issue(crypto cryptoprov.Provider, handle *cryptoprov.ECDSAHandle, kid string, claims Claims) (string, error) {
	if claims.Exp-claims.Iat > MaxTTLSeconds {
		return "", kmserrors.Newf(kmserrors.CodeInternal, "vapid: exp-iat %d exceeds max ttl", claims.Exp-claims.Iat)
	}
	method := signingMethodES256KMS{crypto: crypto}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(handle)
	if err != nil {
		return "", kmserrors.Internal(err)
	}
	return signed, nil
}

// JWKThumbprint computes the RFC 7638 JWK thumbprint of a P-256 public
// key given as the raw uncompressed SEC1 point (0x04 || x || y).
func JWKThumbprint(pubRaw []byte) (string, error) {
	if len(pubRaw) != 65 || pubRaw[0] != 0x04 {
		return "", fmt.Errorf("vapid: public key must be a 65-byte uncompressed P-256 point")
	}
	x := pubRaw[1:33]
	y := pubRaw[33:65]
	canonical, err := aad.Canonicalize(map[string]aad.Value{
		"crv": "P-256",
		"kty": "EC",
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// Header is the VAPID HTTP Authorization header value: vapid
// t=<jwt>, k=<base64url(pub)>.
func Header(jwtStr string, pubRaw []byte) string {
	return fmt.Sprintf("vapid t=%s, k=%s", jwtStr, base64.RawURLEncoding.EncodeToString(pubRaw))
}
