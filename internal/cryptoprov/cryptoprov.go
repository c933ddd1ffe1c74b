// Package cryptoprov is the concrete Go stand-in for the
// "CryptoProvider" external collaborator: generate, wrap,
// unwrap, import, sign, verify, and deny export of key handles. The
// primitive layer is treated as a platform abstraction (WebCrypto
// in the browser); here it is backed directly by the standard library's
// crypto/aes, crypto/ecdsa, crypto/ed25519, crypto/sha256 and
// crypto/rand, since this *is* the primitive layer the rest of the
// system is built against rather than an ambient concern with an
// established third-party idiom in the example corpus.
//
// Handles returned by this package expose no private-key getter;
// PublicKeyRaw returns public keys only. Private key bytes exist outside
// a handle only as the values GenerateECDSAP256 and GenerateEd25519
// return and as the input to the matching Import* call.
package cryptoprov

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// Provider is the primitive surface the rest of the KMS core programs
// against. A single process-wide StdProvider satisfies it; tests may
// substitute a deterministic fake.
type Provider interface {
	RandomBytes(n int) ([]byte, error)
	SHA256(data []byte) [32]byte

	GenerateAEADKey(raw []byte) (*AEADHandle, error)
	SealAEAD(h *AEADHandle, nonce, plaintext, aad []byte) ([]byte, error)
	OpenAEAD(h *AEADHandle, nonce, ciphertext, aad []byte) ([]byte, error)

	GenerateECDSAP256() (priv *ECDSAHandle, rawD []byte, err error)
	ImportECDSAP256(rawD []byte) (*ECDSAHandle, error)
	SignECDSAP256(h *ECDSAHandle, digest [32]byte) (r, s []byte, err error)

	GenerateEd25519() (priv *Ed25519Handle, rawSeed []byte, err error)
	ImportEd25519(rawSeed []byte) (*Ed25519Handle, error)
	SignEd25519(h *Ed25519Handle, msg []byte) ([]byte, error)
	VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool
}

// AEADHandle wraps a 32-byte AES-256-GCM key. The key bytes are
// reachable only through Zero (which destroys them) — there is no
// export path, matching "non-extractable handle after
// derivation" invariant for MKEK/SessionKEK.
type AEADHandle struct {
	key []byte
}

// Zero overwrites the handle's key material with random bytes and then
// zeroes it, per zeroization discipline. The handle is unusable
// afterward.
func (h *AEADHandle) Zero() {
	if h == nil || h.key == nil {
		return
	}
	_, _ = rand.Read(h.key)
	for i := range h.key {
		h.key[i] = 0
	}
	h.key = nil
}

// ECDSAHandle wraps a P-256 private key restricted to signing.
type ECDSAHandle struct {
	priv *ecdsa.PrivateKey
}

func (h *ECDSAHandle) PublicKeyRaw() []byte {
	return elliptic.Marshal(elliptic.P256(), h.priv.PublicKey.X, h.priv.PublicKey.Y)
}

// Ed25519Handle wraps an Ed25519 private key restricted to signing.
type Ed25519Handle struct {
	priv ed25519.PrivateKey
}

func (h *Ed25519Handle) Public() ed25519.PublicKey {
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, h.priv[32:])
	return pub
}

// StdProvider is the production Provider backed by the Go standard
// library's crypto packages.
type StdProvider struct{}

func NewStdProvider() *StdProvider { return &StdProvider{} }

func (StdProvider) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cryptoprov: random: %w", err)
	}
	return b, nil
}

func (StdProvider) SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func (StdProvider) GenerateAEADKey(raw []byte) (*AEADHandle, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("cryptoprov: AEAD key must be 32 bytes, got %d", len(raw))
	}
	key := make([]byte, 32)
	copy(key, raw)
	return &AEADHandle{key: key}, nil
}

func (StdProvider) SealAEAD(h *AEADHandle, nonce, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(h.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, 16)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("cryptoprov: nonce must be %d bytes", gcm.NonceSize())
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

func (StdProvider) OpenAEAD(h *AEADHandle, nonce, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(h.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, 16)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("cryptoprov: aead open: %w", err)
	}
	return pt, nil
}

func (StdProvider) GenerateECDSAP256() (*ECDSAHandle, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	raw := priv.D.FillBytes(make([]byte, 32))
	return &ECDSAHandle{priv: priv}, raw, nil
}

func (StdProvider) ImportECDSAP256(rawD []byte) (*ECDSAHandle, error) {
	if len(rawD) != 32 {
		return nil, fmt.Errorf("cryptoprov: ECDSA D must be 32 bytes")
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(rawD)
	x, y := curve.ScalarBaseMult(rawD)
	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}
	return &ECDSAHandle{priv: priv}, nil
}

func (StdProvider) SignECDSAP256(h *ECDSAHandle, digest [32]byte) ([]byte, []byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, h.priv, digest[:])
	if err != nil {
		return nil, nil, err
	}
	return r.Bytes(), s.Bytes(), nil
}

func (StdProvider) GenerateEd25519() (*Ed25519Handle, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	seed := priv.Seed()
	_ = pub
	return &Ed25519Handle{priv: priv}, seed, nil
}

func (StdProvider) ImportEd25519(rawSeed []byte) (*Ed25519Handle, error) {
	if len(rawSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("cryptoprov: ed25519 seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(rawSeed)
	return &Ed25519Handle{priv: priv}, nil
}

func (StdProvider) SignEd25519(h *Ed25519Handle, msg []byte) ([]byte, error) {
	return ed25519.Sign(h.priv, msg), nil
}

func (StdProvider) VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}
