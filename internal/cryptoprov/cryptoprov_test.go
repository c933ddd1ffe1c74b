package cryptoprov

import (
	"bytes"
	"testing"
)

func TestRandomBytesLengthAndNotConstant(t *testing.T) {
	p := NewStdProvider()
	a, err := p.RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	if len(a) != 16 {
		t.Fatalf("got %d bytes, want 16", len(a))
	}
	b, err := p.RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two random draws collided; RNG looks broken")
	}
}

func TestAEADSealOpenRoundTrip(t *testing.T) {
	p := NewStdProvider()
	raw, _ := p.RandomBytes(32)
	h, err := p.GenerateAEADKey(raw)
	if err != nil {
		t.Fatalf("GenerateAEADKey: %v", err)
	}
	nonce, _ := p.RandomBytes(12)
	aad := []byte(`{"purpose":"test"}`)
	ct, err := p.SealAEAD(h, nonce, []byte("plaintext"), aad)
	if err != nil {
		t.Fatalf("SealAEAD: %v", err)
	}
	pt, err := p.OpenAEAD(h, nonce, ct, aad)
	if err != nil {
		t.Fatalf("OpenAEAD: %v", err)
	}
	if string(pt) != "plaintext" {
		t.Fatalf("got %q, want %q", pt, "plaintext")
	}
}

func TestAEADOpenFailsOnAADMismatch(t *testing.T) {
	p := NewStdProvider()
	raw, _ := p.RandomBytes(32)
	h, _ := p.GenerateAEADKey(raw)
	nonce, _ := p.RandomBytes(12)
	ct, err := p.SealAEAD(h, nonce, []byte("secret"), []byte("aad-a"))
	if err != nil {
		t.Fatalf("SealAEAD: %v", err)
	}
	if _, err := p.OpenAEAD(h, nonce, ct, []byte("aad-b")); err == nil {
		t.Fatal("expected AEAD open to fail on AAD mismatch")
	}
}

func TestAEADHandleZeroDestroysKey(t *testing.T) {
	p := NewStdProvider()
	raw, _ := p.RandomBytes(32)
	h, _ := p.GenerateAEADKey(raw)
	h.Zero()
	if h.key != nil {
		t.Fatal("Zero must nil out the key field")
	}
}

func TestECDSAGenerateImportSignRoundTrip(t *testing.T) {
	p := NewStdProvider()
	h, rawD, err := p.GenerateECDSAP256()
	if err != nil {
		t.Fatalf("GenerateECDSAP256: %v", err)
	}
	imported, err := p.ImportECDSAP256(rawD)
	if err != nil {
		t.Fatalf("ImportECDSAP256: %v", err)
	}
	if !bytes.Equal(h.PublicKeyRaw(), imported.PublicKeyRaw()) {
		t.Fatal("import must reproduce the same public key")
	}

	digest := p.SHA256([]byte("message"))
	r, s, err := p.SignECDSAP256(h, digest)
	if err != nil {
		t.Fatalf("SignECDSAP256: %v", err)
	}
	if len(r) == 0 || len(s) == 0 {
		t.Fatal("expected non-empty r and s components")
	}
}

func TestEd25519GenerateImportSignVerifyRoundTrip(t *testing.T) {
	p := NewStdProvider()
	h, seed, err := p.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	imported, err := p.ImportEd25519(seed)
	if err != nil {
		t.Fatalf("ImportEd25519: %v", err)
	}
	if !bytes.Equal(h.Public(), imported.Public()) {
		t.Fatal("import must reproduce the same public key")
	}

	sig, err := p.SignEd25519(h, []byte("payload"))
	if err != nil {
		t.Fatalf("SignEd25519: %v", err)
	}
	if !p.VerifyEd25519(h.Public(), []byte("payload"), sig) {
		t.Fatal("signature must verify against the matching public key")
	}
	if p.VerifyEd25519(h.Public(), []byte("tampered"), sig) {
		t.Fatal("signature must not verify against a different message")
	}
}

func TestGenerateAEADKeyRejectsWrongLength(t *testing.T) {
	p := NewStdProvider()
	if _, err := p.GenerateAEADKey([]byte("too-short")); err == nil {
		t.Fatal("expected an error for a non-32-byte key")
	}
}
