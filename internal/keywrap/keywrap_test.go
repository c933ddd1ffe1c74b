package keywrap

import (
	"bytes"
	"testing"

	"github.com/atskms/core/internal/aad"
	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/kmserrors"
)

func newKEK(t *testing.T) (*cryptoprov.StdProvider, *cryptoprov.AEADHandle) {
	t.Helper()
	p := cryptoprov.NewStdProvider()
	raw, err := p.RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	h, err := p.GenerateAEADKey(raw)
	if err != nil {
		t.Fatalf("GenerateAEADKey: %v", err)
	}
	return p, h
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	p, kek := newKEK(t)
	aadBytes, err := aad.WrappedKeyAAD("kid-1", "ES256", "vapid-signing", 2, 1000)
	if err != nil {
		t.Fatalf("WrappedKeyAAD: %v", err)
	}
	raw := []byte("32-byte-ecdsa-private-key-material")

	wk, err := Wrap(p, kek, raw, "kid-1", "vapid-signing", "ES256", []byte("pub"), aadBytes, 1000)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	got, err := Unwrap(p, kek, wk)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("got %q, want %q", got, raw)
	}
}

func TestUnwrapSurfacesAADMismatch(t *testing.T) {
	p, kek := newKEK(t)
	aadBytes, _ := aad.WrappedKeyAAD("kid-1", "ES256", "vapid-signing", 2, 1000)
	wk, err := Wrap(p, kek, []byte("secret-bytes"), "kid-1", "vapid-signing", "ES256", nil, aadBytes, 1000)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	tamperedAAD, _ := aad.WrappedKeyAAD("kid-1", "ES256", "vapid-signing", 2, 9999)
	wk.AAD = tamperedAAD

	_, err = Unwrap(p, kek, wk)
	if err == nil {
		t.Fatal("expected an error when AAD has been tampered with")
	}
	kerr, ok := kmserrors.As(err)
	if !ok {
		t.Fatalf("expected *kmserrors.Error, got %T", err)
	}
	if kerr.Code != kmserrors.CodeAADMismatch {
		t.Fatalf("got code %q, want %q", kerr.Code, kmserrors.CodeAADMismatch)
	}
}

func TestUnwrapFailsUnderWrongKEK(t *testing.T) {
	p, kek := newKEK(t)
	_, otherKEK := newKEK(t)
	aadBytes, _ := aad.WrappedKeyAAD("kid-1", "ES256", "vapid-signing", 2, 1000)
	wk, err := Wrap(p, kek, []byte("secret-bytes"), "kid-1", "vapid-signing", "ES256", nil, aadBytes, 1000)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if _, err := Unwrap(p, otherKEK, wk); err == nil {
		t.Fatal("expected unwrap under the wrong KEK to fail")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	p, kek := newKEK(t)
	aadBytes, _ := aad.WrappedKeyAAD("kid-1", "ES256", "vapid-signing", 2, 1000)
	wk, err := Wrap(p, kek, []byte("secret-bytes"), "kid-1", "vapid-signing", "ES256", []byte("pub"), aadBytes, 1000)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	raw, err := Marshal(wk)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Kid != wk.Kid || !bytes.Equal(back.WrappedBytes, wk.WrappedBytes) {
		t.Fatal("round-tripped wrapped key does not match original")
	}
}
