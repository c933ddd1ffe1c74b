package delegation

import (
	"bytes"
	"context"
	"testing"

	auditpkg "github.com/atskms/core/internal/audit"
	"github.com/atskms/core/internal/certs"
	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/store"
)

func newManager(t *testing.T) (*Manager, cryptoprov.Provider, store.KV) {
	t.Helper()
	crypto := cryptoprov.NewStdProvider()
	kv := store.NewMemKV()
	clock := int64(1_700_000_000_000)
	mgr := NewManager(crypto, kv, func() int64 { return clock })
	return mgr, crypto, kv
}

func newMKEK(t *testing.T, crypto cryptoprov.Provider) *cryptoprov.AEADHandle {
	t.Helper()
	raw, err := crypto.RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	h, err := crypto.GenerateAEADKey(raw)
	if err != nil {
		t.Fatalf("GenerateAEADKey: %v", err)
	}
	return h
}

func TestEnsureLRKIsIdempotentAcrossCalls(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()
	first, err := mgr.EnsureLRK(ctx)
	if err != nil {
		t.Fatalf("EnsureLRK: %v", err)
	}
	second, err := mgr.EnsureLRK(ctx)
	if err != nil {
		t.Fatalf("EnsureLRK: %v", err)
	}
	// Both handles must wrap the same underlying key: sealing under one
	// and opening under the other must succeed.
	nonce := make([]byte, 12)
	crypto := cryptoprov.NewStdProvider()
	ct, err := crypto.SealAEAD(first, nonce, []byte("probe"), nil)
	if err != nil {
		t.Fatalf("SealAEAD: %v", err)
	}
	pt, err := crypto.OpenAEAD(second, nonce, ct, nil)
	if err != nil {
		t.Fatalf("expected the second EnsureLRK call to return the same key: %v", err)
	}
	if string(pt) != "probe" {
		t.Fatalf("got %q, want %q", pt, "probe")
	}
}

func TestGenerateAndLoadUAKSigner(t *testing.T) {
	mgr, crypto, _ := newManager(t)
	ctx := context.Background()
	mkek := newMKEK(t, crypto)

	pub, err := mgr.GenerateUAK(ctx, mkek)
	if err != nil {
		t.Fatalf("GenerateUAK: %v", err)
	}

	signer, err := mgr.LoadUAKSigner(ctx, mkek)
	if err != nil {
		t.Fatalf("LoadUAKSigner: %v", err)
	}
	if signer.Kind() != auditpkg.SignerUAK {
		t.Fatalf("got kind %q, want %q", signer.Kind(), auditpkg.SignerUAK)
	}

	sig, err := signer.Sign([]byte("message"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !crypto.VerifyEd25519(pub, []byte("message"), sig) {
		t.Fatal("UAK signature does not verify against the public key GenerateUAK returned")
	}

	loadedPub, err := mgr.UAKPublicKey(ctx)
	if err != nil {
		t.Fatalf("UAKPublicKey: %v", err)
	}
	if !bytes.Equal(loadedPub, pub) {
		t.Fatal("UAKPublicKey must match the key GenerateUAK produced")
	}
}

func TestEnsureKIAKAndIssueCert(t *testing.T) {
	mgr, crypto, _ := newManager(t)
	ctx := context.Background()
	mkek := newMKEK(t, crypto)
	lrk, err := mgr.EnsureLRK(ctx)
	if err != nil {
		t.Fatalf("EnsureLRK: %v", err)
	}

	uakPub, err := mgr.GenerateUAK(ctx, mkek)
	if err != nil {
		t.Fatalf("GenerateUAK: %v", err)
	}
	uakSigner, err := mgr.LoadUAKSigner(ctx, mkek)
	if err != nil {
		t.Fatalf("LoadUAKSigner: %v", err)
	}

	rec, err := mgr.EnsureKIAK(ctx, lrk, "instance-1")
	if err != nil {
		t.Fatalf("EnsureKIAK: %v", err)
	}
	if rec.InstanceID != "instance-1" {
		t.Fatalf("got instance id %q", rec.InstanceID)
	}

	if err := mgr.IssueKIAKCert(ctx, uakSigner, []byte("code"), []byte("manifest")); err != nil {
		t.Fatalf("IssueKIAKCert: %v", err)
	}

	kiakSigner, err := mgr.LoadKIAKSigner(ctx, lrk)
	if err != nil {
		t.Fatalf("LoadKIAKSigner: %v", err)
	}
	if kiakSigner.Kind() != auditpkg.SignerKIAK {
		t.Fatalf("got kind %q, want %q", kiakSigner.Kind(), auditpkg.SignerKIAK)
	}
	cert := kiakSigner.Cert()
	if cert == nil {
		t.Fatal("expected the loaded KIAK signer to carry its delegation certificate")
	}
	if !certs.Verify(*cert, uakPub) {
		t.Fatal("KIAK certificate signature does not verify against the issuing UAK")
	}
}

func TestGenerateAndLoadLAKSigner(t *testing.T) {
	mgr, crypto, _ := newManager(t)
	ctx := context.Background()
	mkek := newMKEK(t, crypto)
	lrk, err := mgr.EnsureLRK(ctx)
	if err != nil {
		t.Fatalf("EnsureLRK: %v", err)
	}
	if _, err := mgr.GenerateUAK(ctx, mkek); err != nil {
		t.Fatalf("GenerateUAK: %v", err)
	}
	uakSigner, err := mgr.LoadUAKSigner(ctx, mkek)
	if err != nil {
		t.Fatalf("LoadUAKSigner: %v", err)
	}

	if err := mgr.GenerateLAK(ctx, lrk, uakSigner, "lease-1", 2_000_000_000_000, []byte("code"), []byte("manifest")); err != nil {
		t.Fatalf("GenerateLAK: %v", err)
	}

	lakSigner, err := mgr.LoadLAKSigner(ctx, lrk, "lease-1")
	if err != nil {
		t.Fatalf("LoadLAKSigner: %v", err)
	}
	if lakSigner.Kind() != auditpkg.SignerLAK {
		t.Fatalf("got kind %q, want %q", lakSigner.Kind(), auditpkg.SignerLAK)
	}
	if lakSigner.Cert() == nil || lakSigner.Cert().LeaseID != "lease-1" {
		t.Fatal("expected LAK's certificate to carry the lease id it was minted for")
	}

	if _, err := mgr.LoadLAKSigner(ctx, lrk, "no-such-lease"); err == nil {
		t.Fatal("expected an error loading an LAK for a lease that was never created")
	}
}

func TestRotateKIAKProducesDualSigner(t *testing.T) {
	mgr, crypto, _ := newManager(t)
	ctx := context.Background()
	mkek := newMKEK(t, crypto)
	lrk, err := mgr.EnsureLRK(ctx)
	if err != nil {
		t.Fatalf("EnsureLRK: %v", err)
	}
	if _, err := mgr.GenerateUAK(ctx, mkek); err != nil {
		t.Fatalf("GenerateUAK: %v", err)
	}
	uakSigner, err := mgr.LoadUAKSigner(ctx, mkek)
	if err != nil {
		t.Fatalf("LoadUAKSigner: %v", err)
	}
	if _, err := mgr.EnsureKIAK(ctx, lrk, "instance-1"); err != nil {
		t.Fatalf("EnsureKIAK: %v", err)
	}
	if err := mgr.IssueKIAKCert(ctx, uakSigner, []byte("code"), []byte("manifest")); err != nil {
		t.Fatalf("IssueKIAKCert: %v", err)
	}

	oldPubBefore, err := mgr.KIAKPublicKey(ctx)
	if err != nil {
		t.Fatalf("KIAKPublicKey: %v", err)
	}

	rotated, err := mgr.RotateKIAK(ctx, lrk, uakSigner, []byte("code"), []byte("manifest"))
	if err != nil {
		t.Fatalf("RotateKIAK: %v", err)
	}

	oldSig, err := rotated.Sign([]byte("continuity"))
	if err != nil {
		t.Fatalf("Sign (old): %v", err)
	}
	if !crypto.VerifyEd25519(oldPubBefore, []byte("continuity"), oldSig) {
		t.Fatal("rotated signer's old-key signature must verify against the pre-rotation public key")
	}

	newSig, err := rotated.SignNew([]byte("continuity"))
	if err != nil {
		t.Fatalf("SignNew: %v", err)
	}
	newPubAfter, err := mgr.KIAKPublicKey(ctx)
	if err != nil {
		t.Fatalf("KIAKPublicKey: %v", err)
	}
	if !crypto.VerifyEd25519(newPubAfter, []byte("continuity"), newSig) {
		t.Fatal("rotated signer's new-key signature must verify against the post-rotation public key")
	}
	if bytes.Equal(oldPubBefore, newPubAfter) {
		t.Fatal("rotation must install a different KIAK public key")
	}
}
