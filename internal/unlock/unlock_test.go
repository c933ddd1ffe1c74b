package unlock

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	auditpkg "github.com/atskms/core/internal/audit"
	"github.com/atskms/core/internal/certs"
	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/kdf"
	"github.com/atskms/core/internal/kmserrors"
	"github.com/atskms/core/internal/mastersecret"
	"github.com/atskms/core/internal/store"
)

type fakeUAKSigner struct {
	priv ed25519.PrivateKey
}

func (s *fakeUAKSigner) Kind() string                      { return auditpkg.SignerUAK }
func (s *fakeUAKSigner) SignerID() string                  { return certs.SignerID(s.priv.Public().(ed25519.PublicKey)) }
func (s *fakeUAKSigner) Cert() *certs.DelegationCertificate { return nil }
func (s *fakeUAKSigner) Sign(msg []byte) ([]byte, error)    { return ed25519.Sign(s.priv, msg), nil }

type fakeKIAKSigner struct {
	priv ed25519.PrivateKey
}

func (s *fakeKIAKSigner) Kind() string                      { return auditpkg.SignerKIAK }
func (s *fakeKIAKSigner) SignerID() string                  { return certs.SignerID(s.priv.Public().(ed25519.PublicKey)) }
func (s *fakeKIAKSigner) Cert() *certs.DelegationCertificate { return nil }
func (s *fakeKIAKSigner) Sign(msg []byte) ([]byte, error)    { return ed25519.Sign(s.priv, msg), nil }

func setupEnrollment(t *testing.T, crypto cryptoprov.Provider, kv store.KV, passphrase string) ([]byte, string) {
	t.Helper()
	ms, err := mastersecret.NewManager(crypto).CreateMasterSecret()
	if err != nil {
		t.Fatalf("CreateMasterSecret: %v", err)
	}
	salt, err := crypto.RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	iterations := 50_000
	kekBytes, kcv := kdf.DeriveKEKAndKCV(passphrase, salt, iterations)
	kek, err := crypto.GenerateAEADKey(kekBytes[:])
	if err != nil {
		t.Fatalf("GenerateAEADKey: %v", err)
	}

	paramsJSON := `{"iterations":50000}`
	aadBytes, err := mastersecret.BuildWrapAAD(mastersecret.MethodPassphrase, paramsJSON)
	if err != nil {
		t.Fatalf("BuildWrapAAD: %v", err)
	}
	ct, iv, err := mastersecret.NewManager(crypto).EncryptMS(ms, kek, aadBytes)
	if err != nil {
		t.Fatalf("EncryptMS: %v", err)
	}

	enrollmentID := "enr-1"
	e := mastersecret.Enrollment{
		ID: enrollmentID, Method: mastersecret.MethodPassphrase, KDFParamsJSON: paramsJSON,
		KCV: kcv[:], EncryptedMS: ct, IV: iv, AAD: aadBytes, MSVersion: 2,
		CalibratedPBKDF2: &kdf.CalibratedParams{Salt: salt, Iterations: iterations},
	}
	raw, err := mastersecret.MarshalEnrollment(e)
	if err != nil {
		t.Fatalf("MarshalEnrollment: %v", err)
	}
	if err := kv.Put(context.Background(), "enrollment:"+enrollmentID+":config", raw); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return ms, enrollmentID
}

func baseDeps(crypto cryptoprov.Provider, kv store.KV, audit *auditpkg.Log) Deps {
	signer := &fakeUAKSigner{}
	_, priv, _ := ed25519.GenerateKey(nil)
	signer.priv = priv
	kiak := &fakeKIAKSigner{}
	_, kiakPriv, _ := ed25519.GenerateKey(nil)
	kiak.priv = kiakPriv
	return Deps{
		Crypto: crypto,
		KV:     kv,
		MS:     mastersecret.NewManager(crypto),
		Audit:  audit,
		UAKSigner: func(ctx context.Context, mkek *cryptoprov.AEADHandle) (auditpkg.Signer, error) {
			return signer, nil
		},
		KIAKSigner: func(ctx context.Context) (auditpkg.Signer, error) {
			return kiak, nil
		},
		Now: func() time.Time { return time.UnixMilli(2_000_000_000_000) },
	}
}

func TestWithUnlockSuccessRunsOperationAndAppendsAudit(t *testing.T) {
	crypto := cryptoprov.NewStdProvider()
	kv := store.NewMemKV()
	audit := auditpkg.NewLog(kv)
	expectedMS, enrollmentID := setupEnrollment(t, crypto, kv, "correct horse battery staple")
	d := baseDeps(crypto, kv, audit)

	cred := Credential{EnrollmentID: enrollmentID, Method: mastersecret.MethodPassphrase, Passphrase: "correct horse battery staple"}

	var gotMS []byte
	var gotMKEK *cryptoprov.AEADHandle
	res, err := WithUnlock(context.Background(), d, cred, "req-1", OpDefault, func(ctx context.Context, s *Scope) (any, error) {
		gotMS = append([]byte(nil), s.MS...)
		gotMKEK = s.MKEK
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("WithUnlock: %v", err)
	}
	if res != "ok" {
		t.Fatalf("got result %v, want %q", res, "ok")
	}
	if string(gotMS) != string(expectedMS) {
		t.Fatal("operation did not receive the correct decrypted master secret")
	}
	if gotMKEK == nil {
		t.Fatal("operation did not receive a derived MKEK")
	}

	entries, err := audit.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(entries) != 1 || entries[0].Op != "unlock" {
		t.Fatalf("expected exactly one unlock audit entry, got %v", entries)
	}
}

func TestWithUnlockDeniesWrongPassphrase(t *testing.T) {
	crypto := cryptoprov.NewStdProvider()
	kv := store.NewMemKV()
	audit := auditpkg.NewLog(kv)
	_, enrollmentID := setupEnrollment(t, crypto, kv, "correct horse battery staple")
	d := baseDeps(crypto, kv, audit)

	cred := Credential{EnrollmentID: enrollmentID, Method: mastersecret.MethodPassphrase, Passphrase: "wrong guess"}

	_, err := WithUnlock(context.Background(), d, cred, "req-1", OpDefault, func(ctx context.Context, s *Scope) (any, error) {
		t.Fatal("operation must not run when the credential is denied")
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected an error for a wrong passphrase")
	}
	kerr, ok := kmserrors.As(err)
	if !ok || kerr.Code != kmserrors.CodeUnlockDenied {
		t.Fatalf("expected CodeUnlockDenied, got %v", err)
	}

	entries, err := audit.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(entries) != 1 || entries[0].Op != "unlock" || entries[0].Signer != auditpkg.SignerKIAK {
		t.Fatalf("expected a KIAK-signed unlock audit entry even on a denied authentication, got %v", entries)
	}
}

func TestWithUnlockTimesOutSlowOperation(t *testing.T) {
	crypto := cryptoprov.NewStdProvider()
	kv := store.NewMemKV()
	audit := auditpkg.NewLog(kv)
	_, enrollmentID := setupEnrollment(t, crypto, kv, "correct horse battery staple")
	d := baseDeps(crypto, kv, audit)

	cred := Credential{EnrollmentID: enrollmentID, Method: mastersecret.MethodPassphrase, Passphrase: "correct horse battery staple"}

	_, err := WithUnlock(context.Background(), d, cred, "req-1", OpSign, func(ctx context.Context, s *Scope) (any, error) {
		select {
		case <-time.After(SignTimeout + 500*time.Millisecond):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	kerr, ok := kmserrors.As(err)
	if !ok || kerr.Code != kmserrors.CodeUnlockTimeout {
		t.Fatalf("expected CodeUnlockTimeout, got %v", err)
	}
}

func TestWithUnlockAppendsAuditEvenOnOperationError(t *testing.T) {
	crypto := cryptoprov.NewStdProvider()
	kv := store.NewMemKV()
	audit := auditpkg.NewLog(kv)
	_, enrollmentID := setupEnrollment(t, crypto, kv, "correct horse battery staple")
	d := baseDeps(crypto, kv, audit)

	cred := Credential{EnrollmentID: enrollmentID, Method: mastersecret.MethodPassphrase, Passphrase: "correct horse battery staple"}

	_, err := WithUnlock(context.Background(), d, cred, "req-1", OpDefault, func(ctx context.Context, s *Scope) (any, error) {
		return nil, kmserrors.New(kmserrors.CodeInternal, "boom")
	})
	if err == nil {
		t.Fatal("expected the operation's error to propagate")
	}

	entries, err := audit.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(entries) != 1 || entries[0].Op != "unlock" {
		t.Fatalf("expected an unlock audit entry even when the operation fails, got %v", entries)
	}
}
