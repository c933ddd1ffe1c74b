package mastersecret

import (
	"bytes"
	"testing"

	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/kdf"
	"github.com/atskms/core/internal/kmserrors"
)

func newManagerAndKEK(t *testing.T) (*Manager, cryptoprov.Provider, *cryptoprov.AEADHandle) {
	t.Helper()
	crypto := cryptoprov.NewStdProvider()
	mgr := NewManager(crypto)
	raw, err := crypto.RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	kek, err := crypto.GenerateAEADKey(raw)
	if err != nil {
		t.Fatalf("GenerateAEADKey: %v", err)
	}
	return mgr, crypto, kek
}

func TestCreateMasterSecretLength(t *testing.T) {
	mgr, _, _ := newManagerAndKEK(t)
	ms, err := mgr.CreateMasterSecret()
	if err != nil {
		t.Fatalf("CreateMasterSecret: %v", err)
	}
	if len(ms) != MSLen {
		t.Fatalf("got %d bytes, want %d", len(ms), MSLen)
	}
}

func TestEncryptDecryptMSRoundTrip(t *testing.T) {
	mgr, _, kek := newManagerAndKEK(t)
	ms, err := mgr.CreateMasterSecret()
	if err != nil {
		t.Fatalf("CreateMasterSecret: %v", err)
	}
	aadBytes, err := BuildWrapAAD(MethodPassphrase, `{"iterations":210000}`)
	if err != nil {
		t.Fatalf("BuildWrapAAD: %v", err)
	}

	ct, iv, err := mgr.EncryptMS(ms, kek, aadBytes)
	if err != nil {
		t.Fatalf("EncryptMS: %v", err)
	}
	got, err := mgr.DecryptMS(ct, kek, iv, aadBytes)
	if err != nil {
		t.Fatalf("DecryptMS: %v", err)
	}
	if !bytes.Equal(got, ms) {
		t.Fatal("decrypted MS does not match the original")
	}
}

func TestDecryptMSSurfacesAADMismatch(t *testing.T) {
	mgr, _, kek := newManagerAndKEK(t)
	ms, _ := mgr.CreateMasterSecret()
	aadA, _ := BuildWrapAAD(MethodPassphrase, `{"iterations":210000}`)
	ct, iv, err := mgr.EncryptMS(ms, kek, aadA)
	if err != nil {
		t.Fatalf("EncryptMS: %v", err)
	}

	aadB, _ := BuildWrapAAD(MethodPasskeyPRF, `{"iterations":210000}`)
	_, err = mgr.DecryptMS(ct, kek, iv, aadB)
	if err == nil {
		t.Fatal("expected decrypt to fail under a different AAD")
	}
	kerr, ok := kmserrors.As(err)
	if !ok || kerr.Code != kmserrors.CodeAADMismatch {
		t.Fatalf("expected aad.mismatch, got %v", err)
	}
}

func TestVerifyMSConsistencyAcrossEnrollments(t *testing.T) {
	mgr, _, kekA := newManagerAndKEK(t)
	_, _, kekB := newManagerAndKEK(t)

	ms, _ := mgr.CreateMasterSecret()
	aadBytes, _ := BuildWrapAAD(MethodPassphrase, `{"iterations":210000}`)

	ctA, ivA, err := mgr.EncryptMS(ms, kekA, aadBytes)
	if err != nil {
		t.Fatalf("EncryptMS A: %v", err)
	}
	ctB, ivB, err := mgr.EncryptMS(ms, kekB, aadBytes)
	if err != nil {
		t.Fatalf("EncryptMS B: %v", err)
	}

	pairs := []struct {
		Enrollment Enrollment
		KEK        *cryptoprov.AEADHandle
	}{
		{Enrollment{EncryptedMS: ctA, IV: ivA, AAD: aadBytes}, kekA},
		{Enrollment{EncryptedMS: ctB, IV: ivB, AAD: aadBytes}, kekB},
	}
	got, err := mgr.VerifyMSConsistency(pairs)
	if err != nil {
		t.Fatalf("VerifyMSConsistency: %v", err)
	}
	if !bytes.Equal(got, ms) {
		t.Fatal("consistency check returned an unexpected MS")
	}
}

func TestVerifyMSConsistencyDetectsDivergence(t *testing.T) {
	mgr, _, kekA := newManagerAndKEK(t)
	_, _, kekB := newManagerAndKEK(t)

	msA, _ := mgr.CreateMasterSecret()
	msB, _ := mgr.CreateMasterSecret()
	aadBytes, _ := BuildWrapAAD(MethodPassphrase, `{"iterations":210000}`)

	ctA, ivA, _ := mgr.EncryptMS(msA, kekA, aadBytes)
	ctB, ivB, _ := mgr.EncryptMS(msB, kekB, aadBytes)

	pairs := []struct {
		Enrollment Enrollment
		KEK        *cryptoprov.AEADHandle
	}{
		{Enrollment{EncryptedMS: ctA, IV: ivA, AAD: aadBytes}, kekA},
		{Enrollment{EncryptedMS: ctB, IV: ivB, AAD: aadBytes}, kekB},
	}
	if _, err := mgr.VerifyMSConsistency(pairs); err == nil {
		t.Fatal("expected an error when enrollments decrypt to different MS values")
	}
}

func TestKCVEncodeDecodeRoundTrip(t *testing.T) {
	_, kcv := kdf.DeriveKEKAndKCV("passphrase", []byte("0123456789abcdef"), 1000)
	s := EncodeKCV(kcv)
	back, err := DecodeKCV(s)
	if err != nil {
		t.Fatalf("DecodeKCV: %v", err)
	}
	if !bytes.Equal(back, kcv[:]) {
		t.Fatal("decoded KCV does not match the original")
	}
}

func TestEnrollmentMarshalUnmarshalRoundTrip(t *testing.T) {
	e := Enrollment{
		ID:           "enr-1",
		Method:       MethodPassphrase,
		EncryptedMS:  []byte{1, 2, 3},
		IV:           []byte{4, 5, 6},
		AAD:          []byte(`{"a":1}`),
		MSVersion:    2,
		PlatformHash: "hash",
	}
	raw, err := MarshalEnrollment(e)
	if err != nil {
		t.Fatalf("MarshalEnrollment: %v", err)
	}
	back, err := UnmarshalEnrollment(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnrollment: %v", err)
	}
	if back.ID != e.ID || back.Method != e.Method {
		t.Fatal("round-tripped enrollment does not match the original")
	}
}
