// Package mastersecret implements the Master-Secret lifecycle: generation, AEAD wrap/unwrap under a
// per-credential KEK, and multi-enrollment consistency. The Master
// Secret itself never leaves an unlock scope — this package only ever
// hands back a freshly decrypted 32-byte slice that the Unlock Context
// (internal/unlock) is responsible for zeroing on exit.
package mastersecret

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/atskms/core/internal/aad"
	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/kdf"
	"github.com/atskms/core/internal/kmserrors"
)

const MSLen = 32

// Method enumerates the credential methods allows.
type Method string

const (
	MethodPassphrase Method = "passphrase"
	MethodPasskeyPRF Method = "passkey-prf"
	MethodPasskeyGate Method = "passkey-gate"
)

// Enrollment is the persisted record for one credential bound to the MS
//.
type Enrollment struct {
	ID             string          `json:"id"`
	Method         Method          `json:"method"`
	KDFParamsJSON  string          `json:"kdf_params"` // canonical JSON, embedded verbatim in AAD
	KCV            []byte          `json:"kcv,omitempty"`
	EncryptedMS    []byte          `json:"encrypted_ms"` // 48 bytes incl. 16-byte tag
	IV             []byte          `json:"iv"`            // 12 bytes
	AAD            []byte          `json:"aad"`
	MSVersion      int             `json:"ms_version"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
	PlatformHash   string          `json:"platform_hash"`
	CalibratedPBKDF2 *kdf.CalibratedParams `json:"calibrated_pbkdf2,omitempty"`
}

// Manager implements create_master_secret / encrypt_ms / decrypt_ms /
// verify_ms_consistency. Adding and removing enrollments is done by
// kms.Facade (AddEnrollment / RemoveEnrollment).
type Manager struct {
	crypto cryptoprov.Provider
}

func NewManager(crypto cryptoprov.Provider) *Manager {
	return &Manager{crypto: crypto}
}

// CreateMasterSecret returns 32 fresh random bytes.
func (m *Manager) CreateMasterSecret() ([]byte, error) {
	return m.crypto.RandomBytes(MSLen)
}

// EncryptMS wraps ms under kek with a fresh 12-byte IV and the given
// AAD. Tag length is 128 bits (enforced by cryptoprov.SealAEAD).
func (m *Manager) EncryptMS(ms []byte, kek *cryptoprov.AEADHandle, aadBytes []byte) (ciphertext, iv []byte, err error) {
	if len(ms) != MSLen {
		return nil, nil, fmt.Errorf("mastersecret: MS must be %d bytes", MSLen)
	}
	iv, err = m.crypto.RandomBytes(12)
	if err != nil {
		return nil, nil, err
	}
	ct, err := m.crypto.SealAEAD(kek, iv, ms, aadBytes)
	if err != nil {
		return nil, nil, err
	}
	return ct, iv, nil
}

// DecryptMS unwraps ciphertext under kek/iv/aad. Any tag or AAD failure
// surfaces as kmserrors.CodeAADMismatch — treats this as
// possible tampering, never silently retried.
func (m *Manager) DecryptMS(ciphertext []byte, kek *cryptoprov.AEADHandle, iv, aadBytes []byte) ([]byte, error) {
	pt, err := m.crypto.OpenAEAD(kek, iv, ciphertext, aadBytes)
	if err != nil {
		return nil, kmserrors.New(kmserrors.CodeAADMismatch, "master secret AEAD/AAD verification failed")
	}
	if len(pt) != MSLen {
		return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "decrypted master secret has unexpected length")
	}
	return pt, nil
}

// BuildWrapAAD constructs the mandatory MS-wrapping AAD schema.
func BuildWrapAAD(method Method, kdfParamsJSON string) ([]byte, error) {
	return aad.MSWrapAAD(string(method), "PBKDF2-HMAC-SHA256", kdfParamsJSON, 2)
}

// VerifyMSConsistency decrypts MS under every supplied (enrollment,
// kek) pair and asserts bytewise equality across all of them.
func (m *Manager) VerifyMSConsistency(pairs []struct {
	Enrollment Enrollment
	KEK        *cryptoprov.AEADHandle
}) ([]byte, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("mastersecret: no credentials supplied")
	}
	var canonical []byte
	for i, p := range pairs {
		ms, err := m.DecryptMS(p.Enrollment.EncryptedMS, p.KEK, p.Enrollment.IV, p.Enrollment.AAD)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			canonical = ms
			continue
		}
		if !constantEqual(canonical, ms) {
			return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "master secret mismatch across enrollments")
		}
	}
	return canonical, nil
}

func constantEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	diff := 0
	for i := range a {
		diff |= int(a[i] ^ b[i])
	}
	return diff == 0
}

// EncodeKCV / DecodeKCV convert a KCV to and from base64url text. The
// store layer and backup bundles do not use them: Enrollment.KCV is a
// []byte, which encoding/json writes as standard base64.
func EncodeKCV(kcv [32]byte) string  { return base64.RawURLEncoding.EncodeToString(kcv[:]) }
func DecodeKCV(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// MarshalEnrollment / UnmarshalEnrollment round-trip an Enrollment to
// the JSON blob persisted at store key enrollment:{id}:config.
func MarshalEnrollment(e Enrollment) ([]byte, error) { return json.Marshal(e) }
func UnmarshalEnrollment(b []byte) (Enrollment, error) {
	var e Enrollment
	err := json.Unmarshal(b, &e)
	return e, err
}
