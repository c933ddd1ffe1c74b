// Package delegation implements the three-tier audit signer hierarchy:
// the User Audit Key (UAK, wrapped under MKEK), the Key Instance Audit
// Key (KIAK, wrapped under the process-singleton LeaseRootKey and
// generated on first boot), and one Lease Audit Key (LAK) per lease
// (also wrapped under LRK). UAK issues certificates delegating bounded
// signing authority to LAK/KIAK; this package builds, signs, and
// unwraps those certificates and the key material underneath them, and
// is the only place that understands how LRK protects LAK/KIAK.
package delegation

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"

	"github.com/atskms/core/internal/aad"
	auditpkg "github.com/atskms/core/internal/audit"
	"github.com/atskms/core/internal/certs"
	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/keywrap"
	"github.com/atskms/core/internal/kmserrors"
	"github.com/atskms/core/internal/store"
)

const (
	purposeAuditUser     = "audit-user"
	purposeAuditInstance = "audit-instance"
	purposeAuditLease    = "audit-lease"

	kmsVersion = 2

	kidUAK  = "uak"
	lrkKey  = "meta:LRK"
	kiakKey = "meta:KIAK"
)

func lakKey(leaseID string) string { return "lease-audit-key:" + leaseID }

// KIAKRecord is the persisted record at store key "meta:KIAK".
type KIAKRecord struct {
	InstanceID   string                       `json:"instance_id"`
	Wrapped      keywrap.WrappedKey           `json:"wrapped"`
	Cert         *certs.DelegationCertificate `json:"cert,omitempty"`
	RotatedAt    []int64                      `json:"rotated_at,omitempty"`
	// GenesisPub is the very first KIAK public key this instance ever
	// minted, fixed at EnsureKIAK time and never overwritten by
	// RotateKIAK. It anchors verification of the uncertified boot
	// entry (seq 0), which predates IssueKIAKCert and so cannot be
	// checked against a UAK-signed cert the way every later KIAK entry
	// can — see audit.Verify's SignerKIAK fallback.
	GenesisPub   []byte                       `json:"genesis_pub,omitempty"`
}

// Manager wires the crypto/store primitives this package needs. It
// holds no secret material itself — LRK and MKEK are handed in per call.
type Manager struct {
	crypto cryptoprov.Provider
	kv     store.KV
	now    func() int64
}

func NewManager(crypto cryptoprov.Provider, kv store.KV, now func() int64) *Manager {
	return &Manager{crypto: crypto, kv: kv, now: now}
}

// ed25519Signer adapts an unwrapped Ed25519 handle to audit.Signer.
type ed25519Signer struct {
	kind     string
	signerID string
	cert     *certs.DelegationCertificate
	handle   *cryptoprov.Ed25519Handle
	crypto   cryptoprov.Provider
}

func (s *ed25519Signer) Kind() string                             { return s.kind }
func (s *ed25519Signer) SignerID() string                         { return s.signerID }
func (s *ed25519Signer) Cert() *certs.DelegationCertificate        { return s.cert }
func (s *ed25519Signer) Sign(msg []byte) ([]byte, error)          { return s.crypto.SignEd25519(s.handle, msg) }

// ---- LRK (LeaseRootKey): process-singleton, wraps LAK/KIAK only ----

// EnsureLRK loads the persisted LRK or generates and persists one on
// first boot. LRK is never rotated and never wraps application keys.
func (m *Manager) EnsureLRK(ctx context.Context) (*cryptoprov.AEADHandle, error) {
	raw, err := m.kv.Get(ctx, lrkKey)
	if errors.Is(err, store.ErrNotFound) {
		fresh, err := m.crypto.RandomBytes(32)
		if err != nil {
			return nil, kmserrors.Internal(err)
		}
		if err := m.kv.Put(ctx, lrkKey, fresh); err != nil {
			return nil, kmserrors.Internal(err)
		}
		raw = fresh
	} else if err != nil {
		return nil, kmserrors.Internal(err)
	}
	return m.crypto.GenerateAEADKey(raw)
}

// ---- UAK: generated once, wrapped under MKEK ----

// GenerateUAK creates the User Audit Key, wraps it under mkek, and
// persists it as a WrappedApplicationKey (purpose="audit-user").
func (m *Manager) GenerateUAK(ctx context.Context, mkek *cryptoprov.AEADHandle) (ed25519.PublicKey, error) {
	handle, seed, err := m.crypto.GenerateEd25519()
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	defer zero(seed)
	pub := handle.Public()

	now := m.now()
	wkAAD, err := wrappedKeyAAD(kidUAK, "EdDSA", purposeAuditUser, now)
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	wk, err := keywrap.Wrap(m.crypto, mkek, seed, kidUAK, purposeAuditUser, "EdDSA", pub, wkAAD, now)
	if err != nil {
		return nil, err
	}
	raw, err := keywrap.Marshal(wk)
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	if err := m.kv.Put(ctx, "key:"+kidUAK, raw); err != nil {
		return nil, kmserrors.Internal(err)
	}
	return pub, nil
}

// LoadUAKSigner unwraps the UAK under mkek and returns an audit.Signer.
// This is the function internal/unlock.Deps.UAKSigner is bound to.
func (m *Manager) LoadUAKSigner(ctx context.Context, mkek *cryptoprov.AEADHandle) (auditpkg.Signer, error) {
	raw, err := m.kv.Get(ctx, "key:"+kidUAK)
	if errors.Is(err, store.ErrNotFound) {
		return nil, kmserrors.New(kmserrors.CodeConfigNotFound, "UAK not provisioned")
	}
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	wk, err := keywrap.Unmarshal(raw)
	if err != nil {
		return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "UAK record corrupted")
	}
	seed, err := keywrap.Unwrap(m.crypto, mkek, wk)
	if err != nil {
		return nil, err
	}
	defer zero(seed)
	handle, err := m.crypto.ImportEd25519(seed)
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	return &ed25519Signer{kind: auditpkg.SignerUAK, signerID: certs.SignerID(wk.PublicKeyRaw), handle: handle, crypto: m.crypto}, nil
}

// UAKPublicKey returns the UAK's public key without unwrapping any
// private material, for verify_audit_chain and get_audit_public_key.
func (m *Manager) UAKPublicKey(ctx context.Context) (ed25519.PublicKey, error) {
	raw, err := m.kv.Get(ctx, "key:"+kidUAK)
	if errors.Is(err, store.ErrNotFound) {
		return nil, kmserrors.New(kmserrors.CodeConfigNotFound, "UAK not provisioned")
	}
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	wk, err := keywrap.Unmarshal(raw)
	if err != nil {
		return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "UAK record corrupted")
	}
	return ed25519.PublicKey(wk.PublicKeyRaw), nil
}

// ---- KIAK: generated on first boot, wrapped under LRK ----

// EnsureKIAK loads the persisted KIAK or generates one on first boot.
// It does not itself issue the UAK-signed cert — that happens once a
// UAK exists, during first enrollment, via IssueKIAKCert.
func (m *Manager) EnsureKIAK(ctx context.Context, lrk *cryptoprov.AEADHandle, instanceID string) (KIAKRecord, error) {
	raw, err := m.kv.Get(ctx, kiakKey)
	if err == nil {
		var rec KIAKRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return KIAKRecord{}, kmserrors.New(kmserrors.CodeConfigCorrupted, "KIAK record corrupted")
		}
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return KIAKRecord{}, kmserrors.Internal(err)
	}

	handle, seed, err := m.crypto.GenerateEd25519()
	if err != nil {
		return KIAKRecord{}, kmserrors.Internal(err)
	}
	defer zero(seed)
	pub := handle.Public()

	now := m.now()
	wkAAD, err := wrappedKeyAAD("kiak", "EdDSA", purposeAuditInstance, now)
	if err != nil {
		return KIAKRecord{}, kmserrors.Internal(err)
	}
	wk, err := keywrap.Wrap(m.crypto, lrk, seed, "kiak", purposeAuditInstance, "EdDSA", pub, wkAAD, now)
	if err != nil {
		return KIAKRecord{}, err
	}
	rec := KIAKRecord{InstanceID: instanceID, Wrapped: wk, GenesisPub: pub}
	if err := m.persistKIAK(ctx, rec); err != nil {
		return KIAKRecord{}, err
	}
	return rec, nil
}

func (m *Manager) persistKIAK(ctx context.Context, rec KIAKRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return kmserrors.Internal(err)
	}
	if err := m.kv.Put(ctx, kiakKey, raw); err != nil {
		return kmserrors.Internal(err)
	}
	return nil
}

// IssueKIAKCert has the UAK sign a delegation certificate for the
// current KIAK, scope=["*"], open-ended validity (spec §9 Open
// Questions: KIAK's not_after is left null by design; staleness is a
// verifier-side warning, never a rejection).
func (m *Manager) IssueKIAKCert(ctx context.Context, uak auditpkg.Signer, codeHash, manifestHash []byte) error {
	raw, err := m.kv.Get(ctx, kiakKey)
	if err != nil {
		return kmserrors.Internal(err)
	}
	var rec KIAKRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return kmserrors.New(kmserrors.CodeConfigCorrupted, "KIAK record corrupted")
	}
	cert := certs.DelegationCertificate{
		Type:         certs.CertType,
		Version:      certs.CertVersion,
		SignerKind:   certs.SignerKindKIAK,
		InstanceID:   rec.InstanceID,
		DelegatePub:  rec.Wrapped.PublicKeyRaw,
		Scope:        []string{"*"},
		NotBefore:    m.now(),
		NotAfter:     nil,
		CodeHash:     codeHash,
		ManifestHash: manifestHash,
		KMSVersion:   kmsVersion,
	}
	if err := certs.Sign(&cert, uak.Sign); err != nil {
		return kmserrors.Internal(err)
	}
	rec.Cert = &cert
	return m.persistKIAK(ctx, rec)
}

// LoadKIAKSigner unwraps the current KIAK under lrk.
func (m *Manager) LoadKIAKSigner(ctx context.Context, lrk *cryptoprov.AEADHandle) (auditpkg.Signer, error) {
	raw, err := m.kv.Get(ctx, kiakKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, kmserrors.New(kmserrors.CodeConfigNotFound, "KIAK not provisioned")
	}
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	var rec KIAKRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "KIAK record corrupted")
	}
	seed, err := keywrap.Unwrap(m.crypto, lrk, rec.Wrapped)
	if err != nil {
		return nil, err
	}
	defer zero(seed)
	handle, err := m.crypto.ImportEd25519(seed)
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	return &ed25519Signer{
		kind: auditpkg.SignerKIAK, signerID: certs.SignerID(rec.Wrapped.PublicKeyRaw),
		cert: rec.Cert, handle: handle, crypto: m.crypto,
	}, nil
}

// KIAKPublicKey returns the current KIAK's public key.
func (m *Manager) KIAKPublicKey(ctx context.Context) (ed25519.PublicKey, error) {
	raw, err := m.kv.Get(ctx, kiakKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, kmserrors.New(kmserrors.CodeConfigNotFound, "KIAK not provisioned")
	}
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	var rec KIAKRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "KIAK record corrupted")
	}
	return ed25519.PublicKey(rec.Wrapped.PublicKeyRaw), nil
}

// GenesisKIAKPublicKey returns the instance's first-ever KIAK public
// key, the anchor audit.Verify needs to check the uncertified seq-0
// boot entry regardless of how many rotations have happened since.
func (m *Manager) GenesisKIAKPublicKey(ctx context.Context) (ed25519.PublicKey, error) {
	raw, err := m.kv.Get(ctx, kiakKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, kmserrors.New(kmserrors.CodeConfigNotFound, "KIAK not provisioned")
	}
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	var rec KIAKRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "KIAK record corrupted")
	}
	if len(rec.GenesisPub) == ed25519.PublicKeySize {
		return ed25519.PublicKey(rec.GenesisPub), nil
	}
	// Pre-existing record from before GenesisPub was tracked: fall back
	// to the current key, matching the old (rotation-naive) behavior.
	return ed25519.PublicKey(rec.Wrapped.PublicKeyRaw), nil
}

// RotateKIAK generates a fresh KIAK, signs the transition with both the
// outgoing and incoming keys (the audit log's audit:rotate entry
// records both as sig/sig_new), and has UAK re-issue a cert for the new
// key. The caller is responsible for appending the audit:rotate entry
// itself using the RotateSigner this returns.
type rotateSigner struct {
	ed25519Signer
	newHandle *cryptoprov.Ed25519Handle
	newPub    ed25519.PublicKey
	newCert   *certs.DelegationCertificate
}

func (r *rotateSigner) SignNew(msg []byte) ([]byte, error) { return r.crypto.SignEd25519(r.newHandle, msg) }
func (r *rotateSigner) NewSignerID() string                 { return certs.SignerID(r.newPub) }
func (r *rotateSigner) NewCert() *certs.DelegationCertificate { return r.newCert }

func (m *Manager) RotateKIAK(ctx context.Context, lrk *cryptoprov.AEADHandle, uak auditpkg.Signer, codeHash, manifestHash []byte) (auditpkg.RotateSigner, error) {
	oldSigner, err := m.LoadKIAKSigner(ctx, lrk)
	if err != nil {
		return nil, err
	}

	raw, err := m.kv.Get(ctx, kiakKey)
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	var rec KIAKRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "KIAK record corrupted")
	}

	newHandle, newSeed, err := m.crypto.GenerateEd25519()
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	defer zero(newSeed)
	newPub := newHandle.Public()

	now := m.now()
	wkAAD, err := wrappedKeyAAD("kiak", "EdDSA", purposeAuditInstance, now)
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	wk, err := keywrap.Wrap(m.crypto, lrk, newSeed, "kiak", purposeAuditInstance, "EdDSA", newPub, wkAAD, now)
	if err != nil {
		return nil, err
	}

	newCert := certs.DelegationCertificate{
		Type: certs.CertType, Version: certs.CertVersion, SignerKind: certs.SignerKindKIAK,
		InstanceID: rec.InstanceID, DelegatePub: newPub, Scope: []string{"*"},
		NotBefore: now, NotAfter: nil, CodeHash: codeHash, ManifestHash: manifestHash, KMSVersion: kmsVersion,
	}
	if err := certs.Sign(&newCert, uak.Sign); err != nil {
		return nil, kmserrors.Internal(err)
	}

	rec.Wrapped = wk
	rec.Cert = &newCert
	rec.RotatedAt = append(rec.RotatedAt, now)
	if err := m.persistKIAK(ctx, rec); err != nil {
		return nil, err
	}

	sig, ok := oldSigner.(*ed25519Signer)
	if !ok {
		return nil, kmserrors.New(kmserrors.CodeInternal, "unexpected signer implementation")
	}
	return &rotateSigner{ed25519Signer: *sig, newHandle: newHandle, newPub: newPub, newCert: &newCert}, nil
}

// ---- LAK: one per lease, wrapped under LRK ----

// GenerateLAK mints a fresh Ed25519 keypair for leaseID, has uak sign a
// cert scoped to ["vapid:issue","lease:expire"] valid from now through
// the lease's expiry, wraps the private key under lrk, and persists it.
func (m *Manager) GenerateLAK(ctx context.Context, lrk *cryptoprov.AEADHandle, uak auditpkg.Signer, leaseID string, expMs int64, codeHash, manifestHash []byte) error {
	handle, seed, err := m.crypto.GenerateEd25519()
	if err != nil {
		return kmserrors.Internal(err)
	}
	defer zero(seed)
	pub := handle.Public()

	now := m.now()
	cert := certs.DelegationCertificate{
		Type: certs.CertType, Version: certs.CertVersion, SignerKind: certs.SignerKindLAK,
		LeaseID: leaseID, DelegatePub: pub, Scope: []string{"vapid:issue", "lease:expire"},
		NotBefore: now, NotAfter: &expMs, CodeHash: codeHash, ManifestHash: manifestHash, KMSVersion: kmsVersion,
	}
	if err := certs.Sign(&cert, uak.Sign); err != nil {
		return kmserrors.Internal(err)
	}

	wkAAD, err := wrappedKeyAAD("lak:"+leaseID, "EdDSA", purposeAuditLease, now)
	if err != nil {
		return kmserrors.Internal(err)
	}
	wk, err := keywrap.Wrap(m.crypto, lrk, seed, "lak:"+leaseID, purposeAuditLease, "EdDSA", pub, wkAAD, now)
	if err != nil {
		return err
	}

	rec := struct {
		Wrapped keywrap.WrappedKey           `json:"wrapped"`
		Cert    *certs.DelegationCertificate `json:"cert"`
	}{wk, &cert}
	raw, err := json.Marshal(rec)
	if err != nil {
		return kmserrors.Internal(err)
	}
	return m.kv.Put(ctx, lakKey(leaseID), raw)
}

// LoadLAKSigner unwraps leaseID's LAK under lrk.
func (m *Manager) LoadLAKSigner(ctx context.Context, lrk *cryptoprov.AEADHandle, leaseID string) (auditpkg.Signer, error) {
	raw, err := m.kv.Get(ctx, lakKey(leaseID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, kmserrors.New(kmserrors.CodeLeaseNotFound, "no lease audit key for lease")
	}
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	var rec struct {
		Wrapped keywrap.WrappedKey           `json:"wrapped"`
		Cert    *certs.DelegationCertificate `json:"cert"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "LAK record corrupted")
	}
	seed, err := keywrap.Unwrap(m.crypto, lrk, rec.Wrapped)
	if err != nil {
		return nil, err
	}
	defer zero(seed)
	handle, err := m.crypto.ImportEd25519(seed)
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	return &ed25519Signer{
		kind: auditpkg.SignerLAK, signerID: certs.SignerID(rec.Wrapped.PublicKeyRaw),
		cert: rec.Cert, handle: handle, crypto: m.crypto,
	}, nil
}

func wrappedKeyAAD(kid, alg, purpose string, createdAt int64) ([]byte, error) {
	return aad.WrappedKeyAAD(kid, alg, purpose, kmsVersion, createdAt)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
