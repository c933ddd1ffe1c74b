// Package backup implements the Backup Orchestrator: sealing the
// entire enrollment/key/audit state of an instance into a single
// portable bundle encrypted under a caller-supplied backup password,
// and restoring it. Unlike every other credential-derived key in this
// system, the backup KDF never calibrates to device timing — there is
// no device to calibrate against on the importing side, so it always
// runs at a fixed, deliberately high iteration count.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/atskms/core/internal/aad"
	auditpkg "github.com/atskms/core/internal/audit"
	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/keywrap"
	"github.com/atskms/core/internal/kdf"
	"github.com/atskms/core/internal/kmserrors"
	"github.com/atskms/core/internal/mastersecret"
	"github.com/atskms/core/internal/store"
)

// BackupIterations is fixed rather than calibrated: backups are
// restored on hardware the exporting device never measured, so a
// strong constant stands in for per-device calibration.
const BackupIterations = 600_000

const BundleVersion = 2

// KDFInfo is the backup_kdf block of a bundle.
type KDFInfo struct {
	Alg        string `json:"alg"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
}

// EncryptedMS is the encrypted_ms block of a bundle.
type EncryptedMS struct {
	CT  []byte `json:"ct"`
	IV  []byte `json:"iv"`
	AAD []byte `json:"aad"`
}

// AuditSection is the optional audit_log block.
type AuditSection struct {
	Entries          []auditpkg.Entry `json:"entries"`
	AuditPublicKeys  map[string][]byte `json:"audit_public_keys"`
}

// Metadata is the bundle's summary block.
type Metadata struct {
	MSVersion       int `json:"ms_version"`
	EnrollmentCount int `json:"enrollment_count"`
	KeyCount        int `json:"key_count"`
	AuditEntryCount int `json:"audit_entry_count"`
}

// Bundle is the schema v2 backup bundle (spec §6).
type Bundle struct {
	Version      int                         `json:"version"`
	BundleID     string                      `json:"bundle_id"`
	CreatedAtMs  int64                       `json:"created_at_ms"`
	ExportedFrom string                      `json:"exported_from"`
	BackupKDF    KDFInfo                     `json:"backup_kdf"`
	EncryptedMS  EncryptedMS                 `json:"encrypted_ms"`
	Enrollments  []mastersecret.Enrollment   `json:"enrollments"`
	WrappedKeys  []keywrap.WrappedKey        `json:"wrapped_keys"`
	AuditLog     *AuditSection               `json:"audit_log"`
	Metadata     Metadata                    `json:"metadata"`
}

// Orchestrator wires the collaborators export/import need.
type Orchestrator struct {
	crypto cryptoprov.Provider
	kv     store.KV
	ms     *mastersecret.Manager
	audit  *auditpkg.Log
}

func NewOrchestrator(crypto cryptoprov.Provider, kv store.KV, ms *mastersecret.Manager, audit *auditpkg.Log) *Orchestrator {
	return &Orchestrator{crypto: crypto, kv: kv, ms: ms, audit: audit}
}

func enrollmentIndexKey() string { return "enrollment:index" }

// ExportParams are the inputs to Export, gathered inside an unlock
// scope (Export needs the live MS).
type ExportParams struct {
	MS             []byte
	BackupPassword string
	IncludeAudit   bool
	PlatformHash   string
	NowMs          int64
}

// Export builds and seals a bundle around ms. It does not itself run
// inside an unlock scope — the caller (internal/kms) is responsible
// for invoking this from within WithUnlock(OpBackup, ...) so MS is
// live and zeroization happens on the normal unlock exit path.
func (o *Orchestrator) Export(ctx context.Context, p ExportParams) (Bundle, error) {
	if len(p.MS) != mastersecret.MSLen {
		return Bundle{}, kmserrors.New(kmserrors.CodeInternal, "export requires a live 32-byte master secret")
	}
	salt, err := o.crypto.RandomBytes(16)
	if err != nil {
		return Bundle{}, kmserrors.Internal(err)
	}
	backupKeyBytes := kdf.DeriveKEK(p.BackupPassword, salt, BackupIterations)
	defer zero(backupKeyBytes)
	backupKey, err := o.crypto.GenerateAEADKey(backupKeyBytes)
	if err != nil {
		return Bundle{}, kmserrors.Internal(err)
	}
	defer backupKey.Zero()

	bundleID := uuid.NewString()
	msAAD, err := aad.Canonicalize(map[string]aad.Value{
		"aad_version": aad.SchemaVersion1,
		"record_type": "backup-ms",
		"bundle_id":   bundleID,
		"kms_version": auditpkg.KMSVersion,
	})
	if err != nil {
		return Bundle{}, kmserrors.Internal(err)
	}
	iv, err := o.crypto.RandomBytes(12)
	if err != nil {
		return Bundle{}, kmserrors.Internal(err)
	}
	ct, err := o.crypto.SealAEAD(backupKey, iv, p.MS, msAAD)
	if err != nil {
		return Bundle{}, kmserrors.Internal(err)
	}

	enrollments, err := o.allEnrollments(ctx)
	if err != nil {
		return Bundle{}, err
	}
	wrappedKeys, err := o.allWrappedKeys(ctx)
	if err != nil {
		return Bundle{}, err
	}

	var auditSection *AuditSection
	auditEntryCount := 0
	if p.IncludeAudit {
		entries, err := o.audit.All(ctx)
		if err != nil {
			return Bundle{}, kmserrors.Internal(err)
		}
		pubKeys := map[string][]byte{}
		for _, e := range entries {
			if e.Cert != nil {
				pubKeys[e.SignerID] = e.Cert.DelegatePub
			}
		}
		auditSection = &AuditSection{Entries: entries, AuditPublicKeys: pubKeys}
		auditEntryCount = len(entries)
	}

	msVersion := 0
	if len(enrollments) > 0 {
		msVersion = enrollments[0].MSVersion
	}

	return Bundle{
		Version:      BundleVersion,
		BundleID:     bundleID,
		CreatedAtMs:  p.NowMs,
		ExportedFrom: p.PlatformHash,
		BackupKDF:    KDFInfo{Alg: "PBKDF2-HMAC-SHA256", Iterations: BackupIterations, Salt: salt},
		EncryptedMS:  EncryptedMS{CT: ct, IV: iv, AAD: msAAD},
		Enrollments:  enrollments,
		WrappedKeys:  wrappedKeys,
		AuditLog:     auditSection,
		Metadata: Metadata{
			MSVersion: msVersion, EnrollmentCount: len(enrollments),
			KeyCount: len(wrappedKeys), AuditEntryCount: auditEntryCount,
		},
	}, nil
}

func (o *Orchestrator) allEnrollments(ctx context.Context) ([]mastersecret.Enrollment, error) {
	keys, err := o.kv.ListPrefix(ctx, "enrollment:")
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	var out []mastersecret.Enrollment
	for _, k := range keys {
		if k == enrollmentIndexKey() || !strings.HasSuffix(k, ":config") {
			continue
		}
		raw, err := o.kv.Get(ctx, k)
		if err != nil {
			return nil, kmserrors.Internal(err)
		}
		e, err := mastersecret.UnmarshalEnrollment(raw)
		if err != nil {
			return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "enrollment config corrupted")
		}
		out = append(out, e)
	}
	return out, nil
}

func (o *Orchestrator) allWrappedKeys(ctx context.Context) ([]keywrap.WrappedKey, error) {
	keys, err := o.kv.ListPrefix(ctx, "key:")
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	var out []keywrap.WrappedKey
	for _, k := range keys {
		raw, err := o.kv.Get(ctx, k)
		if err != nil {
			return nil, kmserrors.Internal(err)
		}
		wk, err := keywrap.Unmarshal(raw)
		if err != nil {
			return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "wrapped key record corrupted")
		}
		out = append(out, wk)
	}
	return out, nil
}

// ImportOptions controls what Import restores.
type ImportOptions struct {
	RestoreAudit bool
}

// Import decrypts bundle's MS under backupPassword (the bundle's AEAD
// tag and AAD are the only check; the MS is not compared against the
// bundle's enrollments) and repopulates Store, including rebuilding
// enrollment:index so a freshly restored instance reports its
// enrollments through IsSetup/GetEnrollments immediately. It returns the
// recovered MS so the caller can proceed to re-seal it under a fresh
// unlock-scope enrollment if desired; the caller is responsible for
// zeroing it.
func (o *Orchestrator) Import(ctx context.Context, bundle Bundle, backupPassword string, opts ImportOptions) ([]byte, error) {
	if bundle.Version != BundleVersion {
		return nil, kmserrors.Newf(kmserrors.CodeConfigCorrupted, "unsupported backup bundle version %d", bundle.Version)
	}
	backupKeyBytes := kdf.DeriveKEK(backupPassword, bundle.BackupKDF.Salt, bundle.BackupKDF.Iterations)
	defer zero(backupKeyBytes)
	backupKey, err := o.crypto.GenerateAEADKey(backupKeyBytes)
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	defer backupKey.Zero()

	ms, err := o.crypto.OpenAEAD(backupKey, bundle.EncryptedMS.IV, bundle.EncryptedMS.CT, bundle.EncryptedMS.AAD)
	if err != nil {
		return nil, kmserrors.New(kmserrors.CodeAADMismatch, "backup bundle AEAD/AAD verification failed")
	}
	if len(ms) != mastersecret.MSLen {
		return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "decrypted master secret has unexpected length")
	}

	for _, e := range bundle.Enrollments {
		raw, err := mastersecret.MarshalEnrollment(e)
		if err != nil {
			zero(ms)
			return nil, kmserrors.Internal(err)
		}
		if err := o.kv.Put(ctx, "enrollment:"+e.ID+":config", raw); err != nil {
			zero(ms)
			return nil, kmserrors.Internal(err)
		}
		if err := o.appendEnrollmentIndex(ctx, e.ID); err != nil {
			zero(ms)
			return nil, err
		}
	}
	for _, wk := range bundle.WrappedKeys {
		raw, err := keywrap.Marshal(wk)
		if err != nil {
			zero(ms)
			return nil, kmserrors.Internal(err)
		}
		if err := o.kv.Put(ctx, "key:"+wk.Kid, raw); err != nil {
			zero(ms)
			return nil, kmserrors.Internal(err)
		}
	}
	if opts.RestoreAudit && bundle.AuditLog != nil {
		for _, e := range bundle.AuditLog.Entries {
			raw, err := json.Marshal(e)
			if err != nil {
				zero(ms)
				return nil, kmserrors.Internal(err)
			}
			if err := o.kv.Put(ctx, auditEntryKey(e.SeqNum), raw); err != nil {
				zero(ms)
				return nil, kmserrors.Internal(err)
			}
		}
		if len(bundle.AuditLog.Entries) > 0 {
			last := bundle.AuditLog.Entries[len(bundle.AuditLog.Entries)-1]
			state := auditpkg.State{
				NextSeqNum: last.SeqNum + 1, TotalEntries: int64(len(bundle.AuditLog.Entries)),
				LastTimestampMs: last.TimestampMs, LastChainHash: last.ChainHash,
			}
			raw, err := json.Marshal(state)
			if err != nil {
				zero(ms)
				return nil, kmserrors.Internal(err)
			}
			if err := o.kv.Put(ctx, "audit:state", raw); err != nil {
				zero(ms)
				return nil, kmserrors.Internal(err)
			}
		}
	}
	return ms, nil
}

func auditEntryKey(seq int64) string {
	return fmt.Sprintf("audit:%d", seq)
}

// appendEnrollmentIndex mirrors internal/kms's own index maintenance
// (same key, same []string-of-ids shape) so a restored instance's
// enrollment:index matches what IsSetup and GetEnrollments expect,
// without Import depending on the kms package.
func (o *Orchestrator) appendEnrollmentIndex(ctx context.Context, id string) error {
	raw, err := o.kv.Get(ctx, enrollmentIndexKey())
	var ids []string
	if err == nil {
		_ = json.Unmarshal(raw, &ids)
	} else if !errors.Is(err, store.ErrNotFound) {
		return kmserrors.Internal(err)
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	out, err := json.Marshal(ids)
	if err != nil {
		return kmserrors.Internal(err)
	}
	return o.kv.Put(ctx, enrollmentIndexKey(), out)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
