// Package kms is the core facade: it wires the Crypto Provider, Store,
// KDF layer, Master-Secret Manager, Unlock Context, Key Wrapper, Audit
// Log, Delegation Engine, Lease Engine, VAPID Issuer, Boot Verifier,
// and Backup Orchestrator behind the method set the RPC surface
// (internal/rpc) calls directly. Every public method checks the boot
// gate first; none of the collaborators below do that themselves.
package kms

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/atskms/core/internal/aad"
	"github.com/atskms/core/internal/audit"
	"github.com/atskms/core/internal/backup"
	"github.com/atskms/core/internal/boot"
	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/delegation"
	"github.com/atskms/core/internal/kdf"
	"github.com/atskms/core/internal/keywrap"
	"github.com/atskms/core/internal/kmserrors"
	"github.com/atskms/core/internal/lease"
	"github.com/atskms/core/internal/mastersecret"
	"github.com/atskms/core/internal/store"
	"github.com/atskms/core/internal/unlock"
	"github.com/atskms/core/internal/vapid"
)

// Facade bundles every collaborator. Construct one with New at process
// startup and reuse it for the process lifetime.
type Facade struct {
	crypto     cryptoprov.Provider
	kv         store.KV
	ms         *mastersecret.Manager
	audit      *audit.Log
	delegation *delegation.Manager
	lease      *lease.Engine
	backup     *backup.Orchestrator
	gate       *boot.Gate
	now        func() time.Time

	instanceID   string
	codeHash     []byte
	manifestHash []byte
	platformHash string
}

// Config is the fixed, build-time material New needs: the instance
// identifier and attested code/manifest hashes are outside this
// package's scope to compute (spec §1, build-time self-attestation) —
// the caller supplies them once at startup.
type Config struct {
	Crypto       cryptoprov.Provider
	KV           store.KV
	InstanceID   string
	CodeHash     []byte
	ManifestHash []byte
	PlatformHash string
	Subject      string // VAPID "sub" claim, e.g. "mailto:admin@example.com"
	Gate         *boot.Gate
	Now          func() time.Time
}

func New(cfg Config) *Facade {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	auditLog := audit.NewLog(cfg.KV)
	msMgr := mastersecret.NewManager(cfg.Crypto)
	delegationMgr := delegation.NewManager(cfg.Crypto, cfg.KV, func() int64 { return now().UnixMilli() })
	leaseEngine := lease.NewEngine(cfg.Crypto, cfg.KV, auditLog, delegationMgr, now, cfg.Subject)
	backupOrch := backup.NewOrchestrator(cfg.Crypto, cfg.KV, msMgr, auditLog)
	return &Facade{
		crypto: cfg.Crypto, kv: cfg.KV, ms: msMgr, audit: auditLog, delegation: delegationMgr,
		lease: leaseEngine, backup: backupOrch, gate: cfg.Gate, now: now,
		instanceID: cfg.InstanceID, codeHash: cfg.CodeHash, manifestHash: cfg.ManifestHash,
		platformHash: cfg.PlatformHash,
	}
}

func (f *Facade) nowMs() int64 { return f.now().UnixMilli() }

func (f *Facade) requireOperational() error {
	if f.gate == nil || !f.gate.IsOperational() {
		return kmserrors.New(kmserrors.CodeAttestationFailed, "boot verifier has not declared operate")
	}
	return nil
}

func (f *Facade) unlockDeps() unlock.Deps {
	return unlock.Deps{
		Crypto: f.crypto, KV: f.kv, MS: f.ms, Audit: f.audit,
		UAKSigner: f.delegation.LoadUAKSigner, KIAKSigner: f.kiakSigner, Now: f.now,
	}
}

// kiakSigner loads the process-singleton KIAK, the system-initiated
// signer used when an unlock attempt fails before a UAK signer is
// reachable (spec §4.8: "KIAK otherwise, for system-initiated events").
func (f *Facade) kiakSigner(ctx context.Context) (audit.Signer, error) {
	lrk, err := f.delegation.EnsureLRK(ctx)
	if err != nil {
		return nil, err
	}
	return f.delegation.LoadKIAKSigner(ctx, lrk)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ---- Bootstrap / enrollment ----

// BootstrapParams carries the first enrollment's credential material.
// It is shaped identically to AddEnrollmentParams since the two cover
// the same three methods; they stay separate types because Bootstrap
// also has to stand up the UAK/KIAK and a VAPID key that AddEnrollment
// never touches.
type BootstrapParams struct {
	Method     mastersecret.Method
	Passphrase string
	PRFOutput  []byte
	Pepper     []byte
}

// BootstrapResult mirrors the §6 setup_* response shape.
type BootstrapResult struct {
	EnrollmentID string
	VAPIDKid     string
	VAPIDPubRaw  []byte
}

// Bootstrap performs first-time setup: creates MS, the first
// enrollment, the UAK, the KIAK delegation certificate, and an initial
// VAPID keypair. It does not run inside WithUnlock — there is no
// existing enrollment to authenticate against yet, so this method
// derives its own MKEK directly from the freshly created MS.
func (f *Facade) Bootstrap(ctx context.Context, params BootstrapParams, requestID string) (BootstrapResult, error) {
	if err := f.requireOperational(); err != nil {
		return BootstrapResult{}, err
	}
	lrk, err := f.delegation.EnsureLRK(ctx)
	if err != nil {
		return BootstrapResult{}, err
	}
	if _, err := f.delegation.EnsureKIAK(ctx, lrk, f.instanceID); err != nil {
		return BootstrapResult{}, err
	}
	kiakSigner, err := f.delegation.LoadKIAKSigner(ctx, lrk)
	if err != nil {
		return BootstrapResult{}, err
	}
	if _, err := f.audit.Append(ctx, audit.NewEntryInput{
		TimestampMs: f.nowMs(), Op: "boot", RequestID: requestID,
		Details: map[string]aad.Value{"instance_id": f.instanceID},
	}, kiakSigner); err != nil {
		return BootstrapResult{}, err
	}

	ms, err := f.ms.CreateMasterSecret()
	if err != nil {
		return BootstrapResult{}, err
	}
	defer zero(ms)

	var kekBytes []byte
	var kcv *[32]byte
	var kdfParamsJSON string
	var calibrated *kdf.CalibratedParams

	switch params.Method {
	case mastersecret.MethodPassphrase, mastersecret.MethodPasskeyGate:
		if params.Method == mastersecret.MethodPassphrase && len(params.Passphrase) < 8 {
			return BootstrapResult{}, kmserrors.New(kmserrors.CodeUnlockDenied, "passphrase must be at least 8 characters")
		}
		saltBytes, err := f.crypto.RandomBytes(16)
		if err != nil {
			return BootstrapResult{}, kmserrors.Internal(err)
		}
		c, err := kdf.Calibrate(kdf.RealClock{}, saltBytes, f.platformHash, f.nowMs())
		if err != nil {
			return BootstrapResult{}, kmserrors.Internal(err)
		}
		calibrated = &c
		passphrase := params.Passphrase
		if params.Method == mastersecret.MethodPasskeyGate {
			combined := append([]byte(params.Passphrase), params.Pepper...)
			defer zero(combined)
			passphrase = string(combined)
		}
		kb, k := kdf.DeriveKEKAndKCV(passphrase, c.Salt, c.Iterations)
		kekBytes = kb[:]
		kcv = &k
		kdfParamsJSON, err = kdfParamsAsJSON(c)
		if err != nil {
			return BootstrapResult{}, err
		}
	case mastersecret.MethodPasskeyPRF:
		if len(params.PRFOutput) != 32 {
			return BootstrapResult{}, kmserrors.New(kmserrors.CodeUnlockDenied, "PRF output missing or malformed")
		}
		salt := kdf.DomainSalt("ATS/KMS/passkey-prf/salt/v2")
		kb, err := kdf.HKDFExpand(params.PRFOutput, salt[:], kdf.InfoKEKWrap, 32)
		if err != nil {
			return BootstrapResult{}, kmserrors.Internal(err)
		}
		kekBytes = kb
		kdfParamsJSON = "{}"
	default:
		return BootstrapResult{}, kmserrors.New(kmserrors.CodeUnlockMethodUnknown, "unknown enrollment method")
	}
	defer zero(kekBytes)

	kek, err := f.crypto.GenerateAEADKey(kekBytes)
	if err != nil {
		return BootstrapResult{}, kmserrors.Internal(err)
	}
	defer kek.Zero()

	wrapAAD, err := mastersecret.BuildWrapAAD(params.Method, kdfParamsJSON)
	if err != nil {
		return BootstrapResult{}, err
	}
	ct, iv, err := f.ms.EncryptMS(ms, kek, wrapAAD)
	if err != nil {
		return BootstrapResult{}, err
	}

	enrollmentID := uuid.NewString()
	now := f.nowMs()
	enrollment := mastersecret.Enrollment{
		ID: enrollmentID, Method: params.Method, KDFParamsJSON: kdfParamsJSON,
		EncryptedMS: ct, IV: iv, AAD: wrapAAD, MSVersion: 1,
		CreatedAt: now, UpdatedAt: now, PlatformHash: f.platformHash, CalibratedPBKDF2: calibrated,
	}
	if kcv != nil {
		enrollment.KCV = kcv[:]
	}
	if err := f.putEnrollment(ctx, enrollment); err != nil {
		return BootstrapResult{}, err
	}

	mkekSalt := kdf.MKEKSalt()
	mkekBytes, err := kdf.HKDFExpand(ms, mkekSalt[:], kdf.InfoMKEK, 32)
	if err != nil {
		return BootstrapResult{}, kmserrors.Internal(err)
	}
	defer zero(mkekBytes)
	mkek, err := f.crypto.GenerateAEADKey(mkekBytes)
	if err != nil {
		return BootstrapResult{}, kmserrors.Internal(err)
	}
	defer mkek.Zero()

	if _, err := f.delegation.GenerateUAK(ctx, mkek); err != nil {
		return BootstrapResult{}, err
	}
	uakSigner, err := f.delegation.LoadUAKSigner(ctx, mkek)
	if err != nil {
		return BootstrapResult{}, err
	}
	if err := f.delegation.IssueKIAKCert(ctx, uakSigner, f.codeHash, f.manifestHash); err != nil {
		return BootstrapResult{}, err
	}

	_, err = f.audit.Append(ctx, audit.NewEntryInput{
		TimestampMs: now, Op: "enrollment:add", RequestID: requestID,
		Details: map[string]aad.Value{"method": string(params.Method), "enrollment_id": enrollmentID},
	}, uakSigner)
	if err != nil {
		return BootstrapResult{}, err
	}

	vapidRes, err := f.generateVAPIDKey(ctx, mkek, requestID, uakSigner)
	if err != nil {
		return BootstrapResult{}, err
	}
	return BootstrapResult{EnrollmentID: enrollmentID, VAPIDKid: vapidRes.Kid, VAPIDPubRaw: vapidRes.PubRaw}, nil
}

func kdfParamsAsJSON(p kdf.CalibratedParams) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", kmserrors.Internal(err)
	}
	return string(raw), nil
}

func enrollmentConfigKey(id string) string { return "enrollment:" + id + ":config" }

func (f *Facade) putEnrollment(ctx context.Context, e mastersecret.Enrollment) error {
	raw, err := mastersecret.MarshalEnrollment(e)
	if err != nil {
		return kmserrors.Internal(err)
	}
	if err := f.kv.Put(ctx, enrollmentConfigKey(e.ID), raw); err != nil {
		return kmserrors.Internal(err)
	}
	return f.appendEnrollmentIndex(ctx, e.ID)
}

func (f *Facade) appendEnrollmentIndex(ctx context.Context, id string) error {
	raw, err := f.kv.Get(ctx, "enrollment:index")
	var ids []string
	if err == nil {
		_ = json.Unmarshal(raw, &ids)
	} else if err != store.ErrNotFound {
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
	return f.kv.Put(ctx, "enrollment:index", out)
}

// IsSetup reports whether any enrollment exists, and the coarsened
// method set spec §6 requires (passkey-prf/passkey-gate collapse to
// "passkey").
func (f *Facade) IsSetup(ctx context.Context) (bool, []string, error) {
	raw, err := f.kv.Get(ctx, "enrollment:index")
	if err == store.ErrNotFound {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, kmserrors.Internal(err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return false, nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "enrollment index corrupted")
	}
	seen := map[string]bool{}
	var methods []string
	for _, id := range ids {
		raw, err := f.kv.Get(ctx, enrollmentConfigKey(id))
		if err != nil {
			continue
		}
		e, err := mastersecret.UnmarshalEnrollment(raw)
		if err != nil {
			continue
		}
		m := string(e.Method)
		if m == string(mastersecret.MethodPasskeyPRF) || m == string(mastersecret.MethodPasskeyGate) {
			m = "passkey"
		}
		if !seen[m] {
			seen[m] = true
			methods = append(methods, m)
		}
	}
	return len(ids) > 0, methods, nil
}

// GetEnrollments returns every enrollment's non-secret summary.
func (f *Facade) GetEnrollments(ctx context.Context) ([]mastersecret.Enrollment, error) {
	raw, err := f.kv.Get(ctx, "enrollment:index")
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "enrollment index corrupted")
	}
	var out []mastersecret.Enrollment
	for _, id := range ids {
		raw, err := f.kv.Get(ctx, enrollmentConfigKey(id))
		if err != nil {
			continue
		}
		e, err := mastersecret.UnmarshalEnrollment(raw)
		if err != nil {
			continue
		}
		e.KCV = nil
		e.EncryptedMS = nil
		out = append(out, e)
	}
	return out, nil
}

// AddEnrollmentParams carries the new credential material for a second
// enrollment method. Exactly one of Passphrase/PRFOutput should be set,
// consistent with Method.
type AddEnrollmentParams struct {
	Method     mastersecret.Method
	Passphrase string
	PRFOutput  []byte
	Pepper     []byte
}

// AddEnrollment binds a second credential to the same MS, authenticated
// via an existing credential's unlock scope.
func (f *Facade) AddEnrollment(ctx context.Context, cred unlock.Credential, requestID string, params AddEnrollmentParams) (string, error) {
	if err := f.requireOperational(); err != nil {
		return "", err
	}
	newID := uuid.NewString()
	_, err := unlock.WithUnlock(ctx, f.unlockDeps(), cred, requestID, unlock.OpDefault, func(ctx context.Context, s *unlock.Scope) (any, error) {
		var kekBytes []byte
		var kcv *[32]byte
		var kdfParamsJSON string
		var calibrated *kdf.CalibratedParams

		switch params.Method {
		case mastersecret.MethodPassphrase, mastersecret.MethodPasskeyGate:
			saltBytes, err := f.crypto.RandomBytes(16)
			if err != nil {
				return nil, kmserrors.Internal(err)
			}
			c, err := kdf.Calibrate(kdf.RealClock{}, saltBytes, f.platformHash, f.nowMs())
			if err != nil {
				return nil, kmserrors.Internal(err)
			}
			calibrated = &c
			passphrase := params.Passphrase
			if params.Method == mastersecret.MethodPasskeyGate {
				combined := append([]byte(params.Passphrase), params.Pepper...)
				defer zero(combined)
				passphrase = string(combined)
			}
			kb, k := kdf.DeriveKEKAndKCV(passphrase, c.Salt, c.Iterations)
			kekBytes = kb[:]
			kcv = &k
			pj, err := kdfParamsAsJSON(c)
			if err != nil {
				return nil, err
			}
			kdfParamsJSON = pj
		case mastersecret.MethodPasskeyPRF:
			if len(params.PRFOutput) != 32 {
				return nil, kmserrors.New(kmserrors.CodeUnlockDenied, "PRF output missing or malformed")
			}
			salt := kdf.DomainSalt("ATS/KMS/passkey-prf/salt/v2")
			kb, err := kdf.HKDFExpand(params.PRFOutput, salt[:], kdf.InfoKEKWrap, 32)
			if err != nil {
				return nil, kmserrors.Internal(err)
			}
			kekBytes = kb
			kdfParamsJSON = "{}"
		default:
			return nil, kmserrors.New(kmserrors.CodeUnlockMethodUnknown, "unknown enrollment method")
		}
		defer zero(kekBytes)

		kek, err := f.crypto.GenerateAEADKey(kekBytes)
		if err != nil {
			return nil, kmserrors.Internal(err)
		}
		defer kek.Zero()

		wrapAAD, err := mastersecret.BuildWrapAAD(params.Method, kdfParamsJSON)
		if err != nil {
			return nil, err
		}
		ct, iv, err := f.ms.EncryptMS(s.MS, kek, wrapAAD)
		if err != nil {
			return nil, err
		}

		now := f.nowMs()
		e := mastersecret.Enrollment{
			ID: newID, Method: params.Method, KDFParamsJSON: kdfParamsJSON, EncryptedMS: ct, IV: iv, AAD: wrapAAD,
			MSVersion: 1, CreatedAt: now, UpdatedAt: now, PlatformHash: f.platformHash, CalibratedPBKDF2: calibrated,
		}
		if kcv != nil {
			e.KCV = kcv[:]
		}
		if err := f.putEnrollment(ctx, e); err != nil {
			return nil, err
		}

		uakSigner, err := f.delegation.LoadUAKSigner(ctx, s.MKEK)
		if err != nil {
			return nil, err
		}
		_, err = f.audit.Append(ctx, audit.NewEntryInput{
			TimestampMs: now, Op: "enrollment:add", RequestID: requestID,
			Details: map[string]aad.Value{"method": string(params.Method), "enrollment_id": newID},
		}, uakSigner)
		return nil, err
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

// RemoveEnrollment deletes a second credential, authenticated by a
// different surviving credential's unlock scope.
func (f *Facade) RemoveEnrollment(ctx context.Context, cred unlock.Credential, requestID, removeID string) error {
	if err := f.requireOperational(); err != nil {
		return err
	}
	if removeID == cred.EnrollmentID {
		return kmserrors.New(kmserrors.CodeUnlockDenied, "cannot remove the enrollment used to authenticate this call")
	}
	_, err := unlock.WithUnlock(ctx, f.unlockDeps(), cred, requestID, unlock.OpDefault, func(ctx context.Context, s *unlock.Scope) (any, error) {
		if err := f.kv.Delete(ctx, enrollmentConfigKey(removeID)); err != nil {
			return nil, kmserrors.Internal(err)
		}
		raw, err := f.kv.Get(ctx, "enrollment:index")
		if err != nil {
			return nil, kmserrors.Internal(err)
		}
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "enrollment index corrupted")
		}
		kept := ids[:0]
		for _, id := range ids {
			if id != removeID {
				kept = append(kept, id)
			}
		}
		out, err := json.Marshal(kept)
		if err != nil {
			return nil, kmserrors.Internal(err)
		}
		if err := f.kv.Put(ctx, "enrollment:index", out); err != nil {
			return nil, kmserrors.Internal(err)
		}
		uakSigner, err := f.delegation.LoadUAKSigner(ctx, s.MKEK)
		if err != nil {
			return nil, err
		}
		_, err = f.audit.Append(ctx, audit.NewEntryInput{
			TimestampMs: f.nowMs(), Op: "enrollment:remove", RequestID: requestID,
			Details: map[string]aad.Value{"enrollment_id": removeID},
		}, uakSigner)
		return nil, err
	})
	return err
}

// ---- VAPID key lifecycle ----

type GenerateVAPIDResult struct {
	Kid    string
	PubRaw []byte
}

// GenerateVAPID mints a fresh ES256 keypair, wraps it under MKEK, and
// persists it as a WrappedApplicationKey with purpose="vapid".
func (f *Facade) GenerateVAPID(ctx context.Context, cred unlock.Credential, requestID string) (GenerateVAPIDResult, error) {
	if err := f.requireOperational(); err != nil {
		return GenerateVAPIDResult{}, err
	}
	res, err := unlock.WithUnlock(ctx, f.unlockDeps(), cred, requestID, unlock.OpGenerate, func(ctx context.Context, s *unlock.Scope) (any, error) {
		uakSigner, err := f.delegation.LoadUAKSigner(ctx, s.MKEK)
		if err != nil {
			return nil, err
		}
		return f.generateVAPIDKey(ctx, s.MKEK, requestID, uakSigner)
	})
	if err != nil {
		return GenerateVAPIDResult{}, err
	}
	return res.(GenerateVAPIDResult), nil
}

// generateVAPIDKey mints a fresh ES256 keypair, wraps it under mkek,
// persists it as a WrappedApplicationKey with purpose="vapid", and
// appends its own vapid:generate audit entry signed by uakSigner.
// Shared by GenerateVAPID (inside its own unlock scope) and Bootstrap
// (which derives MKEK itself, outside WithUnlock, for first-time setup).
func (f *Facade) generateVAPIDKey(ctx context.Context, mkek *cryptoprov.AEADHandle, requestID string, uakSigner audit.Signer) (GenerateVAPIDResult, error) {
	_, rawD, err := f.crypto.GenerateECDSAP256()
	if err != nil {
		return GenerateVAPIDResult{}, kmserrors.Internal(err)
	}
	defer zero(rawD)
	handle, err := f.crypto.ImportECDSAP256(rawD)
	if err != nil {
		return GenerateVAPIDResult{}, kmserrors.Internal(err)
	}
	pub := handle.PublicKeyRaw()
	kid, err := vapid.JWKThumbprint(pub)
	if err != nil {
		return GenerateVAPIDResult{}, kmserrors.Internal(err)
	}

	now := f.nowMs()
	wkAAD, err := aad.WrappedKeyAAD(kid, "ES256", "vapid", audit.KMSVersion, now)
	if err != nil {
		return GenerateVAPIDResult{}, kmserrors.Internal(err)
	}
	wk, err := keywrap.Wrap(f.crypto, mkek, rawD, kid, "vapid", "ES256", pub, wkAAD, now)
	if err != nil {
		return GenerateVAPIDResult{}, err
	}
	raw, err := keywrap.Marshal(wk)
	if err != nil {
		return GenerateVAPIDResult{}, kmserrors.Internal(err)
	}
	if err := f.kv.Put(ctx, "key:"+kid, raw); err != nil {
		return GenerateVAPIDResult{}, kmserrors.Internal(err)
	}

	_, err = f.audit.Append(ctx, audit.NewEntryInput{
		TimestampMs: now, Op: "vapid:generate", RequestID: requestID, Kid: kid,
	}, uakSigner)
	if err != nil {
		return GenerateVAPIDResult{}, err
	}
	return GenerateVAPIDResult{Kid: kid, PubRaw: pub}, nil
}

// SignJWT signs an arbitrary caller-supplied claim set under kid
// directly (not through a lease) — the path used for one-off signing
// calls that still require a fresh credential.
func (f *Facade) SignJWT(ctx context.Context, cred unlock.Credential, requestID, kid string, claims vapid.Claims) (string, error) {
	if err := f.requireOperational(); err != nil {
		return "", err
	}
	res, err := unlock.WithUnlock(ctx, f.unlockDeps(), cred, requestID, unlock.OpSign, func(ctx context.Context, s *unlock.Scope) (any, error) {
		raw, err := f.kv.Get(ctx, "key:"+kid)
		if err == store.ErrNotFound {
			return nil, kmserrors.New(kmserrors.CodeConfigNotFound, "vapid key not found")
		}
		if err != nil {
			return nil, kmserrors.Internal(err)
		}
		wk, err := keywrap.Unmarshal(raw)
		if err != nil {
			return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "vapid key record corrupted")
		}
		d, err := keywrap.Unwrap(f.crypto, s.MKEK, wk)
		if err != nil {
			return nil, err
		}
		defer zero(d)
		handle, err := f.crypto.ImportECDSAP256(d)
		if err != nil {
			return nil, kmserrors.Internal(err)
		}
		jwt, err := vapid.Issue(f.crypto, handle, kid, claims)
		if err != nil {
			return nil, err
		}
		uakSigner, err := f.delegation.LoadUAKSigner(ctx, s.MKEK)
		if err != nil {
			return nil, err
		}
		_, err = f.audit.Append(ctx, audit.NewEntryInput{
			TimestampMs: f.nowMs(), Op: "vapid:issue", RequestID: requestID, Kid: kid, Jti: claims.Jti,
		}, uakSigner)
		if err != nil {
			return nil, err
		}
		return jwt, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// GetPublicKey returns the raw uncompressed public point for kid.
func (f *Facade) GetPublicKey(ctx context.Context, kid string) ([]byte, error) {
	raw, err := f.kv.Get(ctx, "key:"+kid)
	if err == store.ErrNotFound {
		return nil, kmserrors.New(kmserrors.CodeConfigNotFound, "key not found")
	}
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	wk, err := keywrap.Unmarshal(raw)
	if err != nil {
		return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "key record corrupted")
	}
	return wk.PublicKeyRaw, nil
}

// ---- Leases ----

type CreateLeaseParams struct {
	UserID   string
	Subs     []lease.Subscription
	TTLHours int
	Kid      string
}

func (f *Facade) CreateLease(ctx context.Context, cred unlock.Credential, requestID string, params CreateLeaseParams) (lease.Lease, error) {
	if err := f.requireOperational(); err != nil {
		return lease.Lease{}, err
	}
	lrk, err := f.delegation.EnsureLRK(ctx)
	if err != nil {
		return lease.Lease{}, err
	}
	res, err := unlock.WithUnlock(ctx, f.unlockDeps(), cred, requestID, unlock.OpDefault, func(ctx context.Context, s *unlock.Scope) (any, error) {
		uakSigner, err := f.delegation.LoadUAKSigner(ctx, s.MKEK)
		if err != nil {
			return nil, err
		}
		return f.lease.Create(ctx, s.MS, s.MKEK, lrk, uakSigner, requestID, f.codeHash, f.manifestHash, lease.CreateParams{
			UserID: params.UserID, Subs: params.Subs, TTLHours: params.TTLHours, Kid: params.Kid,
		})
	})
	if err != nil {
		return lease.Lease{}, err
	}
	return res.(lease.Lease), nil
}

// ExtendLease, RevokeLease, IssueVAPIDJWT, and IssueVAPIDJWTs require
// no fresh credential — they operate against an already-created
// lease's delegated authority, which is the entire point of leasing.

func (f *Facade) ExtendLease(ctx context.Context, leaseID string, addHours int) (int64, error) {
	if err := f.requireOperational(); err != nil {
		return 0, err
	}
	return f.lease.Extend(ctx, leaseID, addHours)
}

func (f *Facade) RevokeLease(ctx context.Context, requestID, leaseID string) (int64, error) {
	if err := f.requireOperational(); err != nil {
		return 0, err
	}
	lrk, err := f.delegation.EnsureLRK(ctx)
	if err != nil {
		return 0, err
	}
	kiakSigner, err := f.delegation.LoadKIAKSigner(ctx, lrk)
	if err != nil {
		return 0, err
	}
	return f.lease.Revoke(ctx, leaseID, requestID, kiakSigner)
}

// RotateKIAK mints a fresh Key-Instance Audit Key and re-certifies it
// under the user's UAK (spec §4.9), emitting a dual-signed
// "audit:rotate" entry that proves continuity from the outgoing key to
// the incoming one. It is an authenticated, operator-initiated
// operation — nothing in this core schedules it automatically, since
// spec §9 leaves KIAK staleness policy as an open question the
// operator decides, not a timer.
func (f *Facade) RotateKIAK(ctx context.Context, cred unlock.Credential, requestID string) error {
	if err := f.requireOperational(); err != nil {
		return err
	}
	lrk, err := f.delegation.EnsureLRK(ctx)
	if err != nil {
		return err
	}
	_, err = unlock.WithUnlock(ctx, f.unlockDeps(), cred, requestID, unlock.OpDefault, func(ctx context.Context, s *unlock.Scope) (any, error) {
		uakSigner, err := f.delegation.LoadUAKSigner(ctx, s.MKEK)
		if err != nil {
			return nil, err
		}
		rotated, err := f.delegation.RotateKIAK(ctx, lrk, uakSigner, f.codeHash, f.manifestHash)
		if err != nil {
			return nil, err
		}
		_, err = f.audit.Append(ctx, audit.NewEntryInput{
			TimestampMs: f.nowMs(), Op: "audit:rotate", RequestID: requestID,
		}, rotated)
		return nil, err
	})
	return err
}

func (f *Facade) IssueVAPIDJWT(ctx context.Context, p lease.IssueParams) (lease.IssueResult, error) {
	if err := f.requireOperational(); err != nil {
		return lease.IssueResult{}, err
	}
	return f.lease.IssueJWT(ctx, p)
}

func (f *Facade) IssueVAPIDJWTs(ctx context.Context, p lease.BatchParams) ([]lease.IssueResult, error) {
	if err := f.requireOperational(); err != nil {
		return nil, err
	}
	return f.lease.BatchIssue(ctx, p)
}

// WithLRK must be called once after New so the lease engine's
// no-fresh-unlock paths (IssueJWT/Revoke) can reach LRK without
// re-deriving it on every call.
func (f *Facade) WithLRK(ctx context.Context) error {
	lrk, err := f.delegation.EnsureLRK(ctx)
	if err != nil {
		return err
	}
	f.lease.WithLRK(lrk)
	return nil
}

// ---- Audit ----

func (f *Facade) VerifyAuditChain(ctx context.Context) (audit.VerifyResult, error) {
	entries, err := f.audit.All(ctx)
	if err != nil {
		return audit.VerifyResult{}, kmserrors.Internal(err)
	}
	uakPub, err := f.delegation.UAKPublicKey(ctx)
	if err != nil {
		return audit.VerifyResult{}, err
	}
	genesisKIAKPub, err := f.delegation.GenesisKIAKPublicKey(ctx)
	if err != nil {
		return audit.VerifyResult{}, err
	}
	return audit.Verify(entries, uakPub, genesisKIAKPub), nil
}

func (f *Facade) GetAuditLog(ctx context.Context) ([]audit.Entry, error) {
	return f.audit.All(ctx)
}

func (f *Facade) GetAuditPublicKey(ctx context.Context) ([]byte, error) {
	pub, err := f.delegation.UAKPublicKey(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(pub), nil
}

// ---- Reset ----

// Reset wipes every known logical key prefix, reinitializes LRK/KIAK,
// and emits a fresh boot audit entry. It does not itself re-provision
// any enrollment — the caller must Bootstrap again afterward.
func (f *Facade) Reset(ctx context.Context, requestID string) error {
	if err := f.requireOperational(); err != nil {
		return err
	}
	prefixes := []string{"enrollment:", "key:", "lease:", "lease-audit-key:", "audit:", "meta:", "revoked-leases"}
	for _, p := range prefixes {
		keys, err := f.kv.ListPrefix(ctx, p)
		if err != nil {
			return kmserrors.Internal(err)
		}
		for _, k := range keys {
			if err := f.kv.Delete(ctx, k); err != nil {
				return kmserrors.Internal(err)
			}
		}
	}

	lrk, err := f.delegation.EnsureLRK(ctx)
	if err != nil {
		return err
	}
	if _, err := f.delegation.EnsureKIAK(ctx, lrk, f.instanceID); err != nil {
		return err
	}
	f.lease.WithLRK(lrk)

	kiakSigner, err := f.delegation.LoadKIAKSigner(ctx, lrk)
	if err != nil {
		return err
	}
	if _, err := f.audit.Append(ctx, audit.NewEntryInput{
		TimestampMs: f.nowMs(), Op: "boot", RequestID: requestID,
		Details: map[string]aad.Value{"instance_id": f.instanceID},
	}, kiakSigner); err != nil {
		return err
	}
	return nil
}

// ---- Backup ----

type ExportBackupParams struct {
	IncludeAudit bool
}

func (f *Facade) ExportBackup(ctx context.Context, cred unlock.Credential, requestID, backupPassword string, params ExportBackupParams) (backup.Bundle, error) {
	if err := f.requireOperational(); err != nil {
		return backup.Bundle{}, err
	}
	res, err := unlock.WithUnlock(ctx, f.unlockDeps(), cred, requestID, unlock.OpBackup, func(ctx context.Context, s *unlock.Scope) (any, error) {
		bundle, err := f.backup.Export(ctx, backup.ExportParams{
			MS: s.MS, BackupPassword: backupPassword, IncludeAudit: params.IncludeAudit,
			PlatformHash: f.platformHash, NowMs: f.nowMs(),
		})
		if err != nil {
			return nil, err
		}
		uakSigner, err := f.delegation.LoadUAKSigner(ctx, s.MKEK)
		if err != nil {
			return nil, err
		}
		_, err = f.audit.Append(ctx, audit.NewEntryInput{
			TimestampMs: f.nowMs(), Op: "backup:export", RequestID: requestID,
			Details: map[string]aad.Value{"bundle_id": bundle.BundleID, "include_audit": params.IncludeAudit},
		}, uakSigner)
		if err != nil {
			return nil, err
		}
		return bundle, nil
	})
	if err != nil {
		return backup.Bundle{}, err
	}
	return res.(backup.Bundle), nil
}

// ImportBackup restores a bundle. It does not run inside WithUnlock —
// there is nothing to authenticate against until the bundle's own
// enrollments are back in Store, which this call itself performs; the
// bundle's backup password is the only credential checked.
func (f *Facade) ImportBackup(ctx context.Context, bundle backup.Bundle, backupPassword string, opts backup.ImportOptions) error {
	if err := f.requireOperational(); err != nil {
		return err
	}
	ms, err := f.backup.Import(ctx, bundle, backupPassword, opts)
	if err != nil {
		return err
	}
	defer zero(ms)

	lrk, err := f.delegation.EnsureLRK(ctx)
	if err != nil {
		return err
	}
	if _, err := f.delegation.EnsureKIAK(ctx, lrk, f.instanceID); err != nil {
		return err
	}
	f.lease.WithLRK(lrk)

	// No audit entry is appended here for a non-audit-restoring import:
	// doing so would require a live UAK signature, and nothing in this
	// call holds the UAK outside an unlock scope. The first operation
	// performed against the restored instance carries its own audit
	// entry and implicitly marks the import boundary.
	return nil
}
