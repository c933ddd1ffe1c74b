// Package unlock implements the Unlock Context: the single scoped
// entry point that authenticates a credential, decrypts the Master
// Secret, derives the MKEK, hands control to a caller-supplied
// operation, and guarantees cleanup (MS zeroization, MKEK
// invalidation, an "unlock" audit entry) on every exit path —
// normal return, error, timeout, or cancellation.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atskms/core/internal/aad"
	auditpkg "github.com/atskms/core/internal/audit"
	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/kdf"
	"github.com/atskms/core/internal/kmserrors"
	"github.com/atskms/core/internal/mastersecret"
	"github.com/atskms/core/internal/store"
)

// Default and per-operation deadlines (spec §4.6 phase 4).
const (
	DefaultTimeout = 10 * time.Second
	SignTimeout    = 5 * time.Second
	GenerateTimeout = 10 * time.Second
	BackupTimeout  = 60 * time.Second
)

// OpKind selects the per-operation timeout override.
type OpKind string

const (
	OpDefault  OpKind = ""
	OpSign     OpKind = "sign"
	OpGenerate OpKind = "generate"
	OpBackup   OpKind = "backup"
)

func timeoutFor(kind OpKind) time.Duration {
	switch kind {
	case OpSign:
		return SignTimeout
	case OpGenerate:
		return GenerateTimeout
	case OpBackup:
		return BackupTimeout
	default:
		return DefaultTimeout
	}
}

// Credential carries already-authenticated-by-the-external-collaborator
// material: the Authenticator (WebAuthn) and passphrase entry are out
// of scope (spec §1), so this package receives their outputs directly.
type Credential struct {
	EnrollmentID string
	Method       mastersecret.Method
	Passphrase   string // passphrase method, and the combined passphrase||pepper gate-only fallback
	PRFOutput    []byte // passkey-prf method; exactly 32 bytes
	Pepper       []byte // passkey-gate method: the pepper already unlocked by the gate ceremony
	UserVerified bool   // must be true for passkey-prf / passkey-gate
}

// Scope is what an operation closure receives: the plaintext MS (valid
// only until the closure returns), the derived MKEK handle, and
// request/timing metadata to attach to the operation's own audit entries.
type Scope struct {
	MS           []byte
	MKEK         *cryptoprov.AEADHandle
	RequestID    string
	UnlockTimeMs int64
}

// Operation is the caller-supplied closure run under the unlock scope.
type Operation func(ctx context.Context, s *Scope) (any, error)

// Deps bundles the collaborators WithUnlock needs. UAKSigner unwraps a
// UAK signer from the just-derived MKEK (internal/delegation supplies
// this) — it is invoked once, inside the scope, while MKEK is still
// live, and the resulting signer (an independent Ed25519 handle) is
// what the cleanup phase uses to sign the mandatory "unlock" audit
// entry after MKEK has already been zeroed. KIAKSigner is the
// system-initiated fallback: when authentication itself fails (unknown
// enrollment, wrong passphrase/KCV, corrupted config), MKEK is never
// derived and UAKSigner is never invoked, so the cleanup phase signs
// the mandatory "unlock" entry with the process's KIAK instead.
type Deps struct {
	Crypto     cryptoprov.Provider
	KV         store.KV
	MS         *mastersecret.Manager
	Audit      *auditpkg.Log
	UAKSigner  func(ctx context.Context, mkek *cryptoprov.AEADHandle) (auditpkg.Signer, error)
	KIAKSigner func(ctx context.Context) (auditpkg.Signer, error)
	Now        func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func enrollmentKey(id string) string { return "enrollment:" + id + ":config" }

func loadEnrollment(ctx context.Context, kv store.KV, id string) (mastersecret.Enrollment, error) {
	raw, err := kv.Get(ctx, enrollmentKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return mastersecret.Enrollment{}, kmserrors.New(kmserrors.CodeConfigNotFound, "enrollment not found")
	}
	if err != nil {
		return mastersecret.Enrollment{}, kmserrors.Internal(err)
	}
	e, err := mastersecret.UnmarshalEnrollment(raw)
	if err != nil {
		return mastersecret.Enrollment{}, kmserrors.New(kmserrors.CodeConfigCorrupted, "enrollment config corrupted")
	}
	return e, nil
}

// deriveKEK implements phase 1 (Authenticate): derive a KEK from the
// credential and enrollment, verifying KCV for password-bearing methods
// in constant time.
func deriveKEK(crypto cryptoprov.Provider, cred Credential, e mastersecret.Enrollment) (*cryptoprov.AEADHandle, error) {
	switch e.Method {
	case mastersecret.MethodPassphrase:
		if e.CalibratedPBKDF2 == nil {
			return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "missing PBKDF2 parameters")
		}
		kekBytes, kcv := kdf.DeriveKEKAndKCV(cred.Passphrase, e.CalibratedPBKDF2.Salt, e.CalibratedPBKDF2.Iterations)
		defer zero(kekBytes[:])
		if !kdf.ConstantTimeEqual(kcv[:], e.KCV) {
			return nil, kmserrors.New(kmserrors.CodeUnlockDenied, "passphrase does not match")
		}
		return crypto.GenerateAEADKey(kekBytes[:])

	case mastersecret.MethodPasskeyPRF:
		if !cred.UserVerified {
			return nil, kmserrors.New(kmserrors.CodeUnlockDenied, "user verification not performed")
		}
		if len(cred.PRFOutput) != 32 {
			return nil, kmserrors.New(kmserrors.CodeUnlockDenied, "PRF output missing or malformed")
		}
		salt := kdf.DomainSalt("ATS/KMS/passkey-prf/salt/v2")
		kekBytes, err := kdf.HKDFExpand(cred.PRFOutput, salt[:], kdf.InfoKEKWrap, 32)
		if err != nil {
			return nil, kmserrors.Internal(err)
		}
		defer zero(kekBytes)
		return crypto.GenerateAEADKey(kekBytes)

	case mastersecret.MethodPasskeyGate:
		if !cred.UserVerified {
			return nil, kmserrors.New(kmserrors.CodeUnlockDenied, "user verification not performed")
		}
		if len(cred.Pepper) == 0 {
			return nil, kmserrors.New(kmserrors.CodeUnlockDenied, "gate pepper not supplied")
		}
		combined := append([]byte(cred.Passphrase), cred.Pepper...)
		defer zero(combined)
		if e.CalibratedPBKDF2 == nil {
			return nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "missing PBKDF2 parameters")
		}
		kekBytes, kcv := kdf.DeriveKEKAndKCV(string(combined), e.CalibratedPBKDF2.Salt, e.CalibratedPBKDF2.Iterations)
		defer zero(kekBytes[:])
		if !kdf.ConstantTimeEqual(kcv[:], e.KCV) {
			return nil, kmserrors.New(kmserrors.CodeUnlockDenied, "passphrase or pepper does not match")
		}
		return crypto.GenerateAEADKey(kekBytes[:])

	default:
		return nil, kmserrors.New(kmserrors.CodeUnlockMethodUnknown, fmt.Sprintf("unknown enrollment method %q", e.Method))
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WithUnlock runs op under a freshly authenticated, scoped MS/MKEK.
// requestID should come from the caller's transport layer (the
// go-chi middleware.RequestID value in internal/rpc); it is attached
// to every audit entry the operation and the cleanup phase emit.
func WithUnlock(ctx context.Context, d Deps, cred Credential, requestID string, kind OpKind, op Operation) (any, error) {
	unlockStart := d.now().UnixMilli()
	var uakSigner auditpkg.Signer

	result, opErr := func() (any, error) {
		e, err := loadEnrollment(ctx, d.KV, cred.EnrollmentID)
		if err != nil {
			return nil, err
		}

		kek, err := deriveKEK(d.Crypto, cred, e)
		if err != nil {
			return nil, err
		}
		defer kek.Zero()

		ms, err := d.MS.DecryptMS(e.EncryptedMS, kek, e.IV, e.AAD)
		if err != nil {
			return nil, err
		}
		defer zero(ms)

		mkekSalt := kdf.MKEKSalt()
		mkekBytes, err := kdf.HKDFExpand(ms, mkekSalt[:], kdf.InfoMKEK, 32)
		if err != nil {
			return nil, kmserrors.Internal(err)
		}
		defer zero(mkekBytes)
		mkek, err := d.Crypto.GenerateAEADKey(mkekBytes)
		if err != nil {
			return nil, kmserrors.Internal(err)
		}
		defer mkek.Zero()

		if d.UAKSigner != nil {
			s, err := d.UAKSigner(ctx, mkek)
			if err != nil {
				return nil, err
			}
			uakSigner = s
		}

		opCtx, cancel := context.WithTimeout(ctx, timeoutFor(kind))
		defer cancel()

		scope := &Scope{MS: ms, MKEK: mkek, RequestID: requestID, UnlockTimeMs: unlockStart}

		type result struct {
			val any
			err error
		}
		done := make(chan result, 1)
		go func() {
			v, err := op(opCtx, scope)
			done <- result{v, err}
		}()

		select {
		case r := <-done:
			return r.val, r.err
		case <-opCtx.Done():
			return nil, kmserrors.New(kmserrors.CodeUnlockTimeout, "operation exceeded its deadline")
		}
	}()

	lockTime := d.now().UnixMilli()
	signer := uakSigner
	if signer == nil && d.KIAKSigner != nil {
		if s, err := d.KIAKSigner(ctx); err == nil {
			signer = s
		}
	}
	if d.Audit != nil && signer != nil {
		details := map[string]aad.Value{"method": string(cred.Method)}
		if opErr != nil {
			if e, ok := kmserrors.As(opErr); ok {
				details["error_code"] = string(e.Code)
			} else {
				details["error_code"] = "internal"
			}
		}
		um, lm, dm := unlockStart, lockTime, lockTime-unlockStart
		_, _ = d.Audit.Append(ctx, auditpkg.NewEntryInput{
			TimestampMs:  lockTime,
			Op:           "unlock",
			RequestID:    requestID,
			UnlockTimeMs: &um,
			LockTimeMs:   &lm,
			DurationMs:   &dm,
			Details:      details,
		}, signer)
	}

	return result, opErr
}
