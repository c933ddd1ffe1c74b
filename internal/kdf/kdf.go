// Package kdf implements the calibrated PBKDF2, HKDF-Expand, and KCV
// derivations, built on the same
// golang.org/x/crypto module the teacher project already depends on
// (there it supplies bcrypt for a login form; here it supplies the
// pbkdf2 and hkdf subpackages instead — bcrypt has no home in a KDF
// layer that must hand back raw, length-controlled key material).
package kdf

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Domain-separating info strings. Salts are always
// SHA-256 of one of these, never all-zero.
const (
	InfoKEKWrap     = "ATS/KMS/KEK-wrap/v2"
	InfoMKEK        = "ATS/KMS/MKEK/v2"
	InfoSessionKEK  = "ATS/KMS/SessionKEK/v1"
	InfoPepperGate  = "ATS/KMS/pepper-gate/v2"
	saltCtxMKEK     = "ATS/KMS/MKEK/salt/v2"
	minIterations   = 50_000
	maxIterations   = 2_000_000
	iterationRound  = 5_000
	targetMidMs     = 220
	calibLowBoundMs = 150
	calibHighBoundMs = 300
	warmupIters     = 10_000
	probeIters      = 100_000
)

// DomainSalt returns SHA-256(context) — the deterministic, versioned,
// non-zero salt required for every HKDF-Expand call in this system.
func DomainSalt(context string) [32]byte {
	return sha256.Sum256([]byte(context))
}

// MKEKSalt is the fixed salt for deriving MKEK from MS.
func MKEKSalt() [32]byte { return DomainSalt(saltCtxMKEK) }

// HKDFExpand derives length bytes from ikm using HMAC-SHA256-based
// HKDF-Expand with the given salt and info string.
func HKDFExpand(ikm, salt []byte, info string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("kdf: hkdf expand: %w", err)
	}
	return out, nil
}

// CalibratedParams are the PBKDF2 parameters persisted per enrollment
//.
type CalibratedParams struct {
	Iterations       int
	Salt             []byte // 16 bytes
	LastCalibratedAt int64  // unix millis
	PlatformHash     string
}

// Clock abstracts time measurement so calibration is deterministic in
// tests; production code uses RealClock.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// timedPBKDF2 runs PBKDF2 for the given iteration count against a fixed
// probe passphrase/salt and returns the elapsed wall time.
func timedPBKDF2(clock Clock, iterations int) time.Duration {
	start := clock.Now()
	_ = pbkdf2.Key([]byte("ats-kms-calibration-probe"), []byte("ats-kms-calibration-salt-16"), iterations, 32, sha256.New)
	return clock.Now().Sub(start)
}

// Calibrate runs the warm-up/probe/extrapolate/clamp/re-measure sequence
// of and returns persistable parameters. saltBytes must be a
// fresh 16-byte CSRNG salt supplied by the caller (the KDF layer doesn't
// generate its own randomness — that's the CryptoProvider's job).
func Calibrate(clock Clock, saltBytes []byte, platformHash string, nowMs int64) (CalibratedParams, error) {
	if len(saltBytes) != 16 {
		return CalibratedParams{}, fmt.Errorf("kdf: calibration salt must be 16 bytes")
	}

	// 10k warm-up: let the runtime JIT/caches settle; the timing isn't used.
	_ = timedPBKDF2(clock, warmupIters)

	// 100k probe: measure throughput.
	probeElapsed := timedPBKDF2(clock, probeIters)
	if probeElapsed <= 0 {
		probeElapsed = time.Millisecond
	}
	msPerIter := float64(probeElapsed.Microseconds()) / 1000.0 / float64(probeIters)

	target := float64(targetMidMs)
	extrapolated := int(target / msPerIter)
	iterations := clampAndRound(extrapolated)

	// Re-measure once against the chosen iteration count; re-adjust if
	// outside the [150ms,300ms] acceptance window.
	measured := timedPBKDF2(clock, iterations)
	measuredMs := float64(measured.Milliseconds())
	if measuredMs < calibLowBoundMs || measuredMs > calibHighBoundMs {
		if measuredMs > 0 {
			adj := float64(iterations) * (target / measuredMs)
			iterations = clampAndRound(int(adj))
		}
	}

	return CalibratedParams{
		Iterations:       iterations,
		Salt:             append([]byte(nil), saltBytes...),
		LastCalibratedAt: nowMs,
		PlatformHash:     platformHash,
	}, nil
}

func clampAndRound(iterations int) int {
	if iterations < minIterations {
		iterations = minIterations
	}
	if iterations > maxIterations {
		iterations = maxIterations
	}
	rounded := (iterations / iterationRound) * iterationRound
	if rounded < minIterations {
		rounded = minIterations
	}
	return rounded
}

// NeedsRecalibration reports whether the enrollment's calibration is
// stale: the platform hash changed, or 90 days have elapsed.
func NeedsRecalibration(params CalibratedParams, currentPlatformHash string, nowMs int64) bool {
	if params.PlatformHash != currentPlatformHash {
		return true
	}
	const ninetyDaysMs = int64(90 * 24 * time.Hour / time.Millisecond)
	return nowMs-params.LastCalibratedAt > ninetyDaysMs
}

// DeriveKEK derives a 32-byte KEK from a passphrase for flows that store
// no KCV (the backup bundle key in backup.Export/Import).
func DeriveKEK(passphrase string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
}

// DeriveKEKAndKCV implements KCV derivation: a single
// 64-byte PBKDF2 pass is split into kek_bytes[0:32] and
// kcv_material[32:64]; kcv = SHA-256(kcv_material).
func DeriveKEKAndKCV(passphrase string, salt []byte, iterations int) (kek [32]byte, kcv [32]byte) {
	out := pbkdf2.Key([]byte(passphrase), salt, iterations, 64, sha256.New)
	copy(kek[:], out[0:32])
	kcvMaterial := out[32:64]
	kcv = sha256.Sum256(kcvMaterial)
	// Best-effort zeroization of the intermediate combined buffer.
	for i := range out {
		out[i] = 0
	}
	return kek, kcv
}

// ConstantTimeEqual performs constant-time KCV comparison.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
