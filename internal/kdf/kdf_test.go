package kdf

import (
	"bytes"
	"testing"
	"time"
)

// fakeClock advances a fixed step on every Now() call, making calibration
// deterministic: the warm-up and probe reads always observe the same
// synthetic duration, so Calibrate's arithmetic is exercised without
// depending on real wall-clock timing.
type fakeClock struct {
	cur  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	t := c.cur
	c.cur = c.cur.Add(c.step)
	return t
}

func TestHKDFExpandIsDeterministicAndDomainSeparated(t *testing.T) {
	ikm := []byte("input-key-material-32-bytes-ok!")
	salt := MKEKSalt()

	a, err := HKDFExpand(ikm, salt[:], InfoMKEK, 32)
	if err != nil {
		t.Fatalf("HKDFExpand: %v", err)
	}
	again, err := HKDFExpand(ikm, salt[:], InfoMKEK, 32)
	if err != nil {
		t.Fatalf("HKDFExpand: %v", err)
	}
	if !bytes.Equal(a, again) {
		t.Fatal("HKDFExpand must be deterministic for identical inputs")
	}

	b, err := HKDFExpand(ikm, salt[:], InfoSessionKEK, 32)
	if err != nil {
		t.Fatalf("HKDFExpand: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("different info strings must yield different output")
	}
}

func TestDomainSaltNonZeroAndVersioned(t *testing.T) {
	s := MKEKSalt()
	var zero [32]byte
	if bytes.Equal(s[:], zero[:]) {
		t.Fatal("domain salt must never be all-zero")
	}
	if s != DomainSalt("ATS/KMS/MKEK/salt/v2") {
		t.Fatal("MKEK salt must be the domain salt of its versioned context string")
	}
	if s == DomainSalt("ATS/KMS/MKEK/salt/v1") {
		t.Fatal("domain salts of different context versions must differ")
	}
}

func TestCalibrateClampsToBounds(t *testing.T) {
	// A clock that reports one microsecond for every PBKDF2 run forces
	// msPerIter toward zero, which would make the naive extrapolation
	// divide toward +Inf; clampAndRound must still land inside
	// [minIterations, maxIterations].
	clock := &fakeClock{cur: time.Unix(0, 0), step: time.Microsecond}
	salt := make([]byte, 16)
	params, err := Calibrate(clock, salt, "platform-x", 1000)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if params.Iterations < minIterations || params.Iterations > maxIterations {
		t.Fatalf("iterations %d outside [%d,%d]", params.Iterations, minIterations, maxIterations)
	}
	if params.Iterations%iterationRound != 0 {
		t.Fatalf("iterations %d not rounded to %d", params.Iterations, iterationRound)
	}
	if params.PlatformHash != "platform-x" {
		t.Fatalf("platform hash not preserved: %s", params.PlatformHash)
	}
}

func TestCalibrateRejectsShortSalt(t *testing.T) {
	_, err := Calibrate(RealClock{}, []byte("too-short"), "p", 0)
	if err == nil {
		t.Fatal("expected an error for a non-16-byte salt")
	}
}

func TestNeedsRecalibration(t *testing.T) {
	base := CalibratedParams{PlatformHash: "p1", LastCalibratedAt: 0}
	if NeedsRecalibration(base, "p1", 0) {
		t.Fatal("fresh, same-platform calibration should not need recalibration")
	}
	if !NeedsRecalibration(base, "p2", 0) {
		t.Fatal("platform hash change must trigger recalibration")
	}
	ninetyOneDaysMs := int64(91 * 24 * time.Hour / time.Millisecond)
	if !NeedsRecalibration(base, "p1", ninetyOneDaysMs) {
		t.Fatal("91 elapsed days must trigger recalibration")
	}
}

func TestDeriveKEKAndKCVSplitsAndIsConstantAcrossCalls(t *testing.T) {
	salt := []byte("0123456789abcdef")
	kek1, kcv1 := DeriveKEKAndKCV("correct horse", salt, 1000)
	kek2, kcv2 := DeriveKEKAndKCV("correct horse", salt, 1000)
	if kek1 != kek2 || kcv1 != kcv2 {
		t.Fatal("DeriveKEKAndKCV must be deterministic for identical inputs")
	}
	if kek1 == kcv1 {
		t.Fatal("kek and kcv must not collide for a real passphrase")
	}

	wrongKEK, _ := DeriveKEKAndKCV("wrong horse", salt, 1000)
	if kek1 == wrongKEK {
		t.Fatal("different passphrases must not yield the same KEK")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte("abc"), []byte("abc")) {
		t.Fatal("equal slices must compare equal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Fatal("differing slices must not compare equal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("ab")) {
		t.Fatal("differing lengths must not compare equal")
	}
}
