package kdf

import (
	"crypto/sha256"
	"encoding/base64"
)

// PlatformHash derives the coarse device fingerprint used to decide
// whether a persisted PBKDF2 calibration can be reused, from
// caller-supplied OS family, browser family, and a coarse
// performance tier. The exact derivation is an implementation choice
// (see DESIGN.md); this hashes the three components so that two callers
// reporting the same coarse profile produce the same hash, without
// leaking finer device detail.
func PlatformHash(osFamily, browserFamily, perfTier string) string {
	h := sha256.New()
	h.Write([]byte(osFamily))
	h.Write([]byte{0})
	h.Write([]byte(browserFamily))
	h.Write([]byte{0})
	h.Write([]byte(perfTier))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}
