// Package keywrap implements the Key Wrapper: wrapping and unwrapping
// application private key material under a KEK-class AEAD handle
// (MKEK for application keys, SessionKEK for lease-rewrapped VAPID
// keys, LRK for audit delegation keys) with the canonical wrapped-key
// AAD bound to every operation. Any AAD or tag mismatch between wrap
// and unwrap is fatal and never retried.
package keywrap

import (
	"encoding/json"

	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/kmserrors"
)

// WrappedKey is the persisted WrappedApplicationKey record (spec §3).
type WrappedKey struct {
	Kid           string `json:"kid"`
	Purpose       string `json:"purpose"`
	Alg           string `json:"alg"`
	WrappedBytes  []byte `json:"wrapped_bytes"`
	IV            []byte `json:"iv"`
	AAD           []byte `json:"aad"`
	PublicKeyRaw  []byte `json:"public_key_raw"`
	CreatedAt     int64  `json:"created_at"`
	LastUsedAt    *int64 `json:"last_used_at,omitempty"`
}

// Wrap seals raw under kek with aadBytes and a fresh 12-byte IV,
// returning the persisted record. The caller is responsible for
// dropping the exportable raw copy it passed in immediately after this
// call — keywrap never retains it.
func Wrap(crypto cryptoprov.Provider, kek *cryptoprov.AEADHandle, raw []byte, kid, purpose, alg string, pub []byte, aadBytes []byte, createdAt int64) (WrappedKey, error) {
	iv, err := crypto.RandomBytes(12)
	if err != nil {
		return WrappedKey{}, kmserrors.Internal(err)
	}
	ct, err := crypto.SealAEAD(kek, iv, raw, aadBytes)
	if err != nil {
		return WrappedKey{}, kmserrors.Internal(err)
	}
	return WrappedKey{
		Kid:          kid,
		Purpose:      purpose,
		Alg:          alg,
		WrappedBytes: ct,
		IV:           iv,
		AAD:          aadBytes,
		PublicKeyRaw: pub,
		CreatedAt:    createdAt,
	}, nil
}

// Unwrap opens wk.WrappedBytes under kek using wk's own persisted
// AAD and IV. Any drift between the AAD bound at wrap time and the
// AAD the caller now expects (checked by the caller comparing
// wk.AAD against a freshly-built expected AAD before calling Unwrap,
// or implicitly via the AEAD tag here) surfaces as aad.mismatch.
func Unwrap(crypto cryptoprov.Provider, kek *cryptoprov.AEADHandle, wk WrappedKey) ([]byte, error) {
	raw, err := crypto.OpenAEAD(kek, wk.IV, wk.WrappedBytes, wk.AAD)
	if err != nil {
		return nil, kmserrors.New(kmserrors.CodeAADMismatch, "wrapped key AEAD/AAD verification failed")
	}
	return raw, nil
}

func Marshal(wk WrappedKey) ([]byte, error)   { return json.Marshal(wk) }
func Unmarshal(b []byte) (WrappedKey, error) {
	var wk WrappedKey
	err := json.Unmarshal(b, &wk)
	return wk, err
}
