// Package certs implements the DelegationCertificate — the
// small, self-contained UAK-signed document that lets a Lease Audit Key
// or the Instance Audit Key sign audit entries on the user's behalf
// within a bounded scope and validity window. Audit entries embed a
// certificate by value, so this package knows nothing about the Audit Log
// or the Delegation Engine that issues certificates — it only builds,
// signs, and verifies the document itself.
package certs

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/atskms/core/internal/aad"
)

const (
	CertType    = "audit-delegation"
	CertVersion = 1

	SignerKindLAK  = "LAK"
	SignerKindKIAK = "KIAK"
)

// DelegationCertificate is DelegationCertificate record.
type DelegationCertificate struct {
	Type         string  `json:"type"`
	Version      int     `json:"version"`
	SignerKind   string  `json:"signer_kind"`
	LeaseID      string  `json:"lease_id,omitempty"`
	InstanceID   string  `json:"instance_id,omitempty"`
	DelegatePub  []byte  `json:"delegate_pub"`
	Scope        []string `json:"scope"`
	NotBefore    int64   `json:"not_before"`
	NotAfter     *int64  `json:"not_after"`
	CodeHash     []byte  `json:"code_hash"`
	ManifestHash []byte  `json:"manifest_hash"`
	KMSVersion   int     `json:"kms_version"`
	Sig          []byte  `json:"sig,omitempty"`
}

// canonicalBytes renders the certificate as canonical JSON, excluding
// Sig, for both signing and verification.
func (c DelegationCertificate) canonicalBytes() ([]byte, error) {
	m := map[string]aad.Value{
		"type":          c.Type,
		"version":       c.Version,
		"signer_kind":   c.SignerKind,
		"delegate_pub":  base64.RawURLEncoding.EncodeToString(c.DelegatePub),
		"scope":         append([]string(nil), c.Scope...),
		"not_before":    c.NotBefore,
		"code_hash":     base64.RawURLEncoding.EncodeToString(c.CodeHash),
		"manifest_hash": base64.RawURLEncoding.EncodeToString(c.ManifestHash),
		"kms_version":   c.KMSVersion,
	}
	if c.LeaseID != "" {
		m["lease_id"] = c.LeaseID
	}
	if c.InstanceID != "" {
		m["instance_id"] = c.InstanceID
	}
	if c.NotAfter != nil {
		m["not_after"] = *c.NotAfter
	} else {
		m["not_after"] = nil
	}
	return aad.Canonicalize(m)
}

// Sign fills in c.Sig with the UAK's Ed25519 signature over c's
// canonical bytes, using the caller-supplied sign function so this
// package never needs to know how the UAK handle is stored.
func Sign(c *DelegationCertificate, signFn func([]byte) ([]byte, error)) error {
	body, err := c.canonicalBytes()
	if err != nil {
		return err
	}
	sig, err := signFn(body)
	if err != nil {
		return err
	}
	c.Sig = sig
	return nil
}

// Verify checks c.Sig against uakPub.
func Verify(c DelegationCertificate, uakPub ed25519.PublicKey) bool {
	body, err := c.canonicalBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(uakPub, body, c.Sig)
}

// ScopeCovers reports whether op is permitted by scope, honoring a
// trailing "*" wildcard suffix as the only wildcard form — the same
// matching rule the teacher project's role-permission checker applies
// to RBAC scopes, generalized here to certificate scope patterns.
func ScopeCovers(scope []string, op string) bool {
	for _, pattern := range scope {
		if pattern == op {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(op, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// ValidAt reports whether timestampMs falls within [not_before,
// not_after] inclusive; a nil not_after is open-ended (KIAK certs may
// carry one, ).
func (c DelegationCertificate) ValidAt(timestampMs int64) bool {
	if timestampMs < c.NotBefore {
		return false
	}
	if c.NotAfter != nil && timestampMs > *c.NotAfter {
		return false
	}
	return true
}

// SignerID returns base64url(SHA-256(pub)) — the identifier audit
// entries carry in the `signer_id` field.
func SignerID(pub []byte) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func validate(c DelegationCertificate) error {
	if c.Type != CertType {
		return fmt.Errorf("certs: unexpected type %q", c.Type)
	}
	if c.Version != CertVersion {
		return fmt.Errorf("certs: unsupported version %d", c.Version)
	}
	if len(c.DelegatePub) != ed25519.PublicKeySize {
		return fmt.Errorf("certs: delegate_pub must be %d bytes", ed25519.PublicKeySize)
	}
	return nil
}

// VerifyFull verifies signature, type/version, and the scope/window
// constraints requires for an LAK/KIAK-signed audit entry.
func VerifyFull(c DelegationCertificate, uakPub ed25519.PublicKey, op string, timestampMs int64, expectSignerID string) error {
	if err := validate(c); err != nil {
		return err
	}
	if !Verify(c, uakPub) {
		return fmt.Errorf("certs: signature invalid")
	}
	if !ScopeCovers(c.Scope, op) {
		return fmt.Errorf("certs: scope %v does not cover op %q", c.Scope, op)
	}
	if !c.ValidAt(timestampMs) {
		return fmt.Errorf("certs: not valid at %d", timestampMs)
	}
	if SignerID(c.DelegatePub) != expectSignerID {
		return fmt.Errorf("certs: delegate_pub does not match signer_id")
	}
	return nil
}
