// Package aad produces the canonical byte string bound as Additional
// Authenticated Data to every AEAD operation in the KMS core. The
// encoding is deliberately minimal and deterministic: stable-sorted
// object keys, no whitespace, RFC 8259 escaping, integers without
// fractional or exponent parts. The same canonicalizer backs AAD
// construction, audit chain-hash inputs, and certificate-signing
// inputs.
package aad

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is an AAD field value: string, int or int64, bool, nil, a
// nested map[string]Value, or a []string / []Value array. It is an
// alias of any, so the maps and slices encoding/json decodes into an
// `any` hit the same cases; a decoded float64 is accepted only when it
// holds a whole number.
// Byte strings must be pre-encoded as base64url by the caller before
// being wrapped as a string Value — the canonicalizer never encodes
// bytes itself, it only serializes what it's given.
type Value = any

const SchemaVersion1 = 1

// Canonicalize stable-sorts m's keys by codepoint and renders compact
// JSON with no inter-token whitespace. It rejects values of types it
// doesn't recognize (anything other than the Value forms listed above)
// and float64s with a fractional part, so a caller can't silently embed
// non-canonical data.
func Canonicalize(m map[string]Value) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, k)
		b.WriteByte(':')
		if err := writeValue(&b, m[k]); err != nil {
			return nil, fmt.Errorf("aad: field %q: %w", k, err)
		}
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func writeValue(b *strings.Builder, v Value) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		writeJSONString(b, t)
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case int:
		b.WriteString(strconv.Itoa(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		if t != float64(int64(t)) {
			return fmt.Errorf("non-integral number %v in AAD value", t)
		}
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case map[string]Value:
		inner, err := Canonicalize(t)
		if err != nil {
			return err
		}
		b.Write(inner)
	case []string:
		b.WriteByte('[')
		for i, s := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, s)
		}
		b.WriteByte(']')
	case []Value:
		b.WriteByte('[')
		for i, v := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeValue(b, v); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		return fmt.Errorf("unsupported AAD value type %T", v)
	}
	return nil
}

// writeJSONString escapes s per RFC 8259 and writes it quoted.
func writeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

// MSWrapAAD builds the mandatory MS-wrapping AAD schema:
// {aad_version:1, method, kdf, kdf_params, kms_version:2}. kdfParams is
// itself a canonical JSON string, embedded here as a plain string value.
func MSWrapAAD(method, kdfName, kdfParamsJSON string, kmsVersion int) ([]byte, error) {
	return Canonicalize(map[string]Value{
		"aad_version": SchemaVersion1,
		"method":      method,
		"kdf":         kdfName,
		"kdf_params":  kdfParamsJSON,
		"kms_version": kmsVersion,
	})
}

// WrappedKeyAAD builds the mandatory wrapped-application-key AAD schema
//: {aad_version:1, record_type:"wrapped-key", kid, alg,
// purpose, kms_version:2, created_at}.
func WrappedKeyAAD(kid, alg, purpose string, kmsVersion int, createdAt int64) ([]byte, error) {
	return Canonicalize(map[string]Value{
		"aad_version": SchemaVersion1,
		"record_type": "wrapped-key",
		"kid":         kid,
		"alg":         alg,
		"purpose":     purpose,
		"kms_version": kmsVersion,
		"created_at":  createdAt,
	})
}

// LeaseWrapAAD builds the AAD used when a VAPID key is re-wrapped under
// a lease's SessionKEK: adds lease_id and a fixed
// purpose="lease-wrap" to the wrapped-key schema.
func LeaseWrapAAD(kid, alg string, kmsVersion int, createdAt int64, leaseID string) ([]byte, error) {
	return Canonicalize(map[string]Value{
		"aad_version": SchemaVersion1,
		"record_type": "wrapped-key",
		"kid":         kid,
		"alg":         alg,
		"purpose":     "lease-wrap",
		"kms_version": kmsVersion,
		"created_at":  createdAt,
		"lease_id":    leaseID,
	})
}
