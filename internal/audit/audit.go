// Package audit implements the tamper-evident, hash-chained audit log:
// every state-changing KMS operation appends one Ed25519-signed entry
// whose chain_hash commits to the previous entry's chain_hash, so a
// single mutated byte anywhere in the log is detectable by a full
// chain walk. Three signer tiers delegate authority downward — the
// User Audit Key signs directly, while the per-lease Lease Audit Key
// and the Key Instance Audit Key sign through a UAK-issued certificate
// (internal/certs) that bounds their scope and validity window.
package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/atskms/core/internal/aad"
	"github.com/atskms/core/internal/certs"
	"github.com/atskms/core/internal/store"
)

const (
	KMSVersion  = 2
	AnchorEvery = 100

	SignerUAK  = "UAK"
	SignerLAK  = "LAK"
	SignerKIAK = "KIAK"

	genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

func init() {
	if len(genesisHash) != 64 {
		panic("audit: genesis hash constant must be 64 chars")
	}
}

// Entry is the persisted, signed audit record (spec §3 "AuditEntry").
type Entry struct {
	KMSVersion   int                  `json:"kms_version"`
	SeqNum       int64                `json:"seq_num"`
	TimestampMs  int64                `json:"timestamp_ms"`
	Op           string               `json:"op"`
	Kid          string               `json:"kid,omitempty"`
	RequestID    string               `json:"request_id"`
	Origin       string               `json:"origin,omitempty"`
	LeaseID      string               `json:"lease_id,omitempty"`
	UnlockTimeMs *int64               `json:"unlock_time_ms,omitempty"`
	LockTimeMs   *int64               `json:"lock_time_ms,omitempty"`
	DurationMs   *int64               `json:"duration_ms,omitempty"`
	Details      map[string]aad.Value `json:"details,omitempty"`
	Jti          string               `json:"jti,omitempty"`
	PreviousHash string               `json:"previous_hash"`
	ChainHash    string               `json:"chain_hash"`
	Signer       string               `json:"signer"`
	SignerID     string               `json:"signer_id"`
	Cert         *certs.DelegationCertificate `json:"cert,omitempty"`
	Sig          string               `json:"sig"`
	SigNew       string               `json:"sig_new,omitempty"`
	NewSignerID  string               `json:"new_signer_id,omitempty"`
	NewCert      *certs.DelegationCertificate `json:"new_cert,omitempty"`
}

// NewEntryInput is the caller-supplied content for one Append call; the
// chain/signature fields are filled in by the log itself.
type NewEntryInput struct {
	TimestampMs  int64
	Op           string
	Kid          string
	RequestID    string
	Origin       string
	LeaseID      string
	UnlockTimeMs *int64
	LockTimeMs   *int64
	DurationMs   *int64
	Details      map[string]aad.Value
	Jti          string
}

// Signer abstracts over the three key tiers that may sign an entry.
// The audit package never sees raw private key bytes — only a narrow
// Sign capability plus the identity material needed to fill in the
// entry's signer/signer_id/cert fields.
type Signer interface {
	Kind() string // SignerUAK, SignerLAK, or SignerKIAK
	SignerID() string
	Cert() *certs.DelegationCertificate // nil for UAK
	Sign(msg []byte) ([]byte, error)
}

// RotateSigner additionally produces the new-key signature used by an
// audit:rotate entry, proving continuity across a KIAK rotation.
type RotateSigner interface {
	Signer
	SignNew(msg []byte) ([]byte, error)
	NewSignerID() string
	NewCert() *certs.DelegationCertificate
}

// State is the log's append cursor (spec §4.8), persisted at the
// store key "audit:state".
type State struct {
	NextSeqNum      int64  `json:"next_seq_num"`
	TotalEntries    int64  `json:"total_entries"`
	LastTimestampMs int64  `json:"last_timestamp_ms"`
	LastChainHash   string `json:"last_chain_hash"`
	LastAnchorSeq   int64  `json:"last_anchor_seq"`
}

const stateKey = "audit:state"

func entryKey(seq int64) string { return fmt.Sprintf("audit:%d", seq) }

// Log is the append-only, hash-chained audit log. Appends are
// serialized by an in-process mutex, matching the single-threaded
// cooperative execution model the rest of the core assumes — no
// reentrant locking, no concurrent writers racing the same seq_num.
type Log struct {
	kv store.KV
	mu sync.Mutex
}

func NewLog(kv store.KV) *Log {
	return &Log{kv: kv}
}

func (l *Log) loadState(ctx context.Context) (State, error) {
	raw, err := l.kv.Get(ctx, stateKey)
	if errors.Is(err, store.ErrNotFound) {
		return State{LastChainHash: genesisHash}, nil
	}
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, err
	}
	return s, nil
}

func (l *Log) saveState(ctx context.Context, s State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return l.kv.Put(ctx, stateKey, raw)
}

// Append reserves the next seq_num, builds the canonical form,
// computes chain_hash, signs it, and persists the entry — then, every
// AnchorEvery entries, recurses once to append a KIAK-signed anchor
// summarizing the entries since the previous anchor.
func (l *Log) Append(ctx context.Context, in NewEntryInput, signer Signer) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, in, signer)
}

func (l *Log) appendLocked(ctx context.Context, in NewEntryInput, signer Signer) (Entry, error) {
	state, err := l.loadState(ctx)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		KMSVersion:   KMSVersion,
		SeqNum:       state.NextSeqNum,
		TimestampMs:  in.TimestampMs,
		Op:           in.Op,
		Kid:          in.Kid,
		RequestID:    in.RequestID,
		Origin:       in.Origin,
		LeaseID:      in.LeaseID,
		UnlockTimeMs: in.UnlockTimeMs,
		LockTimeMs:   in.LockTimeMs,
		DurationMs:   in.DurationMs,
		Details:      in.Details,
		Jti:          in.Jti,
		PreviousHash: state.LastChainHash,
		Signer:       signer.Kind(),
		SignerID:     signer.SignerID(),
		Cert:         signer.Cert(),
	}

	rs, rotating := signer.(RotateSigner)
	rotating = rotating && in.Op == "audit:rotate"
	if rotating {
		e.NewSignerID = rs.NewSignerID()
		e.NewCert = rs.NewCert()
	}

	canonical, err := canonicalEntryBytes(e)
	if err != nil {
		return Entry{}, err
	}
	sum := sha256.Sum256(canonical)
	e.ChainHash = base64.RawURLEncoding.EncodeToString(sum[:])

	sig, err := signer.Sign([]byte(e.ChainHash))
	if err != nil {
		return Entry{}, err
	}
	e.Sig = base64.RawURLEncoding.EncodeToString(sig)

	if rotating {
		sigNew, err := rs.SignNew([]byte(e.ChainHash))
		if err != nil {
			return Entry{}, err
		}
		e.SigNew = base64.RawURLEncoding.EncodeToString(sigNew)
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	if err := l.kv.Put(ctx, entryKey(e.SeqNum), raw); err != nil {
		return Entry{}, err
	}

	state.NextSeqNum = e.SeqNum + 1
	state.TotalEntries++
	state.LastTimestampMs = e.TimestampMs
	state.LastChainHash = e.ChainHash
	if err := l.saveState(ctx, state); err != nil {
		return Entry{}, err
	}

	if e.SeqNum > 0 && e.SeqNum%AnchorEvery == 0 && in.Op != "anchor" {
		if err := l.appendAnchor(ctx, e.SeqNum, state.LastAnchorSeq, signer); err != nil {
			return e, fmt.Errorf("audit: appended entry %d but anchor failed: %w", e.SeqNum, err)
		}
	}
	return e, nil
}

// appendAnchor appends a KIAK-signed `anchor` entry summarizing the
// operations from lastAnchorSeq through uptoSeq, both inclusive.
// The external-anchoring field referenced by future transparency-log
// integration is reserved but left unset here.
func (l *Log) appendAnchor(ctx context.Context, uptoSeq, lastAnchorSeq int64, kiak Signer) error {
	opsSeen := map[string]int{}
	var earliest int64
	for seq := lastAnchorSeq; seq <= uptoSeq; seq++ {
		raw, err := l.kv.Get(ctx, entryKey(seq))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		opsSeen[e.Op]++
		if earliest == 0 || e.TimestampMs < earliest {
			earliest = e.TimestampMs
		}
	}

	state, err := l.loadState(ctx)
	if err != nil {
		return err
	}

	since := ""
	if earliest > 0 {
		since = humanize.RelTime(
			time.UnixMilli(earliest), time.UnixMilli(state.LastTimestampMs),
			"ago", "from now",
		)
	}

	details := map[string]aad.Value{
		"anchored_from_seq": lastAnchorSeq,
		"anchored_to_seq":   uptoSeq,
		"op_counts":         opCounts(opsSeen),
		"since":             since,
		"external_anchor":   nil, // reserved for future transparency-log anchoring
	}

	_, err = l.appendLocked(ctx, NewEntryInput{
		TimestampMs: state.LastTimestampMs,
		Op:          "anchor",
		RequestID:   "system",
		Details:     details,
	}, kiak)
	if err != nil {
		return err
	}
	state, err = l.loadState(ctx)
	if err != nil {
		return err
	}
	state.LastAnchorSeq = uptoSeq
	return l.saveState(ctx, state)
}

func opCounts(m map[string]int) []aad.Value {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// deterministic order for canonical embedding downstream
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	out := make([]aad.Value, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]aad.Value{"op": k, "count": m[k]})
	}
	return out
}

// canonicalEntryBytes renders e as sorted-key canonical JSON excluding
// chain_hash, sig, and sig_new (spec §4.8 step 4).
func canonicalEntryBytes(e Entry) ([]byte, error) {
	m := map[string]aad.Value{
		"kms_version":   e.KMSVersion,
		"seq_num":       e.SeqNum,
		"timestamp_ms":  e.TimestampMs,
		"op":            e.Op,
		"request_id":    e.RequestID,
		"previous_hash": e.PreviousHash,
		"signer":        e.Signer,
		"signer_id":     e.SignerID,
	}
	if e.Kid != "" {
		m["kid"] = e.Kid
	}
	if e.Origin != "" {
		m["origin"] = e.Origin
	}
	if e.LeaseID != "" {
		m["lease_id"] = e.LeaseID
	}
	if e.UnlockTimeMs != nil {
		m["unlock_time_ms"] = *e.UnlockTimeMs
	}
	if e.LockTimeMs != nil {
		m["lock_time_ms"] = *e.LockTimeMs
	}
	if e.DurationMs != nil {
		m["duration_ms"] = *e.DurationMs
	}
	if e.Jti != "" {
		m["jti"] = e.Jti
	}
	if e.Details != nil {
		m["details"] = e.Details
	}
	if e.Cert != nil {
		certBytes, err := json.Marshal(e.Cert)
		if err != nil {
			return nil, err
		}
		m["cert"] = string(certBytes)
	}
	if e.NewSignerID != "" {
		m["new_signer_id"] = e.NewSignerID
	}
	if e.NewCert != nil {
		newCertBytes, err := json.Marshal(e.NewCert)
		if err != nil {
			return nil, err
		}
		m["new_cert"] = string(newCertBytes)
	}
	return aad.Canonicalize(m)
}

// GetRange returns entries [from, to] inclusive, skipping any missing
// seq_num (there should be none in a healthy log).
func (l *Log) GetRange(ctx context.Context, from, to int64) ([]Entry, error) {
	var out []Entry
	for seq := from; seq <= to; seq++ {
		raw, err := l.kv.Get(ctx, entryKey(seq))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// All returns every entry currently in the log.
func (l *Log) All(ctx context.Context) ([]Entry, error) {
	state, err := l.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if state.NextSeqNum == 0 {
		return nil, nil
	}
	return l.GetRange(ctx, 0, state.NextSeqNum-1)
}

// RecentJTIs returns the set of jti values issued by `vapid:issue`
// entries with timestamp_ms in (sinceMs, nowMs]. The lease engine uses
// this to enforce the no-replay-within-TTL invariant.
func (l *Log) RecentJTIs(ctx context.Context, sinceMs, nowMs int64) (map[string]bool, error) {
	entries, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, e := range entries {
		if e.Op != "vapid:issue" || e.Jti == "" {
			continue
		}
		if e.TimestampMs > sinceMs && e.TimestampMs <= nowMs {
			out[e.Jti] = true
		}
	}
	return out, nil
}

// VerifyResult is the outcome of a full chain walk.
type VerifyResult struct {
	Valid   bool
	Entries int
	Errors  []string
}

// Verify walks entries[0..N] and checks every invariant in spec §4.8 /
// §8: seq_num continuity, previous_hash linkage, chain_hash
// recomputation, and signature verification under the appropriate key
// (UAK direct; LAK via a UAK-signed cert; KIAK directly, or — for
// audit:rotate continuity — both the outgoing and incoming key).
// kiakPub must be the instance's genesis KIAK public key (the one the
// seq-0 boot entry was signed with, before any cert existed) — every
// later KIAK entry instead verifies through its own UAK-signed cert, and
// activeKIAK below is advanced to each rotation's new key as it's seen.
func Verify(entries []Entry, uakPub, kiakPub ed25519.PublicKey) VerifyResult {
	res := VerifyResult{Valid: true, Entries: len(entries)}
	fail := func(format string, args ...any) {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}

	activeKIAK := kiakPub
	for i, e := range entries {
		if e.SeqNum != int64(i) {
			fail("seq_num %d at index %d is out of order", e.SeqNum, i)
			continue
		}
		wantPrev := genesisHash
		if i > 0 {
			wantPrev = entries[i-1].ChainHash
		}
		if e.PreviousHash != wantPrev {
			fail("chain break at %d: previous_hash mismatch", e.SeqNum)
		}

		canonical, err := canonicalEntryBytes(e)
		if err != nil {
			fail("entry %d: canonicalization failed: %v", e.SeqNum, err)
			continue
		}
		sum := sha256.Sum256(canonical)
		wantHash := base64.RawURLEncoding.EncodeToString(sum[:])
		if e.ChainHash != wantHash {
			fail("chain break at %d: chain_hash recompute mismatch", e.SeqNum)
		}

		if err := verifySignature(e, uakPub, activeKIAK); err != nil {
			fail("entry %d: %v", e.SeqNum, err)
		}

		if e.Op == "audit:rotate" && e.NewCert != nil {
			activeKIAK = ed25519.PublicKey(e.NewCert.DelegatePub)
		}
	}
	return res
}

func verifySignature(e Entry, uakPub, kiakPub ed25519.PublicKey) error {
	sig, err := base64.RawURLEncoding.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("malformed sig: %w", err)
	}
	switch e.Signer {
	case SignerUAK:
		if !ed25519.Verify(uakPub, []byte(e.ChainHash), sig) {
			return errors.New("UAK signature invalid")
		}
	case SignerLAK:
		if e.Cert == nil {
			return errors.New("LAK entry missing cert")
		}
		if err := certs.VerifyFull(*e.Cert, uakPub, e.Op, e.TimestampMs, e.SignerID); err != nil {
			return fmt.Errorf("LAK cert: %w", err)
		}
		if !ed25519.Verify(ed25519.PublicKey(e.Cert.DelegatePub), []byte(e.ChainHash), sig) {
			return errors.New("LAK signature invalid")
		}
	case SignerKIAK:
		verifyKey := kiakPub
		if e.Cert != nil {
			if err := certs.VerifyFull(*e.Cert, uakPub, e.Op, e.TimestampMs, e.SignerID); err != nil {
				return fmt.Errorf("KIAK cert: %w", err)
			}
			verifyKey = ed25519.PublicKey(e.Cert.DelegatePub)
		}
		if !ed25519.Verify(verifyKey, []byte(e.ChainHash), sig) {
			return errors.New("KIAK signature invalid")
		}
		if e.Op == "audit:rotate" {
			if e.NewCert == nil {
				return errors.New("rotate entry missing new_cert")
			}
			if !certs.Verify(*e.NewCert, uakPub) {
				return errors.New("rotate new_cert signature invalid")
			}
			if certs.SignerID(e.NewCert.DelegatePub) != e.NewSignerID {
				return errors.New("rotate new_cert delegate_pub does not match new_signer_id")
			}
			sigNew, err := base64.RawURLEncoding.DecodeString(e.SigNew)
			if err != nil {
				return fmt.Errorf("malformed sig_new: %w", err)
			}
			if !ed25519.Verify(ed25519.PublicKey(e.NewCert.DelegatePub), []byte(e.ChainHash), sigNew) {
				return errors.New("rotate new-key signature invalid")
			}
		}
	default:
		return fmt.Errorf("unknown signer %q", e.Signer)
	}
	return nil
}

// SignerIDFromPub mirrors certs.SignerID for callers that only have a
// raw public key and need the signer_id field value.
func SignerIDFromPub(pub []byte) string {
	return certs.SignerID(pub)
}
