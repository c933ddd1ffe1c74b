// Package lease implements the Lease Engine: SessionKEK derivation,
// quota-gated VAPID JWT issuance, batch issuance, extension, and
// revocation. Creating a lease runs inside an unlock scope (it needs
// MS to derive SessionKEK and MKEK to unwrap the VAPID key being
// re-wrapped); issuing a JWT against an existing lease does not — that
// is the entire point of a lease, background issuance without fresh
// user authentication.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atskms/core/internal/aad"
	auditpkg "github.com/atskms/core/internal/audit"
	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/delegation"
	"github.com/atskms/core/internal/kdf"
	"github.com/atskms/core/internal/keywrap"
	"github.com/atskms/core/internal/kmserrors"
	"github.com/atskms/core/internal/store"
	"github.com/atskms/core/internal/vapid"
)

const (
	kmsVersion   = 2
	defaultTTLS  = 900
	maxBatch     = 10
	maxLifetimeMs = 24 * 60 * 60 * 1000
	revocationWindowMs = 10 * 60 * 1000
	// inFlightWindowMs bounds the burst_sends window: in a
	// single-threaded-per-request core, a send's in-flight duration is
	// the lifetime of its own IssueJWT call, so "in flight" is
	// approximated as "reserved within the last few seconds" rather
	// than a live concurrency gauge.
	inFlightWindowMs = 5000
)

// Subscription is one Web Push endpoint a lease is authorized for.
type Subscription struct {
	URL string `json:"url"`
	Aud string `json:"aud"`
	Eid string `json:"eid"`
}

// Quotas are the per-lease administratively tunable limits (spec §6
// "Default quotas").
type Quotas struct {
	TokensPerHour        int `json:"tokens_per_hour"`
	SendsPerMinute       int `json:"sends_per_minute"`
	BurstSends           int `json:"burst_sends"`
	SendsPerMinutePerEid int `json:"sends_per_minute_per_eid"`
}

func DefaultQuotas() Quotas {
	return Quotas{TokensPerHour: 120, SendsPerMinute: 60, BurstSends: 100, SendsPerMinutePerEid: 30}
}

// Lease is the persisted record at store key "lease:{lease_id}".
type Lease struct {
	LeaseID         string             `json:"lease_id"`
	UserID          string             `json:"user_id"`
	Subs            []Subscription     `json:"subs"`
	Scope           string             `json:"scope"`
	ExpMs           int64              `json:"exp_ms"`
	Quotas          Quotas             `json:"quotas"`
	Kid             string             `json:"kid"`
	LeaseSalt       []byte             `json:"lease_salt"`
	WrappedLeaseKey keywrap.WrappedKey `json:"wrapped_lease_key"`
	CreatedAt       int64              `json:"created_at"`
	UpdatedAt       int64              `json:"updated_at"`
	RevokedAt       *int64             `json:"revoked_at,omitempty"`
}

func (l Lease) Usable(nowMs int64) bool {
	return nowMs < l.ExpMs && l.RevokedAt == nil
}

// QuotaState is the persisted record at store key "lease:{lease_id}:quota".
type QuotaState struct {
	TokensInLastHour        []int64            `json:"tokens_in_last_hour"`
	SendsInLastMinute       []int64            `json:"sends_in_last_minute"`
	SendsInLastMinutePerEid map[string][]int64 `json:"sends_in_last_minute_per_eid"`
	InFlightSends           []int64            `json:"in_flight_sends"`
	Violations              int                `json:"violations"`
}

func newQuotaState() QuotaState {
	return QuotaState{SendsInLastMinutePerEid: map[string][]int64{}}
}

func (q *QuotaState) prune(nowMs int64) {
	q.TokensInLastHour = pruneWindow(q.TokensInLastHour, nowMs, 60*60*1000)
	q.SendsInLastMinute = pruneWindow(q.SendsInLastMinute, nowMs, 60*1000)
	q.InFlightSends = pruneWindow(q.InFlightSends, nowMs, inFlightWindowMs)
	for eid, ts := range q.SendsInLastMinutePerEid {
		q.SendsInLastMinutePerEid[eid] = pruneWindow(ts, nowMs, 60*1000)
	}
}

func cloneEidWindows(m map[string][]int64) map[string][]int64 {
	out := make(map[string][]int64, len(m))
	for k, v := range m {
		out[k] = append([]int64(nil), v...)
	}
	return out
}

func appendCopy(ts []int64, v int64) []int64 {
	return append(append([]int64(nil), ts...), v)
}

// removeOne drops a single occurrence of v from ts, used to unwind a
// quota reservation whose issuance never made it to a durable audit
// entry. Any one matching timestamp is interchangeable with any other,
// so it removes the first it finds rather than tracking which slot was
// "ours".
func removeOne(ts []int64, v int64) []int64 {
	for i, t := range ts {
		if t == v {
			out := append([]int64(nil), ts[:i]...)
			return append(out, ts[i+1:]...)
		}
	}
	return ts
}

func pruneWindow(ts []int64, nowMs, windowMs int64) []int64 {
	out := ts[:0]
	for _, t := range ts {
		if nowMs-t < windowMs {
			out = append(out, t)
		}
	}
	return append([]int64(nil), out...)
}

func leaseKey(id string) string      { return "lease:" + id }
func quotaKey(id string) string      { return "lease:" + id + ":quota" }
func sessionKEKKey(id string) string { return "meta:sessionkek:" + id }

// Engine wires the collaborators lease operations need.
type Engine struct {
	crypto     cryptoprov.Provider
	kv         store.KV
	audit      *auditpkg.Log
	delegation *delegation.Manager
	now        func() time.Time
	subject    string // "mailto:" VAPID subject claim

	lrk *cryptoprov.AEADHandle

	mu              sync.Mutex
	sessionKEKCache map[string]*cryptoprov.AEADHandle
	jti             *jtiIndex
}

func NewEngine(crypto cryptoprov.Provider, kv store.KV, audit *auditpkg.Log, delegation *delegation.Manager, now func() time.Time, subject string) *Engine {
	return &Engine{
		crypto: crypto, kv: kv, audit: audit, delegation: delegation, now: now, subject: subject,
		sessionKEKCache: map[string]*cryptoprov.AEADHandle{}, jti: newJTIIndex(),
	}
}

func (e *Engine) nowMs() int64 { return e.now().UnixMilli() }

// CreateParams are the inputs to Create, supplied once MS/MKEK are live
// inside an unlock scope.
type CreateParams struct {
	UserID   string
	Subs     []Subscription
	TTLHours int
	Quotas   *Quotas
	Kid      string // existing VAPID key to rewrap under this lease's SessionKEK
}

// Create derives SessionKEK, rewraps the named VAPID key under it,
// mints a Lease Audit Key, and persists a new Lease.
func (e *Engine) Create(ctx context.Context, ms []byte, mkek *cryptoprov.AEADHandle, lrk *cryptoprov.AEADHandle, uak auditpkg.Signer, requestID string, codeHash, manifestHash []byte, params CreateParams) (Lease, error) {
	if params.TTLHours <= 0 || params.TTLHours > 24 {
		return Lease{}, kmserrors.New(kmserrors.CodeInternal, "ttl_hours must be in (0,24]")
	}
	raw, err := e.kv.Get(ctx, "key:"+params.Kid)
	if errors.Is(err, store.ErrNotFound) {
		return Lease{}, kmserrors.New(kmserrors.CodeConfigNotFound, "vapid key not found")
	}
	if err != nil {
		return Lease{}, kmserrors.Internal(err)
	}
	vapidKey, err := keywrap.Unmarshal(raw)
	if err != nil {
		return Lease{}, kmserrors.New(kmserrors.CodeConfigCorrupted, "vapid key record corrupted")
	}
	d, err := keywrap.Unwrap(e.crypto, mkek, vapidKey)
	if err != nil {
		return Lease{}, err
	}
	defer zero(d)

	leaseID := uuid.NewString()
	leaseSalt, err := e.crypto.RandomBytes(32)
	if err != nil {
		return Lease{}, kmserrors.Internal(err)
	}
	sessionKEKBytes, err := kdf.HKDFExpand(ms, leaseSalt, kdf.InfoSessionKEK, 32)
	if err != nil {
		return Lease{}, kmserrors.Internal(err)
	}
	sessionKEK, err := e.crypto.GenerateAEADKey(sessionKEKBytes)
	if err != nil {
		return Lease{}, kmserrors.Internal(err)
	}
	defer zero(sessionKEKBytes)

	now := e.nowMs()
	leaseAAD, err := aad.LeaseWrapAAD(params.Kid, vapidKey.Alg, kmsVersion, now, leaseID)
	if err != nil {
		return Lease{}, kmserrors.Internal(err)
	}
	wrappedLeaseKey, err := keywrap.Wrap(e.crypto, sessionKEK, d, params.Kid, "lease-wrap", vapidKey.Alg, vapidKey.PublicKeyRaw, leaseAAD, now)
	if err != nil {
		return Lease{}, err
	}

	if err := e.kv.Put(ctx, sessionKEKKey(leaseID), append([]byte(nil), sessionKEKBytes...)); err != nil {
		return Lease{}, kmserrors.Internal(err)
	}
	e.mu.Lock()
	e.sessionKEKCache[leaseID] = sessionKEK
	e.mu.Unlock()

	quotas := DefaultQuotas()
	if params.Quotas != nil {
		quotas = *params.Quotas
	}
	expMs := now + int64(params.TTLHours)*60*60*1000

	l := Lease{
		LeaseID: leaseID, UserID: params.UserID, Subs: params.Subs, Scope: "notifications:send",
		ExpMs: expMs, Quotas: quotas, Kid: params.Kid, LeaseSalt: leaseSalt,
		WrappedLeaseKey: wrappedLeaseKey, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.putLease(ctx, l); err != nil {
		return Lease{}, err
	}
	qs := newQuotaState()
	if err := e.putQuota(ctx, leaseID, qs); err != nil {
		return Lease{}, err
	}
	if err := e.delegation.GenerateLAK(ctx, lrk, uak, leaseID, expMs, codeHash, manifestHash); err != nil {
		return Lease{}, err
	}

	_, err = e.audit.Append(ctx, auditpkg.NewEntryInput{
		TimestampMs: now, Op: "lease:create", RequestID: requestID, LeaseID: leaseID, Kid: params.Kid,
		Details: map[string]aad.Value{"user_id": params.UserID, "ttl_hours": params.TTLHours},
	}, uak)
	if err != nil {
		return Lease{}, err
	}
	return l, nil
}

func (e *Engine) putLease(ctx context.Context, l Lease) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return kmserrors.Internal(err)
	}
	return e.kv.Put(ctx, leaseKey(l.LeaseID), raw)
}

func (e *Engine) getLease(ctx context.Context, leaseID string) (Lease, error) {
	raw, err := e.kv.Get(ctx, leaseKey(leaseID))
	if errors.Is(err, store.ErrNotFound) {
		return Lease{}, kmserrors.New(kmserrors.CodeLeaseNotFound, "lease not found")
	}
	if err != nil {
		return Lease{}, kmserrors.Internal(err)
	}
	var l Lease
	if err := json.Unmarshal(raw, &l); err != nil {
		return Lease{}, kmserrors.New(kmserrors.CodeConfigCorrupted, "lease record corrupted")
	}
	return l, nil
}

func (e *Engine) putQuota(ctx context.Context, leaseID string, q QuotaState) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return kmserrors.Internal(err)
	}
	return e.kv.Put(ctx, quotaKey(leaseID), raw)
}

func (e *Engine) getQuota(ctx context.Context, leaseID string) (QuotaState, error) {
	q, _, err := e.getQuotaWithRaw(ctx, leaseID)
	return q, err
}

// getQuotaWithRaw returns the decoded quota state alongside the exact
// bytes it was decoded from, so a caller can pass those bytes as the
// expected value to store.KV.CompareAndSwap. A not-found quota record
// reports raw as nil, matching CompareAndSwap's "key must be absent"
// convention for the first write.
func (e *Engine) getQuotaWithRaw(ctx context.Context, leaseID string) (QuotaState, []byte, error) {
	raw, err := e.kv.Get(ctx, quotaKey(leaseID))
	if errors.Is(err, store.ErrNotFound) {
		return newQuotaState(), nil, nil
	}
	if err != nil {
		return QuotaState{}, nil, kmserrors.Internal(err)
	}
	var q QuotaState
	if err := json.Unmarshal(raw, &q); err != nil {
		return QuotaState{}, nil, kmserrors.New(kmserrors.CodeConfigCorrupted, "quota state corrupted")
	}
	if q.SendsInLastMinutePerEid == nil {
		q.SendsInLastMinutePerEid = map[string][]int64{}
	}
	return q, raw, nil
}

// reserveQuota enforces quotas against the freshest state it can read
// and, if the issuance is admissible, records this issuance's slot in
// every sliding window via CompareAndSwap before any signing work
// happens. A lost CAS race means another concurrent IssueJWT committed
// first; it re-reads and re-enforces against that new state rather
// than blindly retrying the write, so two callers can never both be
// admitted past a quota that only has room for one.
func (e *Engine) reserveQuota(ctx context.Context, leaseID, eid string, nowMs int64, quotas Quotas) (QuotaState, error) {
	for {
		qs, raw, err := e.getQuotaWithRaw(ctx, leaseID)
		if err != nil {
			return QuotaState{}, err
		}
		qs.prune(nowMs)
		if err := enforceQuotas(qs, quotas, eid, nowMs); err != nil {
			return QuotaState{}, err
		}
		next := qs
		next.TokensInLastHour = appendCopy(qs.TokensInLastHour, nowMs)
		next.SendsInLastMinute = appendCopy(qs.SendsInLastMinute, nowMs)
		next.InFlightSends = appendCopy(qs.InFlightSends, nowMs)
		next.SendsInLastMinutePerEid = cloneEidWindows(qs.SendsInLastMinutePerEid)
		next.SendsInLastMinutePerEid[eid] = appendCopy(next.SendsInLastMinutePerEid[eid], nowMs)

		nextRaw, err := json.Marshal(next)
		if err != nil {
			return QuotaState{}, kmserrors.Internal(err)
		}
		ok, err := e.kv.CompareAndSwap(ctx, quotaKey(leaseID), raw, nextRaw)
		if err != nil {
			return QuotaState{}, kmserrors.Internal(err)
		}
		if ok {
			return next, nil
		}
	}
}

// releaseQuotaReservation undoes one reserveQuota slot reserved at
// reservedAtMs, used when an issuance that passed quota admission later
// fails before its audit entry lands. It retries across CAS conflicts
// until the removal is durably applied; there is no admission decision
// left to make here, only a counter to take back.
func (e *Engine) releaseQuotaReservation(ctx context.Context, leaseID, eid string, reservedAtMs int64) error {
	for {
		qs, raw, err := e.getQuotaWithRaw(ctx, leaseID)
		if err != nil {
			return err
		}
		next := qs
		next.TokensInLastHour = removeOne(qs.TokensInLastHour, reservedAtMs)
		next.SendsInLastMinute = removeOne(qs.SendsInLastMinute, reservedAtMs)
		next.InFlightSends = removeOne(qs.InFlightSends, reservedAtMs)
		next.SendsInLastMinutePerEid = cloneEidWindows(qs.SendsInLastMinutePerEid)
		next.SendsInLastMinutePerEid[eid] = removeOne(next.SendsInLastMinutePerEid[eid], reservedAtMs)

		nextRaw, err := json.Marshal(next)
		if err != nil {
			return kmserrors.Internal(err)
		}
		ok, err := e.kv.CompareAndSwap(ctx, quotaKey(leaseID), raw, nextRaw)
		if err != nil {
			return kmserrors.Internal(err)
		}
		if ok {
			return nil
		}
	}
}

func (e *Engine) loadSessionKEK(ctx context.Context, leaseID string) (*cryptoprov.AEADHandle, error) {
	e.mu.Lock()
	if h, ok := e.sessionKEKCache[leaseID]; ok {
		e.mu.Unlock()
		return h, nil
	}
	e.mu.Unlock()

	raw, err := e.kv.Get(ctx, sessionKEKKey(leaseID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, kmserrors.New(kmserrors.CodeLeaseNotFound, "no session key material for lease")
	}
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	h, err := e.crypto.GenerateAEADKey(raw)
	if err != nil {
		return nil, kmserrors.Internal(err)
	}
	e.mu.Lock()
	e.sessionKEKCache[leaseID] = h
	e.mu.Unlock()
	return h, nil
}

// IssueParams are the inputs to IssueJWT. JtiOverride/IatOverride exist
// to support BatchIssue's staggered validity windows and test scenarios
// that need to inject a specific jti (spec §8 scenario 3, jti replay).
type IssueParams struct {
	LeaseID     string
	Endpoint    Subscription
	RequestID   string
	JtiOverride string
	IatOverride int64
}

// IssueResult mirrors the §6 issue_vapid_jwt response shape.
type IssueResult struct {
	JWT   string
	Jti   string
	ExpMs int64
	Entry auditpkg.Entry
}

// IssueJWT issues a VAPID JWT against an already-created lease. No
// fresh user authentication is required — that is the entire purpose
// of a lease.
func (e *Engine) IssueJWT(ctx context.Context, p IssueParams) (IssueResult, error) {
	l, err := e.getLease(ctx, p.LeaseID)
	if err != nil {
		return IssueResult{}, err
	}
	now := e.nowMs()
	if l.RevokedAt != nil {
		return IssueResult{}, kmserrors.New(kmserrors.CodeLeaseRevoked, "lease has been revoked")
	}
	if now >= l.ExpMs {
		return IssueResult{}, kmserrors.New(kmserrors.CodeLeaseExpired, "lease has expired")
	}

	var matched *Subscription
	for i := range l.Subs {
		if l.Subs[i].Eid == p.Endpoint.Eid {
			matched = &l.Subs[i]
			break
		}
	}
	if matched == nil {
		return IssueResult{}, kmserrors.New(kmserrors.CodeEndpointNotInLease, "endpoint eid not authorized for this lease")
	}
	if matched.Aud != p.Endpoint.Aud {
		return IssueResult{}, kmserrors.New(kmserrors.CodeAudMismatch, "endpoint aud does not match lease subscription")
	}

	// Reserve this issuance's slot in the per-lease sliding windows
	// through CompareAndSwap before doing any signing work (spec §5:
	// concurrency relies on quota-state compare-and-swap). If the JWT
	// never makes it to a durable audit entry below, the deferred
	// rollback gives the slot back.
	if _, err := e.reserveQuota(ctx, l.LeaseID, p.Endpoint.Eid, now, l.Quotas); err != nil {
		return IssueResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = e.releaseQuotaReservation(ctx, l.LeaseID, p.Endpoint.Eid, now)
		}
	}()

	sessionKEK, err := e.loadSessionKEK(ctx, l.LeaseID)
	if err != nil {
		return IssueResult{}, err
	}
	rawD, err := keywrap.Unwrap(e.crypto, sessionKEK, l.WrappedLeaseKey)
	if err != nil {
		return IssueResult{}, err
	}
	defer zero(rawD)
	handle, err := e.crypto.ImportECDSAP256(rawD)
	if err != nil {
		return IssueResult{}, kmserrors.Internal(err)
	}

	iat := p.IatOverride
	if iat == 0 {
		iat = now / 1000
	}
	exp := iat + defaultTTLS
	jti := p.JtiOverride
	if jti == "" {
		jti = uuid.NewString()
	}

	sinceMs := now - defaultTTLS*1000
	if e.jti.seen(l.LeaseID, jti) {
		return IssueResult{}, kmserrors.New(kmserrors.CodeJTICollision, "jti already issued within its ttl window")
	}
	recent, err := e.audit.RecentJTIs(ctx, sinceMs, now)
	if err != nil {
		return IssueResult{}, err
	}
	if recent[jti] {
		return IssueResult{}, kmserrors.New(kmserrors.CodeJTICollision, "jti already issued within its ttl window")
	}

	claims := vapid.Claims{
		Aud: p.Endpoint.Aud, Sub: e.subject, Iat: iat, Nbf: iat, Exp: exp, Jti: jti, Eid: p.Endpoint.Eid, Rid: p.RequestID,
	}
	jwt, err := vapid.Issue(e.crypto, handle, l.Kid, claims)
	if err != nil {
		return IssueResult{}, err
	}

	lak, err := e.delegation.LoadLAKSigner(ctx, e.lrkForLease(ctx), l.LeaseID)
	if err != nil {
		return IssueResult{}, err
	}
	expMs := exp * 1000
	entry, err := e.audit.Append(ctx, auditpkg.NewEntryInput{
		TimestampMs: now, Op: "vapid:issue", RequestID: p.RequestID, LeaseID: l.LeaseID, Kid: l.Kid, Jti: jti,
		Details: map[string]aad.Value{"endpoint_url": p.Endpoint.URL, "exp": expMs, "aud": p.Endpoint.Aud},
	}, lak)
	if err != nil {
		return IssueResult{}, err
	}

	// Only now, once the JWT is durably audited, does the jti enter the
	// in-process replay index and the quota reservation become final:
	// an audit-append failure above leaves the jti unmarked and the
	// deferred rollback gives the reservation back, so a JWT that was
	// never delivered is never considered issued (spec §5).
	e.jti.record(l.LeaseID, jti, now)
	e.jti.prune(l.LeaseID, sinceMs)
	committed = true

	return IssueResult{JWT: jwt, Jti: jti, ExpMs: expMs, Entry: entry}, nil
}

// lrkForLease is a seam for the kms facade to override how LRK is
// obtained (it is process-singleton, not lease-scoped); the default
// wiring in internal/kms calls delegation.EnsureLRK once at startup and
// sets Engine.lrk via WithLRK below.
func (e *Engine) lrkForLease(_ context.Context) *cryptoprov.AEADHandle {
	return e.lrk
}

// WithLRK binds the process-singleton LeaseRootKey handle the engine
// uses to unwrap Lease Audit Keys during issuance and revocation.
func (e *Engine) WithLRK(lrk *cryptoprov.AEADHandle) *Engine {
	e.lrk = lrk
	return e
}

func enforceQuotas(qs QuotaState, q Quotas, eid string, nowMs int64) error {
	if len(qs.TokensInLastHour) >= q.TokensPerHour {
		retry := qs.TokensInLastHour[0] + 60*60*1000 - nowMs
		return kmserrors.New(kmserrors.CodeQuotaLease, "lease token quota exceeded").WithRetryAfter(retry)
	}
	if len(qs.SendsInLastMinute) >= q.SendsPerMinute {
		retry := qs.SendsInLastMinute[0] + 60*1000 - nowMs
		return kmserrors.New(kmserrors.CodeQuotaLease, "lease send quota exceeded").WithRetryAfter(retry)
	}
	if len(qs.InFlightSends) >= q.BurstSends {
		return kmserrors.New(kmserrors.CodeQuotaLease, "burst send quota exceeded").WithRetryAfter(1000)
	}
	perEid := qs.SendsInLastMinutePerEid[eid]
	if len(perEid) >= q.SendsPerMinutePerEid {
		retry := perEid[0] + 60*1000 - nowMs
		return kmserrors.New(kmserrors.CodeQuotaEndpoint, "endpoint send quota exceeded").WithRetryAfter(retry)
	}
	return nil
}

// BatchParams are the inputs to BatchIssue.
type BatchParams struct {
	LeaseID   string
	Endpoint  Subscription
	Count     int
	RequestID string
}

// BatchIssue issues Count JWTs with staggered validity windows
// (stagger_s = 0.6 * ttl_s), each counting independently against quotas.
func (e *Engine) BatchIssue(ctx context.Context, p BatchParams) ([]IssueResult, error) {
	if p.Count <= 0 || p.Count > maxBatch {
		return nil, kmserrors.New(kmserrors.CodeInternal, "count must be in (0,10]")
	}
	stagger := int64(0.6 * float64(defaultTTLS))
	baseIat := e.nowMs() / 1000
	out := make([]IssueResult, 0, p.Count)
	for i := 0; i < p.Count; i++ {
		r, err := e.IssueJWT(ctx, IssueParams{
			LeaseID: p.LeaseID, Endpoint: p.Endpoint, RequestID: p.RequestID,
			IatOverride: baseIat + int64(i)*stagger,
		})
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Extend adds addHours to leaseID's expiry, clamped so total lifetime
// never exceeds 24h from creation (spec §4.10; see DESIGN.md for why
// this clamps instead of erroring — the taxonomy has no dedicated code
// for this case).
func (e *Engine) Extend(ctx context.Context, leaseID string, addHours int) (int64, error) {
	l, err := e.getLease(ctx, leaseID)
	if err != nil {
		return 0, err
	}
	if l.RevokedAt != nil {
		return 0, kmserrors.New(kmserrors.CodeLeaseRevoked, "lease has been revoked")
	}
	newExp := l.ExpMs + int64(addHours)*60*60*1000
	maxExp := l.CreatedAt + maxLifetimeMs
	if newExp > maxExp {
		newExp = maxExp
	}
	l.ExpMs = newExp
	l.UpdatedAt = e.nowMs()
	if err := e.putLease(ctx, l); err != nil {
		return 0, err
	}
	return l.ExpMs, nil
}

// Revoke marks leaseID revoked, records it in the rolling emergency
// revocation set, and appends a lease:revoke audit entry. Revocation
// is effective immediately for new issuance; in-flight tokens already
// handed out remain valid until natural expiry (spec §4.10).
func (e *Engine) Revoke(ctx context.Context, leaseID, requestID string, signer auditpkg.Signer) (int64, error) {
	l, err := e.getLease(ctx, leaseID)
	if err != nil {
		return 0, err
	}
	now := e.nowMs()
	l.RevokedAt = &now
	l.UpdatedAt = now
	if err := e.putLease(ctx, l); err != nil {
		return 0, err
	}
	if err := e.addToRevocationSet(ctx, leaseID, now); err != nil {
		return 0, err
	}
	e.mu.Lock()
	delete(e.sessionKEKCache, leaseID)
	e.mu.Unlock()

	_, err = e.audit.Append(ctx, auditpkg.NewEntryInput{
		TimestampMs: now, Op: "lease:revoke", RequestID: requestID, LeaseID: leaseID,
	}, signer)
	if err != nil {
		return 0, err
	}
	return now, nil
}

type revocationEntry struct {
	LeaseID string `json:"lease_id"`
	AtMs    int64  `json:"at_ms"`
}

func (e *Engine) addToRevocationSet(ctx context.Context, leaseID string, nowMs int64) error {
	var list []revocationEntry
	raw, err := e.kv.Get(ctx, "revoked-leases")
	if err == nil {
		_ = json.Unmarshal(raw, &list)
	} else if !errors.Is(err, store.ErrNotFound) {
		return kmserrors.Internal(err)
	}
	fresh := list[:0]
	for _, r := range list {
		if nowMs-r.AtMs < revocationWindowMs {
			fresh = append(fresh, r)
		}
	}
	fresh = append(fresh, revocationEntry{LeaseID: leaseID, AtMs: nowMs})
	out, err := json.Marshal(fresh)
	if err != nil {
		return kmserrors.Internal(err)
	}
	return e.kv.Put(ctx, "revoked-leases", out)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
