// Package boot implements the Boot Verifier interface gating entry
// into the core: the process must present a 2-of-3 quorum over three
// independent checks before any operation is allowed to run. Absent
// quorum, every operation must return attestation.failed without side
// effects — this package gives internal/kms a single IsOperational
// check to call at the top of every public method.
package boot

// Evidence is the raw material the caller gathers before asking for a
// Decision. Each field corresponds to one leg of the quorum (spec
// §4.12); how the evidence is gathered (fetching a signed deployment
// badge, hashing the loaded bundle, comparing a manifest signature) is
// the build-time self-attestation system out of this package's scope
// (spec §1) — boot only evaluates what it's handed.
type Evidence struct {
	BadgeSignatureValid bool
	BadgeWithinTTL      bool
	CachedBadgeWithinTTL bool // a previously-verified badge still within its TTL, usable when BadgeSignatureValid couldn't be freshly checked (transient fetch error)
	ManifestMatchesBundle bool
	BundleMatchesBadge   bool
}

// Decision is the outcome of evaluating Evidence.
type Decision string

const (
	DecisionOperate    Decision = "operate"
	DecisionFailSecure Decision = "fail-secure"
)

// Decide applies the 2-of-3 quorum: a valid-and-fresh badge (or a
// still-valid cached badge substituting for a transient fetch error),
// a manifest-to-bundle match, and a bundle-to-badge hash match. Two of
// the three must hold.
func Decide(ev Evidence) Decision {
	badgeOK := (ev.BadgeSignatureValid && ev.BadgeWithinTTL) || ev.CachedBadgeWithinTTL
	count := 0
	if badgeOK {
		count++
	}
	if ev.ManifestMatchesBundle {
		count++
	}
	if ev.BundleMatchesBadge {
		count++
	}
	if count >= 2 {
		return DecisionOperate
	}
	return DecisionFailSecure
}

// Gate holds the process-wide decision once computed at startup. It is
// re-evaluated only by an explicit re-attestation, never per-request.
type Gate struct {
	decision Decision
}

func NewGate(ev Evidence) *Gate {
	return &Gate{decision: Decide(ev)}
}

func (g *Gate) IsOperational() bool {
	return g != nil && g.decision == DecisionOperate
}

func (g *Gate) Decision() Decision {
	if g == nil {
		return DecisionFailSecure
	}
	return g.decision
}
