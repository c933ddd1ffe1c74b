package boot

import "testing"

func TestDecideQuorum(t *testing.T) {
	cases := []struct {
		name string
		ev   Evidence
		want Decision
	}{
		{"all three hold", Evidence{BadgeSignatureValid: true, BadgeWithinTTL: true, ManifestMatchesBundle: true, BundleMatchesBadge: true}, DecisionOperate},
		{"two of three", Evidence{BadgeSignatureValid: true, BadgeWithinTTL: true, ManifestMatchesBundle: true}, DecisionOperate},
		{"only one", Evidence{BadgeSignatureValid: true, BadgeWithinTTL: true}, DecisionFailSecure},
		{"none", Evidence{}, DecisionFailSecure},
		{"cached badge substitutes for fresh badge", Evidence{CachedBadgeWithinTTL: true, ManifestMatchesBundle: true}, DecisionOperate},
		{"stale badge without TTL does not count", Evidence{BadgeSignatureValid: true, ManifestMatchesBundle: true}, DecisionFailSecure},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Decide(c.ev); got != c.want {
				t.Fatalf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestGateIsOperational(t *testing.T) {
	operGate := NewGate(Evidence{BadgeSignatureValid: true, BadgeWithinTTL: true, ManifestMatchesBundle: true})
	if !operGate.IsOperational() {
		t.Fatal("expected gate to be operational with 2-of-3 quorum")
	}

	failGate := NewGate(Evidence{})
	if failGate.IsOperational() {
		t.Fatal("expected gate to be fail-secure with no quorum")
	}

	var nilGate *Gate
	if nilGate.IsOperational() {
		t.Fatal("a nil gate must never report operational")
	}
	if nilGate.Decision() != DecisionFailSecure {
		t.Fatal("a nil gate must report fail-secure")
	}
}
