package lease

import "sync"

// jtiIndex is an in-process accelerator for the uniqueness check spec
// §4.10 step 6 requires: a bounded rolling set of recently issued jti
// values, keyed by lease, so a hot lease doesn't have to replay its
// entire audit history on every issuance. The audit log remains the
// source of truth (see Engine.IssueJWT): a hit here reports a collision
// directly, and a miss falls through to the audit log's RecentJTIs scan.
type jtiIndex struct {
	mu      sync.Mutex
	perLease map[string]map[string]int64 // lease_id -> jti -> issued-at ms
}

func newJTIIndex() *jtiIndex {
	return &jtiIndex{perLease: map[string]map[string]int64{}}
}

func (idx *jtiIndex) seen(leaseID, jti string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m, ok := idx.perLease[leaseID]
	if !ok {
		return false
	}
	_, ok = m[jti]
	return ok
}

func (idx *jtiIndex) record(leaseID, jti string, nowMs int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m, ok := idx.perLease[leaseID]
	if !ok {
		m = map[string]int64{}
		idx.perLease[leaseID] = m
	}
	m[jti] = nowMs
}

// prune drops entries older than sinceMs for leaseID, bounding memory
// growth for long-lived leases.
func (idx *jtiIndex) prune(leaseID string, sinceMs int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m, ok := idx.perLease[leaseID]
	if !ok {
		return
	}
	for jti, ts := range m {
		if ts <= sinceMs {
			delete(m, jti)
		}
	}
}
