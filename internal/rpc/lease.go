package rpc

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atskms/core/internal/kms"
	"github.com/atskms/core/internal/lease"
)

func handleCreateLease(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID     string                 `json:"user_id"`
			Subs       []lease.Subscription   `json:"subs"`
			TTLHours   int                    `json:"ttl_hours"`
			Kid        string                 `json:"kid"`
			Credential credentialWire         `json:"credential"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		l, err := f.CreateLease(r.Context(), req.Credential.toCredential(), requestID(r), kms.CreateLeaseParams{
			UserID: req.UserID, Subs: req.Subs, TTLHours: req.TTLHours, Kid: req.Kid,
		})
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"lease_id": l.LeaseID, "exp_ms": l.ExpMs, "quotas": l.Quotas,
		})
	}
}

func handleExtendLease(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leaseID := chi.URLParam(r, "leaseID")
		var req struct {
			AddHours int `json:"add_hours"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		expMs, err := f.ExtendLease(r.Context(), leaseID, req.AddHours)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]int64{"exp_ms": expMs})
	}
}

func handleRevokeLease(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leaseID := chi.URLParam(r, "leaseID")
		effectiveAtMs, err := f.RevokeLease(r.Context(), requestID(r), leaseID)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"status": "revoked", "effective_at_ms": effectiveAtMs})
	}
}

func handleIssueVAPIDJWT(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leaseID := chi.URLParam(r, "leaseID")
		var req struct {
			Endpoint lease.Subscription `json:"endpoint"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := f.IssueVAPIDJWT(r.Context(), lease.IssueParams{
			LeaseID: leaseID, Endpoint: req.Endpoint, RequestID: requestID(r),
		})
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"jwt": res.JWT, "jti": res.Jti, "exp_ms": res.ExpMs, "audit_entry": res.Entry,
		})
	}
}

func handleIssueVAPIDJWTs(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leaseID := chi.URLParam(r, "leaseID")
		var req struct {
			Endpoint lease.Subscription `json:"endpoint"`
			Count    int                `json:"count"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		results, err := f.IssueVAPIDJWTs(r.Context(), lease.BatchParams{
			LeaseID: leaseID, Endpoint: req.Endpoint, Count: req.Count, RequestID: requestID(r),
		})
		if err != nil {
			respondError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(results))
		for _, res := range results {
			out = append(out, map[string]any{
				"jwt": res.JWT, "jti": res.Jti, "exp_ms": res.ExpMs, "audit_entry": res.Entry,
			})
		}
		respondJSON(w, http.StatusOK, out)
	}
}
