package rpc

import (
	"encoding/base64"
	"net/http"

	"github.com/atskms/core/internal/audit"
	"github.com/atskms/core/internal/kms"
)

func handleVerifyAuditChain(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := f.VerifyAuditChain(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		resp := map[string]any{"valid": result.Valid, "entries": result.Entries}
		if len(result.Errors) > 0 {
			resp["errors"] = result.Errors
		}
		respondJSON(w, http.StatusOK, resp)
	}
}

func handleGetAuditLog(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := f.GetAuditLog(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

func handleRotateKIAK(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Credential credentialWire `json:"credential"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := f.RotateKIAK(r.Context(), req.Credential.toCredential(), requestID(r)); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleGetAuditPublicKey(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pub, err := f.GetAuditPublicKey(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"uak_pub_b64u": base64.RawURLEncoding.EncodeToString(pub)})
	}
}
