package rpc

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atskms/core/internal/kms"
	"github.com/atskms/core/internal/vapid"
)

func handleGenerateVAPID(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Credential credentialWire `json:"credential"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := f.GenerateVAPID(r.Context(), req.Credential.toCredential(), requestID(r))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"kid": res.Kid, "pub_raw": res.PubRaw})
	}
}

func handleSignJWT(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Kid        string         `json:"kid"`
			Payload    vapid.Claims   `json:"payload"`
			Credential credentialWire `json:"credential"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		jwt, err := f.SignJWT(r.Context(), req.Credential.toCredential(), requestID(r), req.Kid, req.Payload)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"jwt": jwt})
	}
}

func handleGetPublicKey(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kid := chi.URLParam(r, "kid")
		pub, err := f.GetPublicKey(r.Context(), kid)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"pub_raw": pub})
	}
}
