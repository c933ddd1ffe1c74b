package rpc

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atskms/core/internal/kms"
	"github.com/atskms/core/internal/mastersecret"
)

func handleIsSetup(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		isSetup, methods, err := f.IsSetup(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		if methods == nil {
			methods = []string{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"is_setup": isSetup, "methods": methods})
	}
}

type bootstrapResponse struct {
	EnrollmentID string `json:"enrollment_id"`
	VAPIDKid     string `json:"vapid_kid"`
	VAPIDPubRaw  []byte `json:"vapid_pub_raw"`
}

func handleSetupPassphrase(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Passphrase string `json:"passphrase"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := f.Bootstrap(r.Context(), kms.BootstrapParams{
			Method: mastersecret.MethodPassphrase, Passphrase: req.Passphrase,
		}, requestID(r))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, bootstrapResponse{EnrollmentID: res.EnrollmentID, VAPIDKid: res.VAPIDKid, VAPIDPubRaw: res.VAPIDPubRaw})
	}
}

// handleSetupPasskeyPRF and handleSetupPasskeyGate take name/rp_id/
// user_id per spec §6, but that triple is WebAuthn ceremony metadata
// the Authenticator collaborator already consumed before this call
// (spec §1) — the core only needs the PRF output or gate pepper itself,
// so the fields are accepted and otherwise unused here.
func handleSetupPasskeyPRF(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name      string `json:"name"`
			RPID      string `json:"rp_id"`
			UserID    string `json:"user_id"`
			PRFOutput []byte `json:"prf_output"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := f.Bootstrap(r.Context(), kms.BootstrapParams{
			Method: mastersecret.MethodPasskeyPRF, PRFOutput: req.PRFOutput,
		}, requestID(r))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, bootstrapResponse{EnrollmentID: res.EnrollmentID, VAPIDKid: res.VAPIDKid, VAPIDPubRaw: res.VAPIDPubRaw})
	}
}

func handleSetupPasskeyGate(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name       string `json:"name"`
			RPID       string `json:"rp_id"`
			UserID     string `json:"user_id"`
			Passphrase string `json:"passphrase"`
			Pepper     []byte `json:"pepper"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := f.Bootstrap(r.Context(), kms.BootstrapParams{
			Method: mastersecret.MethodPasskeyGate, Passphrase: req.Passphrase, Pepper: req.Pepper,
		}, requestID(r))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, bootstrapResponse{EnrollmentID: res.EnrollmentID, VAPIDKid: res.VAPIDKid, VAPIDPubRaw: res.VAPIDPubRaw})
	}
}

func handleGetEnrollments(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enrollments, err := f.GetEnrollments(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		if enrollments == nil {
			enrollments = []mastersecret.Enrollment{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"enrollments": enrollments})
	}
}

func handleAddEnrollment(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method            mastersecret.Method `json:"method"`
			CurrentCredential credentialWire      `json:"current_credential"`
			Passphrase        string              `json:"passphrase,omitempty"`
			PRFOutput         []byte              `json:"prf_output,omitempty"`
			Pepper            []byte              `json:"pepper,omitempty"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		id, err := f.AddEnrollment(r.Context(), req.CurrentCredential.toCredential(), requestID(r), kms.AddEnrollmentParams{
			Method: req.Method, Passphrase: req.Passphrase, PRFOutput: req.PRFOutput, Pepper: req.Pepper,
		})
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"enrollment_id": id})
	}
}

func handleRemoveEnrollment(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removeID := chi.URLParam(r, "enrollmentID")
		var req struct {
			Credential credentialWire `json:"credential"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := f.RemoveEnrollment(r.Context(), req.Credential.toCredential(), requestID(r), removeID); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleReset(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := f.Reset(r.Context(), requestID(r)); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
