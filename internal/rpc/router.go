package rpc

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/atskms/core/internal/kms"
)

// Options configures the mounted router beyond the facade itself.
type Options struct {
	AllowedOrigins []string
}

// NewRouter builds the chi router exposing every spec §6 RPC method
// under /api. It owns no state of its own — every handler closes over
// f and calls straight into it.
func NewRouter(f *kms.Facade, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(securityHeaders)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/setup", handleIsSetup(f))
		api.Post("/setup/passphrase", handleSetupPassphrase(f))
		api.Post("/setup/passkey-prf", handleSetupPasskeyPRF(f))
		api.Post("/setup/passkey-gate", handleSetupPasskeyGate(f))

		api.Get("/enrollments", handleGetEnrollments(f))
		api.Post("/enrollments", handleAddEnrollment(f))
		api.Delete("/enrollments/{enrollmentID}", handleRemoveEnrollment(f))

		api.Post("/vapid/generate", handleGenerateVAPID(f))
		api.Post("/vapid/sign", handleSignJWT(f))
		api.Get("/vapid/{kid}", handleGetPublicKey(f))

		api.Post("/leases", handleCreateLease(f))
		api.Post("/leases/{leaseID}/extend", handleExtendLease(f))
		api.Post("/leases/{leaseID}/revoke", handleRevokeLease(f))
		api.Post("/leases/{leaseID}/issue", handleIssueVAPIDJWT(f))
		api.Post("/leases/{leaseID}/issue-batch", handleIssueVAPIDJWTs(f))

		api.Get("/audit/chain", handleVerifyAuditChain(f))
		api.Get("/audit/log", handleGetAuditLog(f))
		api.Get("/audit/public-key", handleGetAuditPublicKey(f))
		api.Post("/audit/rotate-kiak", handleRotateKIAK(f))

		api.Post("/reset", handleReset(f))

		api.Post("/backup/export", handleExportBackup(f))
		api.Post("/backup/import", handleImportBackup(f))
	})

	return r
}

// securityHeaders mirrors the teacher's belt-and-braces response
// headers; the KMS surface serves no HTML, so only the headers that
// still apply to a JSON API are kept.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return r.Header.Get("X-Request-Id")
}
