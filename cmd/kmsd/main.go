// Command kmsd is the process entrypoint: it opens the store, builds the
// crypto provider, evaluates the boot gate, wires the kms.Facade, and
// serves the §6 RPC surface over HTTP. It follows the teacher gateway's
// main() shape (open DB, build router, ListenAndServe) without the
// static-asset/SPA mounting the teacher does, since this service has no
// HTML surface of its own.
package main

import (
	"context"
	"crypto/sha256"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/atskms/core/internal/boot"
	"github.com/atskms/core/internal/config"
	"github.com/atskms/core/internal/cryptoprov"
	"github.com/atskms/core/internal/db"
	"github.com/atskms/core/internal/kms"
	"github.com/atskms/core/internal/rpc"
	"github.com/atskms/core/internal/store"
)

func main() {
	cfg := config.FromEnv()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	kv := store.NewSQLKV(dbh)

	crypto := cryptoprov.NewStdProvider()

	// Build-time self-attestation (the signed deployment badge, manifest
	// hash, and bundle hash) lives outside this package per spec §1; a
	// freshly started process with no badge cache yet has nothing to
	// attest against, so it reports a fail-secure codeHash/manifestHash
	// match and relies on the ManifestMatchesBundle/BundleMatchesBadge
	// legs to clear quorum once those are wired to a real attestation
	// source. Until then the gate defaults to fail-secure, which is the
	// conservative behavior spec §4.12 requires absent quorum.
	gate := boot.NewGate(evidenceFromEnv())

	codeHash := sha256.Sum256([]byte(cfg.InstanceID))
	manifestHash := sha256.Sum256([]byte(cfg.Subject))

	facade := kms.New(kms.Config{
		Crypto:       crypto,
		KV:           kv,
		InstanceID:   cfg.InstanceID,
		CodeHash:     codeHash[:],
		ManifestHash: manifestHash[:],
		PlatformHash: cfg.PlatformHash,
		Subject:      cfg.Subject,
		Gate:         gate,
	})

	if err := facade.WithLRK(ctx); err != nil {
		log.Fatalf("lease root key setup failed: %v", err)
	}

	handler := rpc.NewRouter(facade, rpc.Options{AllowedOrigins: cfg.CORSOrigins})

	log.Printf("listening on %s (db=%s, boot=%s)", cfg.HTTPAddr, cfg.DBDriver, gate.Decision())
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, handler))
}

// evidenceFromEnv lets an operator feed in the three boot-quorum legs
// until the real attestation client is wired; every leg defaults false,
// so an un-configured process starts fail-secure rather than silently
// operational.
func evidenceFromEnv() boot.Evidence {
	return boot.Evidence{
		BadgeSignatureValid:   envBool("BOOT_BADGE_SIGNATURE_VALID"),
		BadgeWithinTTL:        envBool("BOOT_BADGE_WITHIN_TTL"),
		CachedBadgeWithinTTL:  envBool("BOOT_CACHED_BADGE_WITHIN_TTL"),
		ManifestMatchesBundle: envBool("BOOT_MANIFEST_MATCHES_BUNDLE"),
		BundleMatchesBadge:    envBool("BOOT_BUNDLE_MATCHES_BADGE"),
	}
}

func envBool(k string) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	default:
		return false
	}
}
