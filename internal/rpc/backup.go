package rpc

import (
	"net/http"

	"github.com/atskms/core/internal/backup"
	"github.com/atskms/core/internal/kms"
)

func handleExportBackup(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Credential     credentialWire `json:"credential"`
			BackupPassword string         `json:"backup_password"`
			IncludeAudit   bool           `json:"include_audit"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		bundle, err := f.ExportBackup(r.Context(), req.Credential.toCredential(), requestID(r), req.BackupPassword, kms.ExportBackupParams{
			IncludeAudit: req.IncludeAudit,
		})
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, bundle)
	}
}

func handleImportBackup(f *kms.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Bundle         backup.Bundle `json:"bundle"`
			BackupPassword string        `json:"backup_password"`
			Options        struct {
				RestoreAudit bool `json:"restore_audit"`
			} `json:"options"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		err := f.ImportBackup(r.Context(), req.Bundle, req.BackupPassword, backup.ImportOptions{
			RestoreAudit: req.Options.RestoreAudit,
		})
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
