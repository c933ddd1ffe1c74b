// Package rpc exposes the core facade's method set as HTTP handlers,
// one per spec §6 RPC method, mounted under /api by NewRouter. It owns
// no KMS logic itself — every handler decodes a request body, calls
// straight into internal/kms.Facade, and maps the result (or
// kmserrors.Error) onto a JSON response.
package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/atskms/core/internal/kmserrors"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Code: string(kmserrors.CodeInternal), Message: "malformed request body"})
		return false
	}
	return true
}

type errorBody struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	RetryAfterMs int64          `json:"retry_after_ms,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// respondError maps a kmserrors.Error (or any other error) onto the
// HTTP status spec §7's taxonomy implies and writes its structured
// body. Every RPC handler funnels its collaborator error through this
// single place so the status-code mapping lives in exactly one spot.
func respondError(w http.ResponseWriter, err error) {
	e, ok := kmserrors.As(err)
	if !ok {
		e = kmserrors.Internal(err)
	}
	respondJSON(w, statusFor(e.Code), errorBody{
		Code: string(e.Code), Message: e.Message, RetryAfterMs: e.RetryAfterMs, Details: e.Details,
	})
}

func statusFor(code kmserrors.Code) int {
	switch code {
	case kmserrors.CodeUnlockDenied, kmserrors.CodeKCVInvalid, kmserrors.CodeAttestationFailed,
		kmserrors.CodeAADMismatch, kmserrors.CodeAudMismatch, kmserrors.CodeEndpointNotInLease,
		kmserrors.CodeLeaseRevoked, kmserrors.CodeLeaseExpired:
		return http.StatusForbidden
	case kmserrors.CodeConfigNotFound, kmserrors.CodeLeaseNotFound, kmserrors.CodeEidUnknown:
		return http.StatusNotFound
	case kmserrors.CodeConfigCorrupted, kmserrors.CodeAuditChainBroken:
		return http.StatusConflict
	case kmserrors.CodeUnlockTimeout:
		return http.StatusGatewayTimeout
	case kmserrors.CodeUnlockMethodUnknown, kmserrors.CodeJTICollision:
		return http.StatusBadRequest
	case kmserrors.CodeQuotaLease, kmserrors.CodeQuotaEndpoint, kmserrors.CodeQuotaUser, kmserrors.CodeQuotaRelay:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
