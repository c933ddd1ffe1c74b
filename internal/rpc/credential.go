package rpc

import (
	"github.com/atskms/core/internal/mastersecret"
	"github.com/atskms/core/internal/unlock"
)

// credentialWire is the JSON shape every RPC method that needs a live
// credential accepts for its "credential" field. PRFOutput/Pepper
// travel as the JSON encoding/json already gives []byte: base64
// standard encoding, transparently via the struct tag.
type credentialWire struct {
	EnrollmentID string              `json:"enrollment_id"`
	Method       mastersecret.Method `json:"method"`
	Passphrase   string              `json:"passphrase,omitempty"`
	PRFOutput    []byte              `json:"prf_output,omitempty"`
	Pepper       []byte              `json:"pepper,omitempty"`
	UserVerified bool                `json:"user_verified,omitempty"`
}

func (c credentialWire) toCredential() unlock.Credential {
	return unlock.Credential{
		EnrollmentID: c.EnrollmentID, Method: c.Method, Passphrase: c.Passphrase,
		PRFOutput: c.PRFOutput, Pepper: c.Pepper, UserVerified: c.UserVerified,
	}
}
