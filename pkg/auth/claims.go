// Package auth provides JWT-based authentication for muselink-engine.
// It validates tokens issued by the platform's identity service using JWKS
// endpoints. The engine only reads session claims; it never issues them.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Strong-factor authentication method reference values accepted for step-up.
// RFC 8176 names plus the WebAuthn shorthand some issuers emit.
var strongFactorMethods = map[string]struct{}{
	"mfa":    {},
	"otp":    {},
	"hwk":    {},
	"swk":    {},
	"webauthn": {},
}

// Claims is the JWT claims structure read by the gate. Roles deliberately do
// NOT come from the token: role storage is mutable and is joined at
// authorization time instead.
type Claims struct {
	jwt.RegisteredClaims
	Email     string   `json:"email,omitempty"`
	SessionID string   `json:"sid,omitempty"` // distinct per issued session token
	AMR       []string `json:"amr,omitempty"` // authentication methods used
}

// HasStrongFactor reports whether the authentication-methods claim includes
// a strong-factor method. Used by the gate when step-up is required.
func (c *Claims) HasStrongFactor() bool {
	for _, method := range c.AMR {
		if _, ok := strongFactorMethods[method]; ok {
			return true
		}
	}
	return false
}
