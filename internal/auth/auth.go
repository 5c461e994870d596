// Package auth resolves the caller identity for a WebSocket connection.
// The transport depends only on the Authenticator interface; the JWT
// implementation in this package is the default resolver.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Session variable keys are lowercased header-style names.
const (
	VarRole   = "x-hasura-role"
	VarUserID = "x-hasura-user-id"
)

// Common authentication errors.
var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
	ErrMissingAuth  = errors.New("missing authorization information")
)

// UserInfo is the resolved identity attached to an initialised connection.
type UserInfo struct {
	Role        string
	SessionVars map[string]string
}

// Var returns the named session variable, empty when unset.
func (u *UserInfo) Var(name string) string {
	if u == nil {
		return ""
	}
	return u.SessionVars[strings.ToLower(name)]
}

// Authenticator resolves headers into a user identity. The returned
// expiry, when non-nil, schedules a forced disconnect of the connection
// at that instant.
type Authenticator interface {
	Resolve(ctx context.Context, headers http.Header) (*UserInfo, *time.Time, error)
}

// Admin returns the identity used when the admin secret matched.
func Admin() *UserInfo {
	return &UserInfo{
		Role:        "admin",
		SessionVars: map[string]string{VarRole: "admin"},
	}
}
