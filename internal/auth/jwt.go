// JWT-based Authenticator. Verifies HS256 or RS256 tokens from the
// Authorization header, maps claims to session variables, and surfaces
// the token expiry so the transport can schedule a disconnect.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimsNamespace is the claims key holding the session-variable map.
const ClaimsNamespace = "https://gateway.io/jwt/claims"

const adminSecretHeader = "x-gateway-admin-secret"

// JWTConfig holds verification key material and the unauthorized-role
// fallback.
type JWTConfig struct {
	// HMACSecret enables HS256 verification when non-empty.
	HMACSecret []byte

	// PublicKeyPEM enables RS256 verification when non-empty.
	PublicKeyPEM []byte

	// AdminSecret short-circuits verification when the client presents it.
	AdminSecret string

	// UnauthenticatedRole, when non-empty, is assigned to connections
	// carrying no credentials instead of rejecting them.
	UnauthenticatedRole string
}

// JWTAuthenticator verifies bearer tokens per JWTConfig.
type JWTAuthenticator struct {
	cfg    JWTConfig
	rsaKey *rsa.PublicKey
}

// NewJWTAuthenticator builds an authenticator, parsing the RS256 public
// key up front when configured.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	a := &JWTAuthenticator{cfg: cfg}
	if len(cfg.PublicKeyPEM) > 0 {
		block, _ := pem.Decode(cfg.PublicKeyPEM)
		if block == nil {
			return nil, fmt.Errorf("jwt public key: no PEM block found")
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("jwt public key: not an RSA key")
		}
		a.rsaKey = rsaKey
	}
	if a.rsaKey == nil && len(cfg.HMACSecret) == 0 && cfg.AdminSecret == "" && cfg.UnauthenticatedRole == "" {
		return nil, fmt.Errorf("jwt config: no verification key, admin secret, or unauthenticated role configured")
	}
	return a, nil
}

// Resolve implements Authenticator.
func (a *JWTAuthenticator) Resolve(_ context.Context, headers http.Header) (*UserInfo, *time.Time, error) {
	if a.cfg.AdminSecret != "" {
		if presented := headers.Get(adminSecretHeader); presented != "" {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(a.cfg.AdminSecret)) == 1 {
				return Admin(), nil, nil
			}
			return nil, nil, fmt.Errorf("invalid admin secret")
		}
	}

	raw := bearerToken(headers)
	if raw == "" {
		if a.cfg.UnauthenticatedRole != "" {
			return &UserInfo{
				Role:        a.cfg.UnauthenticatedRole,
				SessionVars: map[string]string{VarRole: a.cfg.UnauthenticatedRole},
			}, nil, nil
		}
		return nil, nil, ErrMissingAuth
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, a.keyFunc,
		jwt.WithValidMethods([]string{"HS256", "RS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, nil, ErrTokenExpired
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, nil, ErrTokenInvalid
	}

	user, err := userFromClaims(claims)
	if err != nil {
		return nil, nil, err
	}

	var expiry *time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		expiry = &t
	}
	return user, expiry, nil
}

func (a *JWTAuthenticator) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(a.cfg.HMACSecret) == 0 {
			return nil, fmt.Errorf("HS256 token but no HMAC secret configured")
		}
		return a.cfg.HMACSecret, nil
	case *jwt.SigningMethodRSA:
		if a.rsaKey == nil {
			return nil, fmt.Errorf("RS256 token but no public key configured")
		}
		return a.rsaKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
}

// userFromClaims extracts the session-variable map from the gateway
// claims namespace. Every value is stringified; the role variable is
// required.
func userFromClaims(claims jwt.MapClaims) (*UserInfo, error) {
	ns, ok := claims[ClaimsNamespace].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: claims namespace %q not found", ErrTokenInvalid, ClaimsNamespace)
	}
	vars := make(map[string]string, len(ns))
	for k, v := range ns {
		vars[strings.ToLower(k)] = fmt.Sprintf("%v", v)
	}
	role := vars[VarRole]
	if role == "" {
		return nil, fmt.Errorf("%w: claim %q missing", ErrTokenInvalid, VarRole)
	}
	return &UserInfo{Role: role, SessionVars: vars}, nil
}

func bearerToken(headers http.Header) string {
	v := headers.Get("Authorization")
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
