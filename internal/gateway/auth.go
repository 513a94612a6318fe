package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/phantom-sec/phantom/internal/config"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"` // "token" | "password"
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth holds the resolved auth configuration for the gateway.
type ResolvedAuth struct {
	Mode     string
	Token    string
	Password string
}

const (
	authModeToken    = "token"
	authModePassword = "password"
)

// ResolveAuth resolves gateway credentials. A configured value wins over
// PHANTOM_GATEWAY_TOKEN / PHANTOM_GATEWAY_PASSWORD. Without an explicit
// mode, a password selects password auth and anything else token auth.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	auth := ResolvedAuth{
		Mode:     cfg.Mode,
		Token:    firstNonEmpty(cfg.Token, os.Getenv("PHANTOM_GATEWAY_TOKEN")),
		Password: firstNonEmpty(cfg.Password, os.Getenv("PHANTOM_GATEWAY_PASSWORD")),
	}
	if auth.Mode == "" {
		auth.Mode = authModeToken
		if auth.Password != "" {
			auth.Mode = authModePassword
		}
	}
	return auth
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Authorize checks the provided ConnectAuth against the resolved server auth.
func Authorize(serverAuth ResolvedAuth, clientAuth *ConnectAuth) AuthResult {
	if clientAuth == nil {
		return AuthResult{Reason: "no credentials provided"}
	}

	var want, got string
	switch serverAuth.Mode {
	case authModeToken:
		want, got = serverAuth.Token, clientAuth.Token
	case authModePassword:
		want, got = serverAuth.Password, clientAuth.Password
	default:
		return AuthResult{Reason: "unknown auth mode: " + serverAuth.Mode}
	}

	mode := serverAuth.Mode
	switch {
	case want == "":
		return AuthResult{Reason: "server " + mode + " not configured"}
	case got == "":
		return AuthResult{Reason: mode + " required"}
	case !safeEqual(got, want):
		return AuthResult{Reason: mode + "_mismatch"}
	}
	return AuthResult{OK: true, Method: mode}
}

// requestAuth extracts credentials from an HTTP request. A bearer value is
// offered as both token and password so either auth mode can check it.
func requestAuth(r *http.Request) *ConnectAuth {
	h := r.Header.Get("Authorization")
	scheme, value, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &ConnectAuth{Token: value, Password: value}
}

// safeEqual compares secrets in constant time. Both inputs are hashed first
// so the comparison does not depend on the secret's length either.
func safeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
