// Package authz maps static bearer tokens to roles and gates HTTP routes by
// capability. Tokens come from configuration; there is no token issuance or
// expiry here, rotation happens by redeploying config.
package authz

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Role names a coarse class of API client.
type Role string

const (
	RoleReader  Role = "reader"  // read-only consumers, dashboards
	RoleWriter  Role = "writer"  // ingestion agents
	RoleChecker Role = "checker" // validator agents
	RoleAdmin   Role = "admin"   // operators
)

// Capability is one gated action class.
type Capability string

const (
	CapRead     Capability = "read"
	CapWrite    Capability = "write"
	CapValidate Capability = "validate"
	CapAdmin    Capability = "admin"
)

var roleCaps = map[Role]map[Capability]bool{
	RoleReader:  {CapRead: true},
	RoleWriter:  {CapRead: true, CapWrite: true},
	RoleChecker: {CapRead: true, CapValidate: true},
	RoleAdmin:   {CapRead: true, CapWrite: true, CapValidate: true, CapAdmin: true},
}

// Allows reports whether the role grants the capability. Unknown roles grant
// nothing.
func (r Role) Allows(c Capability) bool {
	return roleCaps[r][c]
}

// Authorizer resolves bearer tokens to roles.
type Authorizer struct {
	tokens map[string]Role // token -> role
	open   bool
}

// New builds an Authorizer from a token->role map. An empty map yields an
// open authorizer that admits every request, for local development only.
func New(tokens map[string]string) *Authorizer {
	if len(tokens) == 0 {
		zap.L().Warn("authz: no tokens configured, API is open")
		return &Authorizer{open: true}
	}
	m := make(map[string]Role, len(tokens))
	for tok, role := range tokens {
		r := Role(role)
		if _, ok := roleCaps[r]; !ok {
			zap.L().Warn("authz: skipping token with unknown role", zap.String("role", role))
			continue
		}
		m[tok] = r
	}
	return &Authorizer{tokens: m}
}

// Resolve returns the role for a bearer token, or "" when unknown.
func (a *Authorizer) Resolve(token string) (Role, bool) {
	r, ok := a.tokens[token]
	return r, ok
}

// Require wraps a handler so only requests whose token grants the capability
// pass through. Missing or unknown tokens get 401, insufficient roles 403.
func (a *Authorizer) Require(c Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.open {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			role, ok := a.Resolve(token)
			if !ok {
				http.Error(w, `{"error":"unknown token"}`, http.StatusUnauthorized)
				return
			}
			if !role.Allows(c) {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
