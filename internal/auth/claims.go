package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RolePrefix  = "ROLE_"
	ScopePrefix = "SCOPE_"
)

// KeycloakClaims is the subset of a Keycloak access token the gateway reads.
type KeycloakClaims struct {
	// Standard claims (sub, exp, iat, iss, aud)
	jwt.RegisteredClaims

	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	PreferredUsername string `json:"preferred_username"`
	Azp               string `json:"azp"`
	Scope             string `json:"scope"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	ResourceAccess map[string]ClientAccess `json:"resource_access"`
}

// ClientAccess holds the roles granted on one client.
type ClientAccess struct {
	Roles []string `json:"roles"`
}

// ClientRoles returns the roles granted on client, or nil.
func (c KeycloakClaims) ClientRoles(client string) []string {
	return c.ResourceAccess[client].Roles
}

// Authorities derives the granted authorities: every scope as SCOPE_<scope>, followed by
// the application roles on roleClient that carry the ROLE_ prefix. Other roles are dropped.
func Authorities(claims KeycloakClaims, roleClient string) []string {
	scopes := strings.Fields(claims.Scope)
	roles := claims.ClientRoles(roleClient)

	out := make([]string, 0, len(scopes)+len(roles))
	for _, s := range scopes {
		out = append(out, ScopePrefix+s)
	}
	for _, r := range roles {
		if strings.HasPrefix(r, RolePrefix) {
			out = append(out, r)
		}
	}
	return out
}

// Principal is the authenticated caller, put into the request context.
type Principal struct {
	Subject         string // 'sub', the stable user id
	Username        string
	Email           string
	AuthorizedParty string
	Authorities     []string
}

// NewPrincipal maps verified claims to a Principal.
func NewPrincipal(claims KeycloakClaims, roleClient string) Principal {
	return Principal{
		Subject:         claims.Subject,
		Username:        claims.PreferredUsername,
		Email:           claims.Email,
		AuthorizedParty: claims.Azp,
		Authorities:     Authorities(claims, roleClient),
	}
}

// HasAuthority reports an exact authority match.
func (p Principal) HasAuthority(authority string) bool {
	for _, a := range p.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}

// HasRole reports whether ROLE_<role> was granted. role is given without the prefix.
func (p Principal) HasRole(role string) bool {
	return p.HasAuthority(RolePrefix + role)
}
