package auth

import (
	"authgateway/internal/errors"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

type principalContextKey struct{}

// ErrNoPrincipal is returned when a handler expects an authenticated caller and there is none.
var ErrNoPrincipal = stderrors.New("no principal in context")

// Authenticator verifies bearer access tokens issued by the realm.
type Authenticator struct {
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	roleClient string
}

// NewAuthenticator runs discovery against the issuer. Call it once at startup.
// httpClient is used for discovery and for fetching signing keys.
func NewAuthenticator(ctx context.Context, httpClient *http.Client, issuerURL, roleClient string) (*Authenticator, error) {
	// Discovery: {issuer}/.well-known/openid-configuration
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", issuerURL, err)
	}

	// Keycloak access tokens are issued with aud=account, so the audience check is off.
	// Signature, issuer and expiry are still enforced.
	verifier := provider.Verifier(&oidc.Config{SkipClientIDCheck: true})

	return &Authenticator{
		provider:   provider,
		verifier:   verifier,
		roleClient: roleClient,
	}, nil
}

// Verify checks a raw access token and maps its claims to a Principal.
func (a *Authenticator) Verify(ctx context.Context, rawToken string) (Principal, error) {
	token, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Principal{}, err
	}

	var claims KeycloakClaims
	if err := token.Claims(&claims); err != nil {
		return Principal{}, fmt.Errorf("parse claims: %w", err)
	}
	return NewPrincipal(claims, a.roleClient), nil
}

// Middleware authenticates the bearer token and stores the Principal in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			unauthorized(w, r, "Missing or malformed Authorization header", nil)
			return
		}

		principal, err := a.Verify(r.Context(), raw)
		if err != nil {
			// Expired tokens, bad signatures and foreign issuers all land here.
			unauthorized(w, r, "Invalid or expired token", err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequireRole rejects requests whose principal lacks ROLE_<role>.
// It must run after Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := GetPrincipal(r.Context())
			if err != nil {
				unauthorized(w, r, "Authentication required", err)
				return
			}
			if !principal.HasRole(role) {
				slog.WarnContext(r.Context(), "Missing role", "subject", principal.Subject, "role", role)
				errors.RespondError(w, r, errors.New(errors.ErrForbidden, "Insufficient permissions", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	errors.RespondError(w, r, errors.New(errors.ErrUnauthorized, msg, err))
}

// --- Context helpers for handlers ---

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// GetPrincipal retrieves the authenticated caller from context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	if p, ok := ctx.Value(principalContextKey{}).(Principal); ok {
		return p, nil
	}
	return Principal{}, ErrNoPrincipal
}

// HasRole checks the principal in ctx for ROLE_<role>.
func HasRole(ctx context.Context, role string) bool {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return false
	}
	return p.HasRole(role)
}
