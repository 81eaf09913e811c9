package auth

import (
	"authgateway/internal/config"
	"authgateway/internal/keycloak"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const grantAuthorizationCode = "authorization_code"

var (
	ErrMissingIDToken = errors.New("token response carried no id_token")
	ErrNonceMismatch  = errors.New("id_token nonce does not match the login attempt")
)

// LoginFlow runs the browser authorization-code login against the realm.
type LoginFlow struct {
	oauth      *oauth2.Config
	idVerifier *oidc.IDTokenVerifier
	auth       *Authenticator
	httpClient *http.Client
}

// Authorization is a started login: the provider URL to redirect to plus the values the
// callback must see again.
type Authorization struct {
	URL   string
	State string
	Nonce string
}

func NewLoginFlow(a *Authenticator, cfg config.KeycloakConfig, httpClient *http.Client) *LoginFlow {
	endpoint := a.provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &LoginFlow{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		// Unlike access tokens, the id_token must be addressed to us.
		idVerifier: a.provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		auth:       a,
		httpClient: httpClient,
	}
}

// Begin starts a login with fresh state and nonce.
func (f *LoginFlow) Begin() (Authorization, error) {
	state, err := randomToken()
	if err != nil {
		return Authorization{}, err
	}
	nonce, err := randomToken()
	if err != nil {
		return Authorization{}, err
	}
	return Authorization{
		URL:   f.oauth.AuthCodeURL(state, oidc.Nonce(nonce)),
		State: state,
		Nonce: nonce,
	}, nil
}

// Exchange redeems an authorization code. The id_token must verify and carry nonce; the
// returned Principal is derived from the access token exactly as for bearer requests.
// Provider failures are returned as *keycloak.ExchangeError.
func (f *LoginFlow) Exchange(ctx context.Context, code, nonce string) (keycloak.TokenSet, Principal, error) {
	tok, err := f.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, f.httpClient), code)
	if err != nil {
		return keycloak.TokenSet{}, Principal{}, keycloak.ClassifyExchangeError(grantAuthorizationCode, err)
	}

	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		return keycloak.TokenSet{}, Principal{}, ErrMissingIDToken
	}
	idToken, err := f.idVerifier.Verify(ctx, rawID)
	if err != nil {
		return keycloak.TokenSet{}, Principal{}, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Nonce != nonce {
		return keycloak.TokenSet{}, Principal{}, ErrNonceMismatch
	}

	principal, err := f.auth.Verify(ctx, tok.AccessToken)
	if err != nil {
		return keycloak.TokenSet{}, Principal{}, fmt.Errorf("verify access token: %w", err)
	}

	set, err := keycloak.NewTokenSet(grantAuthorizationCode, tok)
	if err != nil {
		return keycloak.TokenSet{}, Principal{}, err
	}
	return set, principal, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
