// Package keycloak talks to the identity provider: the realm token endpoint for password and
// refresh grants, and the admin REST API for user and role management.
package keycloak

import (
	"authgateway/internal/config"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const (
	grantPassword     = "password"
	grantRefreshToken = "refresh_token"
)

var tracer = otel.Tracer("authgateway/keycloak")

// TokenClient performs grant exchanges against the realm token endpoint using the
// backend client's credentials.
type TokenClient struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient returns the client used for all provider calls. Every call is bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func NewTokenClient(cfg config.KeycloakConfig, httpClient *http.Client, logger *slog.Logger) *TokenClient {
	return &TokenClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: cfg.TokenEndpoint(),
				// Keycloak accepts client credentials in the form body; keep them there.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		logger:     logger,
	}
}

// ExchangePassword trades a username and password for tokens.
func (c *TokenClient) ExchangePassword(ctx context.Context, username, password string) (TokenSet, error) {
	ctx, span := tracer.Start(ctx, "keycloak.ExchangePassword", trace.WithAttributes(
		attribute.String("oauth2.grant_type", grantPassword),
	))
	defer span.End()

	c.logger.DebugContext(ctx, "Requesting tokens", "username", username)

	tok, err := c.oauth.PasswordCredentialsToken(c.withClient(ctx), username, password)
	if err != nil {
		return TokenSet{}, c.fail(ctx, span, classifyExchangeError(grantPassword, err))
	}

	set, exErr := tokenSetFrom(grantPassword, tok)
	if exErr != nil {
		return TokenSet{}, c.fail(ctx, span, exErr)
	}
	return set, nil
}

// ExchangeRefreshToken trades a refresh token for a new token set. Keycloak rotates the
// refresh token; if it does not, the presented one is returned unchanged.
func (c *TokenClient) ExchangeRefreshToken(ctx context.Context, refreshToken string) (TokenSet, error) {
	ctx, span := tracer.Start(ctx, "keycloak.ExchangeRefreshToken", trace.WithAttributes(
		attribute.String("oauth2.grant_type", grantRefreshToken),
	))
	defer span.End()

	c.logger.DebugContext(ctx, "Refreshing access token")

	// A token with no access token is never Valid, so the source goes straight to the
	// refresh_token grant.
	src := c.oauth.TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenSet{}, c.fail(ctx, span, classifyExchangeError(grantRefreshToken, err))
	}

	set, exErr := tokenSetFrom(grantRefreshToken, tok)
	if exErr != nil {
		return TokenSet{}, c.fail(ctx, span, exErr)
	}
	return set, nil
}

func (c *TokenClient) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *TokenClient) fail(ctx context.Context, span trace.Span, err *ExchangeError) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Kind.String())
	c.logger.WarnContext(ctx, "Token exchange failed",
		"grant_type", err.GrantType,
		"kind", err.Kind.String(),
		"status", err.Status,
		"oauth_error", err.Code,
	)
	return err
}

func classifyExchangeError(grant string, err error) *ExchangeError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		kind := ExchangeRejected
		if status >= http.StatusInternalServerError || status == 0 {
			kind = ExchangeUnavailable
		}
		return &ExchangeError{Kind: kind, GrantType: grant, Status: status, Code: retrieveErr.ErrorCode, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ExchangeError{Kind: ExchangeUnavailable, GrantType: grant, Err: err}
	}

	// x/oauth2 reports a 2xx body without access_token (or an unparseable one) as a plain error.
	return &ExchangeError{Kind: ExchangeNoToken, GrantType: grant, Err: err}
}

func tokenSetFrom(grant string, tok *oauth2.Token) (TokenSet, *ExchangeError) {
	if tok == nil || tok.AccessToken == "" {
		return TokenSet{}, &ExchangeError{Kind: ExchangeNoToken, GrantType: grant, Err: errors.New("response carried no access token")}
	}
	return TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok),
	}, nil
}

// expiresIn prefers the provider's own expires_in and falls back to the parsed expiry.
func expiresIn(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if tok.Expiry.IsZero() {
		return 0
	}
	return int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
}

// NewTokenSet converts a token obtained through any grant into a TokenSet.
func NewTokenSet(grant string, tok *oauth2.Token) (TokenSet, error) {
	set, err := tokenSetFrom(grant, tok)
	if err != nil {
		return TokenSet{}, err
	}
	return set, nil
}

// ClassifyExchangeError wraps an error returned by an x/oauth2 grant in an ExchangeError.
func ClassifyExchangeError(grant string, err error) *ExchangeError {
	return classifyExchangeError(grant, err)
}
