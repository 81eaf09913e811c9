package keycloak

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when a lookup by human-readable identifier matches nothing.
var ErrNotFound = errors.New("keycloak: not found")

// ExchangeKind classifies why a token grant failed.
type ExchangeKind int

const (
	// ExchangeRejected: the token endpoint answered with a 4xx (bad credentials, expired or
	// revoked refresh token, invalid client).
	ExchangeRejected ExchangeKind = iota + 1
	// ExchangeNoToken: the endpoint answered 2xx but the body carried no usable access token.
	ExchangeNoToken
	// ExchangeUnavailable: transport failure, timeout or a 5xx from the provider.
	ExchangeUnavailable
)

func (k ExchangeKind) String() string {
	switch k {
	case ExchangeRejected:
		return "rejected"
	case ExchangeNoToken:
		return "no_token"
	case ExchangeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ExchangeError is returned by the token client for every failed grant.
type ExchangeError struct {
	Kind      ExchangeKind
	GrantType string
	Status    int    // HTTP status from the token endpoint, 0 when no response was received
	Code      string // OAuth2 "error" field, e.g. invalid_grant
	Err       error
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("keycloak %s grant %s (status %d, %s): %v", e.GrantType, e.Kind, e.Status, e.Code, e.Err)
	}
	return fmt.Sprintf("keycloak %s grant %s: %v", e.GrantType, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Rejected reports whether the provider answered and refused to issue tokens, as opposed
// to being unreachable or failing internally.
func (e *ExchangeError) Rejected() bool {
	return e.Kind == ExchangeRejected || e.Kind == ExchangeNoToken
}

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string // errorMessage from Keycloak's error payload when present
}

func (e *APIError) Error() string {
	return fmt.Sprintf("keycloak admin %s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
}

// IsConflict reports whether err is an admin API 409.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}
