package user

import (
	"authgateway/internal/keycloak"
	stderrors "errors"
	"strings"
)

const tokenTypeBearer = "Bearer"

type RegistrationRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Validate only checks what the provider cannot do without. Password policy and email
// format are the provider's business.
func (r RegistrationRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Username) == "" {
		errs = append(errs, stderrors.New("username is required"))
	}
	if r.Password == "" {
		errs = append(errs, stderrors.New("password is required"))
	}
	return stderrors.Join(errs...)
}

func (r RegistrationRequest) profile() keycloak.UserProfile {
	return keycloak.UserProfile{
		Username:  r.Username,
		Email:     r.Email,
		FirstName: r.FirstName,
		LastName:  r.LastName,
	}
}

type LoginCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by login, refresh and the OIDC callback. The refresh token
// travels only in the cookie.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func newLoginResponse(set keycloak.TokenSet) LoginResponse {
	return LoginResponse{
		AccessToken: set.AccessToken,
		ExpiresIn:   set.ExpiresIn,
		TokenType:   tokenTypeBearer,
	}
}
