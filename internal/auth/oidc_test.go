package auth

import (
	"authgateway/internal/keycloak"
	"authgateway/internal/testutil"
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoginFlow(t *testing.T) (*testutil.FakeKeycloak, *LoginFlow) {
	t.Helper()
	f, a := newAuthenticator(t)
	return f, NewLoginFlow(a, testutil.KeycloakConfig(f), f.Server.Client())
}

func TestBegin_BuildsAuthorizationURL(t *testing.T) {
	f, flow := newLoginFlow(t)

	authz, err := flow.Begin()
	require.NoError(t, err)
	require.NotEmpty(t, authz.State)
	require.NotEmpty(t, authz.Nonce)
	assert.NotEqual(t, authz.State, authz.Nonce)

	u, err := url.Parse(authz.URL)
	require.NoError(t, err)
	assert.Equal(t, f.Issuer()+"/protocol/openid-connect/auth", u.Scheme+"://"+u.Host+u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testutil.FakeClientID, q.Get("client_id"))
	assert.Equal(t, "http://gateway.test/api/user/oidc/callback", q.Get("redirect_uri"))
	assert.Equal(t, authz.State, q.Get("state"))
	assert.Equal(t, authz.Nonce, q.Get("nonce"))
	assert.Contains(t, q.Get("scope"), "openid")

	again, err := flow.Begin()
	require.NoError(t, err)
	assert.NotEqual(t, authz.State, again.State)
}

func TestExchange_Success(t *testing.T) {
	f, flow := newLoginFlow(t)
	f.AddUser("alice", "secret", "ROLE_USER", "VIEWER")

	code := f.IssueCode("alice", "nonce-1")
	set, p, err := flow.Exchange(context.Background(), code, "nonce-1")
	require.NoError(t, err)

	assert.NotEmpty(t, set.AccessToken)
	assert.NotEmpty(t, set.RefreshToken)
	assert.EqualValues(t, 300, set.ExpiresIn)

	assert.Equal(t, "alice", p.Username)
	assert.True(t, p.HasRole("USER"))
	assert.False(t, p.HasAuthority("VIEWER"))
}

func TestExchange_NonceMismatch(t *testing.T) {
	f, flow := newLoginFlow(t)
	f.AddUser("alice", "secret")

	code := f.IssueCode("alice", "nonce-from-provider")
	_, _, err := flow.Exchange(context.Background(), code, "nonce-we-sent")
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestExchange_InvalidCode(t *testing.T) {
	_, flow := newLoginFlow(t)

	_, _, err := flow.Exchange(context.Background(), "no-such-code", "n")
	var exErr *keycloak.ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, keycloak.ExchangeRejected, exErr.Kind)
	assert.Equal(t, "invalid_grant", exErr.Code)
}

func TestExchange_CodeIsSingleUse(t *testing.T) {
	f, flow := newLoginFlow(t)
	f.AddUser("alice", "secret")

	code := f.IssueCode("alice", "n")
	_, _, err := flow.Exchange(context.Background(), code, "n")
	require.NoError(t, err)

	_, _, err = flow.Exchange(context.Background(), code, "n")
	require.Error(t, err)
}
