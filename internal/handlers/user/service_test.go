package user

import (
	"authgateway/internal/errors"
	"authgateway/internal/events"
	"authgateway/internal/keycloak"
	"authgateway/internal/testutil"
	"context"
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	set        keycloak.TokenSet
	err        error
	refreshed  []string
	passwordOK map[string]string
}

func (f *fakeTokens) ExchangePassword(_ context.Context, username, password string) (keycloak.TokenSet, error) {
	if f.err != nil {
		return keycloak.TokenSet{}, f.err
	}
	if f.passwordOK[username] != password {
		return keycloak.TokenSet{}, &keycloak.ExchangeError{Kind: keycloak.ExchangeRejected, GrantType: "password", Status: 401, Code: "invalid_grant"}
	}
	return f.set, nil
}

func (f *fakeTokens) ExchangeRefreshToken(_ context.Context, refreshToken string) (keycloak.TokenSet, error) {
	f.refreshed = append(f.refreshed, refreshToken)
	if f.err != nil {
		return keycloak.TokenSet{}, f.err
	}
	return f.set, nil
}

type fakeDirectory struct {
	users    []keycloak.User
	calls    []string
	failStep string
	failErr  error
}

func (d *fakeDirectory) step(name string) error {
	d.calls = append(d.calls, name)
	if d.failStep == name {
		if d.failErr != nil {
			return d.failErr
		}
		return &keycloak.APIError{Method: http.MethodPost, Path: "/" + name, Status: http.StatusInternalServerError, Message: "boom"}
	}
	return nil
}

func (d *fakeDirectory) FindUsersByName(_ context.Context, _ string) ([]keycloak.User, error) {
	return d.users, d.step("search")
}

func (d *fakeDirectory) CreateUser(_ context.Context, p keycloak.UserProfile) (string, error) {
	if err := d.step("create"); err != nil {
		return "", err
	}
	return "user-" + p.Username, nil
}

func (d *fakeDirectory) SetPassword(_ context.Context, _, _ string) error {
	return d.step("password")
}

func (d *fakeDirectory) ResolveClientInternalID(_ context.Context, clientID string) (string, error) {
	return "internal-" + clientID, d.step("resolve")
}

func (d *fakeDirectory) EnsureRole(_ context.Context, _, roleName string) (keycloak.Role, error) {
	return keycloak.Role{Name: roleName}, d.step("ensure_role")
}

func (d *fakeDirectory) AssignClientRole(_ context.Context, _, _ string, _ keycloak.Role) error {
	return d.step("assign")
}

type fakePublisher struct {
	raised []events.UserRegisteredEvent
	err    error
}

func (p *fakePublisher) RaiseUserRegistered(_ context.Context, evt events.UserRegisteredEvent) error {
	p.raised = append(p.raised, evt)
	return p.err
}

func newService(tokens *fakeTokens, dir *fakeDirectory, pub *fakePublisher) UserService {
	return NewUserService(tokens, dir, pub, "backend", testutil.NewTestLogger())
}

func aliceRequest() RegistrationRequest {
	return RegistrationRequest{Username: "alice", Email: "alice@example.com", Password: "secret", FirstName: "Alice", LastName: "Liddell"}
}

func appCode(t *testing.T, err error) errors.ErrorCode {
	t.Helper()
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr), "expected AppError, got %v", err)
	return appErr.Code
}

func TestRegister_Success(t *testing.T) {
	dir := &fakeDirectory{}
	pub := &fakePublisher{}
	svc := newService(&fakeTokens{}, dir, pub)

	require.NoError(t, svc.Register(context.Background(), aliceRequest()))

	assert.Equal(t, []string{"search", "resolve", "ensure_role", "create", "password", "assign"}, dir.calls)
	require.Len(t, pub.raised, 1)
	assert.Equal(t, "user-alice", pub.raised[0].UserID)
	assert.Equal(t, "alice", pub.raised[0].Username)
}

func TestRegister_DuplicateNeverCreates(t *testing.T) {
	dir := &fakeDirectory{users: []keycloak.User{{ID: "u-1", Username: "alice"}}}
	pub := &fakePublisher{}
	svc := newService(&fakeTokens{}, dir, pub)

	err := svc.Register(context.Background(), aliceRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateUser)
	assert.Equal(t, errors.ErrConflict, appCode(t, err))

	assert.Equal(t, []string{"search"}, dir.calls)
	assert.Empty(t, pub.raised)
}

func TestRegister_SubstringMatchIsNotDuplicate(t *testing.T) {
	dir := &fakeDirectory{users: []keycloak.User{{Username: "alice2"}, {Username: "malice"}}}
	svc := newService(&fakeTokens{}, dir, &fakePublisher{})

	require.NoError(t, svc.Register(context.Background(), aliceRequest()))
	assert.Contains(t, dir.calls, "create")
}

func TestRegister_CreateConflictIsDuplicate(t *testing.T) {
	dir := &fakeDirectory{
		failStep: "create",
		failErr:  &keycloak.APIError{Method: http.MethodPost, Path: "/users", Status: http.StatusConflict, Message: "User exists with same username"},
	}
	svc := newService(&fakeTokens{}, dir, &fakePublisher{})

	err := svc.Register(context.Background(), aliceRequest())
	assert.ErrorIs(t, err, ErrDuplicateUser)
	assert.Equal(t, errors.ErrConflict, appCode(t, err))
}

func TestRegister_ProviderFailures(t *testing.T) {
	for _, step := range []string{"search", "resolve", "ensure_role", "create", "password", "assign"} {
		t.Run(step, func(t *testing.T) {
			dir := &fakeDirectory{failStep: step}
			pub := &fakePublisher{}
			svc := newService(&fakeTokens{}, dir, pub)

			err := svc.Register(context.Background(), aliceRequest())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProviderCommunication)
			assert.Equal(t, errors.ErrUpstream, appCode(t, err))
			assert.Equal(t, step, dir.calls[len(dir.calls)-1], "no step runs after a failure")
			assert.Empty(t, pub.raised)
		})
	}
}

func TestRegister_PublishFailureDoesNotFail(t *testing.T) {
	pub := &fakePublisher{err: stderrors.New("nats down")}
	svc := newService(&fakeTokens{}, &fakeDirectory{}, pub)

	assert.NoError(t, svc.Register(context.Background(), aliceRequest()))
	assert.Len(t, pub.raised, 1)
}

func TestRegister_Validation(t *testing.T) {
	dir := &fakeDirectory{}
	svc := newService(&fakeTokens{}, dir, &fakePublisher{})

	err := svc.Register(context.Background(), RegistrationRequest{Email: "x@example.com"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidInput, appCode(t, err))
	assert.Empty(t, dir.calls)
}

func TestIsUsernameTaken_ExactMatch(t *testing.T) {
	dir := &fakeDirectory{users: []keycloak.User{{Username: "alice"}, {Username: "alice.smith"}}}
	svc := newService(&fakeTokens{}, dir, &fakePublisher{})

	taken, err := svc.IsUsernameTaken(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = svc.IsUsernameTaken(context.Background(), "ali")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestIsUsernameTaken_IgnoresCase(t *testing.T) {
	dir := &fakeDirectory{users: []keycloak.User{{Username: "alice"}}}
	svc := newService(&fakeTokens{}, dir, &fakePublisher{})

	taken, err := svc.IsUsernameTaken(context.Background(), "Alice")
	require.NoError(t, err)
	assert.True(t, taken)

	err = svc.Register(context.Background(), RegistrationRequest{Username: "ALICE", Password: "pw"})
	assert.ErrorIs(t, err, ErrDuplicateUser)
	assert.NotContains(t, dir.calls, "create")
}

func TestLogin(t *testing.T) {
	tokens := &fakeTokens{
		set:        keycloak.TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 300},
		passwordOK: map[string]string{"alice": "secret"},
	}
	svc := newService(tokens, &fakeDirectory{}, &fakePublisher{})

	t.Run("success", func(t *testing.T) {
		set, err := svc.Login(context.Background(), LoginCredentials{Username: "alice", Password: "secret"})
		require.NoError(t, err)
		assert.Equal(t, "at", set.AccessToken)
	})

	t.Run("rejected", func(t *testing.T) {
		_, err := svc.Login(context.Background(), LoginCredentials{Username: "alice", Password: "wrong"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Equal(t, errors.ErrUnauthorized, appCode(t, err))
	})
}

func TestLogin_ExchangeKinds(t *testing.T) {
	cases := map[keycloak.ExchangeKind]struct {
		sentinel error
		code     errors.ErrorCode
	}{
		keycloak.ExchangeRejected:    {ErrInvalidCredentials, errors.ErrUnauthorized},
		keycloak.ExchangeNoToken:     {ErrInvalidCredentials, errors.ErrUnauthorized},
		keycloak.ExchangeUnavailable: {ErrProviderCommunication, errors.ErrUpstream},
	}
	for kind, want := range cases {
		t.Run(kind.String(), func(t *testing.T) {
			tokens := &fakeTokens{err: &keycloak.ExchangeError{Kind: kind, GrantType: "password"}}
			svc := newService(tokens, &fakeDirectory{}, &fakePublisher{})

			_, err := svc.Login(context.Background(), LoginCredentials{Username: "alice", Password: "x"})
			assert.ErrorIs(t, err, want.sentinel)
			assert.Equal(t, want.code, appCode(t, err))
		})
	}
}

func TestRefresh(t *testing.T) {
	t.Run("empty token never reaches the provider", func(t *testing.T) {
		tokens := &fakeTokens{}
		svc := newService(tokens, &fakeDirectory{}, &fakePublisher{})

		_, err := svc.Refresh(context.Background(), "")
		assert.ErrorIs(t, err, ErrMissingCookie)
		assert.Equal(t, errors.ErrMissingCookie, appCode(t, err))
		assert.Empty(t, tokens.refreshed)
	})

	t.Run("rejected", func(t *testing.T) {
		tokens := &fakeTokens{err: &keycloak.ExchangeError{Kind: keycloak.ExchangeRejected, GrantType: "refresh_token", Status: 400}}
		svc := newService(tokens, &fakeDirectory{}, &fakePublisher{})

		_, err := svc.Refresh(context.Background(), "rt-old")
		assert.ErrorIs(t, err, ErrRefreshFailed)
		assert.Equal(t, errors.ErrUnauthorized, appCode(t, err))
	})

	t.Run("unavailable", func(t *testing.T) {
		tokens := &fakeTokens{err: &keycloak.ExchangeError{Kind: keycloak.ExchangeUnavailable, GrantType: "refresh_token"}}
		svc := newService(tokens, &fakeDirectory{}, &fakePublisher{})

		_, err := svc.Refresh(context.Background(), "rt-old")
		assert.ErrorIs(t, err, ErrProviderCommunication)
		assert.Equal(t, errors.ErrUpstream, appCode(t, err))
	})

	t.Run("success", func(t *testing.T) {
		tokens := &fakeTokens{set: keycloak.TokenSet{AccessToken: "at2", RefreshToken: "rt2"}}
		svc := newService(tokens, &fakeDirectory{}, &fakePublisher{})

		set, err := svc.Refresh(context.Background(), "rt-old")
		require.NoError(t, err)
		assert.Equal(t, "rt2", set.RefreshToken)
		assert.Equal(t, []string{"rt-old"}, tokens.refreshed)
	})
}
