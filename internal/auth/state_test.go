package auth

import (
	"authgateway/internal/testutil"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// saveState runs Save and returns a callback request carrying the cookies it set.
func saveState(t *testing.T, store StateStore, state, nonce string) *http.Request {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/user/oidc/authorize", nil)
	require.NoError(t, store.Save(rec, req, state, nonce))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, StateCookieName, c.Name)
	assert.Equal(t, StateCookiePath, c.Path)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, int(StateTTL.Seconds()), c.MaxAge)

	callback := httptest.NewRequest(http.MethodGet, "/api/user/oidc/callback?state="+state, nil)
	callback.AddCookie(c)
	return callback
}

func assertCleared(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, StateCookieName, cookies[0].Name)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestCookieStateStore(t *testing.T) {
	store := CookieStateStore{Secure: true}

	t.Run("round trip", func(t *testing.T) {
		req := saveState(t, store, "state-1", "nonce-1")
		rec := httptest.NewRecorder()

		nonce, err := store.Take(rec, req, "state-1")
		require.NoError(t, err)
		assert.Equal(t, "nonce-1", nonce)
		assertCleared(t, rec)
	})

	t.Run("state mismatch", func(t *testing.T) {
		req := saveState(t, store, "state-1", "nonce-1")
		_, err := store.Take(httptest.NewRecorder(), req, "state-2")
		assert.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("no cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/user/oidc/callback", nil)
		_, err := store.Take(httptest.NewRecorder(), req, "state-1")
		assert.ErrorIs(t, err, ErrStateMismatch)
	})
}

func TestRedisStateStore(t *testing.T) {
	mr, c := testutil.NewCache(t)
	store := NewRedisStateStore(c, false)

	t.Run("round trip consumes state", func(t *testing.T) {
		req := saveState(t, store, "state-1", "nonce-1")
		assert.True(t, mr.Exists(stateKeyPrefix+"state-1"))

		rec := httptest.NewRecorder()
		nonce, err := store.Take(rec, req, "state-1")
		require.NoError(t, err)
		assert.Equal(t, "nonce-1", nonce)
		assertCleared(t, rec)
		assert.False(t, mr.Exists(stateKeyPrefix+"state-1"))

		_, err = store.Take(httptest.NewRecorder(), req, "state-1")
		assert.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("cookie binds the browser", func(t *testing.T) {
		saveState(t, store, "state-2", "nonce-2")
		other := httptest.NewRequest(http.MethodGet, "/api/user/oidc/callback?state=state-2", nil)

		_, err := store.Take(httptest.NewRecorder(), other, "state-2")
		assert.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("expired", func(t *testing.T) {
		req := saveState(t, store, "state-3", "nonce-3")
		mr.FastForward(StateTTL + time.Second)

		_, err := store.Take(httptest.NewRecorder(), req, "state-3")
		assert.ErrorIs(t, err, ErrStateMismatch)
	})
}
