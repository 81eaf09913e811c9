package auth

import (
	"authgateway/internal/cache"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	StateCookieName = "oidc_state"
	StateCookiePath = "/api/user/oidc"
	StateTTL        = 10 * time.Minute

	stateKeyPrefix = "oidc:state:"
)

// ErrStateMismatch means the callback does not belong to a login this browser started,
// or the login already completed or expired.
var ErrStateMismatch = errors.New("oidc state missing or mismatched")

// StateStore holds the nonce of a pending login between Begin and the callback.
// Take consumes the entry: a state is accepted at most once.
type StateStore interface {
	Save(w http.ResponseWriter, r *http.Request, state, nonce string) error
	Take(w http.ResponseWriter, r *http.Request, state string) (nonce string, err error)
}

// CookieStateStore keeps state and nonce in a short-lived HttpOnly cookie scoped to the
// OIDC endpoints.
type CookieStateStore struct {
	Secure bool
}

func (s CookieStateStore) Save(w http.ResponseWriter, _ *http.Request, state, nonce string) error {
	http.SetCookie(w, stateCookie(state+"."+nonce, s.Secure, int(StateTTL.Seconds())))
	return nil
}

func (s CookieStateStore) Take(w http.ResponseWriter, r *http.Request, state string) (string, error) {
	value, ok := readStateCookie(w, r, s.Secure)
	if !ok {
		return "", ErrStateMismatch
	}
	saved, nonce, ok := strings.Cut(value, ".")
	if !ok || !sameState(saved, state) {
		return "", ErrStateMismatch
	}
	return nonce, nil
}

// RedisStateStore keeps the nonce server-side under the state key; the cookie only binds
// the login to the browser that started it.
type RedisStateStore struct {
	cache  *cache.RedisClient
	secure bool
}

func NewRedisStateStore(c *cache.RedisClient, secure bool) *RedisStateStore {
	return &RedisStateStore{cache: c, secure: secure}
}

type pendingLogin struct {
	Nonce string `json:"nonce"`
}

func (s *RedisStateStore) Save(w http.ResponseWriter, r *http.Request, state, nonce string) error {
	if err := cache.Set(s.cache, r.Context(), stateKeyPrefix+state, pendingLogin{Nonce: nonce}, StateTTL); err != nil {
		return fmt.Errorf("save oidc state: %w", err)
	}
	http.SetCookie(w, stateCookie(state, s.secure, int(StateTTL.Seconds())))
	return nil
}

func (s *RedisStateStore) Take(w http.ResponseWriter, r *http.Request, state string) (string, error) {
	bound, ok := readStateCookie(w, r, s.secure)
	if !ok || !sameState(bound, state) {
		return "", ErrStateMismatch
	}
	return s.take(r.Context(), state)
}

func (s *RedisStateStore) take(ctx context.Context, state string) (string, error) {
	pending, found, err := cache.GetDel[pendingLogin](s.cache, ctx, stateKeyPrefix+state)
	if err != nil {
		return "", fmt.Errorf("load oidc state: %w", err)
	}
	if !found {
		return "", ErrStateMismatch
	}
	return pending.Nonce, nil
}

// readStateCookie returns the cookie value and always clears the cookie.
func readStateCookie(w http.ResponseWriter, r *http.Request, secure bool) (string, bool) {
	c, err := r.Cookie(StateCookieName)
	http.SetCookie(w, stateCookie("", secure, -1))
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func stateCookie(value string, secure bool, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     StateCookieName,
		Value:    value,
		Path:     StateCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		// The callback is a top-level redirect from the provider; Strict would drop the cookie.
		SameSite: http.SameSiteLaxMode,
	}
}

func sameState(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
