// Package session builds and reads the refresh-token cookie. The cookie is the only place
// a refresh token lives; the gateway keeps no server-side session.
package session

import (
	"net/http"
	"time"
)

const (
	CookieName = "refresh_token"
	CookiePath = "/api/user/refresh"
	MaxAge     = 7 * 24 * time.Hour
)

// RefreshCookie carries a freshly issued refresh token.
func RefreshCookie(refreshToken string, secure bool) *http.Cookie {
	c := baseCookie(secure)
	c.Value = refreshToken
	c.MaxAge = int(MaxAge.Seconds())
	return c
}

// ClearRefreshCookie tells the browser to drop the refresh token immediately.
func ClearRefreshCookie(secure bool) *http.Cookie {
	c := baseCookie(secure)
	// net/http renders a negative MaxAge as "Max-Age=0".
	c.MaxAge = -1
	return c
}

// RefreshToken returns the refresh token from the request, or false when the cookie
// is missing or empty.
func RefreshToken(r *http.Request) (string, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func baseCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Path:     CookiePath,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}
