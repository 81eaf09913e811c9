package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	FakeRealm         = "test-realm"
	FakeClientID      = "backend"
	FakeClientSecret  = "backend-secret"
	FakeAdminUsername = "admin"
	FakeAdminPassword = "admin-pass"
	FakeKeyID         = "fake-key-1"

	adminRealm    = "master"
	adminClientID = "admin-cli"
	tokenTTL      = 300
)

// FakeKeycloak is an in-process stand-in for the parts of Keycloak the gateway uses:
// discovery, JWKS, the token endpoint (password, refresh_token and authorization_code grants)
// and the admin API for users, clients and client roles.
type FakeKeycloak struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey

	mu            sync.Mutex
	seq           int
	users         map[string]*fakeUser          // by id
	clients       map[string]string             // internal id -> clientId
	roles         map[string]map[string]fakeRole // internal client id -> role name -> role
	refreshTokens map[string]string             // refresh token -> user id
	codes         map[string]fakeCode           // authorization code -> grant
	adminTokens   map[string]bool
	calls         map[string]int
	noRefresh     bool
}

type fakeUser struct {
	ID            string              `json:"id"`
	Username      string              `json:"username"`
	Email         string              `json:"email,omitempty"`
	FirstName     string              `json:"firstName,omitempty"`
	LastName      string              `json:"lastName,omitempty"`
	Enabled       bool                `json:"enabled"`
	EmailVerified bool                `json:"emailVerified"`
	password      string
	clientRoles   map[string][]string // clientId -> role names
}

type fakeRole struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ClientRole  bool   `json:"clientRole"`
	ContainerID string `json:"containerId"`
}

type fakeCode struct {
	userID string
	nonce  string
}

// NewFakeKeycloak starts a fake provider with a single confidential client FakeClientID.
func NewFakeKeycloak(t *testing.T) *FakeKeycloak {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &FakeKeycloak{
		Key:           key,
		users:         map[string]*fakeUser{},
		clients:       map[string]string{"0f1c2d3e-backend": FakeClientID},
		roles:         map[string]map[string]fakeRole{"0f1c2d3e-backend": {}},
		refreshTokens: map[string]string{},
		codes:         map[string]fakeCode{},
		adminTokens:   map[string]bool{},
		calls:         map[string]int{},
	}

	r := chi.NewRouter()
	r.Get("/realms/{realm}/.well-known/openid-configuration", f.discovery)
	r.Get("/realms/{realm}/protocol/openid-connect/certs", f.certs)
	r.Post("/realms/{realm}/protocol/openid-connect/token", f.token)

	r.Route("/admin/realms/{realm}", func(r chi.Router) {
		r.Use(f.requireAdmin)
		r.Get("/users", f.searchUsers)
		r.Post("/users", f.createUser)
		r.Put("/users/{id}/reset-password", f.resetPassword)
		r.Post("/users/{id}/role-mappings/clients/{client}", f.assignRoles)
		r.Get("/clients", f.findClients)
		r.Get("/clients/{client}/roles/{role}", f.getRole)
		r.Post("/clients/{client}/roles", f.createRole)
	})

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the server root, the value of KEYCLOAK_SERVER_URL.
func (f *FakeKeycloak) URL() string { return f.Server.URL }

// Issuer is the realm issuer.
func (f *FakeKeycloak) Issuer() string { return f.Server.URL + "/realms/" + FakeRealm }

// DisableRefreshTokens makes later grants answer without a refresh_token, like a client
// configured without refresh tokens.
func (f *FakeKeycloak) DisableRefreshTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noRefresh = true
}

// Calls returns how often an operation was hit, keyed like "create_user" or "grant:refresh_token".
func (f *FakeKeycloak) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// AddUser registers a user directly, bypassing the admin API.
func (f *FakeKeycloak) AddUser(username, password string, clientRoles ...string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &fakeUser{
		ID:          f.nextID("user"),
		Username:    username,
		Enabled:     true,
		password:    password,
		clientRoles: map[string][]string{FakeClientID: clientRoles},
	}
	f.users[u.ID] = u
	return u.ID
}

// GrantClientRole gives an existing user a backend client role.
func (f *FakeKeycloak) GrantClientRole(username, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u := f.userByName(username); u != nil {
		u.clientRoles[FakeClientID] = append(u.clientRoles[FakeClientID], role)
	}
}

// ClientRoleCount counts roles with this name on the backend client.
func (f *FakeKeycloak) ClientRoleCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, roles := range f.roles {
		if _, ok := roles[name]; ok {
			n++
		}
	}
	return n
}

// UserClientRoles returns the backend client roles mapped onto a user.
func (f *FakeKeycloak) UserClientRoles(username string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u := f.userByName(username); u != nil {
		return append([]string(nil), u.clientRoles[FakeClientID]...)
	}
	return nil
}

// IssueCode simulates a completed browser login and returns an authorization code.
func (f *FakeKeycloak) IssueCode(username, nonce string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.userByName(username)
	if u == nil {
		return ""
	}
	code := f.nextID("code")
	f.codes[code] = fakeCode{userID: u.ID, nonce: nonce}
	return code
}

// SignAccessToken signs arbitrary claims with the realm key, for verifier tests.
func (f *FakeKeycloak) SignAccessToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := f.sign(claims)
	require.NoError(t, err)
	return raw
}

func (f *FakeKeycloak) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%04d-%s", prefix, f.seq, randomString(6))
}

func (f *FakeKeycloak) userByName(username string) *fakeUser {
	for _, u := range f.users {
		if u.Username == username {
			return u
		}
	}
	return nil
}

func (f *FakeKeycloak) discovery(w http.ResponseWriter, r *http.Request) {
	issuer := f.Server.URL + "/realms/" + chi.URLParam(r, "realm")
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/protocol/openid-connect/auth",
		"token_endpoint":                        issuer + "/protocol/openid-connect/token",
		"userinfo_endpoint":                     issuer + "/protocol/openid-connect/userinfo",
		"jwks_uri":                              issuer + "/protocol/openid-connect/certs",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (f *FakeKeycloak) certs(w http.ResponseWriter, _ *http.Request) {
	jwks := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &f.Key.PublicKey,
		KeyID:     FakeKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	writeJSON(w, http.StatusOK, jwks)
}

func (f *FakeKeycloak) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "unparseable form")
		return
	}
	realm := chi.URLParam(r, "realm")
	grant := r.PostForm.Get("grant_type")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["grant:"+grant]++

	if realm == adminRealm {
		f.adminGrant(w, r)
		return
	}
	if realm != FakeRealm {
		oauthError(w, http.StatusNotFound, "realm_not_found", "Realm does not exist")
		return
	}
	if r.PostForm.Get("client_id") != FakeClientID || r.PostForm.Get("client_secret") != FakeClientSecret {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "Invalid client or Invalid client credentials")
		return
	}

	switch grant {
	case "password":
		u := f.userByName(r.PostForm.Get("username"))
		if u == nil || u.password == "" || u.password != r.PostForm.Get("password") {
			oauthError(w, http.StatusUnauthorized, "invalid_grant", "Invalid user credentials")
			return
		}
		f.issueTokens(w, u, "")
	case "refresh_token":
		userID, ok := f.refreshTokens[r.PostForm.Get("refresh_token")]
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "Invalid refresh token")
			return
		}
		delete(f.refreshTokens, r.PostForm.Get("refresh_token"))
		f.issueTokens(w, f.users[userID], "")
	case "authorization_code":
		code, ok := f.codes[r.PostForm.Get("code")]
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "Code not valid")
			return
		}
		delete(f.codes, r.PostForm.Get("code"))
		f.issueTokens(w, f.users[code.userID], code.nonce)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant_type")
	}
}

func (f *FakeKeycloak) adminGrant(w http.ResponseWriter, r *http.Request) {
	if r.PostForm.Get("grant_type") != "password" ||
		r.PostForm.Get("client_id") != adminClientID ||
		r.PostForm.Get("username") != FakeAdminUsername ||
		r.PostForm.Get("password") != FakeAdminPassword {
		oauthError(w, http.StatusUnauthorized, "invalid_grant", "Invalid user credentials")
		return
	}
	tok := "admin-" + randomString(16)
	f.adminTokens[tok] = true
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"token_type":   "Bearer",
		"expires_in":   60,
	})
}

// issueTokens must be called with f.mu held.
func (f *FakeKeycloak) issueTokens(w http.ResponseWriter, u *fakeUser, nonce string) {
	now := time.Now()
	access, err := f.sign(jwt.MapClaims{
		"iss":                f.Issuer(),
		"sub":                u.ID,
		"aud":                "account",
		"azp":                FakeClientID,
		"typ":                "Bearer",
		"exp":                now.Add(tokenTTL * time.Second).Unix(),
		"iat":                now.Unix(),
		"jti":                randomString(12),
		"scope":              "profile email",
		"preferred_username": u.Username,
		"email":              u.Email,
		"realm_access":       map[string]any{"roles": []string{"offline_access"}},
		"resource_access": map[string]any{
			FakeClientID: map[string]any{"roles": u.clientRoles[FakeClientID]},
		},
	})
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	body := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   tokenTTL,
		"scope":        "profile email",
	}
	if !f.noRefresh {
		refresh := "rt-" + randomString(24)
		f.refreshTokens[refresh] = u.ID
		body["refresh_token"] = refresh
		body["refresh_expires_in"] = 1800
	}

	if nonce != "" {
		idToken, err := f.sign(jwt.MapClaims{
			"iss":                f.Issuer(),
			"sub":                u.ID,
			"aud":                FakeClientID,
			"azp":                FakeClientID,
			"exp":                now.Add(tokenTTL * time.Second).Unix(),
			"iat":                now.Unix(),
			"nonce":              nonce,
			"preferred_username": u.Username,
		})
		if err != nil {
			oauthError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		body["id_token"] = idToken
		body["scope"] = "openid profile email"
	}

	writeJSON(w, http.StatusOK, body)
}

func (f *FakeKeycloak) sign(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = FakeKeyID
	return tok.SignedString(f.Key)
}

func (f *FakeKeycloak) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		ok := f.adminTokens[token]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "HTTP 401 Unauthorized"})
			return
		}
		if chi.URLParam(r, "realm") != FakeRealm {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Realm not found."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *FakeKeycloak) searchUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := strings.ToLower(q.Get("search"))
	exact := q.Get("exact") == "true"
	if exact {
		search = strings.ToLower(q.Get("username"))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["search_users"]++

	out := []fakeUser{}
	for _, u := range f.users {
		name := strings.ToLower(u.Username)
		if (exact && name == search) || (!exact && strings.Contains(name, search)) {
			out = append(out, *u)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeKeycloak) createUser(w http.ResponseWriter, r *http.Request) {
	var in fakeUser
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "unparseable user"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_user"]++

	if in.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"field": "username", "errorMessage": "error-user-attribute-required"})
		return
	}
	if f.userByName(strings.ToLower(in.Username)) != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"errorMessage": "User exists with same username"})
		return
	}

	u := &fakeUser{
		ID:            f.nextID("user"),
		Username:      strings.ToLower(in.Username),
		Email:         in.Email,
		FirstName:     in.FirstName,
		LastName:      in.LastName,
		Enabled:       in.Enabled,
		EmailVerified: in.EmailVerified,
		clientRoles:   map[string][]string{},
	}
	f.users[u.ID] = u

	w.Header().Set("Location", f.Server.URL+"/admin/realms/"+FakeRealm+"/users/"+u.ID)
	w.WriteHeader(http.StatusCreated)
}

func (f *FakeKeycloak) resetPassword(w http.ResponseWriter, r *http.Request) {
	var cred struct {
		Type      string `json:"type"`
		Value     string `json:"value"`
		Temporary bool   `json:"temporary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil || cred.Type != "password" || cred.Temporary {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "invalid credential"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["reset_password"]++

	u, ok := f.users[chi.URLParam(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	u.password = cred.Value
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeKeycloak) assignRoles(w http.ResponseWriter, r *http.Request) {
	var roles []fakeRole
	if err := json.NewDecoder(r.Body).Decode(&roles); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "invalid roles"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["assign_roles"]++

	u, ok := f.users[chi.URLParam(r, "id")]
	clientID, known := f.clients[chi.URLParam(r, "client")]
	if !ok || !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Could not find client or user"})
		return
	}
	for _, role := range roles {
		existing, ok := f.roles[chi.URLParam(r, "client")][role.Name]
		if !ok || existing.ID != role.ID {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Role not found"})
			return
		}
		u.clientRoles[clientID] = append(u.clientRoles[clientID], role.Name)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeKeycloak) findClients(w http.ResponseWriter, r *http.Request) {
	want := r.URL.Query().Get("clientId")

	f.mu.Lock()
	defer f.mu.Unlock()

	out := []map[string]string{}
	for id, clientID := range f.clients {
		if want == "" || want == clientID {
			out = append(out, map[string]string{"id": id, "clientId": clientID})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeKeycloak) getRole(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_role"]++

	role, ok := f.roles[chi.URLParam(r, "client")][chi.URLParam(r, "role")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Could not find role"})
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (f *FakeKeycloak) createRole(w http.ResponseWriter, r *http.Request) {
	var in fakeRole
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "invalid role"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_role"]++

	client := chi.URLParam(r, "client")
	roles, ok := f.roles[client]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Could not find client"})
		return
	}
	if _, exists := roles[in.Name]; exists {
		writeJSON(w, http.StatusConflict, map[string]string{"errorMessage": "Role with name " + in.Name + " already exists"})
		return
	}
	roles[in.Name] = fakeRole{
		ID:          f.nextID("role"),
		Name:        in.Name,
		Description: in.Description,
		ClientRole:  true,
		ContainerID: client,
	}
	w.Header().Set("Location", f.Server.URL+r.URL.Path+"/"+url.PathEscape(in.Name))
	w.WriteHeader(http.StatusCreated)
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomString(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
