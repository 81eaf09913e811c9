package keycloak

import (
	"authgateway/internal/config"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// StandardRoleDescription is attached to roles the gateway creates on demand.
const StandardRoleDescription = "Standard user role"

// AdminClient calls the realm admin API as the configured administrative principal.
type AdminClient struct {
	baseURL string // {server}/admin/realms/{realm}
	http    *http.Client
	logger  *slog.Logger
}

// NewAdminClient wires an admin API client. The admin access token is obtained lazily with a
// password grant against the admin realm and reused until it expires.
func NewAdminClient(cfg config.KeycloakConfig, base *http.Client, logger *slog.Logger) *AdminClient {
	server := strings.TrimSuffix(cfg.ServerURL, "/")

	conf := &oauth2.Config{
		ClientID: cfg.AdminClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  server + "/realms/" + url.PathEscape(cfg.AdminRealm) + "/protocol/openid-connect/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	src := oauth2.ReuseTokenSource(nil, &adminTokenSource{
		ctx:      ctx,
		conf:     conf,
		username: cfg.AdminUsername,
		password: cfg.AdminPassword,
	})

	client := oauth2.NewClient(ctx, src)
	client.Timeout = base.Timeout

	return &AdminClient{
		baseURL: server + "/admin/realms/" + url.PathEscape(cfg.Realm),
		http:    client,
		logger:  logger,
	}
}

type adminTokenSource struct {
	ctx      context.Context
	conf     *oauth2.Config
	username string
	password string
}

func (s *adminTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.conf.PasswordCredentialsToken(s.ctx, s.username, s.password)
	if err != nil {
		return nil, fmt.Errorf("admin login: %w", err)
	}
	return tok, nil
}

// FindUsersByName asks Keycloak for users whose username equals username. Keycloak stores
// usernames lowercased and matches case-insensitively, so callers comparing names must do
// the same.
func (c *AdminClient) FindUsersByName(ctx context.Context, username string) ([]User, error) {
	ctx, span := tracer.Start(ctx, "keycloak.FindUsersByName")
	defer span.End()

	var users []User
	q := url.Values{"username": {username}, "exact": {"true"}}
	if err := c.getJSON(ctx, "/users?"+q.Encode(), &users); err != nil {
		return nil, spanError(span, err)
	}
	return users, nil
}

// CreateUser creates an enabled user with an unverified email and returns its id.
func (c *AdminClient) CreateUser(ctx context.Context, profile UserProfile) (string, error) {
	ctx, span := tracer.Start(ctx, "keycloak.CreateUser")
	defer span.End()

	user := User{
		Username:      profile.Username,
		Email:         profile.Email,
		FirstName:     profile.FirstName,
		LastName:      profile.LastName,
		Enabled:       true,
		EmailVerified: false,
	}

	resp, err := c.send(ctx, http.MethodPost, "/users", user)
	if err != nil {
		return "", spanError(span, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", spanError(span, apiError(resp))
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", spanError(span, fmt.Errorf("keycloak admin POST /users: created without Location header"))
	}

	userID := path.Base(strings.TrimSuffix(location, "/"))
	span.SetAttributes(attribute.String("keycloak.user_id", userID))
	return userID, nil
}

// SetPassword sets a permanent password credential.
func (c *AdminClient) SetPassword(ctx context.Context, userID, password string) error {
	ctx, span := tracer.Start(ctx, "keycloak.SetPassword", trace.WithAttributes(attribute.String("keycloak.user_id", userID)))
	defer span.End()

	cred := credential{Type: "password", Value: password, Temporary: false}
	if err := c.expect2xx(ctx, http.MethodPut, "/users/"+url.PathEscape(userID)+"/reset-password", cred); err != nil {
		return spanError(span, err)
	}
	return nil
}

// ResolveClientInternalID maps a human-readable client id (e.g. "backend") to the provider's
// internal id, which scopes all client role operations.
func (c *AdminClient) ResolveClientInternalID(ctx context.Context, clientID string) (string, error) {
	ctx, span := tracer.Start(ctx, "keycloak.ResolveClientInternalID", trace.WithAttributes(attribute.String("keycloak.client_id", clientID)))
	defer span.End()

	var clients []Client
	q := url.Values{"clientId": {clientID}}
	if err := c.getJSON(ctx, "/clients?"+q.Encode(), &clients); err != nil {
		return "", spanError(span, err)
	}
	for _, cl := range clients {
		if cl.ClientID == clientID {
			return cl.ID, nil
		}
	}
	return "", spanError(span, fmt.Errorf("client %q: %w", clientID, ErrNotFound))
}

// GetClientRole looks a client role up by name. A missing role is reported as found=false with
// a nil error; every other failure is an error.
func (c *AdminClient) GetClientRole(ctx context.Context, clientInternalID, roleName string) (Role, bool, error) {
	ctx, span := tracer.Start(ctx, "keycloak.GetClientRole", trace.WithAttributes(attribute.String("keycloak.role", roleName)))
	defer span.End()

	resp, err := c.send(ctx, http.MethodGet, clientRolesPath(clientInternalID)+"/"+url.PathEscape(roleName), nil)
	if err != nil {
		return Role{}, false, spanError(span, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Role{}, false, nil
	case resp.StatusCode/100 != 2:
		return Role{}, false, spanError(span, apiError(resp))
	}

	var role Role
	if err := json.NewDecoder(resp.Body).Decode(&role); err != nil {
		return Role{}, false, spanError(span, fmt.Errorf("decode role %q: %w", roleName, err))
	}
	return role, true, nil
}

// CreateClientRole creates a client role.
func (c *AdminClient) CreateClientRole(ctx context.Context, clientInternalID string, role Role) error {
	ctx, span := tracer.Start(ctx, "keycloak.CreateClientRole", trace.WithAttributes(attribute.String("keycloak.role", role.Name)))
	defer span.End()

	if err := c.expect2xx(ctx, http.MethodPost, clientRolesPath(clientInternalID), role); err != nil {
		return spanError(span, err)
	}
	return nil
}

// EnsureRole returns the named client role, creating it first when it does not exist.
// Calling it repeatedly never creates more than one role.
func (c *AdminClient) EnsureRole(ctx context.Context, clientInternalID, roleName string) (Role, error) {
	role, found, err := c.GetClientRole(ctx, clientInternalID, roleName)
	if err != nil {
		return Role{}, err
	}
	if found {
		c.logger.DebugContext(ctx, "Role already exists", "role", roleName)
		return role, nil
	}

	c.logger.InfoContext(ctx, "Creating client role", "role", roleName)
	err = c.CreateClientRole(ctx, clientInternalID, Role{Name: roleName, Description: StandardRoleDescription})
	// A concurrent registration may have created it in between; the lookup below settles it.
	if err != nil && !IsConflict(err) {
		return Role{}, err
	}

	role, found, err = c.GetClientRole(ctx, clientInternalID, roleName)
	if err != nil {
		return Role{}, err
	}
	if !found {
		return Role{}, fmt.Errorf("role %q missing after create: %w", roleName, ErrNotFound)
	}
	return role, nil
}

// AssignClientRole maps a client role onto a user.
func (c *AdminClient) AssignClientRole(ctx context.Context, userID, clientInternalID string, role Role) error {
	ctx, span := tracer.Start(ctx, "keycloak.AssignClientRole", trace.WithAttributes(
		attribute.String("keycloak.user_id", userID),
		attribute.String("keycloak.role", role.Name),
	))
	defer span.End()

	p := "/users/" + url.PathEscape(userID) + "/role-mappings/clients/" + url.PathEscape(clientInternalID)
	if err := c.expect2xx(ctx, http.MethodPost, p, []Role{role}); err != nil {
		return spanError(span, err)
	}
	return nil
}

func clientRolesPath(clientInternalID string) string {
	return "/clients/" + url.PathEscape(clientInternalID) + "/roles"
}

func (c *AdminClient) send(ctx context.Context, method, p string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, p, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, p, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keycloak admin %s %s: %w", method, p, err)
	}
	return resp, nil
}

func (c *AdminClient) getJSON(ctx context.Context, p string, out any) error {
	resp, err := c.send(ctx, http.MethodGet, p, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode GET %s: %w", p, err)
	}
	return nil
}

func (c *AdminClient) expect2xx(ctx context.Context, method, p string, body any) error {
	resp, err := c.send(ctx, method, p, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return apiError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func apiError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	var payload struct {
		ErrorMessage     string `json:"errorMessage"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &payload)

	msg := payload.ErrorMessage
	if msg == "" {
		msg = payload.ErrorDescription
	}
	if msg == "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	apiErr := &APIError{Status: resp.StatusCode, Message: msg}
	if resp.Request != nil {
		apiErr.Method = resp.Request.Method
		apiErr.Path = resp.Request.URL.Path
	}
	return apiErr
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
