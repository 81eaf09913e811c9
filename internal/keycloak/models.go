package keycloak

// TokenSet is what a successful grant yields. It is handed straight back to the caller
// and never stored.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// User mirrors the subset of Keycloak's UserRepresentation the gateway reads and writes.
type User struct {
	ID            string `json:"id,omitempty"`
	Username      string `json:"username"`
	Email         string `json:"email,omitempty"`
	FirstName     string `json:"firstName,omitempty"`
	LastName      string `json:"lastName,omitempty"`
	Enabled       bool   `json:"enabled"`
	EmailVerified bool   `json:"emailVerified"`
}

// UserProfile is the input for CreateUser.
type UserProfile struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
}

// Role mirrors Keycloak's RoleRepresentation.
type Role struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ClientRole  bool   `json:"clientRole,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
}

// Client mirrors the identifying part of Keycloak's ClientRepresentation.
type Client struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
}

type credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}
