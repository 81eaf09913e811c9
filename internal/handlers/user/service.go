package user

import (
	"authgateway/internal/errors"
	"authgateway/internal/events"
	"authgateway/internal/keycloak"
	"authgateway/internal/telemetry"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultRole is granted to every self-registered user.
const DefaultRole = "ROLE_USER"

// Domain failures. They are wrapped in *errors.AppError, so match them with errors.Is.
var (
	ErrInvalidCredentials    = stderrors.New("invalid credentials")
	ErrRefreshFailed         = stderrors.New("refresh failed")
	ErrDuplicateUser         = stderrors.New("username already taken")
	ErrProviderCommunication = stderrors.New("identity provider communication failed")
	ErrMissingCookie         = stderrors.New("refresh cookie missing")
)

// TokenExchanger runs grants against the realm token endpoint.
type TokenExchanger interface {
	ExchangePassword(ctx context.Context, username, password string) (keycloak.TokenSet, error)
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (keycloak.TokenSet, error)
}

// UserDirectory is the slice of the admin API registration needs.
type UserDirectory interface {
	FindUsersByName(ctx context.Context, username string) ([]keycloak.User, error)
	CreateUser(ctx context.Context, profile keycloak.UserProfile) (string, error)
	SetPassword(ctx context.Context, userID, password string) error
	ResolveClientInternalID(ctx context.Context, clientID string) (string, error)
	EnsureRole(ctx context.Context, clientInternalID, roleName string) (keycloak.Role, error)
	AssignClientRole(ctx context.Context, userID, clientInternalID string, role keycloak.Role) error
}

type EventPublisher interface {
	RaiseUserRegistered(ctx context.Context, evt events.UserRegisteredEvent) error
}

type UserService interface {
	Register(ctx context.Context, req RegistrationRequest) error
	IsUsernameTaken(ctx context.Context, username string) (bool, error)
	Login(ctx context.Context, creds LoginCredentials) (keycloak.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (keycloak.TokenSet, error)
}

type svc struct {
	tokens     TokenExchanger
	directory  UserDirectory
	events     EventPublisher
	roleClient string
	logger     *slog.Logger
}

// NewUserService builds the service. roleClient is the client that owns DefaultRole, the
// same one access tokens are read from.
func NewUserService(tokens TokenExchanger, directory UserDirectory, publisher EventPublisher, roleClient string, logger *slog.Logger) UserService {
	return &svc{
		tokens:     tokens,
		directory:  directory,
		events:     publisher,
		roleClient: roleClient,
		logger:     logger,
	}
}

// Register creates the user and grants DefaultRole. The steps are not transactional: a
// failure after the user exists leaves it in place and is logged for reconciliation.
func (s *svc) Register(ctx context.Context, req RegistrationRequest) error {
	if err := req.Validate(); err != nil {
		return errors.New(errors.ErrInvalidInput, err.Error(), err)
	}

	s.logger.InfoContext(ctx, "Registering user", "username", req.Username)

	taken, err := s.IsUsernameTaken(ctx, req.Username)
	if err != nil {
		return err
	}
	if taken {
		s.logger.WarnContext(ctx, "Username already taken", "username", req.Username)
		return errors.New(errors.ErrConflict, "A user with this username already exists", ErrDuplicateUser)
	}

	clientID, err := s.directory.ResolveClientInternalID(ctx, s.roleClient)
	if err != nil {
		return upstream(fmt.Errorf("resolve client %q: %w", s.roleClient, err))
	}

	role, err := s.directory.EnsureRole(ctx, clientID, DefaultRole)
	if err != nil {
		return upstream(fmt.Errorf("ensure role %s: %w", DefaultRole, err))
	}

	userID, err := s.directory.CreateUser(ctx, req.profile())
	if err != nil {
		// Lost a race with a concurrent registration of the same name.
		if keycloak.IsConflict(err) {
			return errors.New(errors.ErrConflict, "A user with this username already exists", fmt.Errorf("%w: %w", ErrDuplicateUser, err))
		}
		return upstream(fmt.Errorf("create user: %w", err))
	}

	if err := s.directory.SetPassword(ctx, userID, req.Password); err != nil {
		return s.orphaned(ctx, userID, req.Username, "set password", err)
	}

	if err := s.directory.AssignClientRole(ctx, userID, clientID, role); err != nil {
		return s.orphaned(ctx, userID, req.Username, "assign role", err)
	}

	s.logger.InfoContext(ctx, "User registered", "username", req.Username, "user_id", userID, "role", DefaultRole)

	evt := events.UserRegisteredEvent{
		UserID:   userID,
		Username: req.Username,
		Email:    req.Email,
		TraceID:  telemetry.TraceID(ctx),
	}
	// Registration already succeeded; a lost event must not turn it into a failure.
	if err := s.events.RaiseUserRegistered(ctx, evt); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish UserRegistered event", "user_id", userID, "error", err)
	}
	return nil
}

// IsUsernameTaken reports whether the provider already holds username. Names compare
// case-insensitively because the provider lowercases them on create.
func (s *svc) IsUsernameTaken(ctx context.Context, username string) (bool, error) {
	users, err := s.directory.FindUsersByName(ctx, username)
	if err != nil {
		return false, upstream(fmt.Errorf("search users: %w", err))
	}
	for _, u := range users {
		if strings.EqualFold(u.Username, username) {
			return true, nil
		}
	}
	return false, nil
}

func (s *svc) Login(ctx context.Context, creds LoginCredentials) (keycloak.TokenSet, error) {
	s.logger.InfoContext(ctx, "Login attempt", "username", creds.Username)

	set, err := s.tokens.ExchangePassword(ctx, creds.Username, creds.Password)
	if err != nil {
		return keycloak.TokenSet{}, exchangeFailure(err, ErrInvalidCredentials, "Invalid username or password")
	}

	s.logger.InfoContext(ctx, "User logged in", "username", creds.Username)
	return set, nil
}

func (s *svc) Refresh(ctx context.Context, refreshToken string) (keycloak.TokenSet, error) {
	if refreshToken == "" {
		return keycloak.TokenSet{}, errors.New(errors.ErrMissingCookie, "Refresh token cookie is missing", ErrMissingCookie)
	}

	set, err := s.tokens.ExchangeRefreshToken(ctx, refreshToken)
	if err != nil {
		return keycloak.TokenSet{}, exchangeFailure(err, ErrRefreshFailed, "Session expired, please log in again")
	}
	return set, nil
}

func (s *svc) orphaned(ctx context.Context, userID, username, step string, err error) error {
	s.logger.ErrorContext(ctx, "Registration incomplete, user left without full setup",
		"user_id", userID,
		"username", username,
		"failed_step", step,
		"error", err,
	)
	return upstream(fmt.Errorf("%s for user %s: %w", step, userID, err))
}

// exchangeFailure separates the provider saying no (401) from the provider being unreachable (502).
func exchangeFailure(err, rejected error, msg string) error {
	var exErr *keycloak.ExchangeError
	if stderrors.As(err, &exErr) && exErr.Rejected() {
		return errors.New(errors.ErrUnauthorized, msg, fmt.Errorf("%w: %w", rejected, err))
	}
	return upstream(err)
}

func upstream(err error) error {
	return errors.New(errors.ErrUpstream, "Identity provider is unavailable, please try again later", fmt.Errorf("%w: %w", ErrProviderCommunication, err))
}
