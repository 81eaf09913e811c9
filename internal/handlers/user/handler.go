package user

import (
	"authgateway/internal/auth"
	"authgateway/internal/errors"
	"authgateway/internal/json"
	"authgateway/internal/keycloak"
	"authgateway/internal/session"
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
)

// OIDCLogin is the browser authorization-code flow.
type OIDCLogin interface {
	Begin() (auth.Authorization, error)
	Exchange(ctx context.Context, code, nonce string) (keycloak.TokenSet, auth.Principal, error)
}

type UserHandler struct {
	service       UserService
	login         OIDCLogin
	states        auth.StateStore
	secureCookies bool
}

func NewUserHandler(svc UserService, login OIDCLogin, states auth.StateStore, secureCookies bool) *UserHandler {
	return &UserHandler{
		service:       svc,
		login:         login,
		states:        states,
		secureCookies: secureCookies,
	}
}

func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := RegistrationRequest{}
	if err := json.Read(w, r, &req); err != nil {
		errors.RespondError(w, r, errors.New(errors.ErrInvalidInput, "Request body is not valid JSON", err))
		return
	}

	slog.InfoContext(ctx, "Registration request received", "username", req.Username)

	if err := h.service.Register(ctx, req); err != nil {
		errors.RespondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *UserHandler) CheckUsername(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	username := r.URL.Query().Get("username")
	if username == "" {
		errors.RespondError(w, r, errors.New(errors.ErrInvalidInput, "Query parameter 'username' is required", nil))
		return
	}

	slog.DebugContext(ctx, "Checking username availability", "username", username)

	taken, err := h.service.IsUsernameTaken(ctx, username)
	if err != nil {
		errors.RespondError(w, r, err)
		return
	}

	json.Write(w, http.StatusOK, taken)
}

func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	creds := LoginCredentials{}
	if err := json.Read(w, r, &creds); err != nil {
		errors.RespondError(w, r, errors.New(errors.ErrInvalidInput, "Request body is not valid JSON", err))
		return
	}

	set, err := h.service.Login(ctx, creds)
	if err != nil {
		errors.RespondError(w, r, err)
		return
	}

	h.respondWithSession(w, set)
}

// Refresh answers a bare 400 when there is no cookie; the provider is not contacted.
func (h *UserHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	refreshToken, ok := session.RefreshToken(r)
	if !ok {
		slog.WarnContext(ctx, "Refresh requested without a session cookie")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	set, err := h.service.Refresh(ctx, refreshToken)
	if err != nil {
		// The cookie is useless now; drop it so the browser stops presenting it.
		if stderrors.Is(err, ErrRefreshFailed) {
			http.SetCookie(w, session.ClearRefreshCookie(h.secureCookies))
		}
		errors.RespondError(w, r, err)
		return
	}

	h.respondWithSession(w, set)
}

// Logout only clears the cookie. Tokens already issued stay valid until they expire.
func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	slog.InfoContext(r.Context(), "Logout")

	http.SetCookie(w, session.ClearRefreshCookie(h.secureCookies))
	w.WriteHeader(http.StatusOK)
}

// OIDCAuthorize starts a browser login by redirecting to the provider.
func (h *UserHandler) OIDCAuthorize(w http.ResponseWriter, r *http.Request) {
	authz, err := h.login.Begin()
	if err != nil {
		errors.RespondError(w, r, errors.New(errors.ErrInternal, "Could not start login", err))
		return
	}

	if err := h.states.Save(w, r, authz.State, authz.Nonce); err != nil {
		errors.RespondError(w, r, errors.New(errors.ErrInternal, "Could not start login", err))
		return
	}

	http.Redirect(w, r, authz.URL, http.StatusFound)
}

// OIDCCallback completes a browser login and answers like Login.
func (h *UserHandler) OIDCCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		slog.WarnContext(ctx, "Provider refused login", "error", providerErr, "description", q.Get("error_description"))
		errors.RespondError(w, r, errors.New(errors.ErrUnauthorized, "Login was not completed", nil))
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		errors.RespondError(w, r, errors.New(errors.ErrInvalidInput, "Missing code or state", nil))
		return
	}

	nonce, err := h.states.Take(w, r, state)
	if err != nil {
		if stderrors.Is(err, auth.ErrStateMismatch) {
			errors.RespondError(w, r, errors.New(errors.ErrInvalidInput, "Login attempt expired or unknown, please start again", err))
			return
		}
		errors.RespondError(w, r, errors.New(errors.ErrInternal, "Could not complete login", err))
		return
	}

	set, principal, err := h.login.Exchange(ctx, code, nonce)
	if err != nil {
		var exErr *keycloak.ExchangeError
		if stderrors.As(err, &exErr) && !exErr.Rejected() {
			errors.RespondError(w, r, upstream(err))
			return
		}
		errors.RespondError(w, r, errors.New(errors.ErrUnauthorized, "Login could not be verified", err))
		return
	}

	slog.InfoContext(ctx, "User logged in via browser", "username", principal.Username, "subject", principal.Subject)
	h.respondWithSession(w, set)
}

// respondWithSession clears any stale cookie when the provider issued no refresh token.
func (h *UserHandler) respondWithSession(w http.ResponseWriter, set keycloak.TokenSet) {
	if set.RefreshToken == "" {
		http.SetCookie(w, session.ClearRefreshCookie(h.secureCookies))
	} else {
		http.SetCookie(w, session.RefreshCookie(set.RefreshToken, h.secureCookies))
	}
	json.Write(w, http.StatusOK, newLoginResponse(set))
}
