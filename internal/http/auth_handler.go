package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"oentex/internal/auth"
	"oentex/internal/session"
)

const loginPath = "/login"

type sessionManager interface {
	State() session.State
	SignInWithGoogle(ctx context.Context) (string, error)
	SignInWithMicrosoft(ctx context.Context) (string, error)
	SignOut(ctx context.Context) error
	Retry(ctx context.Context) error
	RefreshSession(ctx context.Context) error
	UpdatePassword(ctx context.Context, newPassword string) error
	ClearError()
}

type callbackHandler interface {
	Handle(ctx context.Context, callbackURL *url.URL) session.CallbackOutcome
}

// AuthHandler exposes the session manager and the OAuth callback over HTTP.
type AuthHandler struct {
	manager     sessionManager
	callback    callbackHandler
	logger      *slog.Logger
	frontendURL string
}

// NewAuthHandler creates a new AuthHandler. Browser redirects are resolved
// against frontendURL.
func NewAuthHandler(manager sessionManager, callback callbackHandler, frontendURL string, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		manager:     manager,
		callback:    callback,
		logger:      logger,
		frontendURL: strings.TrimSuffix(frontendURL, "/"),
	}
}

// SignIn handles GET /auth/signin/{provider}
// Redirects the browser to the provider's consent screen.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var (
		authURL string
		err     error
	)
	switch provider := strings.ToLower(chi.URLParam(r, "provider")); provider {
	case "google":
		authURL, err = h.manager.SignInWithGoogle(r.Context())
	case "microsoft", "azure":
		authURL, err = h.manager.SignInWithMicrosoft(r.Context())
	default:
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	if err != nil {
		authErr := auth.Classify(err)
		h.logger.Warn("sign-in redirect failed", "provider", chi.URLParam(r, "provider"), "type", authErr.Type)
		h.redirectToLogin(w, r, authErr.Message)
		return
	}
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback handles GET /auth/callback
// Completes the sign-in and sends the browser into the app or back to login.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	outcome := h.callback.Handle(r.Context(), r.URL)
	if outcome.Failed() {
		h.logger.Info("sign-in did not complete", "message", outcome.Message)
		h.redirectToLogin(w, r, outcome.Message)
		return
	}
	// 303 keeps the callback URL, and its one-time code, out of history.
	http.Redirect(w, r, h.frontendURL+outcome.Navigate, http.StatusSeeOther)
}

type sessionResponse struct {
	User          *auth.User `json:"user"`
	Authenticated bool       `json:"authenticated"`
	Loading       bool       `json:"loading"`
	Initialized   bool       `json:"initialized"`
	Ready         bool       `json:"ready"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Error         *errorBody `json:"error"`
}

func newSessionResponse(st session.State) sessionResponse {
	resp := sessionResponse{
		User:          st.User,
		Authenticated: st.Authenticated(),
		Loading:       st.Loading,
		Initialized:   st.Initialized,
		Ready:         st.IsFullyReady(),
	}
	if st.Session != nil && !st.Session.ExpiresAt.IsZero() {
		expiresAt := st.Session.ExpiresAt
		resp.ExpiresAt = &expiresAt
	}
	if st.Err != nil {
		resp.Error = &errorBody{Type: st.Err.Type, Message: st.Err.Message}
	}
	return resp
}

// Status handles GET /api/session
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSessionResponse(h.manager.State()))
}

// Retry handles POST /api/session/retry
func (h *AuthHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Retry(r.Context()); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(h.manager.State()))
}

// Refresh handles POST /api/session/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.RefreshSession(r.Context()); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(h.manager.State()))
}

// SignOut handles DELETE /api/session
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.SignOut(r.Context()); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdatePassword handles PUT /api/session/password
func (h *AuthHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Password string `json:"password"`
	}
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeJSONError(w, err)
		return
	}

	if err := h.manager.UpdatePassword(r.Context(), payload.Password); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearError handles DELETE /api/session/error
func (h *AuthHandler) ClearError(w http.ResponseWriter, r *http.Request) {
	h.manager.ClearError()
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) redirectToLogin(w http.ResponseWriter, r *http.Request, message string) {
	target := h.frontendURL + loginPath
	if message != "" {
		target += "?message=" + url.QueryEscape(message)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
