package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"oentex/internal/auth"
	"oentex/internal/platform/logging"
)

const (
	msgMicrosoftEmail = "Your Microsoft account did not share an email address. Add an email to your Microsoft profile or sign in with Google instead."
	msgAuthFailed     = "Authentication failed. Please try again."
	msgNoSession      = "We could not complete your sign-in. Please try signing in again."
	msgUnexpected     = "Something went wrong during sign-in. Please try again."

	// DefaultCallbackRedirect is where a completed sign-in lands.
	DefaultCallbackRedirect = "/dashboard"
)

// CallbackOutcome tells the caller where to send the browser after the
// provider redirect. Exactly one of Navigate or Message is set.
type CallbackOutcome struct {
	// Navigate is the in-app path to open on success.
	Navigate string `json:"navigate,omitempty"`
	// Replace means the callback URL must not stay in history.
	Replace bool `json:"replace,omitempty"`
	// Message is shown on the sign-in page on failure.
	Message string `json:"message,omitempty"`
}

// Failed reports whether the sign-in did not complete.
func (o CallbackOutcome) Failed() bool {
	return o.Message != ""
}

// CallbackHandler completes OAuth sign-ins when the provider redirects back.
type CallbackHandler struct {
	gateway         auth.Gateway
	defaultRedirect string
	logger          *slog.Logger
}

// NewCallbackHandler creates a handler that lands successful sign-ins on
// defaultRedirect.
func NewCallbackHandler(gateway auth.Gateway, defaultRedirect string, logger *slog.Logger) *CallbackHandler {
	if !isValidRedirectPath(defaultRedirect) {
		defaultRedirect = DefaultCallbackRedirect
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &CallbackHandler{
		gateway:         gateway,
		defaultRedirect: defaultRedirect,
		logger:          logger,
	}
}

// Handle inspects the callback URL and finishes the sign-in. It never
// returns an error; every failure becomes a user-facing message.
func (h *CallbackHandler) Handle(ctx context.Context, callbackURL *url.URL) (outcome CallbackOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("auth callback panicked", "panic", fmt.Sprint(rec))
			outcome = CallbackOutcome{Message: msgUnexpected}
		}
	}()

	query := callbackURL.Query()

	if errParam := query.Get("error"); errParam != "" {
		description := query.Get("error_description")
		h.logger.Warn("auth callback: provider error",
			"error", errParam,
			"error_code", query.Get("error_code"),
			"description", description,
		)
		if query.Get("error_code") == "unexpected_failure" && mentionsEmail(description) {
			return CallbackOutcome{Message: msgMicrosoftEmail}
		}
		return CallbackOutcome{Message: msgAuthFailed}
	}

	target := h.defaultRedirect
	if redirectTo := query.Get("redirect_to"); isValidRedirectPath(redirectTo) {
		target = redirectTo
	}

	if code := query.Get("code"); code != "" {
		if _, err := h.gateway.ExchangeCodeForSession(ctx, code); err != nil {
			h.logger.Error("auth callback: code exchange failed", "error", err)
			if mentionsEmail(err.Error()) {
				return CallbackOutcome{Message: msgMicrosoftEmail}
			}
			return CallbackOutcome{Message: msgAuthFailed}
		}
		h.logger.Info("auth callback: code exchanged", "redirect", target)
		return CallbackOutcome{Navigate: target, Replace: true}
	}

	// Implicit-flow providers put the tokens in the fragment; the gateway
	// picks them up on its own.
	if strings.Contains(callbackURL.Fragment, "access_token") {
		return CallbackOutcome{Navigate: target, Replace: true}
	}

	session, err := h.gateway.GetSession(ctx)
	if err != nil {
		h.logger.Warn("auth callback: session lookup failed", "error", err)
		return CallbackOutcome{Message: msgNoSession}
	}
	if session == nil {
		return CallbackOutcome{Message: msgNoSession}
	}
	return CallbackOutcome{Navigate: target, Replace: true}
}

func mentionsEmail(s string) bool {
	return strings.Contains(strings.ToLower(s), "email")
}

// isValidRedirectPath reports whether path is a safe in-app redirect: a
// single leading slash, no scheme or host, also after unescaping.
func isValidRedirectPath(path string) bool {
	if path == "" {
		return false
	}

	// Decode to catch encoded bypass attempts like /%2f%2f
	decoded, err := url.QueryUnescape(path)
	if err != nil {
		return false
	}
	if !strings.HasPrefix(decoded, "/") || strings.HasPrefix(decoded, "//") || strings.HasPrefix(decoded, "/\\") {
		return false
	}

	parsed, err := url.Parse(decoded)
	if err != nil {
		return false
	}
	return parsed.Scheme == "" && parsed.Host == ""
}
