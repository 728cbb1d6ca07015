package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrorType is the closed set of failure kinds the application branches on.
type ErrorType string

const (
	ErrorInvalidEmail       ErrorType = "INVALID_EMAIL"
	ErrorWeakPassword       ErrorType = "WEAK_PASSWORD"
	ErrorUserAlreadyExists  ErrorType = "USER_ALREADY_EXISTS"
	ErrorInvalidCredentials ErrorType = "INVALID_CREDENTIALS"
	ErrorEmailNotConfirmed  ErrorType = "EMAIL_NOT_CONFIRMED"
	ErrorRateLimitExceeded  ErrorType = "RATE_LIMIT_EXCEEDED"
	ErrorSessionExpired     ErrorType = "SESSION_EXPIRED"
	ErrorProviderDisabled   ErrorType = "PROVIDER_DISABLED"
	ErrorNetwork            ErrorType = "NETWORK_ERROR"
	ErrorUnknown            ErrorType = "UNKNOWN_ERROR"
)

// Recoverable reports whether a failure of this kind is worth retrying locally.
func (t ErrorType) Recoverable() bool {
	return t == ErrorNetwork || t == ErrorRateLimitExceeded
}

const genericErrorMessage = "An unexpected error occurred. Please try again."

// Error is a classified authentication failure. It is never mutated after
// construction.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Details   any       `json:"details,omitempty"`
}

// NewError constructs a classified error stamped with the current time.
func NewError(t ErrorType, message string, details any) *Error {
	if message == "" {
		message = genericErrorMessage
	}
	return &Error{Type: t, Message: message, Timestamp: time.Now(), Details: details}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ProviderError is the structured failure returned by the identity provider.
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth provider: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("auth provider (%d): %s", e.Status, e.Message)
}

type classification struct {
	kind    ErrorType
	message string
}

var providerCodes = map[string]classification{
	"invalid_email":                {ErrorInvalidEmail, "Please enter a valid email address."},
	"email_address_invalid":        {ErrorInvalidEmail, "Please enter a valid email address."},
	"validation_failed":            {ErrorInvalidEmail, "Please check the email address and try again."},
	"weak_password":                {ErrorWeakPassword, "Password is too weak. Use at least 6 characters with a mix of letters and numbers."},
	"user_already_exists":          {ErrorUserAlreadyExists, "An account with this email already exists. Try signing in instead."},
	"email_exists":                 {ErrorUserAlreadyExists, "An account with this email already exists. Try signing in instead."},
	"invalid_credentials":          {ErrorInvalidCredentials, "Invalid email or password."},
	"invalid_grant":                {ErrorInvalidCredentials, "Invalid email or password."},
	"user_not_found":               {ErrorInvalidCredentials, "No account was found for these credentials."},
	"email_address_not_authorized": {ErrorInvalidCredentials, "This email address is not authorized to sign in."},
	"email_not_confirmed":          {ErrorEmailNotConfirmed, "Please confirm your email address before signing in."},
	"over_request_rate_limit":      {ErrorRateLimitExceeded, "Too many attempts. Please wait a moment and try again."},
	"over_email_send_rate_limit":   {ErrorRateLimitExceeded, "Too many emails sent. Please wait a moment and try again."},
	"too_many_requests":            {ErrorRateLimitExceeded, "Too many attempts. Please wait a moment and try again."},
	"session_not_found":            {ErrorSessionExpired, "Your session has expired. Please sign in again."},
	"session_expired":              {ErrorSessionExpired, "Your session has expired. Please sign in again."},
	"refresh_token_not_found":      {ErrorSessionExpired, "Your session has expired. Please sign in again."},
	"refresh_token_already_used":   {ErrorSessionExpired, "Your session has expired. Please sign in again."},
	"bad_jwt":                      {ErrorSessionExpired, "Your session is no longer valid. Please sign in again."},
	"provider_disabled":            {ErrorProviderDisabled, "This sign-in method is currently unavailable."},
	"signup_disabled":              {ErrorProviderDisabled, "New sign-ups are currently disabled."},
}

// messagePatterns is a heuristic for provider failures that carry no code.
// Provider wording is not a stable contract, so only a few well-known phrases
// are matched; order matters.
var messagePatterns = []struct {
	needles []string
	classification
}{
	{[]string{"user already registered"}, classification{ErrorUserAlreadyExists, "An account with this email already exists. Try signing in instead."}},
	{[]string{"invalid login credentials"}, classification{ErrorInvalidCredentials, "Invalid email or password."}},
	{[]string{"too many requests"}, classification{ErrorRateLimitExceeded, "Too many attempts. Please wait a moment and try again."}},
	{[]string{"session", "jwt"}, classification{ErrorSessionExpired, "Your session has expired. Please sign in again."}},
	{[]string{"network", "fetch"}, classification{ErrorNetwork, "Network error. Please check your connection and try again."}},
}

// Classify translates any failure raised while talking to the identity
// provider into a classified Error. It returns nil only for a nil input.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) && classified != nil {
		return classified
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr != nil && providerErr.Code != "" {
		if c, ok := providerCodes[strings.ToLower(providerErr.Code)]; ok {
			return NewError(c.kind, c.message, providerErr)
		}
		return NewError(ErrorUnknown, providerErr.Message, providerErr)
	}

	if isTransportFailure(err) {
		return NewError(ErrorNetwork, "Network error. Please check your connection and try again.", err.Error())
	}

	message := err.Error()
	if providerErr != nil {
		message = providerErr.Message
	}
	if c, ok := matchMessage(message); ok {
		return NewError(c.kind, c.message, message)
	}

	return NewError(ErrorUnknown, message, nil)
}

func matchMessage(message string) (classification, bool) {
	lower := strings.ToLower(message)
	for _, p := range messagePatterns {
		for _, needle := range p.needles {
			if strings.Contains(lower, needle) {
				return p.classification, true
			}
		}
	}
	return classification{}, false
}

func isTransportFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
