package auth

import "context"

// Provider names an external OAuth identity provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderAzure  Provider = "azure"
)

// EventType tags a change pushed by the gateway's auth-state subscription.
type EventType string

const (
	EventInitialSession EventType = "INITIAL_SESSION"
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventUserUpdated    EventType = "USER_UPDATED"
)

// Event is delivered to OnAuthStateChange listeners. Session is nil after a
// sign-out.
type Event struct {
	Type    EventType
	Session *Session
}

// OAuthOptions configures an OAuth sign-in redirect.
type OAuthOptions struct {
	RedirectTo  string
	Scopes      []string
	QueryParams map[string]string
}

// UserAttributes carries the fields accepted by UpdateUser.
type UserAttributes struct {
	Password string `json:"password,omitempty"`
}

// Gateway is the hosted identity provider. Implementations return
// *ProviderError for failures reported by the provider.
type Gateway interface {
	GetSession(ctx context.Context) (*Session, error)
	// SignInWithOAuth returns the provider URL the browser must be sent to.
	SignInWithOAuth(ctx context.Context, provider Provider, opts OAuthOptions) (string, error)
	ExchangeCodeForSession(ctx context.Context, code string) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error)
	SignOut(ctx context.Context) error
	// OnAuthStateChange registers fn and returns a function that removes it.
	OnAuthStateChange(fn func(Event)) (unsubscribe func())
}
