package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// User represents the identity attached to an authenticated session.
type User struct {
	ID           uuid.UUID    `json:"id"`
	Email        string       `json:"email"`
	Metadata     UserMetadata `json:"user_metadata"`
	Provider     string       `json:"provider"`
	CreatedAt    time.Time    `json:"created_at"`
	LastSignInAt time.Time    `json:"last_sign_in_at"`
}

// UserMetadata holds the provider-supplied profile attributes.
type UserMetadata struct {
	FullName  string `json:"full_name,omitempty"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName picks the best available human-readable name for the user.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.Metadata.FullName); name != "" {
		return name
	}
	if name := strings.TrimSpace(u.Metadata.Name); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(u.Email, "@"); ok && local != "" {
		return local
	}
	return "User"
}

// Session is a live authenticated connection to the identity provider.
// The token pair is opaque to this layer.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *User     `json:"user"`
}

// Token exposes the session credentials as an oauth2 token so they can
// authenticate outbound requests.
func (s *Session) Token() *oauth2.Token {
	tokenType := s.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    tokenType,
		Expiry:       s.ExpiresAt,
	}
}

// ExpiresWithin reports whether the session expires within d of now.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return s.ExpiresAt.Sub(now) <= d
}

// Profile is the persisted user profile record keyed by the user ID.
type Profile struct {
	ID        uuid.UUID
	FullName  string
	Email     string
	AvatarURL string
	Provider  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileFromUser builds a fresh profile record from the identity metadata.
func ProfileFromUser(user User, now time.Time) Profile {
	provider := user.Provider
	if provider == "" {
		provider = "email"
	}
	return Profile{
		ID:        user.ID,
		FullName:  user.DisplayName(),
		Email:     user.Email,
		AvatarURL: user.Metadata.AvatarURL,
		Provider:  provider,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
