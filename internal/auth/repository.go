package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrProfileExists is returned by CreateProfile when a row with the same ID is already stored.
var ErrProfileExists = errors.New("profile already exists")

// ProfileRepository defines persistence for user profiles.
type ProfileRepository interface {
	// FindProfile returns nil without error when no profile exists.
	FindProfile(ctx context.Context, id uuid.UUID) (*Profile, error)
	CreateProfile(ctx context.Context, profile Profile) error
}
