package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = pq.ErrorCode("23505")

// PostgresProfileRepository implements ProfileRepository using PostgreSQL.
type PostgresProfileRepository struct {
	db *sqlx.DB
}

// NewPostgresProfileRepository creates a new PostgresProfileRepository.
func NewPostgresProfileRepository(db *sqlx.DB) *PostgresProfileRepository {
	return &PostgresProfileRepository{db: db}
}

// FindProfile looks up a profile by user ID. It returns nil when none exists.
func (r *PostgresProfileRepository) FindProfile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	const query = `
		SELECT id, full_name, email, avatar_url, provider, created_at, updated_at
		FROM profiles
		WHERE id = $1
	`

	var row profileRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return row.toProfile(), nil
}

// CreateProfile inserts a new profile. A duplicate key yields ErrProfileExists.
func (r *PostgresProfileRepository) CreateProfile(ctx context.Context, profile Profile) error {
	const query = `
		INSERT INTO profiles (id, full_name, email, avatar_url, provider, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		profile.ID,
		profile.FullName,
		profile.Email,
		profile.AvatarURL,
		profile.Provider,
		profile.CreatedAt,
		profile.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrProfileExists
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// profileRow is a database row representation of Profile.
type profileRow struct {
	ID        uuid.UUID `db:"id"`
	FullName  string    `db:"full_name"`
	Email     string    `db:"email"`
	AvatarURL string    `db:"avatar_url"`
	Provider  string    `db:"provider"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *profileRow) toProfile() *Profile {
	return &Profile{
		ID:        r.ID,
		FullName:  r.FullName,
		Email:     r.Email,
		AvatarURL: r.AvatarURL,
		Provider:  r.Provider,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
