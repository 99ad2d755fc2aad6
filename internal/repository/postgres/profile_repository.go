package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"phone-auth-service/internal/model"
)

type ProfileRepository struct {
	db PgxIface
}

func NewProfileRepository(db PgxIface) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// FindByPhone returns a verified profile when one exists, otherwise the
// oldest unverified placeholder for the number.
func (r *ProfileRepository) FindByPhone(ctx context.Context, phone string) (*model.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		p  model.Profile
		id uuid.UUID
	)
	err := r.db.QueryRow(ctx, `
SELECT id, full_name, email, phone_number, phone_verified, role, status, avatar_url, created_at
FROM profiles
WHERE phone_number = $1
ORDER BY phone_verified DESC, created_at ASC
LIMIT 1
`, phone).Scan(&id, &p.FullName, &p.Email, &p.PhoneNumber, &p.PhoneVerified,
		&p.Role, &p.Status, &p.AvatarURL, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find profile by phone: %w", err)
	}
	p.ID = id.String()
	return &p, nil
}

func (r *ProfileRepository) MarkPhoneVerified(ctx context.Context, profileID string) error {
	id, err := uuid.Parse(profileID)
	if err != nil {
		return model.ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `UPDATE profiles SET phone_verified = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark phone verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *ProfileRepository) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return r.db.Ping(ctx)
}
